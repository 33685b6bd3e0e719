package stream

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/vocalis/pkg/audio"
)

// Opus always decodes at 48 kHz; 20 ms frames are the common packet size,
// but the decoder accepts up to 120 ms.
const (
	OpusSampleRate   = 48000
	opusMaxFrameSize = OpusSampleRate * 120 / 1000
)

// OpusDecoder turns Opus packets from one stream into PCM16. Decoder state
// carries across packets, so use one per stream.
type OpusDecoder struct {
	dec      *gopus.Decoder
	channels int
}

// NewOpusDecoder creates a decoder for mono (1) or stereo (2) packets.
func NewOpusDecoder(channels int) (*OpusDecoder, error) {
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("stream: opus channels must be 1 or 2, got %d", channels)
	}
	dec, err := gopus.NewDecoder(OpusSampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("stream: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec, channels: channels}, nil
}

// Format describes the PCM produced by Decode.
func (d *OpusDecoder) Format() audio.Format {
	return audio.Format{SampleRate: OpusSampleRate, Channels: d.channels}
}

// Decode decodes one packet into interleaved little-endian PCM16.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, opusMaxFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("stream: opus decode: %w", err)
	}
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out, nil
}
