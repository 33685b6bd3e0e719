package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Converter turns little-endian int16 PCM chunks of any supported format into
// mono float samples at the target rate. It logs a warning on the first format
// mismatch and on the first corrupt chunk.
// Create one per stream; not designed for shared use across goroutines.
type Converter struct {
	TargetRate     int
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert downmixes, resamples and normalises pcm. Chunks whose byte count is
// not a whole number of frames are dropped (nil result).
func (c *Converter) Convert(pcm []byte, from Format) []float32 {
	frameBytes := 2 * max(from.Channels, 1)
	if len(pcm)%frameBytes != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio converter: partial PCM frame, dropping chunk",
				"bytes", len(pcm),
				"format", from.String(),
			)
		})
		return nil
	}

	if from.Channels == 2 {
		pcm = StereoToMono(pcm)
	} else if from.Channels > 2 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio converter: unsupported channel count, dropping chunk", "channels", from.Channels)
		})
		return nil
	}

	if c.TargetRate > 0 && from.SampleRate != c.TargetRate {
		c.warnedMismatch.Do(func() {
			slog.Warn("audio format mismatch: resampling",
				"from", from.String(),
				"to", Format{SampleRate: c.TargetRate, Channels: 1}.String(),
			)
		})
		pcm = ResampleMono16(pcm, from.SampleRate, c.TargetRate)
	}
	return PCM16ToFloat32(pcm)
}

// PCM16ToFloat32 converts little-endian int16 samples to floats in [-1, 1).
func PCM16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(s) / 32768
	}
	return out
}

// Float32ToPCM16 converts float samples to little-endian int16, clamping to
// the int16 range.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, f := range samples {
		v := int32(f * 32768)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// Int16ToFloat32 converts decoded int16 samples (e.g., from an Opus decoder)
// to floats in [-1, 1).
func Int16ToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := min(max((l+r)/2, -32768), 32767)
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. If the rates match or are invalid, the input is returned.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := int16(pcm[idx*2]) | int16(pcm[idx*2+1])<<8
		s1 := s0
		if idx+1 < srcSamples {
			s1 = int16(pcm[(idx+1)*2]) | int16(pcm[(idx+1)*2+1])<<8
		}
		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}
