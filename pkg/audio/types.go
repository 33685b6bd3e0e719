package audio

import "time"

// FrameSize is the number of time-domain samples in a single analysis frame.
// The matching frequency-domain buffer has FrameSize/2 bins.
const FrameSize = 2048

// Frame is a single block of audio handed to the analysers. It is produced by
// a [Source] and consumed once per analysis tick.
type Frame struct {
	// TimeDomain holds mono float samples in [-1, 1].
	TimeDomain []float32

	// FrequencyDomain holds per-bin magnitudes in dBFS, the same convention as
	// the Web Audio AnalyserNode. Bin i covers i*SampleRate/(2*len) Hz.
	// May be nil when the source only offers time-domain data; use
	// [Analyser] to derive it.
	FrequencyDomain []float32

	// SampleRate in Hz (e.g., 44100 or 48000).
	SampleRate int

	// Timestamp marks when the frame was pulled from the source.
	Timestamp time.Time
}

// BinHz returns the width of a single frequency-domain bin in Hz, or 0 when
// the frame carries no spectrum.
func (f Frame) BinHz() float64 {
	if len(f.FrequencyDomain) == 0 || f.SampleRate <= 0 {
		return 0
	}
	return float64(f.SampleRate) / float64(2*len(f.FrequencyDomain))
}
