// Package audio defines the capture-collaborator interface and the frame
// types consumed by the vocalis analysers.
//
// The central abstraction is [Source]: anything that can hand the engine the
// most recent time-domain block, an optional frequency-domain block and the
// sample rate, on demand. Device capture lives outside this module; adapters
// such as audio/stream implement [Source] for pushed PCM or Opus.
//
// This package lives under pkg/ because hosts embedding the engine are
// expected to implement [Source] for their own capture stack.
package audio

import (
	"errors"
	"time"
)

// ErrNoData is returned by [Pull] when the source has no time-domain samples
// yet (e.g., the microphone has not started).
var ErrNoData = errors.New("audio: source has no data")

// Source is the capture collaborator polled by the analysis loop.
//
// Each method returns a snapshot; callers must not retain or mutate the
// returned slices across ticks. Returning nil means "no data right now" and is
// never an error.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// FrequencyDomainFrame returns the latest spectrum in dBFS, or nil when
	// the source does not compute one.
	FrequencyDomainFrame() []float32

	// TimeDomainFrame returns the latest FrameSize time-domain samples, or nil.
	TimeDomainFrame() []float32

	// SampleRate returns the sample rate of the buffers in Hz.
	SampleRate() int
}

// Pull reads one [Frame] from src. When the source offers no spectrum, the
// supplied analyser derives it from the time-domain samples; a nil analyser
// leaves FrequencyDomain empty.
func Pull(src Source, an *Analyser, now time.Time) (Frame, error) {
	td := src.TimeDomainFrame()
	if len(td) == 0 {
		return Frame{}, ErrNoData
	}
	frame := Frame{
		TimeDomain:      td,
		FrequencyDomain: src.FrequencyDomainFrame(),
		SampleRate:      src.SampleRate(),
		Timestamp:       now,
	}
	if len(frame.FrequencyDomain) == 0 && an != nil {
		spectrum, err := an.Spectrum(td)
		if err != nil {
			return Frame{}, err
		}
		frame.FrequencyDomain = spectrum
	}
	return frame, nil
}
