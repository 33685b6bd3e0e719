// Package spectraltest builds synthetic frames with chosen spectral features
// for tests of the classifier and calibration recorder.
package spectraltest

import (
	"math"

	"github.com/MrWong99/vocalis/pkg/audio"
)

// SampleRate and bin count of generated frames.
const (
	SampleRate = 48000
	Bins       = audio.FrameSize / 2
)

// Tone returns FrameSize samples of a sine at freq with amplitude amp.
func Tone(freq, amp float64) []float32 {
	out := make([]float32, audio.FrameSize)
	for i := range out {
		out[i] = float32(amp * math.Sin(2*math.Pi*freq*float64(i)/SampleRate))
	}
	return out
}

// VowelFrame returns a frame whose band-energy ratio (mid+high)/low is ratio
// and whose spectrum is peaky (low flatness). amp sets the time-domain level.
func VowelFrame(ratio, amp float64) audio.Frame {
	spectrum := floor()
	binHz := float64(SampleRate) / float64(2*Bins)
	lowMag := 0.01
	// Mid and high bands carry equal magnitude, so ratio = 2*upper/low.
	upperMag := ratio * lowMag / 2
	for i := range spectrum {
		hz := float64(i) * binHz
		switch {
		case hz >= 250 && hz < 500:
			spectrum[i] = db(lowMag)
		case hz >= 500 && hz <= 1400:
			spectrum[i] = db(upperMag)
		}
	}
	return audio.Frame{TimeDomain: Tone(130, amp), FrequencyDomain: spectrum, SampleRate: SampleRate}
}

// HumFrame returns a frame with a flat spectrum (flatness close to 1).
func HumFrame(amp float64) audio.Frame {
	spectrum := make([]float32, Bins)
	for i := range spectrum {
		spectrum[i] = db(0.01)
	}
	return audio.Frame{TimeDomain: Tone(130, amp), FrequencyDomain: spectrum, SampleRate: SampleRate}
}

// SilentFrame returns a frame of zeros with a floored spectrum.
func SilentFrame() audio.Frame {
	return audio.Frame{
		TimeDomain:      make([]float32, audio.FrameSize),
		FrequencyDomain: floor(),
		SampleRate:      SampleRate,
	}
}

func floor() []float32 {
	spectrum := make([]float32, Bins)
	for i := range spectrum {
		spectrum[i] = audio.MinDecibels
	}
	return spectrum
}

func db(mag float64) float32 { return float32(20 * math.Log10(mag)) }
