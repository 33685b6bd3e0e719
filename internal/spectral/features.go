// Package spectral extracts the spectral features used to tell the chanted
// phonemes apart: RMS level, spectral flatness, formant band energies and
// MFCC vectors. The formant classifier and the calibration recorder share it.
package spectral

import (
	"math"

	"github.com/MrWong99/vocalis/internal/dsp"
	"github.com/MrWong99/vocalis/pkg/audio"
)

// Band edges in Hz.
const (
	LowBandMin  = 250.0
	LowBandMax  = 500.0
	MidBandMin  = 500.0
	MidBandMax  = 900.0
	HighBandMin = 900.0
	HighBandMax = 1400.0

	FlatnessMin = 100.0
	FlatnessMax = 4000.0
)

// epsilon keeps ratios and logarithms finite.
const epsilon = 1e-10

// Features summarises one frame.
type Features struct {
	RMS      float64 `json:"rms"`
	Flatness float64 `json:"flatness"`
	Low      float64 `json:"low"`
	Mid      float64 `json:"mid"`
	High     float64 `json:"high"`

	// Ratio is (Mid+High)/(Low+epsilon). Open vowels push energy upward.
	Ratio float64 `json:"ratio"`
}

// Extract computes Features from frame. A frame without a spectrum yields
// only RMS.
func Extract(frame audio.Frame) Features {
	f := Features{RMS: dsp.RMS(frame.TimeDomain)}
	if len(frame.FrequencyDomain) == 0 || frame.SampleRate <= 0 {
		return f
	}
	binHz := frame.BinHz()
	spectrum := frame.FrequencyDomain

	f.Flatness = flatness(spectrum, binHz, FlatnessMin, FlatnessMax)
	f.Low = bandEnergy(spectrum, binHz, LowBandMin, LowBandMax)
	f.Mid = bandEnergy(spectrum, binHz, MidBandMin, MidBandMax)
	f.High = bandEnergy(spectrum, binHz, HighBandMin, HighBandMax)
	f.Ratio = (f.Mid + f.High) / (f.Low + epsilon)
	return f
}

// binRange returns the half-open bin index range covering [lo, hi] Hz.
func binRange(n int, binHz, lo, hi float64) (int, int) {
	start := int(math.Ceil(lo / binHz))
	end := int(math.Floor(hi/binHz)) + 1
	start = max(start, 0)
	end = min(end, n)
	return start, end
}

func power(db float32) float64 {
	m := audio.DecibelsToMagnitude(db)
	return m * m
}

// bandEnergy is the square root of the mean power per bin.
func bandEnergy(spectrum []float32, binHz, lo, hi float64) float64 {
	start, end := binRange(len(spectrum), binHz, lo, hi)
	if end <= start {
		return 0
	}
	var sum float64
	for _, db := range spectrum[start:end] {
		sum += power(db)
	}
	return math.Sqrt(sum / float64(end-start))
}

// flatness is the ratio of geometric to arithmetic mean power, in [0, 1].
func flatness(spectrum []float32, binHz, lo, hi float64) float64 {
	start, end := binRange(len(spectrum), binHz, lo, hi)
	if end <= start {
		return 0
	}
	var logSum, sum float64
	for _, db := range spectrum[start:end] {
		p := power(db) + epsilon
		logSum += math.Log(p)
		sum += p
	}
	n := float64(end - start)
	arith := sum / n
	if arith <= 0 {
		return 0
	}
	return dsp.Clamp(math.Exp(logSum/n)/arith, 0, 1)
}
