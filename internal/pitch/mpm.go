package pitch

import (
	"math"

	"github.com/MrWong99/vocalis/internal/dsp"
	"gonum.org/v1/gonum/dsp/fourier"
)

// Estimator turns one block of mono samples into a fundamental frequency
// estimate and a clarity in [0, 1]. A frequency of 0 means no periodicity
// was found. Implementations need not be safe for concurrent use.
type Estimator interface {
	Estimate(samples []float32, sampleRate int) (frequency, clarity float64)
}

// Frequency search range of the default estimator.
const (
	DefaultMinFrequency = 60.0
	DefaultMaxFrequency = 1000.0
)

// keyMaximumCutoff selects the first NSDF key maximum that reaches this
// fraction of the highest one.
const keyMaximumCutoff = 0.93

var _ Estimator = (*MPM)(nil)

// MPM is the McLeod pitch method: a normalized square difference function
// computed from an FFT autocorrelation, followed by key-maximum picking and
// parabolic interpolation.
type MPM struct {
	MinFrequency float64
	MaxFrequency float64

	fft    *fourier.FFT
	padded []float64
	coeff  []complex128
	acf    []float64
	nsdf   []float64
}

// NewMPM returns an MPM estimator searching [DefaultMinFrequency, DefaultMaxFrequency].
func NewMPM() *MPM {
	return &MPM{MinFrequency: DefaultMinFrequency, MaxFrequency: DefaultMaxFrequency}
}

// Estimate implements [Estimator].
func (m *MPM) Estimate(samples []float32, sampleRate int) (float64, float64) {
	n := len(samples)
	if n < 4 || sampleRate <= 0 {
		return 0, 0
	}
	minLag := int(math.Floor(float64(sampleRate) / m.MaxFrequency))
	maxLag := int(math.Ceil(float64(sampleRate) / m.MinFrequency))
	if maxLag > n/2 {
		maxLag = n / 2
	}
	if minLag < 1 {
		minLag = 1
	}
	if minLag >= maxLag {
		return 0, 0
	}

	nsdf := m.normalizedSquareDifference(samples, maxLag+2)

	// Skip the lobe around lag 0, then record the maximum of each positive
	// region between zero crossings.
	tau := 1
	for tau < len(nsdf) && nsdf[tau] > 0 {
		tau++
	}
	var peaks []int
	best := 0.0
	for tau < len(nsdf)-1 {
		for tau < len(nsdf)-1 && nsdf[tau] <= 0 {
			tau++
		}
		peak := -1
		for tau < len(nsdf)-1 && nsdf[tau] > 0 {
			if peak < 0 || nsdf[tau] > nsdf[peak] {
				peak = tau
			}
			tau++
		}
		if peak >= minLag && peak <= maxLag {
			peaks = append(peaks, peak)
			best = math.Max(best, nsdf[peak])
		}
	}
	if len(peaks) == 0 || best <= 0 {
		return 0, 0
	}

	for _, p := range peaks {
		if nsdf[p] < keyMaximumCutoff*best {
			continue
		}
		lag, value := interpolate(nsdf, p)
		if lag <= 0 {
			return 0, 0
		}
		return float64(sampleRate) / lag, dsp.Clamp(value, 0, 1)
	}
	return 0, 0
}

// normalizedSquareDifference returns NSDF values for lags [0, lags).
func (m *MPM) normalizedSquareDifference(samples []float32, lags int) []float64 {
	n := len(samples)
	size := 2 * n
	if m.fft == nil || m.fft.Len() != size {
		m.fft = fourier.NewFFT(size)
		m.padded = make([]float64, size)
		m.coeff = make([]complex128, size/2+1)
		m.acf = make([]float64, size)
	}
	for i := range m.padded {
		m.padded[i] = 0
	}
	for i, s := range samples {
		m.padded[i] = float64(s)
	}

	m.coeff = m.fft.Coefficients(m.coeff, m.padded)
	for i, c := range m.coeff {
		m.coeff[i] = complex(real(c)*real(c)+imag(c)*imag(c), 0)
	}
	m.acf = m.fft.Sequence(m.acf, m.coeff)

	if lags > n {
		lags = n
	}
	if cap(m.nsdf) < lags {
		m.nsdf = make([]float64, lags)
	}
	nsdf := m.nsdf[:lags]

	var energy float64
	for _, s := range samples {
		energy += float64(s) * float64(s)
	}
	norm := 2 * energy
	for tau := 0; tau < lags; tau++ {
		if tau > 0 {
			a := float64(samples[tau-1])
			b := float64(samples[n-tau])
			norm -= a*a + b*b
		}
		// Sequence is unnormalized by the transform length.
		r := m.acf[tau] / float64(size)
		if norm > 1e-12 {
			nsdf[tau] = 2 * r / norm
		} else {
			nsdf[tau] = 0
		}
	}
	return nsdf
}

// interpolate fits a parabola through the peak at i and its neighbours.
func interpolate(ys []float64, i int) (x, y float64) {
	if i <= 0 || i >= len(ys)-1 {
		return float64(i), ys[i]
	}
	a, b, c := ys[i-1], ys[i], ys[i+1]
	den := a - 2*b + c
	if den == 0 {
		return float64(i), b
	}
	delta := 0.5 * (a - c) / den
	return float64(i) + delta, b - 0.25*(a-c)*delta
}
