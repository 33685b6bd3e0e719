package audio

import (
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// MinDecibels is the floor applied to empty bins so the spectrum never
// contains -Inf.
const MinDecibels = -100

// Analyser turns time-domain blocks into dBFS magnitude spectra, matching the
// shape of a Web Audio AnalyserNode: Blackman window, magnitude normalised by
// the FFT size, optional exponential smoothing over time.
//
// An Analyser keeps smoothing state and is not safe for concurrent use.
type Analyser struct {
	size      int
	smoothing float64

	once   sync.Once
	fft    *fourier.FFT
	window []float64
	buf    []float64
	coeff  []complex128
	prev   []float64
}

// NewAnalyser creates an analyser for blocks of size samples. smoothing is the
// time constant in [0, 1); 0 disables smoothing. size must be a positive even
// number.
func NewAnalyser(size int, smoothing float64) (*Analyser, error) {
	if size <= 0 || size%2 != 0 {
		return nil, fmt.Errorf("audio: analyser size %d must be positive and even", size)
	}
	if smoothing < 0 || smoothing >= 1 || math.IsNaN(smoothing) {
		return nil, fmt.Errorf("audio: analyser smoothing %.2f out of range [0, 1)", smoothing)
	}
	return &Analyser{size: size, smoothing: smoothing}, nil
}

// Size returns the block size the analyser was created for.
func (a *Analyser) Size() int { return a.size }

func (a *Analyser) init() {
	a.fft = fourier.NewFFT(a.size)
	a.window = blackman(a.size)
	a.buf = make([]float64, a.size)
	a.coeff = make([]complex128, a.size/2+1)
	a.prev = make([]float64, a.size/2)
}

// Spectrum returns size/2 bins of dBFS magnitudes for samples. A block of the
// wrong length is a programmer error and yields an error.
func (a *Analyser) Spectrum(samples []float32) ([]float32, error) {
	if len(samples) != a.size {
		return nil, fmt.Errorf("audio: analyser expects %d samples, got %d", a.size, len(samples))
	}
	a.once.Do(a.init)

	for i, s := range samples {
		a.buf[i] = float64(s) * a.window[i]
	}
	a.coeff = a.fft.Coefficients(a.coeff, a.buf)

	out := make([]float32, a.size/2)
	n := float64(a.size)
	for k := range out {
		mag := cmplx.Abs(a.coeff[k]) / n
		if a.smoothing > 0 {
			mag = a.smoothing*a.prev[k] + (1-a.smoothing)*mag
		}
		a.prev[k] = mag
		db := float64(MinDecibels)
		if mag > 0 {
			db = 20 * math.Log10(mag)
		}
		if db < MinDecibels {
			db = MinDecibels
		}
		out[k] = float32(db)
	}
	return out, nil
}

// Reset clears the smoothing history.
func (a *Analyser) Reset() {
	for i := range a.prev {
		a.prev[i] = 0
	}
}

// blackman returns the classic Blackman window (alpha = 0.16).
func blackman(n int) []float64 {
	const alpha = 0.16
	a0 := (1 - alpha) / 2
	a1 := 0.5
	a2 := alpha / 2
	w := make([]float64, n)
	for i := range w {
		x := 2 * math.Pi * float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(x) + a2*math.Cos(2*x)
	}
	return w
}

// DecibelsToMagnitude converts a dBFS magnitude into a linear amplitude.
func DecibelsToMagnitude(db float32) float64 {
	return math.Pow(10, float64(db)/20)
}
