package spectral

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// MFCC layout.
const (
	NumCoefficients = 13
	NumMelFilters   = 26

	melMinHz = 20.0
	melMaxHz = 8000.0
)

// Vector is one MFCC feature vector.
type Vector [NumCoefficients]float64

// MFCC computes mel-frequency cepstral coefficients from dBFS spectra of a
// fixed bin count and sample rate. It caches its filterbank and is not safe
// for concurrent use.
type MFCC struct {
	sampleRate int
	bins       int

	filters []melFilter
	dct     *mat.Dense
	logMel  []float64
	melVec  *mat.VecDense // shares logMel
	cep     *mat.VecDense
}

type melFilter struct {
	start   int
	weights []float64
}

// NewMFCC builds the filterbank for spectra of bins bins at sampleRate.
func NewMFCC(sampleRate, bins int) *MFCC {
	m := &MFCC{
		sampleRate: sampleRate,
		bins:       bins,
		dct:        dctII(NumCoefficients, NumMelFilters),
		logMel:     make([]float64, NumMelFilters),
		cep:        mat.NewVecDense(NumCoefficients, nil),
	}
	m.melVec = mat.NewVecDense(NumMelFilters, m.logMel)
	m.filters = melFilterbank(sampleRate, bins)
	return m
}

// dctII returns the first k rows of the orthonormal DCT-II matrix for
// inputs of length n:
//
//	X[k] = s(k) * sum_i x[i] * cos(pi*k*(2i+1) / 2n),  s(0) = sqrt(1/n), s(k) = sqrt(2/n)
func dctII(k, n int) *mat.Dense {
	d := mat.NewDense(k, n, nil)
	for r := range k {
		scale := math.Sqrt(2 / float64(n))
		if r == 0 {
			scale = math.Sqrt(1 / float64(n))
		}
		for i := range n {
			d.Set(r, i, scale*math.Cos(math.Pi*float64(r)*float64(2*i+1)/float64(2*n)))
		}
	}
	return d
}

// Matches reports whether m was built for the given layout.
func (m *MFCC) Matches(sampleRate, bins int) bool {
	return m != nil && m.sampleRate == sampleRate && m.bins == bins
}

// Compute returns the MFCC vector of spectrum. The second result is false when
// the spectrum does not match the filterbank layout.
func (m *MFCC) Compute(spectrum []float32) (Vector, bool) {
	var v Vector
	if len(spectrum) != m.bins || len(m.filters) == 0 {
		return v, false
	}
	for i, f := range m.filters {
		var e float64
		for j, w := range f.weights {
			e += w * power(spectrum[f.start+j])
		}
		m.logMel[i] = math.Log(e + epsilon)
	}
	m.cep.MulVec(m.dct, m.melVec)
	for i := range v {
		v[i] = m.cep.AtVec(i)
	}
	return v, true
}

func hzToMel(hz float64) float64  { return 2595 * math.Log10(1+hz/700) }
func melToHz(mel float64) float64 { return 700 * (math.Pow(10, mel/2595) - 1) }

// melFilterbank builds triangular filters equally spaced on the mel scale.
func melFilterbank(sampleRate, bins int) []melFilter {
	if sampleRate <= 0 || bins <= 0 {
		return nil
	}
	binHz := float64(sampleRate) / float64(2*bins)
	hi := math.Min(melMaxHz, float64(sampleRate)/2)
	lowMel, highMel := hzToMel(melMinHz), hzToMel(hi)

	edges := make([]float64, NumMelFilters+2)
	for i := range edges {
		edges[i] = melToHz(lowMel + (highMel-lowMel)*float64(i)/float64(NumMelFilters+1))
	}

	filters := make([]melFilter, NumMelFilters)
	for i := range filters {
		left, center, right := edges[i], edges[i+1], edges[i+2]
		start := int(math.Ceil(left / binHz))
		end := min(int(math.Floor(right/binHz)), bins-1)
		f := melFilter{start: start}
		for b := start; b <= end; b++ {
			hz := float64(b) * binHz
			var w float64
			switch {
			case hz <= center && center > left:
				w = (hz - left) / (center - left)
			case hz > center && right > center:
				w = (right - hz) / (right - center)
			}
			f.weights = append(f.weights, math.Max(w, 0))
		}
		// Narrow low filters may fall between bins; give them the nearest one.
		if len(f.weights) == 0 {
			f.start = min(int(math.Round(center/binHz)), bins-1)
			f.weights = []float64{1}
		}
		filters[i] = f
	}
	return filters
}

// Distance returns the variance-normalised RMS distance between v and a
// baseline. Zero variances are floored.
func Distance(v, mean, variance Vector) float64 {
	var sum float64
	for i := range v {
		d := v[i] - mean[i]
		sum += d * d / math.Max(variance[i], 1e-6)
	}
	return math.Sqrt(sum / NumCoefficients)
}

// Confidence maps a [Distance] to (0, 1], 1 being an exact match.
func Confidence(distance float64) float64 {
	if distance < 0 || math.IsNaN(distance) {
		return 0
	}
	return 1 / (1 + distance)
}
