// Package dsp holds the small numeric helpers shared by the analysers, the
// calibration recorder and the coherence scorer.
package dsp

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"
)

// RMS returns the root-mean-square level of samples, or 0 for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Median returns the median of xs (mean of the two middle values for even
// lengths). xs is not modified. Returns 0 for an empty slice.
func Median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := slices.Clone(xs)
	slices.Sort(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// MeanStdDev returns the mean and sample standard deviation of xs. A slice
// with fewer than two values has a standard deviation of 0.
func MeanStdDev(xs []float64) (mean, std float64) {
	switch len(xs) {
	case 0:
		return 0, 0
	case 1:
		return xs[0], 0
	}
	return stat.MeanStdDev(xs, nil)
}

// Clamp limits v to [lo, hi]. NaN maps to lo.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Cents returns the interval from ref to f in cents (1200 per octave).
// Non-positive inputs return 0.
func Cents(f, ref float64) float64 {
	if f <= 0 || ref <= 0 {
		return 0
	}
	return 1200 * math.Log2(f/ref)
}

// Finite reports whether v is neither NaN nor ±Inf.
func Finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
