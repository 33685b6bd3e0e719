// Package pitch detects the fundamental frequency of a single audio frame and
// reports it relative to a configurable target note.
//
// A [Detector] wraps an [Estimator] (the McLeod pitch method by default) with
// acceptance hysteresis and a short hold so that brief dropouts inside a
// sustained tone do not flicker to unvoiced.
package pitch

import (
	"math"
	"sync"
	"time"

	"github.com/MrWong99/vocalis/internal/dsp"
)

// Defaults for [Detector].
const (
	DefaultThreshold       = 0.9
	DefaultHysteresis      = 0.05
	DefaultHold            = 150 * time.Millisecond
	DefaultTargetFrequency = 130.0
	DefaultToleranceCents  = 50.0
	DefaultSilenceRMS      = 0.005
)

// Sample is the result of analysing one frame.
type Sample struct {
	// Frequency is the fundamental in Hz, 0 when unvoiced.
	Frequency float64 `json:"frequency"`
	Voiced    bool    `json:"voiced"`
	Clarity   float64 `json:"clarity"`

	// CentsFromTarget is only meaningful when HasCents is true.
	CentsFromTarget float64   `json:"cents_from_target"`
	HasCents        bool      `json:"has_cents"`
	WithinTolerance bool      `json:"within_tolerance"`
	Timestamp       time.Time `json:"timestamp"`
}

// Option configures a [Detector].
type Option func(*Detector)

// WithEstimator replaces the default MPM estimator.
func WithEstimator(e Estimator) Option {
	return func(d *Detector) { d.est = e }
}

// WithThreshold sets the clarity required to accept a frame as pitched and
// the amount it is lowered by once pitched.
func WithThreshold(threshold, hysteresis float64) Option {
	return func(d *Detector) {
		d.threshold = threshold
		d.hysteresis = hysteresis
	}
}

// WithHold sets how long the last valid sample is repeated after pitch is lost.
func WithHold(hold time.Duration) Option {
	return func(d *Detector) { d.hold = hold }
}

// WithSilenceRMS sets the RMS level below which frames are unvoiced outright.
func WithSilenceRMS(rms float64) Option {
	return func(d *Detector) { d.silenceRMS = rms }
}

// WithClock injects the time source used for timestamps and the hold window.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// Detector is safe for concurrent use, although frames are expected to arrive
// from a single analysis loop.
type Detector struct {
	mu sync.Mutex

	est        Estimator
	threshold  float64
	hysteresis float64
	hold       time.Duration
	silenceRMS float64
	now        func() time.Time

	target    float64
	tolerance float64

	voiced  bool
	last    Sample
	hasLast bool
}

// NewDetector creates a Detector targeting [DefaultTargetFrequency].
func NewDetector(opts ...Option) *Detector {
	d := &Detector{
		est:        NewMPM(),
		threshold:  DefaultThreshold,
		hysteresis: DefaultHysteresis,
		hold:       DefaultHold,
		silenceRMS: DefaultSilenceRMS,
		now:        time.Now,
		target:     DefaultTargetFrequency,
		tolerance:  DefaultToleranceCents,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// SetTargetFrequency changes the reference note for cents. Non-positive
// values disable cents reporting.
func (d *Detector) SetTargetFrequency(hz float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.target = hz
}

// SetTolerance sets the half-width of the in-tune band in cents.
func (d *Detector) SetTolerance(cents float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tolerance = math.Abs(cents)
}

// TargetFrequency returns the current reference note.
func (d *Detector) TargetFrequency() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.target
}

// Reset forgets hysteresis and hold state.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.voiced = false
	d.hasLast = false
	d.last = Sample{}
}

// Analyze estimates the pitch of samples. It never fails: empty, silent or
// aperiodic input yields an unvoiced sample.
func (d *Detector) Analyze(samples []float32, sampleRate int) Sample {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if len(samples) == 0 || sampleRate <= 0 || dsp.RMS(samples) < d.silenceRMS {
		d.voiced = false
		d.hasLast = false
		return Sample{Timestamp: now}
	}

	freq, clarity := d.est.Estimate(samples, sampleRate)
	if !dsp.Finite(freq) || !dsp.Finite(clarity) {
		freq, clarity = 0, 0
	}

	threshold := d.threshold
	if d.voiced {
		threshold -= d.hysteresis
	}
	if freq > 0 && clarity >= threshold {
		s := d.voicedSample(freq, clarity, now)
		d.voiced = true
		d.last = s
		d.hasLast = true
		return s
	}

	if d.hasLast && now.Sub(d.last.Timestamp) <= d.hold {
		held := d.last
		held.Timestamp = now
		return held
	}

	d.voiced = false
	d.hasLast = false
	return Sample{Clarity: dsp.Clamp(clarity, 0, 1), Timestamp: now}
}

func (d *Detector) voicedSample(freq, clarity float64, now time.Time) Sample {
	s := Sample{
		Frequency: freq,
		Voiced:    true,
		Clarity:   dsp.Clamp(clarity, 0, 1),
		Timestamp: now,
	}
	if d.target > 0 {
		s.CentsFromTarget = dsp.Cents(freq, d.target)
		s.HasCents = true
		s.WithinTolerance = math.Abs(s.CentsFromTarget) <= d.tolerance
	}
	return s
}
