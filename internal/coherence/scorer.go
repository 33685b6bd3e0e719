// Package coherence scores how steady a chant is, from 0 to 100, relative to
// the user's own voice.
//
// The overall score blends pitch stability (cents spread around the session
// median pitch), amplitude smoothness (coefficient of variation of RMS) and
// voicing continuity (fraction of voiced samples) over a short rolling window.
package coherence

import (
	"math"
	"sync"
	"time"

	"github.com/MrWong99/vocalis/internal/dsp"
	"github.com/MrWong99/vocalis/pkg/types"
)

// Defaults for [Scorer].
const (
	DefaultWindow           = 12
	MinWindow               = 8
	MaxWindow               = 24
	DefaultExpectedVariance = 50.0 // cents
	DefaultExpectedCV       = 0.5
	DefaultSmoothing        = 0.7
	DefaultGrace            = 500 * time.Millisecond

	// NeutralScore is reported when there is not enough data to judge.
	NeutralScore = 50.0

	medianInterval = 30
	maxHistory     = 10000

	stabilityWeight  = 0.5
	smoothnessWeight = 0.3
	continuityWeight = 0.2
)

// Data is the current coherence breakdown. All scores are in [0, 100].
type Data struct {
	Score                    float64 `json:"score"`
	PitchStabilityScore      float64 `json:"pitch_stability_score"`
	AmplitudeSmoothnessScore float64 `json:"amplitude_smoothness_score"`
	VoicingContinuityScore   float64 `json:"voicing_continuity_score"`

	// SessionMedianFrequencyHz is 0 until HasSessionMedian.
	SessionMedianFrequencyHz float64 `json:"session_median_frequency_hz"`
	HasSessionMedian         bool    `json:"has_session_median"`
}

// Tuning holds the parameters that may change while a session runs.
type Tuning struct {
	// ExpectedVariance is the cents spread that scores 50.
	ExpectedVariance float64
	// ExpectedCV is the RMS coefficient of variation that scores 50.
	ExpectedCV float64
	// Smoothing is the weight of the newest value, in (0, 1].
	Smoothing float64
}

// DefaultTuning returns the default [Tuning].
func DefaultTuning() Tuning {
	return Tuning{
		ExpectedVariance: DefaultExpectedVariance,
		ExpectedCV:       DefaultExpectedCV,
		Smoothing:        DefaultSmoothing,
	}
}

// Option configures a [Scorer].
type Option func(*Scorer)

// WithWindow sets the rolling window length, clamped to [MinWindow, MaxWindow].
func WithWindow(n int) Option {
	return func(s *Scorer) { s.window = min(max(n, MinWindow), MaxWindow) }
}

// WithTuning overrides the default tuning.
func WithTuning(t Tuning) Option {
	return func(s *Scorer) { s.tuning = sanitize(t) }
}

// WithGrace sets how long continuity is floored after a phase transition.
func WithGrace(d time.Duration) Option {
	return func(s *Scorer) { s.grace = d }
}

// WithClock injects the time source used for the grace period.
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) { s.now = now }
}

type sample struct {
	frequency float64
	rms       float64
}

// Scorer is safe for concurrent use.
type Scorer struct {
	mu sync.Mutex

	window int
	tuning Tuning
	grace  time.Duration
	now    func() time.Time

	noiseFloor float64

	samples    []sample
	history    []float64
	sinceCalc  int
	median     float64
	hasMedian  bool
	breathing  bool
	graceUntil time.Time
	seedNext   bool
	hasPrev    bool
	data       Data
}

// NewScorer returns a scorer with an empty session.
func NewScorer(opts ...Option) *Scorer {
	s := &Scorer{
		window: DefaultWindow,
		tuning: DefaultTuning(),
		grace:  DefaultGrace,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetTuning replaces the tuning parameters. Invalid fields keep their defaults.
func (s *Scorer) SetTuning(t Tuning) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tuning = sanitize(t)
}

// SetNoiseFloor sets the RMS below which voiced samples are ignored for
// amplitude smoothness. It usually comes from the calibration profile.
func (s *Scorer) SetNoiseFloor(rms float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noiseFloor = math.Max(rms, 0)
}

// Reset clears the session, including the session median.
func (s *Scorer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = nil
	s.history = nil
	s.sinceCalc = 0
	s.median = 0
	s.hasMedian = false
	s.breathing = false
	s.graceUntil = time.Time{}
	s.seedNext = false
	s.hasPrev = false
	s.data = Data{}
}

// NotifyPhaseTransition tells the scorer the cycle entered phase. Entering a
// vocal phase clears the windows and starts the grace period; the next
// sample reports a neutral score.
func (s *Scorer) NotifyPhaseTransition(phase types.CyclePhase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !phase.IsVocal() {
		s.breathing = true
		return
	}
	s.breathing = false
	s.samples = s.samples[:0]
	s.graceUntil = s.now().Add(s.grace)
	s.seedNext = true
}

// RecordSample adds one analysis tick. A frequency of 0 or less means the
// frame was unvoiced. Samples during Breathe are ignored.
func (s *Scorer) RecordSample(frequency, rms float64) {
	if !dsp.Finite(frequency) || frequency < 0 {
		frequency = 0
	}
	if !dsp.Finite(rms) || rms < 0 {
		rms = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.breathing {
		return
	}

	s.samples = append(s.samples, sample{frequency: frequency, rms: rms})
	if len(s.samples) > s.window {
		s.samples = s.samples[len(s.samples)-s.window:]
	}
	if frequency > 0 {
		s.addHistory(frequency)
	}

	raw := s.compute()
	switch {
	case s.seedNext:
		s.seedNext = false
		raw = Data{
			Score:                    NeutralScore,
			PitchStabilityScore:      NeutralScore,
			AmplitudeSmoothnessScore: NeutralScore,
			VoicingContinuityScore:   NeutralScore,
		}
	case s.hasPrev:
		a := s.tuning.Smoothing
		raw.Score = blend(a, raw.Score, s.data.Score)
		raw.PitchStabilityScore = blend(a, raw.PitchStabilityScore, s.data.PitchStabilityScore)
		raw.AmplitudeSmoothnessScore = blend(a, raw.AmplitudeSmoothnessScore, s.data.AmplitudeSmoothnessScore)
		raw.VoicingContinuityScore = blend(a, raw.VoicingContinuityScore, s.data.VoicingContinuityScore)
	}
	raw.SessionMedianFrequencyHz = s.median
	raw.HasSessionMedian = s.hasMedian
	s.data = raw
	s.hasPrev = true
}

// Data returns the latest breakdown. During Breathe all scores are 0.
func (s *Scorer) Data() Data {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.breathing {
		return Data{SessionMedianFrequencyHz: s.median, HasSessionMedian: s.hasMedian}
	}
	return s.data
}

func (s *Scorer) addHistory(f float64) {
	s.history = append(s.history, f)
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
	s.sinceCalc++
	if !s.hasMedian || s.sinceCalc >= medianInterval {
		s.median = dsp.Median(s.history)
		s.hasMedian = true
		s.sinceCalc = 0
	}
}

// compute returns the unsmoothed breakdown of the current window.
func (s *Scorer) compute() Data {
	var (
		voiced int
		cents  []float64
		levels []float64
	)
	for _, smp := range s.samples {
		if smp.frequency <= 0 {
			continue
		}
		voiced++
		if s.hasMedian {
			cents = append(cents, dsp.Cents(smp.frequency, s.median))
		}
		if smp.rms > s.noiseFloor {
			levels = append(levels, smp.rms)
		}
	}

	var d Data
	d.VoicingContinuityScore = 100 * float64(voiced) / float64(len(s.samples))
	if s.now().Before(s.graceUntil) {
		d.VoicingContinuityScore = math.Max(d.VoicingContinuityScore, NeutralScore)
	}

	d.PitchStabilityScore = NeutralScore
	if len(cents) >= 2 {
		_, std := dsp.MeanStdDev(cents)
		d.PitchStabilityScore = spreadScore(std, s.tuning.ExpectedVariance)
	}

	d.AmplitudeSmoothnessScore = NeutralScore
	if len(levels) >= 2 {
		mean, std := dsp.MeanStdDev(levels)
		if mean > 0 {
			d.AmplitudeSmoothnessScore = spreadScore(std/mean, s.tuning.ExpectedCV)
		}
	}

	d.Score = stabilityWeight*d.PitchStabilityScore +
		smoothnessWeight*d.AmplitudeSmoothnessScore +
		continuityWeight*d.VoicingContinuityScore
	return d
}

// spreadScore maps 0 to 100, expected to 50 and twice expected to 0.
func spreadScore(spread, expected float64) float64 {
	return dsp.Clamp(100-50*spread/expected, 0, 100)
}

func blend(alpha, next, prev float64) float64 {
	return dsp.Clamp(alpha*next+(1-alpha)*prev, 0, 100)
}

func sanitize(t Tuning) Tuning {
	d := DefaultTuning()
	if t.ExpectedVariance > 0 && dsp.Finite(t.ExpectedVariance) {
		d.ExpectedVariance = t.ExpectedVariance
	}
	if t.ExpectedCV > 0 && dsp.Finite(t.ExpectedCV) {
		d.ExpectedCV = t.ExpectedCV
	}
	if t.Smoothing > 0 && t.Smoothing <= 1 {
		d.Smoothing = t.Smoothing
	}
	return d
}
