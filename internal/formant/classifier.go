// Package formant classifies frames into the chanted phonemes (Ah, Oo, Mm)
// from band-energy ratios and spectral flatness, optionally personalised by a
// calibration profile and confirmed against MFCC baselines.
package formant

import (
	"math"
	"sync"

	"github.com/MrWong99/vocalis/internal/calibration"
	"github.com/MrWong99/vocalis/internal/dsp"
	"github.com/MrWong99/vocalis/internal/spectral"
	"github.com/MrWong99/vocalis/pkg/audio"
	"github.com/MrWong99/vocalis/pkg/types"
)

// Classification thresholds.
const (
	DefaultSilenceRMS   = 0.005
	DefaultMmFlatness   = 0.25
	CalibratedMmFactor  = 0.8
	PopulationAhMin     = 1.3
	PopulationOoMax     = 1.2
	MinSeparation       = 0.3
	DeadZoneFraction    = 0.15
	DeadZoneConfidence  = 0.25
	AmbiguousConfidence = 0.4

	// HoldThreshold is the raw confidence below which the last confirmed
	// label is held instead of updating the filter.
	HoldThreshold = 0.3
	HoldDecay     = 0.75

	// Weight of the band-energy confidence when blended with MFCC confidence.
	classicWeight = 0.6
	mfccWeight    = 0.4
)

// Result is a classification with its confidence in [0, 1].
type Result struct {
	Phoneme    types.Phoneme `json:"phoneme"`
	Confidence float64       `json:"confidence"`
}

// Option configures a [Classifier].
type Option func(*Classifier)

// WithSilenceRMS sets the RMS gate below which frames are Silence.
func WithSilenceRMS(rms float64) Option {
	return func(c *Classifier) { c.silenceRMS = rms }
}

// WithWindow sets the length of the trailing mode filter.
func WithWindow(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.filter = newModeFilter(n)
		}
	}
}

// Classifier is safe for concurrent use.
type Classifier struct {
	mu sync.Mutex

	silenceRMS float64
	profile    *calibration.Profile
	mfcc       *spectral.MFCC
	filter     *modeFilter

	last    Result
	hasLast bool
}

// NewClassifier returns an uncalibrated classifier.
func NewClassifier(opts ...Option) *Classifier {
	c := &Classifier{
		silenceRMS: DefaultSilenceRMS,
		filter:     newModeFilter(DefaultWindow),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetCalibration installs a profile; nil reverts to population thresholds.
// Profiles failing [calibration.Validate] are ignored as if nil.
func (c *Classifier) SetCalibration(p *calibration.Profile) {
	if p != nil && calibration.Validate(p) != nil {
		p = nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profile = p
}

// Calibration returns the installed profile, or nil.
func (c *Classifier) Calibration() *calibration.Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile
}

// Reset clears the smoothing state.
func (c *Classifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

func (c *Classifier) resetLocked() {
	c.filter.reset()
	c.hasLast = false
	c.last = Result{}
}

// Analyze classifies frame and returns the smoothed result.
func (c *Classifier) Analyze(frame audio.Frame) Result {
	f := spectral.Extract(frame)

	c.mu.Lock()
	defer c.mu.Unlock()

	if f.RMS < c.silenceRMS {
		c.resetLocked()
		return Result{Phoneme: types.Silence, Confidence: 1}
	}

	raw := c.classify(f, frame)
	return c.smooth(raw)
}

// Classify returns the unsmoothed label for pre-extracted features.
// It ignores the silence gate and the MFCC confirmation.
func (c *Classifier) Classify(f spectral.Features) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.classify(f, audio.Frame{})
}

func (c *Classifier) classify(f spectral.Features, frame audio.Frame) Result {
	mmThreshold := DefaultMmFlatness
	if c.profile != nil && c.profile.MmFlatness > 0 {
		mmThreshold = CalibratedMmFactor * c.profile.MmFlatness
	}
	if f.Flatness > mmThreshold {
		conf := dsp.Clamp(0.5+(f.Flatness-mmThreshold)/mmThreshold, 0.5, 1)
		return c.confirm(Result{Phoneme: types.Mm, Confidence: conf}, frame)
	}

	if c.profile != nil {
		if r, deadZone, ok := calibratedVowel(f.Ratio, c.profile); ok {
			if deadZone {
				return r
			}
			return c.confirm(r, frame)
		}
	}
	return populationVowel(f.Ratio)
}

// calibratedVowel separates Ah from Oo using the user's own ratios. It
// reports ok=false when the two are too close to be useful.
func calibratedVowel(ratio float64, p *calibration.Profile) (r Result, deadZone, ok bool) {
	high, low := types.Ah, types.Oo
	highRatio, lowRatio := p.AhRatio, p.OoRatio
	if p.OoRatio > p.AhRatio {
		high, low = types.Oo, types.Ah
		highRatio, lowRatio = p.OoRatio, p.AhRatio
	}
	separation := highRatio - lowRatio
	if separation < MinSeparation {
		return Result{}, false, false
	}
	mid := (highRatio + lowRatio) / 2
	offset := ratio - mid

	// Inside the dead zone the label is a tie-break toward the higher-ratio
	// phoneme at or above the midpoint. This is kept for compatibility with
	// stored profiles and is a candidate for revisiting.
	if math.Abs(offset) <= DeadZoneFraction*separation {
		label := low
		if ratio >= mid {
			label = high
		}
		return Result{Phoneme: label, Confidence: DeadZoneConfidence}, true, true
	}

	conf := dsp.Clamp(0.5+math.Abs(offset)/separation, 0.5, 1)
	if offset > 0 {
		return Result{Phoneme: high, Confidence: conf}, false, true
	}
	return Result{Phoneme: low, Confidence: conf}, false, true
}

func populationVowel(ratio float64) Result {
	switch {
	case ratio >= PopulationAhMin:
		return Result{Phoneme: types.Ah, Confidence: dsp.Clamp(0.5+(ratio-PopulationAhMin)/PopulationAhMin, 0.5, 1)}
	case ratio <= PopulationOoMax:
		return Result{Phoneme: types.Oo, Confidence: dsp.Clamp(0.5+(PopulationOoMax-ratio)/PopulationOoMax, 0.5, 1)}
	default:
		return Result{Phoneme: types.Ah, Confidence: AmbiguousConfidence}
	}
}

// confirm blends r with MFCC-distance confidence when a baseline exists for
// the label. The label itself never changes.
func (c *Classifier) confirm(r Result, frame audio.Frame) Result {
	b := c.profile.Baseline(r.Phoneme)
	if b == nil || len(frame.FrequencyDomain) == 0 {
		return r
	}
	if !c.mfcc.Matches(frame.SampleRate, len(frame.FrequencyDomain)) {
		c.mfcc = spectral.NewMFCC(frame.SampleRate, len(frame.FrequencyDomain))
	}
	v, ok := c.mfcc.Compute(frame.FrequencyDomain)
	if !ok {
		return r
	}
	mc := spectral.Confidence(spectral.Distance(v, b.Mean, b.Variance))
	r.Confidence = classicWeight*r.Confidence + mfccWeight*mc
	return r
}

func (c *Classifier) smooth(raw Result) Result {
	if raw.Confidence < HoldThreshold {
		if c.hasLast {
			return Result{Phoneme: c.last.Phoneme, Confidence: c.last.Confidence * HoldDecay}
		}
		return raw
	}
	c.filter.push(raw)
	out := c.filter.result()
	c.last = out
	c.hasLast = true
	return out
}
