// Package calibration captures a user's voice characteristics in a short
// guided flow and persists them as a [Profile].
//
// The [Recorder] walks Noise, Ah, Oo and Mm phases on its own clock, sampling
// the frames it is handed. Reduced medians become the profile used by the
// formant classifier and the coherence scorer. Profiles are validated by the
// same structural guard on creation and on every load.
package calibration

import (
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/vocalis/internal/dsp"
	"github.com/MrWong99/vocalis/internal/spectral"
	"github.com/MrWong99/vocalis/pkg/audio"
	"github.com/MrWong99/vocalis/pkg/types"
	"gonum.org/v1/gonum/stat"
)

// Phase is a step of the calibration flow.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseNoise
	PhaseAh
	PhaseOo
	PhaseMm
	PhaseComplete
)

// String returns the lower-case name of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseNoise:
		return "noise"
	case PhaseAh:
		return "ah"
	case PhaseOo:
		return "oo"
	case PhaseMm:
		return "mm"
	case PhaseComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Active reports whether the phase is capturing audio.
func (p Phase) Active() bool { return p >= PhaseNoise && p <= PhaseMm }

func (p Phase) phoneme() (types.Phoneme, bool) {
	switch p {
	case PhaseAh:
		return types.Ah, true
	case PhaseOo:
		return types.Oo, true
	case PhaseMm:
		return types.Mm, true
	}
	return types.Silence, false
}

// Recording defaults.
const (
	DefaultNoiseDuration = time.Second
	DefaultVoiceDuration = 5 * time.Second
	DefaultVoiceRMS      = 0.003
	MinVowelSamples      = 5
	MinMFCCVectors       = 5
)

// Durations sets the length of each capture phase.
type Durations struct {
	Noise time.Duration
	Ah    time.Duration
	Oo    time.Duration
	Mm    time.Duration
}

func (d Durations) of(p Phase) time.Duration {
	switch p {
	case PhaseNoise:
		return d.Noise
	case PhaseAh:
		return d.Ah
	case PhaseOo:
		return d.Oo
	case PhaseMm:
		return d.Mm
	}
	return 0
}

// DefaultDurations returns Noise 1s and 5s per voiced phase.
func DefaultDurations() Durations {
	return Durations{
		Noise: DefaultNoiseDuration,
		Ah:    DefaultVoiceDuration,
		Oo:    DefaultVoiceDuration,
		Mm:    DefaultVoiceDuration,
	}
}

// Feedback is an observational snapshot for the UI. It has no effect on the
// outcome.
type Feedback struct {
	Phase            Phase   `json:"phase"`
	RMS              float64 `json:"rms"`
	VoiceDetected    bool    `json:"voice_detected"`
	SamplesCollected int     `json:"samples_collected"`

	// PhaseProgress is the elapsed fraction of the current phase in [0, 1].
	PhaseProgress float64 `json:"phase_progress"`
}

// RecorderOption configures a [Recorder].
type RecorderOption func(*Recorder)

// WithDurations overrides the phase durations.
func WithDurations(d Durations) RecorderOption {
	return func(r *Recorder) { r.durations = d }
}

// WithVoiceRMS sets the RMS a frame must exceed to count as voiced.
func WithVoiceRMS(rms float64) RecorderOption {
	return func(r *Recorder) { r.voiceRMS = rms }
}

// WithRecorderClock injects the recorder's time source.
func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// Recorder is safe for concurrent use.
type Recorder struct {
	mu sync.Mutex

	durations Durations
	voiceRMS  float64
	now       func() time.Time

	phase      Phase
	phaseStart time.Time

	noise    []float64
	ratios   map[types.Phoneme][]float64
	flatness []float64
	vectors  map[types.Phoneme][]spectral.Vector
	mfcc     *spectral.MFCC

	feedback Feedback
	profile  *Profile
}

// NewRecorder returns an idle recorder.
func NewRecorder(opts ...RecorderOption) *Recorder {
	r := &Recorder{
		durations: DefaultDurations(),
		voiceRMS:  DefaultVoiceRMS,
		now:       time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	r.clearLocked()
	return r
}

// Start begins a new run, discarding any previous one.
func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearLocked()
	r.profile = nil
	r.phase = PhaseNoise
	r.phaseStart = r.now()
	r.feedback = Feedback{Phase: PhaseNoise}
}

// Cancel discards the current run. It has no effect when idle.
func (r *Recorder) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearLocked()
}

// Phase returns the current phase. The clock only advances on
// [Recorder.ProcessFrame].
func (r *Recorder) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Feedback returns the latest observational snapshot.
func (r *Recorder) Feedback() Feedback {
	r.mu.Lock()
	defer r.mu.Unlock()
	fb := r.feedback
	fb.Phase = r.phase
	if d := r.durations.of(r.phase); d > 0 {
		fb.PhaseProgress = dsp.Clamp(float64(r.now().Sub(r.phaseStart))/float64(d), 0, 1)
	}
	return fb
}

// Profile returns the profile produced by the last completed run, or nil.
func (r *Recorder) Profile() *Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.profile
}

// ProcessFrame samples frame into the current phase. When the clock passes
// the end of the Mm phase the run is finalised: the profile is returned
// exactly once, or an error is returned and the recorder resets to idle.
// Frames outside an active run are ignored.
func (r *Recorder) ProcessFrame(frame audio.Frame) (*Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.phase.Active() {
		return nil, nil
	}
	now := r.now()
	for r.phase.Active() {
		d := r.durations.of(r.phase)
		if now.Sub(r.phaseStart) < d {
			break
		}
		r.phaseStart = r.phaseStart.Add(d)
		r.phase++
	}
	if r.phase == PhaseComplete {
		return r.finalizeLocked()
	}

	r.sampleLocked(frame)
	return nil, nil
}

func (r *Recorder) sampleLocked(frame audio.Frame) {
	f := spectral.Extract(frame)
	voiced := f.RMS > r.voiceRMS
	r.feedback.RMS = f.RMS
	r.feedback.VoiceDetected = voiced

	if r.phase == PhaseNoise {
		r.noise = append(r.noise, f.RMS)
		r.feedback.SamplesCollected = len(r.noise)
		return
	}
	ph, _ := r.phase.phoneme()
	if voiced {
		if ph == types.Mm {
			r.flatness = append(r.flatness, f.Flatness)
		} else {
			r.ratios[ph] = append(r.ratios[ph], f.Ratio)
		}
		if v, ok := r.mfccVector(frame); ok {
			r.vectors[ph] = append(r.vectors[ph], v)
		}
	}
	if ph == types.Mm {
		r.feedback.SamplesCollected = len(r.flatness)
	} else {
		r.feedback.SamplesCollected = len(r.ratios[ph])
	}
}

func (r *Recorder) mfccVector(frame audio.Frame) (spectral.Vector, bool) {
	if len(frame.FrequencyDomain) == 0 || frame.SampleRate <= 0 {
		return spectral.Vector{}, false
	}
	if !r.mfcc.Matches(frame.SampleRate, len(frame.FrequencyDomain)) {
		r.mfcc = spectral.NewMFCC(frame.SampleRate, len(frame.FrequencyDomain))
	}
	return r.mfcc.Compute(frame.FrequencyDomain)
}

func (r *Recorder) finalizeLocked() (*Profile, error) {
	defer r.clearLocked()

	for _, ph := range []types.Phoneme{types.Ah, types.Oo} {
		if n := len(r.ratios[ph]); n < MinVowelSamples {
			return nil, &InsufficientSamplesError{Phoneme: ph, Got: n, Need: MinVowelSamples}
		}
	}

	p := &Profile{
		AhRatio:    dsp.Median(r.ratios[types.Ah]),
		OoRatio:    dsp.Median(r.ratios[types.Oo]),
		MmFlatness: dsp.Median(r.flatness),
		NoiseFloor: dsp.Median(r.noise),
	}
	for _, ph := range types.Phonemes {
		if b := baseline(r.vectors[ph]); b != nil {
			if p.MFCC == nil {
				p.MFCC = make(map[types.Phoneme]*Baseline)
			}
			p.MFCC[ph] = b
		}
	}
	if err := Validate(p); err != nil {
		return nil, fmt.Errorf("calibration: finalize: %w", err)
	}
	r.profile = p
	return p, nil
}

// baseline reduces vectors to per-coefficient mean and variance, or nil when
// too few were captured.
func baseline(vectors []spectral.Vector) *Baseline {
	if len(vectors) < MinMFCCVectors {
		return nil
	}
	var b Baseline
	col := make([]float64, len(vectors))
	for i := range spectral.NumCoefficients {
		for j, v := range vectors {
			col[j] = v[i]
		}
		b.Mean[i], b.Variance[i] = stat.MeanVariance(col, nil)
	}
	return &b
}

// clearLocked returns to idle and drops all buffers. The last produced
// profile is kept.
func (r *Recorder) clearLocked() {
	r.phase = PhaseIdle
	r.phaseStart = time.Time{}
	r.noise = nil
	r.ratios = map[types.Phoneme][]float64{}
	r.flatness = nil
	r.vectors = map[types.Phoneme][]spectral.Vector{}
	r.feedback = Feedback{}
}
