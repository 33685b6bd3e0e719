// Package engine runs the host-side analysis loop.
//
// An [Engine] polls an [audio.Source] at the pitch rate (about 60 Hz), runs
// formant classification on every third tick, and fans the results into the
// coherence scorer, the cycle orchestrator, an optional calibration run and
// a live-feed [Publisher]. The orchestrator keeps its own clock, so pausing
// the engine never shifts session timing.
//
// This package lives under internal/ because it encapsulates application-private
// processing logic and is not intended to be imported by external code.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/vocalis/internal/calibration"
	"github.com/MrWong99/vocalis/internal/coherence"
	"github.com/MrWong99/vocalis/internal/cycle"
	"github.com/MrWong99/vocalis/internal/dsp"
	"github.com/MrWong99/vocalis/internal/formant"
	"github.com/MrWong99/vocalis/internal/observe"
	"github.com/MrWong99/vocalis/internal/pitch"
	"github.com/MrWong99/vocalis/pkg/audio"
	"github.com/MrWong99/vocalis/pkg/types"
)

// Defaults for [Config].
const (
	DefaultPitchInterval = time.Second / 60
	DefaultFormantEvery  = 3
	DefaultSnapshotEvery = 6
	DefaultSmoothing     = 0.8
)

// Feed message kinds produced by the engine.
const (
	KindSnapshot    = "snapshot"
	KindCalibration = "calibration"
)

// ErrCalibrationActive is returned by StartCalibration while a run is in
// progress.
var ErrCalibrationActive = errors.New("engine: calibration already in progress")

// Config holds the loop rates.
type Config struct {
	// PitchInterval is the tick period.
	PitchInterval time.Duration
	// FormantEvery runs the classifier on every n-th tick.
	FormantEvery int
	// SnapshotEvery publishes a snapshot on every n-th tick.
	SnapshotEvery int
	// Smoothing is the spectrum time constant used when the source supplies
	// no frequency-domain data.
	Smoothing float64
}

func (c Config) withDefaults() Config {
	if c.PitchInterval <= 0 {
		c.PitchInterval = DefaultPitchInterval
	}
	if c.FormantEvery <= 0 {
		c.FormantEvery = DefaultFormantEvery
	}
	if c.SnapshotEvery <= 0 {
		c.SnapshotEvery = DefaultSnapshotEvery
	}
	if c.Smoothing < 0 || c.Smoothing >= 1 {
		c.Smoothing = DefaultSmoothing
	}
	return c
}

// Publisher receives feed messages. [*feed.Hub] implements it.
type Publisher interface {
	Broadcast(kind string, data any)
}

// CalibrationDone is called once per calibration run with either the new
// profile or the error that ended it. It runs on the analysis goroutine.
type CalibrationDone func(p *calibration.Profile, err error)

// Snapshot is the live state published to the feed.
type Snapshot struct {
	Time       time.Time      `json:"time"`
	RMS        float64        `json:"rms"`
	Pitch      pitch.Sample   `json:"pitch"`
	Phoneme    formant.Result `json:"phoneme"`
	Coherence  coherence.Data `json:"coherence"`
	Expected   *types.Phoneme `json:"expected,omitempty"`
	Session    *cycle.State   `json:"session,omitempty"`
	HasSignal  bool           `json:"has_signal"`
	Calibrated bool           `json:"calibrated"`
}

// Option configures an [Engine].
type Option func(*Engine)

// WithConfig sets the loop rates.
func WithConfig(c Config) Option {
	return func(e *Engine) { e.cfg = c }
}

// WithPitchDetector replaces the default detector.
func WithPitchDetector(d *pitch.Detector) Option {
	return func(e *Engine) { e.pitch = d }
}

// WithClassifier replaces the default classifier.
func WithClassifier(c *formant.Classifier) Option {
	return func(e *Engine) { e.formant = c }
}

// WithScorer replaces the default coherence scorer.
func WithScorer(s *coherence.Scorer) Option {
	return func(e *Engine) { e.scorer = s }
}

// WithOrchestrator attaches the session orchestrator.
func WithOrchestrator(o *cycle.Orchestrator) Option {
	return func(e *Engine) { e.orch = o }
}

// WithPublisher attaches the live feed.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.pub = p }
}

// WithMetrics records analysis metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock injects the time source stamped on frames.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// Engine is safe for concurrent use; Step calls are serialised.
type Engine struct {
	src      audio.Source
	cfg      Config
	pitch    *pitch.Detector
	formant  *formant.Classifier
	scorer   *coherence.Scorer
	orch     *cycle.Orchestrator
	pub      Publisher
	metrics  *observe.Metrics
	now      func() time.Time
	log      *slog.Logger
	analyser *audio.Analyser

	stepMu sync.Mutex
	tick   uint64
	phon   formant.Result
	warned bool

	mu       sync.Mutex
	paused   bool
	recorder *calibration.Recorder
	calDone  CalibrationDone
	latest   Snapshot
}

// New builds an engine reading from src. Missing analysers are created with
// their defaults.
func New(src audio.Source, opts ...Option) (*Engine, error) {
	if src == nil {
		return nil, errors.New("engine: nil audio source")
	}
	e := &Engine{src: src, now: time.Now, log: slog.Default()}
	for _, o := range opts {
		o(e)
	}
	e.cfg = e.cfg.withDefaults()
	if e.pitch == nil {
		e.pitch = pitch.NewDetector()
	}
	if e.formant == nil {
		e.formant = formant.NewClassifier()
	}
	if e.scorer == nil {
		e.scorer = coherence.NewScorer()
	}
	an, err := audio.NewAnalyser(audio.FrameSize, e.cfg.Smoothing)
	if err != nil {
		return nil, err
	}
	e.analyser = an
	return e, nil
}

// Pitch returns the pitch detector, for runtime retargeting.
func (e *Engine) Pitch() *pitch.Detector { return e.pitch }

// Classifier returns the formant classifier.
func (e *Engine) Classifier() *formant.Classifier { return e.formant }

// Scorer returns the coherence scorer.
func (e *Engine) Scorer() *coherence.Scorer { return e.scorer }

// ApplyProfile installs a calibration profile in the classifier and the
// scorer's noise floor. A nil profile reverts to population defaults.
func (e *Engine) ApplyProfile(p *calibration.Profile) {
	e.formant.SetCalibration(p)
	floor := 0.0
	if p := e.formant.Calibration(); p != nil {
		floor = p.NoiseFloor
	}
	e.scorer.SetNoiseFloor(floor)
}

// Pause stops frame analysis. Session timing keeps running.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
}

// Resume restarts frame analysis after Pause.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = false
}

// Paused reports whether analysis is paused.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// StartCalibration starts rec and feeds it every tick until it finishes,
// then calls done.
func (e *Engine) StartCalibration(rec *calibration.Recorder, done CalibrationDone) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recorder != nil {
		return ErrCalibrationActive
	}
	rec.Start()
	e.recorder = rec
	e.calDone = done
	return nil
}

// CancelCalibration abandons the running calibration, if any. done is not
// called. It reports whether a run was cancelled.
func (e *Engine) CancelCalibration() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recorder == nil {
		return false
	}
	e.recorder.Cancel()
	e.recorder = nil
	e.calDone = nil
	return true
}

// Calibration returns the feedback of the running calibration.
func (e *Engine) Calibration() (calibration.Feedback, bool) {
	e.mu.Lock()
	rec := e.recorder
	e.mu.Unlock()
	if rec == nil {
		return calibration.Feedback{}, false
	}
	return rec.Feedback(), true
}

// Latest returns the most recent snapshot.
func (e *Engine) Latest() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest
}

// Run ticks until ctx is done. It returns nil on cancellation.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("engine: analysis loop started",
		"pitch_interval", e.cfg.PitchInterval,
		"formant_every", e.cfg.FormantEvery,
	)
	ticker := time.NewTicker(e.cfg.PitchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.log.Info("engine: analysis loop stopped")
			return nil
		case <-ticker.C:
			if !e.Paused() {
				e.Step(ctx)
			}
		}
	}
}

// Step runs one analysis tick and returns the resulting snapshot.
func (e *Engine) Step(ctx context.Context) Snapshot {
	e.stepMu.Lock()
	defer e.stepMu.Unlock()

	e.tick++
	now := e.now()
	td := e.src.TimeDomainFrame()
	rate := e.src.SampleRate()

	start := time.Now()
	ps := e.pitch.Analyze(td, rate)
	e.record(ctx, observe.StagePitch, start)
	rms := dsp.RMS(td)

	e.mu.Lock()
	rec, done := e.recorder, e.calDone
	e.mu.Unlock()

	formantTick := e.tick%uint64(e.cfg.FormantEvery) == 0
	if len(td) > 0 && (formantTick || rec != nil) {
		frame, ok := e.frame(td, rate, now)
		if ok && formantTick {
			start = time.Now()
			e.phon = e.formant.Analyze(frame)
			e.record(ctx, observe.StageFormant, start)
			if e.metrics != nil {
				e.metrics.RecordPhoneme(ctx, e.phon.Phoneme.String())
			}
		}
		if ok && rec != nil {
			start = time.Now()
			p, err := rec.ProcessFrame(frame)
			e.record(ctx, observe.StageCalibration, start)
			if p != nil || err != nil {
				e.finishCalibration(rec, done, p, err)
			}
		}
	}
	if len(td) == 0 {
		e.phon = formant.Result{Phoneme: types.Silence, Confidence: 1}
	}

	freq := 0.0
	if ps.Voiced {
		freq = ps.Frequency
	}
	e.scorer.RecordSample(freq, rms)
	if e.orch != nil && formantTick {
		e.orch.RecordPhoneme(e.phon.Phoneme, ps)
	}

	snap := Snapshot{
		Time:       now,
		RMS:        rms,
		Pitch:      ps,
		Phoneme:    e.phon,
		Coherence:  e.scorer.Data(),
		HasSignal:  len(td) > 0,
		Calibrated: e.formant.Calibration() != nil,
	}
	if e.orch != nil && e.orch.Running() {
		st := e.orch.State()
		snap.Session = &st
		if ph, ok := e.orch.ExpectedPhoneme(); ok {
			snap.Expected = &ph
		}
	}

	e.mu.Lock()
	e.latest = snap
	e.mu.Unlock()

	if e.pub != nil && e.tick%uint64(e.cfg.SnapshotEvery) == 0 {
		e.pub.Broadcast(KindSnapshot, snap)
		if fb, ok := e.Calibration(); ok {
			e.pub.Broadcast(KindCalibration, fb)
		}
	}
	return snap
}

// frame assembles a full frame, deriving the spectrum when the source has
// none.
func (e *Engine) frame(td []float32, rate int, now time.Time) (audio.Frame, bool) {
	f := audio.Frame{
		TimeDomain:      td,
		FrequencyDomain: e.src.FrequencyDomainFrame(),
		SampleRate:      rate,
		Timestamp:       now,
	}
	if len(f.FrequencyDomain) > 0 {
		return f, true
	}
	spectrum, err := e.analyser.Spectrum(td)
	if err != nil {
		if !e.warned {
			e.warned = true
			e.log.Warn("engine: cannot derive spectrum, skipping formant analysis", "err", err)
		}
		return f, false
	}
	f.FrequencyDomain = spectrum
	return f, true
}

func (e *Engine) finishCalibration(rec *calibration.Recorder, done CalibrationDone, p *calibration.Profile, err error) {
	e.mu.Lock()
	if e.recorder == rec {
		e.recorder = nil
		e.calDone = nil
	} else {
		// Cancelled or replaced while this frame was processed.
		done = nil
	}
	e.mu.Unlock()

	if err != nil {
		e.log.Info("engine: calibration failed", "err", err)
	} else {
		e.log.Info("engine: calibration complete",
			"ah_ratio", p.AhRatio,
			"oo_ratio", p.OoRatio,
			"mm_flatness", p.MmFlatness,
		)
	}
	if done != nil {
		done(p, err)
	}
}

func (e *Engine) record(ctx context.Context, stage string, start time.Time) {
	if e.metrics != nil {
		e.metrics.RecordAnalysis(ctx, stage, time.Since(start))
	}
}
