// Package cycle drives a chanting session through repeated
// Breathe → Ah → Oo → Mm cycles: a few unscored practice cycles followed by
// the scored session. It owns the session clock, aggregates per-cycle
// quality from coherence scores, and reports lifecycle events to a
// [Listener].
package cycle

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/vocalis/internal/coherence"
	"github.com/MrWong99/vocalis/internal/pitch"
	"github.com/MrWong99/vocalis/pkg/types"
)

// Defaults for [Orchestrator].
const (
	DefaultPracticeCycles        = 3
	DefaultFirstBreathMultiplier = 1.5
	DefaultTickInterval          = 100 * time.Millisecond

	// AdvisoryDuration is how long State.ScoredSessionStarting stays set
	// after scoring begins.
	AdvisoryDuration = 2 * time.Second
)

// ErrInvalidSession is returned by StartSession for unusable configs.
var ErrInvalidSession = errors.New("cycle: invalid session config")

// Stage is the coarse lifecycle position of the orchestrator.
type Stage int

const (
	StageNotRunning Stage = iota
	StagePractice
	StageTransitioningToScored
	StageScored
)

// String returns the wire name of the stage.
func (s Stage) String() string {
	switch s {
	case StageNotRunning:
		return "not_running"
	case StagePractice:
		return "practice"
	case StageTransitioningToScored:
		return "transitioning_to_scored"
	case StageScored:
		return "scored"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s Stage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// SessionConfig describes one session. Exactly one of Cycles or Duration
// should be set; when both are, Cycles wins. A Duration is rounded up to
// whole cycles.
type SessionConfig struct {
	Mode     TimingMode    `json:"mode"`
	Cycles   int           `json:"cycles,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// PhaseScorer receives phase transitions and supplies coherence for
// [Orchestrator.RecordPhoneme]. It is reset at every session start.
// [*coherence.Scorer] implements it.
type PhaseScorer interface {
	Reset()
	NotifyPhaseTransition(phase types.CyclePhase)
	Data() coherence.Data
}

var _ PhaseScorer = (*coherence.Scorer)(nil)

// State is a point-in-time snapshot of the session.
type State struct {
	Stage Stage            `json:"stage"`
	Mode  TimingMode       `json:"mode"`
	Phase types.CyclePhase `json:"phase"`

	PhaseProgress   float64 `json:"phase_progress"`
	CycleProgress   float64 `json:"cycle_progress"`
	SessionProgress float64 `json:"session_progress"`

	IsPractice     bool `json:"is_practice"`
	PracticeCycle  int  `json:"practice_cycle,omitempty"`
	PracticeCycles int  `json:"practice_cycles"`

	// CurrentCycle is the 1-based scored cycle, 0 during practice.
	CurrentCycle    int `json:"current_cycle"`
	TotalCycles     int `json:"total_cycles"`
	CompletedCycles int `json:"completed_cycles"`
	LockedCycles    int `json:"locked_cycles"`

	// ScoredElapsed restarts from zero when scoring begins.
	ScoredElapsed time.Duration `json:"scored_elapsed"`
	ScoredTotal   time.Duration `json:"scored_total"`

	// ScoredSessionStarting is an advisory flag that clears by itself
	// AdvisoryDuration after the switch to scoring.
	ScoredSessionStarting bool `json:"scored_session_starting"`
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithListener sets the event listener. Use [MultiListener] for several.
func WithListener(l Listener) Option {
	return func(o *Orchestrator) { o.listener = l }
}

// WithScorer attaches the coherence scorer that receives phase transitions.
func WithScorer(s PhaseScorer) Option {
	return func(o *Orchestrator) { o.scorer = s }
}

// WithPracticeCycles sets the number of unscored warm-up cycles.
func WithPracticeCycles(n int) Option {
	return func(o *Orchestrator) { o.practice = max(n, 0) }
}

// WithFirstBreathMultiplier stretches the very first Breathe phase.
func WithFirstBreathMultiplier(m float64) Option {
	return func(o *Orchestrator) {
		if m >= 1 {
			o.firstBreath = m
		}
	}
}

// WithTickInterval sets the background clock period.
func WithTickInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithClock sets the time source read by the background ticker.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithManualClock disables the background ticker and reads time from now.
// The caller drives the session with [Orchestrator.Tick].
func WithManualClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
		o.manual = true
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// Orchestrator is safe for concurrent use. Listener callbacks are never
// invoked while the internal state lock is held.
type Orchestrator struct {
	mu     sync.Mutex
	emitMu sync.Mutex
	gen    atomic.Uint64

	listener    Listener
	scorer      PhaseScorer
	log         *slog.Logger
	now         func() time.Time
	manual      bool
	interval    time.Duration
	practice    int
	firstBreath float64

	running  bool
	cfg      SessionConfig
	timeline Timeline
	total    int
	start    time.Time
	stopCh   chan struct{}
	doneCh   chan struct{}

	pos          Position
	stage        Stage
	scoredStart  time.Duration
	scoredTotal  time.Duration
	scoredFired  bool
	elapsed      time.Duration
	acc          accumulator
	qualities    []Quality
	lastComplete *Quality
}

// New returns an idle orchestrator.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		log:         slog.Default(),
		now:         time.Now,
		interval:    DefaultTickInterval,
		practice:    DefaultPracticeCycles,
		firstBreath: DefaultFirstBreathMultiplier,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Validate reports whether cfg would be accepted by StartSession, without
// touching the running session.
func (o *Orchestrator) Validate(cfg SessionConfig) error {
	_, err := o.plan(cfg)
	return err
}

// plan returns the number of scored cycles cfg asks for.
func (o *Orchestrator) plan(cfg SessionConfig) (int, error) {
	if _, err := ParseTimingMode(cfg.Mode.String()); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidSession, err)
	}
	n := cfg.Cycles
	if n <= 0 && cfg.Duration > 0 {
		per := cfg.Mode.CycleDuration()
		n = int((cfg.Duration + per - 1) / per)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: need a positive cycle count or duration", ErrInvalidSession)
	}
	if o.practice+n > MaxCycles {
		return 0, fmt.Errorf("%w: %d cycles exceeds the limit of %d", ErrInvalidSession, o.practice+n, MaxCycles)
	}
	return n, nil
}

// StartSession begins a new session. A running session is stopped first.
func (o *Orchestrator) StartSession(cfg SessionConfig) error {
	n, err := o.plan(cfg)
	if err != nil {
		return err
	}
	tl := Timeline{Mode: cfg.Mode, FirstBreathMultiplier: o.firstBreath}

	o.StopSession()

	o.mu.Lock()
	o.running = true
	o.cfg = cfg
	o.timeline = tl
	o.total = n
	o.start = o.now()
	o.pos = tl.Locate(0)
	o.scoredStart = tl.Span(0, o.practice)
	o.scoredTotal = tl.Span(o.practice, n)
	o.scoredFired = false
	o.elapsed = 0
	o.acc.reset()
	o.qualities = nil
	o.lastComplete = nil
	o.stage = StagePractice
	gen := o.gen.Load()

	events := []event{o.phaseEventLocked()}
	if o.practice == 0 {
		events = append(events, o.enterScoredLocked()...)
	}
	if o.scorer != nil {
		o.scorer.Reset()
		o.scorer.NotifyPhaseTransition(o.pos.Phase)
	}
	if !o.manual {
		o.stopCh = make(chan struct{})
		o.doneCh = make(chan struct{})
		go o.run(o.stopCh, o.doneCh)
	}
	o.mu.Unlock()

	o.log.Info("cycle: session started",
		"mode", cfg.Mode.String(),
		"cycles", n,
		"practice_cycles", o.practice,
	)
	o.deliver(gen, events)
	return nil
}

// StopSession ends the session. It is idempotent and returns only after any
// in-flight listener callback has finished; no callback for the stopped
// session fires afterwards.
func (o *Orchestrator) StopSession() {
	o.mu.Lock()
	wasRunning := o.running
	o.gen.Add(1)
	done := o.haltLocked()
	o.mu.Unlock()

	if done != nil {
		<-done
	}
	// Wait for in-flight delivery.
	o.emitMu.Lock()
	o.emitMu.Unlock() //nolint:staticcheck

	if wasRunning {
		o.log.Info("cycle: session stopped")
	}
}

// haltLocked marks the session stopped and signals the clock goroutine. It
// returns the goroutine's done channel, or nil if there is none.
func (o *Orchestrator) haltLocked() chan struct{} {
	o.running = false
	o.stage = StageNotRunning
	if o.stopCh == nil {
		return nil
	}
	close(o.stopCh)
	done := o.doneCh
	o.stopCh, o.doneCh = nil, nil
	return done
}

func (o *Orchestrator) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !o.Tick() {
				return
			}
		}
	}
}

// Tick advances the session to the current clock time and delivers any
// resulting events. It reports whether the session is still running.
func (o *Orchestrator) Tick() bool {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return false
	}
	gen := o.gen.Load()
	total := o.total
	events, finished := o.advanceLocked(o.now().Sub(o.start))
	if finished {
		// The clock goroutine may be the caller, so its done channel is
		// not awaited here.
		o.haltLocked()
	}
	o.mu.Unlock()

	o.deliver(gen, events)
	if finished {
		o.log.Info("cycle: session complete", "cycles", total)
	}
	return !finished
}

func (o *Orchestrator) advanceLocked(elapsed time.Duration) (events []event, finished bool) {
	if elapsed < o.elapsed {
		// Clocks never run backwards for a session.
		elapsed = o.elapsed
	}
	o.elapsed = elapsed
	next := o.timeline.Locate(elapsed)
	prev := o.pos

	for c := prev.Cycle; c < next.Cycle; c++ {
		evs, done := o.finishCycleLocked(c)
		events = append(events, evs...)
		if done {
			o.pos = next
			return events, true
		}
	}

	o.pos = next
	if next.Cycle != prev.Cycle || next.Phase != prev.Phase {
		if o.scorer != nil {
			o.scorer.NotifyPhaseTransition(next.Phase)
		}
		events = append(events, o.phaseEventLocked())
	}
	if o.stage == StageTransitioningToScored && o.scoredElapsedLocked() >= AdvisoryDuration {
		o.stage = StageScored
	}
	return events, false
}

// finishCycleLocked closes the absolute cycle c.
func (o *Orchestrator) finishCycleLocked(c int) (events []event, done bool) {
	if c < o.practice {
		n := c + 1
		events = append(events, func(l Listener) { l.OnPracticeCycleComplete(n) })
		if n == o.practice {
			events = append(events, o.enterScoredLocked()...)
		}
		return events, false
	}

	q := o.acc.quality()
	o.acc.reset()
	o.qualities = append(o.qualities, q)
	o.lastComplete = &q
	n := c - o.practice + 1
	events = append(events, func(l Listener) { l.OnCycleComplete(q, n) })
	if n < o.total {
		return events, false
	}
	summary := summarize(o.qualities)
	events = append(events, func(l Listener) { l.OnSessionComplete(summary) })
	return events, true
}

func (o *Orchestrator) enterScoredLocked() []event {
	o.acc.reset()
	o.stage = StageTransitioningToScored
	if o.scoredFired {
		return nil
	}
	o.scoredFired = true
	return []event{func(l Listener) { l.OnScoredSessionStart() }}
}

func (o *Orchestrator) phaseEventLocked() event {
	st := o.stateLocked()
	phase := o.pos.Phase
	return func(l Listener) { l.OnPhaseChange(phase, st) }
}

func (o *Orchestrator) deliver(gen uint64, events []event) {
	if o.listener == nil || len(events) == 0 {
		return
	}
	o.emitMu.Lock()
	defer o.emitMu.Unlock()
	for _, ev := range events {
		if o.gen.Load() != gen {
			return
		}
		ev(o.listener)
	}
}

func (o *Orchestrator) scoringLocked() bool {
	return o.running && (o.stage == StageTransitioningToScored || o.stage == StageScored)
}

func (o *Orchestrator) scoredElapsedLocked() time.Duration {
	return max(o.elapsed-o.scoredStart, 0)
}

// RecordSample feeds one analysis result into the current cycle's quality.
// Only voiced, non-silent samples during a vocal phase of a scored cycle
// count. It never advances the clock.
func (o *Orchestrator) RecordSample(phoneme types.Phoneme, p pitch.Sample, coherence float64) {
	if phoneme == types.Silence || !p.Voiced {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.scoringLocked() || !o.pos.Phase.IsVocal() {
		return
	}
	o.acc.add(o.pos.Phase, coherence)
}

// RecordPhoneme records a sample using the attached scorer's current score.
// Without a scorer the sample counts as 0.
func (o *Orchestrator) RecordPhoneme(phoneme types.Phoneme, p pitch.Sample) {
	var score float64
	if o.scorer != nil {
		score = o.scorer.Data().Score
	}
	o.RecordSample(phoneme, p, score)
}

// ExpectedPhoneme returns the phoneme the user should be chanting. The
// second result is false when idle or during Breathe.
func (o *Orchestrator) ExpectedPhoneme() (types.Phoneme, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return types.Silence, false
	}
	return o.pos.Phase.Phoneme()
}

// CurrentCycleQuality returns the running quality of the cycle in progress.
func (o *Orchestrator) CurrentCycleQuality() Quality {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.acc.quality()
}

// LastCycleQuality returns the most recently completed scored cycle.
func (o *Orchestrator) LastCycleQuality() (Quality, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastComplete == nil {
		return Quality{}, false
	}
	return *o.lastComplete, true
}

// Running reports whether a session is in progress.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// State returns a snapshot as of the last tick.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stateLocked()
}

func (o *Orchestrator) stateLocked() State {
	st := State{
		Stage:           o.stage,
		Mode:            o.cfg.Mode,
		Phase:           o.pos.Phase,
		PhaseProgress:   o.pos.PhaseProgress(),
		CycleProgress:   o.pos.CycleProgress(),
		PracticeCycles:  o.practice,
		TotalCycles:     o.total,
		CompletedCycles: len(o.qualities),
		ScoredTotal:     o.scoredTotal,
	}
	for _, q := range o.qualities {
		if q.IsLocked {
			st.LockedCycles++
		}
	}
	if o.total == 0 {
		return st
	}
	if o.pos.Cycle < o.practice {
		st.IsPractice = true
		st.PracticeCycle = o.pos.Cycle + 1
		return st
	}
	st.CurrentCycle = min(o.pos.Cycle-o.practice+1, o.total)
	st.ScoredElapsed = min(o.scoredElapsedLocked(), o.scoredTotal)
	st.SessionProgress = fraction(st.ScoredElapsed, o.scoredTotal)
	st.ScoredSessionStarting = o.scoredFired && o.scoredElapsedLocked() < AdvisoryDuration
	return st
}
