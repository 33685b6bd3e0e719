package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/vocalis/internal/cycle"
	"github.com/MrWong99/vocalis/internal/feed"
	"github.com/MrWong99/vocalis/internal/observe"
)

// SessionInfo holds metadata about the running session.
type SessionInfo struct {
	// ID tags every feed message of the session.
	ID string `json:"id"`

	// Mode is the timing mode.
	Mode cycle.TimingMode `json:"mode"`

	// StartedAt is when the session was started.
	StartedAt time.Time `json:"started_at"`
}

// SessionStatus is the response body of GET /v1/session.
type SessionStatus struct {
	Session *SessionInfo   `json:"session,omitempty"`
	State   cycle.State    `json:"state"`
	Current cycle.Quality  `json:"current_quality"`
	Last    *cycle.Quality `json:"last_quality,omitempty"`
}

// SessionManager owns the cycle orchestrator and ties its lifecycle to the
// live feed and metrics. At most one session runs at a time; starting a new
// one replaces the old. All exported methods are safe for concurrent use.
type SessionManager struct {
	orch        *cycle.Orchestrator
	hub         *feed.Hub
	metrics     *observe.Metrics
	defaultMode cycle.TimingMode
	now         func() time.Time
	log         *slog.Logger

	// mu serialises Start and Stop. Listener callbacks never take it, so
	// the orchestrator's stop barrier cannot deadlock against them.
	mu     sync.Mutex
	active atomic.Bool
	info   atomic.Pointer[SessionInfo]
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Hub         *feed.Hub
	Metrics     *observe.Metrics
	DefaultMode cycle.TimingMode

	// Options configure the orchestrator. The manager adds its own
	// listener.
	Options []cycle.Option

	Now    func() time.Time
	Logger *slog.Logger
}

// NewSessionManager creates the orchestrator and a manager around it.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		hub:         cfg.Hub,
		metrics:     cfg.Metrics,
		defaultMode: cfg.DefaultMode,
		now:         cfg.Now,
		log:         cfg.Logger,
	}
	if sm.now == nil {
		sm.now = time.Now
	}
	if sm.log == nil {
		sm.log = slog.Default()
	}

	listeners := cycle.MultiListener{}
	if sm.hub != nil {
		listeners = append(listeners, sm.hub)
	}
	listeners = append(listeners, sm.listener())

	opts := append([]cycle.Option{}, cfg.Options...)
	opts = append(opts, cycle.WithListener(listeners), cycle.WithLogger(sm.log))
	sm.orch = cycle.New(opts...)
	return sm
}

// Orchestrator returns the managed orchestrator.
func (sm *SessionManager) Orchestrator() *cycle.Orchestrator { return sm.orch }

// StartRequest is the body of POST /v1/session. Mode defaults to the
// configured default. Cycles wins over DurationSeconds.
type StartRequest struct {
	Mode            string  `json:"mode,omitempty"`
	Cycles          int     `json:"cycles,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// sessionConfig converts req into an orchestrator config.
func (req StartRequest) sessionConfig(def cycle.TimingMode) (cycle.SessionConfig, error) {
	mode := def
	if req.Mode != "" {
		m, err := cycle.ParseTimingMode(req.Mode)
		if err != nil {
			return cycle.SessionConfig{}, fmt.Errorf("%w: %w", cycle.ErrInvalidSession, err)
		}
		mode = m
	}
	if req.Cycles < 0 || req.DurationSeconds < 0 {
		return cycle.SessionConfig{}, fmt.Errorf("%w: negative length", cycle.ErrInvalidSession)
	}
	return cycle.SessionConfig{
		Mode:     mode,
		Cycles:   req.Cycles,
		Duration: time.Duration(req.DurationSeconds * float64(time.Second)),
	}, nil
}

// Start begins a new session, replacing any running one. Invalid requests
// return an error wrapping [cycle.ErrInvalidSession] and leave the running
// session untouched.
func (sm *SessionManager) Start(ctx context.Context, req StartRequest) (SessionInfo, error) {
	cfg, err := req.sessionConfig(sm.defaultMode)
	if err != nil {
		return SessionInfo{}, err
	}
	if err := sm.orch.Validate(cfg); err != nil {
		return SessionInfo{}, err
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	// Stop first so no callback of the old session sees the new ID.
	sm.orch.StopSession()
	sm.end(ctx)

	info := SessionInfo{Mode: cfg.Mode, StartedAt: sm.now()}
	if sm.hub != nil {
		info.ID = sm.hub.BeginSession()
	}
	sm.info.Store(&info)
	sm.active.Store(true)
	if sm.metrics != nil {
		sm.metrics.ActiveSessions.Add(ctx, 1)
	}
	if err := sm.orch.StartSession(cfg); err != nil {
		// Validated above; only a concurrent config change could get here.
		sm.end(ctx)
		return SessionInfo{}, err
	}
	sm.log.Info("session started", "id", info.ID, "mode", cfg.Mode.String())
	return info, nil
}

// Stop ends the running session. It reports whether one was running.
func (sm *SessionManager) Stop(ctx context.Context) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.orch.StopSession()
	stopped := sm.end(ctx)
	if stopped {
		sm.log.Info("session stopped by request")
	}
	return stopped
}

// end clears the active session once, whichever of Stop or completion gets
// there first.
func (sm *SessionManager) end(ctx context.Context) bool {
	if !sm.active.CompareAndSwap(true, false) {
		return false
	}
	sm.info.Store(nil)
	if sm.hub != nil {
		sm.hub.EndSession()
	}
	if sm.metrics != nil {
		sm.metrics.ActiveSessions.Add(ctx, -1)
	}
	return true
}

// Active returns the running session, if any.
func (sm *SessionManager) Active() (SessionInfo, bool) {
	if p := sm.info.Load(); p != nil {
		return *p, true
	}
	return SessionInfo{}, false
}

// Status returns the orchestrator state and live quality.
func (sm *SessionManager) Status() SessionStatus {
	st := SessionStatus{
		State:   sm.orch.State(),
		Current: sm.orch.CurrentCycleQuality(),
	}
	if info, ok := sm.Active(); ok {
		st.Session = &info
	}
	if q, ok := sm.orch.LastCycleQuality(); ok {
		st.Last = &q
	}
	return st
}

// listener records metrics and closes the session on completion. It runs on
// the orchestrator's clock goroutine.
func (sm *SessionManager) listener() cycle.Listener {
	ctx := context.Background()
	return cycle.ListenerFuncs{
		CycleComplete: func(q cycle.Quality, n int) {
			if sm.metrics != nil {
				sm.metrics.RecordCycle(ctx, q.OverallScore, q.IsLocked)
			}
			sm.log.Debug("cycle complete", "cycle", n, "score", q.OverallScore, "locked", q.IsLocked)
		},
		SessionComplete: func(s cycle.Summary) {
			if sm.metrics != nil {
				sm.metrics.SessionCompletions.Add(ctx, 1)
			}
			sm.log.Info("session complete",
				"cycles", len(s.Cycles),
				"locked_cycles", s.LockedCycles,
				"average_score", s.AverageScore,
			)
			sm.end(ctx)
		},
	}
}

// isInvalidSession reports whether err is a client error from Start.
func isInvalidSession(err error) bool {
	return errors.Is(err, cycle.ErrInvalidSession)
}
