package app

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/vocalis/internal/cycle"
	"github.com/MrWong99/vocalis/internal/feed"
)

func newTestManager(t *testing.T) (*SessionManager, *fakeClock, *feed.Hub, func(string) int64) {
	t.Helper()
	clk := newFakeClock()
	hub := feed.NewHub()
	m, reader := newTestMetrics(t)
	sm := NewSessionManager(SessionManagerConfig{
		Hub:         hub,
		Metrics:     m,
		DefaultMode: cycle.Traditional,
		Options:     []cycle.Option{cycle.WithManualClock(clk.Now), cycle.WithPracticeCycles(0)},
		Now:         clk.Now,
	})
	t.Cleanup(func() { sm.Stop(context.Background()) })
	return sm, clk, hub, func(name string) int64 { return sumValue(t, reader, name) }
}

func TestSessionManager_StartStop(t *testing.T) {
	t.Parallel()
	sm, _, hub, metric := newTestManager(t)
	ctx := context.Background()

	info, err := sm.Start(ctx, StartRequest{Cycles: 3})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if info.ID == "" || info.Mode != cycle.Traditional {
		t.Errorf("info = %+v, want an ID and traditional mode", info)
	}
	if got := hub.Session(); got != info.ID {
		t.Errorf("hub session = %q, want %q", got, info.ID)
	}
	if got, ok := sm.Active(); !ok || got.ID != info.ID {
		t.Errorf("Active() = %+v, %v", got, ok)
	}
	if got := metric("vocalis.active_sessions"); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}

	if !sm.Stop(ctx) {
		t.Error("Stop reported no running session")
	}
	if sm.Stop(ctx) {
		t.Error("second Stop reported a running session")
	}
	if _, ok := sm.Active(); ok {
		t.Error("session still active after Stop")
	}
	if hub.Session() != "" {
		t.Errorf("hub session = %q after Stop, want empty", hub.Session())
	}
	if got := metric("vocalis.active_sessions"); got != 0 {
		t.Errorf("active sessions = %d, want 0", got)
	}
}

func TestSessionManager_InvalidRequestKeepsSession(t *testing.T) {
	t.Parallel()
	sm, _, hub, _ := newTestManager(t)
	ctx := context.Background()

	info, err := sm.Start(ctx, StartRequest{Cycles: 2})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	tests := []struct {
		name string
		req  StartRequest
	}{
		{"unknown mode", StartRequest{Mode: "speedrun", Cycles: 1}},
		{"no length", StartRequest{}},
		{"negative cycles", StartRequest{Cycles: -1}},
		{"negative duration", StartRequest{DurationSeconds: -5}},
		{"too many cycles", StartRequest{Cycles: cycle.MaxCycles + 1}},
	}
	for _, tc := range tests {
		if _, err := sm.Start(ctx, tc.req); !isInvalidSession(err) {
			t.Errorf("%s: err = %v, want ErrInvalidSession", tc.name, err)
		}
	}

	if got, ok := sm.Active(); !ok || got.ID != info.ID {
		t.Errorf("Active() = %+v, %v; want original session %q", got, ok, info.ID)
	}
	if hub.Session() != info.ID {
		t.Errorf("hub session changed to %q", hub.Session())
	}
}

func TestSessionManager_RestartReplacesSession(t *testing.T) {
	t.Parallel()
	sm, _, hub, metric := newTestManager(t)
	ctx := context.Background()

	first, err := sm.Start(ctx, StartRequest{Cycles: 2})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	second, err := sm.Start(ctx, StartRequest{Mode: "extended", DurationSeconds: 30})
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if first.ID == second.ID {
		t.Error("restart reused the session ID")
	}
	if second.Mode != cycle.Extended {
		t.Errorf("mode = %v, want extended", second.Mode)
	}
	if hub.Session() != second.ID {
		t.Errorf("hub session = %q, want %q", hub.Session(), second.ID)
	}
	if got := metric("vocalis.active_sessions"); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}

func TestSessionManager_CompletionEndsSession(t *testing.T) {
	t.Parallel()
	sm, clk, hub, metric := newTestManager(t)
	ctx := context.Background()

	if _, err := sm.Start(ctx, StartRequest{Cycles: 1}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// The first breath is stretched, so one nominal cycle is not enough.
	clk.Advance(2 * cycle.Traditional.CycleDuration())
	if sm.Orchestrator().Tick() {
		t.Fatal("session still running after its only cycle")
	}

	if _, ok := sm.Active(); ok {
		t.Error("session still active after completion")
	}
	if hub.Session() != "" {
		t.Errorf("hub session = %q after completion", hub.Session())
	}
	if got := metric("vocalis.session.completions"); got != 1 {
		t.Errorf("session completions = %d, want 1", got)
	}
	if got := metric("vocalis.cycle.completions"); got != 1 {
		t.Errorf("cycle completions = %d, want 1", got)
	}
	if got := metric("vocalis.active_sessions"); got != 0 {
		t.Errorf("active sessions = %d, want 0", got)
	}
	if sm.Stop(ctx) {
		t.Error("Stop after completion reported a running session")
	}

	st := sm.Status()
	if st.Session != nil {
		t.Errorf("status session = %+v, want nil", st.Session)
	}
	if st.Last == nil {
		t.Error("status has no last cycle quality")
	}
}

func TestStartRequest_SessionConfig(t *testing.T) {
	t.Parallel()
	cfg, err := StartRequest{DurationSeconds: 1.5}.sessionConfig(cycle.LongBreath)
	if err != nil {
		t.Fatalf("sessionConfig: %v", err)
	}
	if cfg.Mode != cycle.LongBreath {
		t.Errorf("mode = %v, want default long_breath", cfg.Mode)
	}
	if cfg.Duration != 1500*time.Millisecond {
		t.Errorf("duration = %v, want 1.5s", cfg.Duration)
	}
}
