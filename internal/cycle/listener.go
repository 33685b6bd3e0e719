package cycle

import "github.com/MrWong99/vocalis/pkg/types"

// Listener receives session lifecycle events. Callbacks run on the
// orchestrator's clock goroutine (or the goroutine calling
// [Orchestrator.Tick]) and must not call StartSession or StopSession
// synchronously; hand off to another goroutine instead.
type Listener interface {
	// OnPhaseChange fires when the expected phase changes.
	OnPhaseChange(phase types.CyclePhase, st State)

	// OnPracticeCycleComplete fires after each unscored warm-up cycle,
	// numbered from 1.
	OnPracticeCycleComplete(n int)

	// OnScoredSessionStart fires once, when scoring begins.
	OnScoredSessionStart()

	// OnCycleComplete fires after each scored cycle, numbered from 1.
	OnCycleComplete(q Quality, n int)

	// OnSessionComplete fires once, when the planned scored time is reached.
	OnSessionComplete(s Summary)
}

var (
	_ Listener = ListenerFuncs{}
	_ Listener = MultiListener(nil)
)

// ListenerFuncs adapts optional functions to [Listener]. Nil fields are
// skipped.
type ListenerFuncs struct {
	PhaseChange           func(types.CyclePhase, State)
	PracticeCycleComplete func(int)
	ScoredSessionStart    func()
	CycleComplete         func(Quality, int)
	SessionComplete       func(Summary)
}

func (f ListenerFuncs) OnPhaseChange(p types.CyclePhase, st State) {
	if f.PhaseChange != nil {
		f.PhaseChange(p, st)
	}
}

func (f ListenerFuncs) OnPracticeCycleComplete(n int) {
	if f.PracticeCycleComplete != nil {
		f.PracticeCycleComplete(n)
	}
}

func (f ListenerFuncs) OnScoredSessionStart() {
	if f.ScoredSessionStart != nil {
		f.ScoredSessionStart()
	}
}

func (f ListenerFuncs) OnCycleComplete(q Quality, n int) {
	if f.CycleComplete != nil {
		f.CycleComplete(q, n)
	}
}

func (f ListenerFuncs) OnSessionComplete(s Summary) {
	if f.SessionComplete != nil {
		f.SessionComplete(s)
	}
}

// MultiListener fans events out to every member in order.
type MultiListener []Listener

func (m MultiListener) OnPhaseChange(p types.CyclePhase, st State) {
	for _, l := range m {
		l.OnPhaseChange(p, st)
	}
}

func (m MultiListener) OnPracticeCycleComplete(n int) {
	for _, l := range m {
		l.OnPracticeCycleComplete(n)
	}
}

func (m MultiListener) OnScoredSessionStart() {
	for _, l := range m {
		l.OnScoredSessionStart()
	}
}

func (m MultiListener) OnCycleComplete(q Quality, n int) {
	for _, l := range m {
		l.OnCycleComplete(q, n)
	}
}

func (m MultiListener) OnSessionComplete(s Summary) {
	for _, l := range m {
		l.OnSessionComplete(s)
	}
}

// event is a queued callback, delivered after the state lock is released.
type event func(Listener)
