package cycle

import (
	"fmt"
	"time"

	"github.com/MrWong99/vocalis/pkg/types"
)

// TimingMode selects the length of one breathing/chanting cycle. Phases keep
// the ratio Breathe:Ah:Oo:Mm = 2:1:1:2 in every mode.
type TimingMode int

const (
	// Traditional is an 18 s cycle.
	Traditional TimingMode = iota
	// Extended is a 24 s cycle.
	Extended
	// LongBreath is a 36 s cycle.
	LongBreath
)

// String returns the wire name of the mode.
func (m TimingMode) String() string {
	switch m {
	case Traditional:
		return "traditional"
	case Extended:
		return "extended"
	case LongBreath:
		return "long_breath"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (m TimingMode) MarshalText() ([]byte, error) {
	if _, err := ParseTimingMode(m.String()); err != nil {
		return nil, err
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (m *TimingMode) UnmarshalText(b []byte) error {
	v, err := ParseTimingMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseTimingMode parses a name produced by [TimingMode.String].
func ParseTimingMode(s string) (TimingMode, error) {
	switch s {
	case "traditional":
		return Traditional, nil
	case "extended":
		return Extended, nil
	case "long_breath":
		return LongBreath, nil
	}
	return Traditional, fmt.Errorf("cycle: unknown timing mode %q", s)
}

// unit is the duration of one ratio unit (Ah and Oo last one unit each).
func (m TimingMode) unit() time.Duration {
	switch m {
	case Extended:
		return 4 * time.Second
	case LongBreath:
		return 6 * time.Second
	default:
		return 3 * time.Second
	}
}

// PhaseDuration returns the nominal duration of phase.
func (m TimingMode) PhaseDuration(phase types.CyclePhase) time.Duration {
	switch phase {
	case types.PhaseBreathe, types.PhaseMm:
		return 2 * m.unit()
	default:
		return m.unit()
	}
}

// CycleDuration returns the nominal cycle length.
func (m TimingMode) CycleDuration() time.Duration {
	return 6 * m.unit()
}

// MaxCycles caps the cycle search so a runaway clock cannot spin forever.
const MaxCycles = 1000

// Position locates an elapsed time inside the session.
type Position struct {
	// Cycle is the zero-based absolute cycle index, practice included.
	Cycle int
	Phase types.CyclePhase

	PhaseElapsed  time.Duration
	PhaseDuration time.Duration
	CycleElapsed  time.Duration
	CycleDuration time.Duration

	// Capped is set once the elapsed time exceeds MaxCycles cycles.
	Capped bool
}

// PhaseProgress is the elapsed fraction of the phase in [0, 1].
func (p Position) PhaseProgress() float64 { return fraction(p.PhaseElapsed, p.PhaseDuration) }

// CycleProgress is the elapsed fraction of the cycle in [0, 1].
func (p Position) CycleProgress() float64 { return fraction(p.CycleElapsed, p.CycleDuration) }

// Timeline maps elapsed session time to positions. The first cycle's
// Breathe phase is stretched by FirstBreathMultiplier.
type Timeline struct {
	Mode                  TimingMode
	FirstBreathMultiplier float64
}

func (t Timeline) phaseDuration(cycle int, phase types.CyclePhase) time.Duration {
	d := t.Mode.PhaseDuration(phase)
	if cycle == 0 && phase == types.PhaseBreathe && t.FirstBreathMultiplier > 0 {
		d = time.Duration(float64(d) * t.FirstBreathMultiplier)
	}
	return d
}

// CycleDuration returns the length of the cycle with the given index.
func (t Timeline) CycleDuration(cycle int) time.Duration {
	var total time.Duration
	for _, ph := range types.CyclePhases {
		total += t.phaseDuration(cycle, ph)
	}
	return total
}

// Span returns the total duration of cycles [from, from+n).
func (t Timeline) Span(from, n int) time.Duration {
	var total time.Duration
	for c := from; c < from+n; c++ {
		total += t.CycleDuration(c)
	}
	return total
}

// Locate finds the position of elapsed by subtracting whole cycles. A time
// exactly on a boundary belongs to the following cycle and phase.
func (t Timeline) Locate(elapsed time.Duration) Position {
	remaining := max(elapsed, 0)
	cycle := 0
	for ; cycle < MaxCycles; cycle++ {
		d := t.CycleDuration(cycle)
		if remaining < d {
			break
		}
		remaining -= d
	}
	if cycle == MaxCycles {
		d := t.CycleDuration(cycle)
		last := types.PhaseMm
		pd := t.phaseDuration(cycle, last)
		return Position{
			Cycle:         cycle,
			Phase:         last,
			PhaseElapsed:  pd,
			PhaseDuration: pd,
			CycleElapsed:  d,
			CycleDuration: d,
			Capped:        true,
		}
	}

	pos := Position{Cycle: cycle, CycleElapsed: remaining, CycleDuration: t.CycleDuration(cycle)}
	for _, ph := range types.CyclePhases {
		pd := t.phaseDuration(cycle, ph)
		if remaining < pd || ph == types.PhaseMm {
			pos.Phase = ph
			pos.PhaseElapsed = remaining
			pos.PhaseDuration = pd
			break
		}
		remaining -= pd
	}
	return pos
}

func fraction(elapsed, total time.Duration) float64 {
	if total <= 0 {
		return 0
	}
	f := float64(elapsed) / float64(total)
	return min(max(f, 0), 1)
}
