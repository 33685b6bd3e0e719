// Package types defines the shared tagged variants used across all vocalis
// packages.
//
// These types form the lingua franca between the analysers, the calibration
// recorder, the coherence scorer and the cycle orchestrator. Each package owns
// its own domain types; only cross-cutting enumerations live here to avoid
// circular imports.
package types

import "fmt"

// Phoneme is one of the sounds the formant classifier can report.
type Phoneme int

const (
	// Silence means no usable vocalization (below the RMS gate).
	Silence Phoneme = iota

	// Ah is the open vowel.
	Ah

	// Oo is the rounded vowel.
	Oo

	// Mm is the closed-mouth nasal hum.
	Mm
)

// Phonemes lists the voiced phonemes in chant order.
var Phonemes = []Phoneme{Ah, Oo, Mm}

// String returns the lower-case wire name of the phoneme.
func (p Phoneme) String() string {
	switch p {
	case Silence:
		return "silence"
	case Ah:
		return "ah"
	case Oo:
		return "oo"
	case Mm:
		return "mm"
	default:
		return "unknown"
	}
}

// IsVoiced reports whether p is one of the chanted sounds.
func (p Phoneme) IsVoiced() bool {
	return p == Ah || p == Oo || p == Mm
}

// MarshalText implements [encoding.TextMarshaler].
func (p Phoneme) MarshalText() ([]byte, error) {
	switch p {
	case Silence, Ah, Oo, Mm:
		return []byte(p.String()), nil
	}
	return nil, fmt.Errorf("types: invalid phoneme %d", int(p))
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (p *Phoneme) UnmarshalText(b []byte) error {
	v, err := ParsePhoneme(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParsePhoneme parses the wire name produced by [Phoneme.String].
func ParsePhoneme(s string) (Phoneme, error) {
	switch s {
	case "silence":
		return Silence, nil
	case "ah":
		return Ah, nil
	case "oo":
		return Oo, nil
	case "mm":
		return Mm, nil
	}
	return Silence, fmt.Errorf("types: unknown phoneme %q", s)
}

// CyclePhase is one segment of a breathing/chanting cycle. Phases repeat in
// the order Breathe, Ah, Oo, Mm.
type CyclePhase int

const (
	PhaseBreathe CyclePhase = iota
	PhaseAh
	PhaseOo
	PhaseMm
)

// CyclePhases lists all phases in cycle order.
var CyclePhases = []CyclePhase{PhaseBreathe, PhaseAh, PhaseOo, PhaseMm}

// String returns the lower-case wire name of the phase.
func (p CyclePhase) String() string {
	switch p {
	case PhaseBreathe:
		return "breathe"
	case PhaseAh:
		return "ah"
	case PhaseOo:
		return "oo"
	case PhaseMm:
		return "mm"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (p CyclePhase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Next returns the phase that follows p, wrapping Mm back to Breathe.
func (p CyclePhase) Next() CyclePhase {
	switch p {
	case PhaseBreathe:
		return PhaseAh
	case PhaseAh:
		return PhaseOo
	case PhaseOo:
		return PhaseMm
	default:
		return PhaseBreathe
	}
}

// IsVocal reports whether the user is expected to chant during p.
func (p CyclePhase) IsVocal() bool {
	return p != PhaseBreathe
}

// Phoneme returns the phoneme expected during p. The second result is false
// for Breathe, where nothing is expected.
func (p CyclePhase) Phoneme() (Phoneme, bool) {
	switch p {
	case PhaseAh:
		return Ah, true
	case PhaseOo:
		return Oo, true
	case PhaseMm:
		return Mm, true
	default:
		return Silence, false
	}
}
