package calibration

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/vocalis/internal/spectral"
	"github.com/MrWong99/vocalis/pkg/types"
)

// Baseline is the per-coefficient MFCC mean and variance captured for one
// phoneme.
type Baseline struct {
	Mean     spectral.Vector `json:"mean"`
	Variance spectral.Vector `json:"variance"`
}

// UnmarshalJSON requires exactly [spectral.NumCoefficients] values in both
// arrays.
func (b *Baseline) UnmarshalJSON(data []byte) error {
	var raw struct {
		Mean     []float64 `json:"mean"`
		Variance []float64 `json:"variance"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.Mean) != spectral.NumCoefficients || len(raw.Variance) != spectral.NumCoefficients {
		return fmt.Errorf("mfcc baseline: got %d mean and %d variance coefficients, want %d",
			len(raw.Mean), len(raw.Variance), spectral.NumCoefficients)
	}
	copy(b.Mean[:], raw.Mean)
	copy(b.Variance[:], raw.Variance)
	return nil
}

// Profile is a user's calibration: band-energy ratios for the two vowels,
// the flatness of their hum and the ambient noise floor. It is immutable once
// produced; callers must not mutate a Profile after handing it out.
type Profile struct {
	AhRatio    float64 `json:"ahRatio"`
	OoRatio    float64 `json:"ooRatio"`
	MmFlatness float64 `json:"mmFlatness"`
	NoiseFloor float64 `json:"noiseFloor"`

	// MFCC holds optional baselines keyed by phoneme. Phonemes with too few
	// captured vectors are absent.
	MFCC map[types.Phoneme]*Baseline `json:"mfccBaseline,omitempty"`

	// SavedAt is stamped by [FallbackStore] on write and orders the copies
	// held by different backends. Zero when unknown.
	SavedAt time.Time `json:"savedAt,omitzero"`
}

// Baseline returns the MFCC baseline for p, or nil.
func (p *Profile) Baseline(ph types.Phoneme) *Baseline {
	if p == nil || p.MFCC == nil {
		return nil
	}
	return p.MFCC[ph]
}

// ErrInvalidProfile is wrapped by every [Validate] failure.
var ErrInvalidProfile = errors.New("calibration: invalid profile")

// Validate is the structural guard applied at every load boundary. Ratios
// must be strictly positive, flatness and noise floor non-negative, and every
// number finite.
func Validate(p *Profile) error {
	if p == nil {
		return fmt.Errorf("%w: nil profile", ErrInvalidProfile)
	}
	var errs []error
	positive := func(name string, v float64) {
		if !finite(v) || v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive finite number, got %v", name, v))
		}
	}
	nonNegative := func(name string, v float64) {
		if !finite(v) || v < 0 {
			errs = append(errs, fmt.Errorf("%s must be a non-negative finite number, got %v", name, v))
		}
	}
	positive("ahRatio", p.AhRatio)
	positive("ooRatio", p.OoRatio)
	nonNegative("mmFlatness", p.MmFlatness)
	nonNegative("noiseFloor", p.NoiseFloor)

	for ph, b := range p.MFCC {
		if !ph.IsVoiced() {
			errs = append(errs, fmt.Errorf("mfccBaseline: unexpected phoneme %q", ph))
			continue
		}
		if b == nil {
			errs = append(errs, fmt.Errorf("mfccBaseline.%s: missing", ph))
			continue
		}
		for i := range b.Mean {
			if !finite(b.Mean[i]) {
				errs = append(errs, fmt.Errorf("mfccBaseline.%s.mean[%d] not finite", ph, i))
			}
			if !finite(b.Variance[i]) || b.Variance[i] < 0 {
				errs = append(errs, fmt.Errorf("mfccBaseline.%s.variance[%d] must be non-negative and finite", ph, i))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidProfile, errors.Join(errs...))
	}
	return nil
}

// Decode parses and validates a flat-JSON profile. Unlike [Load] it reports
// what was wrong.
func Decode(data []byte) (*Profile, error) {
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidProfile, err)
	}
	if err := Validate(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Encode serialises a validated profile to flat JSON.
func Encode(p *Profile) ([]byte, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
