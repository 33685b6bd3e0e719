package calibration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/vocalis/internal/resilience"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var _ Store = (*FallbackStore)(nil)

// FallbackStore spreads profiles over every backend of a
// [resilience.FallbackGroup], for example postgres with a local file store
// behind it. Save writes to each reachable backend and stamps
// [Profile.SavedAt]; Load asks each reachable backend and returns the newest
// copy, so a profile written during an outage wins over the stale one the
// recovered backend still holds.
type FallbackStore struct {
	group *resilience.FallbackGroup[Store]
	now   func() time.Time
}

// FallbackOption configures a [FallbackStore].
type FallbackOption func(*FallbackStore)

// WithSaveClock sets the clock used to stamp saved profiles.
func WithSaveClock(now func() time.Time) FallbackOption {
	return func(f *FallbackStore) { f.now = now }
}

// NewFallbackStore wraps group.
func NewFallbackStore(group *resilience.FallbackGroup[Store], opts ...FallbackOption) *FallbackStore {
	f := &FallbackStore{group: group, now: time.Now}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Load implements [Store]. A backend without the profile counts as a miss,
// not as the answer. On equal timestamps the earlier backend wins.
func (f *FallbackStore) Load(ctx context.Context, userID string) (*Profile, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "calibration.Load")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	found, err := resilience.All(ctx, f.group, func(ctx context.Context, s Store) (*Profile, error) {
		p, err := s.Load(ctx, userID)
		if errors.Is(err, ErrInvalidUserID) {
			// Caller error; do not count it against the backend.
			return nil, nil
		}
		return p, err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("calibration: load profile: %w", err)
	}

	var newest *Profile
	for _, p := range found {
		if p != nil && (newest == nil || p.SavedAt.After(newest.SavedAt)) {
			newest = p
		}
	}
	return newest, nil
}

// Save implements [Store]. It succeeds when at least one backend stored the
// profile.
func (f *FallbackStore) Save(ctx context.Context, userID string, p *Profile) error {
	if !ValidUserID(userID) {
		return ErrInvalidUserID
	}
	if err := Validate(p); err != nil {
		return fmt.Errorf("calibration: save profile: %w", err)
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "calibration.Save")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	stamped := clone(p)
	stamped.SavedAt = f.now().UTC()
	written, err := resilience.All(ctx, f.group, func(ctx context.Context, s Store) (struct{}, error) {
		return struct{}{}, s.Save(ctx, userID, stamped)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("calibration: save profile: %w", err)
	}
	if n := len(f.group.Names()); len(written) < n {
		slog.Warn("calibration: profile saved to a subset of stores",
			"user", userID, "written", len(written), "stores", n)
	}
	span.SetAttributes(attribute.Int("calibration.stores_written", len(written)))
	return nil
}

// Backends reports each backend's breaker state, for readiness checks.
func (f *FallbackStore) Backends() map[string]resilience.State {
	return f.group.States()
}

const tracerName = "github.com/MrWong99/vocalis/internal/calibration"
