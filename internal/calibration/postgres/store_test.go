package postgres_test

import (
	"context"
	"fmt"
	"math"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/vocalis/internal/calibration"
	"github.com/MrWong99/vocalis/internal/calibration/postgres"
	"github.com/MrWong99/vocalis/internal/spectral"
	"github.com/MrWong99/vocalis/pkg/types"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if VOCALIS_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOCALIS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOCALIS_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a [postgres.Store] on a clean schema and closes it on
// cleanup.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS calibration_mfcc CASCADE",
		"DROP TABLE IF EXISTS calibration_profiles CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop schema: %v", err)
		}
	}
	pool.Close()

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func profile() *calibration.Profile {
	var mean, variance spectral.Vector
	for i := range mean {
		mean[i] = float64(i) - 6
		variance[i] = 0.25
	}
	return &calibration.Profile{
		AhRatio:    1.8,
		OoRatio:    0.9,
		MmFlatness: 0.35,
		NoiseFloor: 0.001,
		MFCC: map[types.Phoneme]*calibration.Baseline{
			types.Ah: {Mean: mean, Variance: variance},
			types.Mm: {Mean: variance, Variance: variance},
		},
	}
}

func TestStore_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if p, err := s.Load(ctx, "missing"); p != nil || err != nil {
		t.Fatalf("Load missing = %v, %v", p, err)
	}

	want := profile()
	if err := s.Save(ctx, "alice", want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load(ctx, "alice")
	if err != nil || got == nil {
		t.Fatalf("Load = %v, %v", got, err)
	}
	if got.AhRatio != want.AhRatio || got.MmFlatness != want.MmFlatness {
		t.Errorf("scalars = %+v", got)
	}
	if len(got.MFCC) != 2 {
		t.Fatalf("baselines = %d, want 2", len(got.MFCC))
	}
	for i, v := range got.Baseline(types.Ah).Mean {
		if math.Abs(v-want.MFCC[types.Ah].Mean[i]) > 1e-6 {
			t.Errorf("mean[%d] = %v, want %v", i, v, want.MFCC[types.Ah].Mean[i])
		}
	}

	// Overwrite drops the old baselines.
	next := profile()
	next.MFCC = nil
	if err := s.Save(ctx, "alice", next); err != nil {
		t.Fatalf("Save overwrite: %v", err)
	}
	got, _ = s.Load(ctx, "alice")
	if got == nil || got.MFCC != nil {
		t.Fatalf("after overwrite = %+v", got)
	}

	if err := s.Delete(ctx, "alice"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if p, _ := s.Load(ctx, "alice"); p != nil {
		t.Fatal("profile survived delete")
	}
}

func TestStore_InvalidRowIsNoCalibration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, testDSN(t))
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	if _, err := pool.Exec(ctx,
		`INSERT INTO calibration_profiles (user_id, ah_ratio, oo_ratio, mm_flatness, noise_floor) VALUES ('bob', -1, 1, 0, 0)`,
	); err != nil {
		t.Fatal(err)
	}
	if p, err := s.Load(ctx, "bob"); p != nil || err != nil {
		t.Fatalf("Load invalid = %v, %v; want nil, nil", p, err)
	}
}

func TestStore_SaveRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	bad := profile()
	bad.OoRatio = math.Inf(1)
	if err := s.Save(context.Background(), "carol", bad); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestStore_KeepsSavedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := profile()
	p.SavedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.Save(ctx, "stamped", p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load(ctx, "stamped")
	if err != nil || got == nil {
		t.Fatalf("Load = %v, %v", got, err)
	}
	if !got.SavedAt.Equal(p.SavedAt) {
		t.Errorf("SavedAt = %v, want %v", got.SavedAt, p.SavedAt)
	}

	if err := s.Save(ctx, "unstamped", profile()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if got, _ := s.Load(ctx, "unstamped"); got == nil || got.SavedAt.IsZero() {
		t.Errorf("unstamped profile loaded as %+v, want a database timestamp", got)
	}
}

func TestStore_LoadSeesWholeSaves(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Versions are told apart by AhRatio; only the second has an Mm baseline.
	one := profile()
	delete(one.MFCC, types.Mm)
	two := profile()
	two.AhRatio = 2.5
	if err := s.Save(ctx, "racy", one); err != nil {
		t.Fatalf("Save: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range 100 {
			p := one
			if i%2 == 0 {
				p = two
			}
			if err := s.Save(ctx, "racy", p); err != nil {
				t.Errorf("Save: %v", err)
				return
			}
		}
	}()
	var torn string
	for torn == "" {
		select {
		case <-done:
			return
		default:
		}
		p, err := s.Load(ctx, "racy")
		switch {
		case err != nil || p == nil:
			torn = fmt.Sprintf("Load = %v, %v", p, err)
		case (p.Baseline(types.Mm) != nil) != (p.AhRatio == two.AhRatio):
			torn = fmt.Sprintf("torn read: AhRatio %v with Mm baseline %v", p.AhRatio, p.Baseline(types.Mm) != nil)
		}
	}
	<-done
	t.Fatal(torn)
}
