package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/vocalis/internal/calibration"
	"github.com/MrWong99/vocalis/internal/spectral"
	"github.com/MrWong99/vocalis/pkg/types"
)

var _ calibration.Store = (*Store)(nil)

// Store is a PostgreSQL-backed [calibration.Store]. It is safe for
// concurrent use.
//
// MFCC vectors are stored as pgvector float4 columns, so baselines lose
// precision beyond float32 on a round trip.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, registers pgvector types on every connection,
// and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks connectivity, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Load implements [calibration.Store]. The profile row and its MFCC rows
// are read in one repeatable-read transaction so a concurrent Save is seen
// whole or not at all.
func (s *Store) Load(ctx context.Context, userID string) (*calibration.Profile, error) {
	var p *calibration.Profile
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly},
		func(tx pgx.Tx) error {
			var err error
			p, err = loadTx(ctx, tx, userID)
			return err
		})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func loadTx(ctx context.Context, tx pgx.Tx, userID string) (*calibration.Profile, error) {
	const q = `
		SELECT ah_ratio, oo_ratio, mm_flatness, noise_floor, updated_at
		FROM calibration_profiles WHERE user_id = $1`

	var p calibration.Profile
	err := tx.QueryRow(ctx, q, userID).Scan(&p.AhRatio, &p.OoRatio, &p.MmFlatness, &p.NoiseFloor, &p.SavedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: load profile: %w", err)
	}
	p.SavedAt = p.SavedAt.UTC()

	rows, err := tx.Query(ctx,
		`SELECT phoneme, mean, variance FROM calibration_mfcc WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: load mfcc: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			name           string
			mean, variance pgvector.Vector
		)
		if err := rows.Scan(&name, &mean, &variance); err != nil {
			return nil, fmt.Errorf("postgres store: scan mfcc: %w", err)
		}
		ph, err := types.ParsePhoneme(name)
		if err != nil {
			slog.Warn("postgres store: discarding invalid stored profile",
				"user", userID, "err", err)
			return nil, nil
		}
		b, ok := toBaseline(mean, variance)
		if !ok {
			slog.Warn("postgres store: discarding invalid stored profile",
				"user", userID, "phoneme", name, "err", "wrong vector dimension")
			return nil, nil
		}
		if p.MFCC == nil {
			p.MFCC = make(map[types.Phoneme]*calibration.Baseline)
		}
		p.MFCC[ph] = b
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: load mfcc: %w", err)
	}

	if err := calibration.Validate(&p); err != nil {
		slog.Warn("postgres store: discarding invalid stored profile", "user", userID, "err", err)
		return nil, nil
	}
	return &p, nil
}

// Save implements [calibration.Store]. Any previous profile for the user,
// including its MFCC rows, is replaced in a single transaction.
func (s *Store) Save(ctx context.Context, userID string, p *calibration.Profile) error {
	if !calibration.ValidUserID(userID) {
		return calibration.ErrInvalidUserID
	}
	if err := calibration.Validate(p); err != nil {
		return fmt.Errorf("postgres store: save profile: %w", err)
	}

	savedAt := p.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const upsert = `
			INSERT INTO calibration_profiles (user_id, ah_ratio, oo_ratio, mm_flatness, noise_floor, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_id) DO UPDATE SET
				ah_ratio = EXCLUDED.ah_ratio,
				oo_ratio = EXCLUDED.oo_ratio,
				mm_flatness = EXCLUDED.mm_flatness,
				noise_floor = EXCLUDED.noise_floor,
				updated_at = EXCLUDED.updated_at`
		if _, err := tx.Exec(ctx, upsert, userID, p.AhRatio, p.OoRatio, p.MmFlatness, p.NoiseFloor, savedAt); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM calibration_mfcc WHERE user_id = $1`, userID); err != nil {
			return err
		}
		for ph, b := range p.MFCC {
			if _, err := tx.Exec(ctx,
				`INSERT INTO calibration_mfcc (user_id, phoneme, mean, variance) VALUES ($1, $2, $3, $4)`,
				userID, ph.String(), toVector(b.Mean), toVector(b.Variance),
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres store: save profile: %w", err)
	}
	return nil
}

// Delete removes a user's profile. Deleting a missing profile is not an error.
func (s *Store) Delete(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM calibration_profiles WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("postgres store: delete profile: %w", err)
	}
	return nil
}

func toVector(v spectral.Vector) pgvector.Vector {
	f := make([]float32, len(v))
	for i, x := range v {
		f[i] = float32(x)
	}
	return pgvector.NewVector(f)
}

func toBaseline(mean, variance pgvector.Vector) (*calibration.Baseline, bool) {
	m, v := mean.Slice(), variance.Slice()
	if len(m) != spectral.NumCoefficients || len(v) != spectral.NumCoefficients {
		return nil, false
	}
	var b calibration.Baseline
	for i := range spectral.NumCoefficients {
		b.Mean[i] = float64(m[i])
		b.Variance[i] = float64(v[i])
	}
	return &b, true
}
