// Package postgres stores calibration profiles in PostgreSQL. Scalar fields
// live in calibration_profiles; MFCC baselines are pgvector columns in
// calibration_mfcc, one row per phoneme.
//
// The pgvector extension must be available in the target database; [Migrate]
// installs it via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	p, err := store.Load(ctx, userID)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/vocalis/internal/spectral"
)

const ddlProfiles = `
CREATE TABLE IF NOT EXISTS calibration_profiles (
    user_id      TEXT              PRIMARY KEY,
    ah_ratio     DOUBLE PRECISION  NOT NULL,
    oo_ratio     DOUBLE PRECISION  NOT NULL,
    mm_flatness  DOUBLE PRECISION  NOT NULL,
    noise_floor  DOUBLE PRECISION  NOT NULL,
    updated_at   TIMESTAMPTZ       NOT NULL DEFAULT now()
);
`

// ddlMFCC is formatted with the coefficient count.
const ddlMFCC = `
CREATE TABLE IF NOT EXISTS calibration_mfcc (
    user_id   TEXT        NOT NULL REFERENCES calibration_profiles (user_id) ON DELETE CASCADE,
    phoneme   TEXT        NOT NULL,
    mean      vector(%d)  NOT NULL,
    variance  vector(%d)  NOT NULL,
    PRIMARY KEY (user_id, phoneme)
);
`

// Migrate creates the extension and tables if they do not exist. It is
// idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		ddlProfiles,
		fmt.Sprintf(ddlMFCC, spectral.NumCoefficients, spectral.NumCoefficients),
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
