// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

package cost

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new PostgreSQL repository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the usage ledger table if it does not exist.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS usage_records (
			id BIGSERIAL PRIMARY KEY,
			request_id VARCHAR(64) NOT NULL,
			user_id VARCHAR(128),
			scope VARCHAR(160) NOT NULL,
			capability VARCHAR(64) NOT NULL,
			provider VARCHAR(64) NOT NULL,
			model VARCHAR(128) NOT NULL,
			tokens_in INTEGER NOT NULL DEFAULT 0,
			tokens_out INTEGER NOT NULL DEFAULT 0,
			cost_cents DOUBLE PRECISION NOT NULL DEFAULT 0,
			cache_hit BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_usage_records_scope_time
			ON usage_records (scope, created_at);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create usage schema: %w", err)
	}
	return nil
}

// SaveUsage inserts a usage record.
func (r *PostgresRepository) SaveUsage(ctx context.Context, record *UsageRecord) error {
	if record == nil {
		return ErrInvalidInput
	}

	query := `
		INSERT INTO usage_records (
			request_id, user_id, scope, capability, provider, model,
			tokens_in, tokens_out, cost_cents, cache_hit, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`
	err := r.db.QueryRowContext(ctx, query,
		record.RequestID, nullString(record.UserID), record.Scope,
		record.Capability, record.Provider, record.Model,
		record.TokensIn, record.TokensOut, record.CostCents,
		record.CacheHit, record.Timestamp,
	).Scan(&record.ID)
	if err != nil {
		return fmt.Errorf("failed to save usage: %w", err)
	}
	return nil
}

// ListUsage returns records for the scope since the given time.
func (r *PostgresRepository) ListUsage(ctx context.Context, scope string, since time.Time) ([]UsageRecord, error) {
	query := `
		SELECT id, request_id, COALESCE(user_id, ''), scope, capability,
			   provider, model, tokens_in, tokens_out, cost_cents,
			   cache_hit, created_at
		FROM usage_records
		WHERE created_at >= $2 AND ($1 = 'global' OR $1 = '' OR scope = $1)
		ORDER BY created_at
	`
	rows, err := r.db.QueryContext(ctx, query, scope, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []UsageRecord
	for rows.Next() {
		var rec UsageRecord
		if err := rows.Scan(
			&rec.ID, &rec.RequestID, &rec.UserID, &rec.Scope, &rec.Capability,
			&rec.Provider, &rec.Model, &rec.TokensIn, &rec.TokensOut,
			&rec.CostCents, &rec.CacheHit, &rec.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// TotalCostCents sums spend for the scope since the given time.
func (r *PostgresRepository) TotalCostCents(ctx context.Context, scope string, since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_cents), 0)
		FROM usage_records
		WHERE created_at >= $2 AND ($1 = 'global' OR $1 = '' OR scope = $1)
	`
	var total float64
	if err := r.db.QueryRowContext(ctx, query, scope, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum usage: %w", err)
	}
	return total, nil
}

// Close closes the database handle.
func (r *PostgresRepository) Close() error { return r.db.Close() }

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
