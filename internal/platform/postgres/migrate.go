package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS payment_records (
		provider_id    TEXT PRIMARY KEY,
		amount_cents   BIGINT NOT NULL DEFAULT 0,
		status         TEXT NOT NULL,
		correlation_id TEXT,
		method         TEXT NOT NULL DEFAULT '',
		updated_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS payment_records_correlation_idx ON payment_records (correlation_id)`,
	`CREATE TABLE IF NOT EXISTS tickets (
		id          UUID PRIMARY KEY,
		token       TEXT NOT NULL UNIQUE,
		store_id    TEXT,
		payment_id  TEXT,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		redeemed_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS outbox (
		id             BIGSERIAL PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		aggregate_id   TEXT NOT NULL,
		type           TEXT NOT NULL,
		payload        JSONB NOT NULL,
		headers        JSONB NOT NULL DEFAULT '{}',
		traceparent    TEXT,
		status         TEXT NOT NULL DEFAULT 'pending',
		relay_id       TEXT,
		lease_until    TIMESTAMPTZ,
		retry_count    INT NOT NULL DEFAULT 0,
		last_error     TEXT,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_status_idx ON outbox (status, id)`,
}

// Migrate applies the schema. Every statement is idempotent, so it runs on
// each start.
func Migrate(ctx context.Context, log *slog.Logger, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	log.Info("schema migrated", "statements", len(schema))
	return nil
}
