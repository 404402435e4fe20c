// Package sqlstore keeps device tokens and waiter calls in a relational database
// through sqlx. Queries are written with ? placeholders and rebound for the
// driver, so the same code runs on PostgreSQL (lib/pq) and SQLite (modernc).
package sqlstore

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Schema creates the tables. It is idempotent and portable between PostgreSQL and SQLite.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS device_tokens (
		id          TEXT PRIMARY KEY,
		user_urn    TEXT NOT NULL,
		token       TEXT NOT NULL UNIQUE,
		platform    TEXT NOT NULL,
		provider    TEXT NOT NULL,
		web_push    TEXT,
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL,
		deleted_at  TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS device_tokens_user_idx ON device_tokens (user_urn)`,
	`CREATE TABLE IF NOT EXISTS waiter_calls (
		id               TEXT PRIMARY KEY,
		business_id      TEXT NOT NULL,
		table_id         TEXT NOT NULL,
		table_number     TEXT NOT NULL,
		waiter_urn       TEXT NOT NULL,
		note             TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL,
		created_at       TIMESTAMP NOT NULL,
		updated_at       TIMESTAMP NOT NULL,
		acknowledged_at  TIMESTAMP,
		completed_at     TIMESTAMP,
		cancelled_at     TIMESTAMP,
		cleared_at       TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS waiter_calls_waiter_idx ON waiter_calls (waiter_urn, status)`,
	// At most one active call per table.
	`CREATE UNIQUE INDEX IF NOT EXISTS waiter_calls_active_table_idx
		ON waiter_calls (business_id, table_id) WHERE status IN ('pending', 'acknowledged')`,
	`CREATE INDEX IF NOT EXISTS waiter_calls_uncleared_idx
		ON waiter_calls (updated_at) WHERE cleared_at IS NULL`,
}

// Migrate applies Schema.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
