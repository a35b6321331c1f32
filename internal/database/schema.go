package database

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS scrape_sessions (
		id               TEXT PRIMARY KEY,
		owner_id         TEXT NOT NULL,
		status           TEXT NOT NULL,
		request          JSONB NOT NULL,
		units_total      INTEGER NOT NULL DEFAULT 0,
		units_done       INTEGER NOT NULL DEFAULT 0,
		units_failed     INTEGER NOT NULL DEFAULT 0,
		businesses_found INTEGER NOT NULL DEFAULT 0,
		error_message    TEXT,
		created_at       TIMESTAMPTZ NOT NULL,
		started_at       TIMESTAMPTZ,
		finished_at      TIMESTAMPTZ,
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scrape_sessions_status ON scrape_sessions (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS businesses (
		session_id       TEXT NOT NULL REFERENCES scrape_sessions (id) ON DELETE CASCADE,
		name_key         TEXT NOT NULL,
		normalized_phone TEXT NOT NULL DEFAULT '',
		name             TEXT NOT NULL,
		phone            TEXT NOT NULL DEFAULT '',
		address          TEXT NOT NULL DEFAULT '',
		category         TEXT NOT NULL DEFAULT '',
		town             TEXT NOT NULL,
		industry         TEXT NOT NULL DEFAULT '',
		provider         TEXT NOT NULL DEFAULT '',
		discovered_at    TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (session_id, normalized_phone, name_key)
	)`,
	`CREATE TABLE IF NOT EXISTS outbox_event (
		id             UUID PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		aggregate_id   TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		payload        JSONB NOT NULL,
		target_stream  TEXT NOT NULL,
		status         TEXT NOT NULL,
		retry_count    INTEGER NOT NULL DEFAULT 0,
		error_message  TEXT,
		created_at     TIMESTAMPTZ NOT NULL,
		processed_at   TIMESTAMPTZ,
		next_retry_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_event_pending ON outbox_event (status, next_retry_at, created_at)`,
}

// Migrate creates the tables used by the service when they are missing.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
