package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		sequence BIGINT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		actor_type TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action_category TEXT NOT NULL,
		action_type TEXT NOT NULL,
		resource_type TEXT,
		resource_id TEXT,
		outcome TEXT NOT NULL,
		high_risk BOOLEAN NOT NULL DEFAULT FALSE,
		run_id TEXT,
		tool_name TEXT,
		prev_hash TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		body TEXT NOT NULL,
		UNIQUE (tenant_id, sequence)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_entries_run ON audit_entries (tenant_id, run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_entries_ts ON audit_entries (tenant_id, ts)`,
	`CREATE TABLE IF NOT EXISTS audit_chain_state (
		tenant_id TEXT PRIMARY KEY,
		sequence BIGINT NOT NULL,
		last_hash TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_batches (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		first_sequence BIGINT NOT NULL,
		last_sequence BIGINT NOT NULL,
		merkle_root TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

var postgresDialect = dialect{
	name:       "postgres",
	schema:     postgresSchema,
	numbered:   true,
	lockSuffix: " FOR UPDATE",
	timeArg: func(t time.Time) any {
		return t.UTC()
	},
}

// NewPostgres wraps an open lib/pq handle.
func NewPostgres(db *sql.DB) *SQL {
	return newSQL(db, postgresDialect)
}

// OpenPostgres connects, pings and migrates.
func OpenPostgres(ctx context.Context, dsn string) (*SQL, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	s := NewPostgres(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
