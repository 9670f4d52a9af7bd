package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		ts TEXT NOT NULL,
		actor_type TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action_category TEXT NOT NULL,
		action_type TEXT NOT NULL,
		resource_type TEXT,
		resource_id TEXT,
		outcome TEXT NOT NULL,
		high_risk INTEGER NOT NULL DEFAULT 0,
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
		sequence INTEGER NOT NULL,
		last_hash TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_batches (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		first_sequence INTEGER NOT NULL,
		last_sequence INTEGER NOT NULL,
		merkle_root TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
}

var sqliteDialect = dialect{
	name:     "sqlite",
	schema:   sqliteSchema,
	numbered: false,
	timeArg: func(t time.Time) any {
		return t.UTC().Format(sqliteTimeLayout)
	},
}

// NewSQLite wraps an open modernc.org/sqlite handle. The caller should
// limit it to one connection; OpenSQLite does.
func NewSQLite(db *sql.DB) *SQL {
	return newSQL(db, sqliteDialect)
}

// OpenSQLite opens (creating if needed) a database file and migrates it.
func OpenSQLite(ctx context.Context, path string) (*SQL, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// Single writer: every transaction owns the only connection.
	db.SetMaxOpenConns(1)

	s := NewSQLite(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
