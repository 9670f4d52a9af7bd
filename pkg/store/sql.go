package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/tollgate-labs/tollgate/pkg/audit"
)

// SQL is the relational ledger backend. Postgres serializes appends per
// tenant with SELECT ... FOR UPDATE on the tenant's chain_state row;
// SQLite runs on a single connection so every transaction is exclusive.
type SQL struct {
	db     *sql.DB
	d      dialect
	logger *slog.Logger
}

var _ audit.Backend = (*SQL)(nil)

type dialect struct {
	name       string
	schema     []string
	numbered   bool // $1 placeholders
	lockSuffix string
	timeArg    func(time.Time) any
}

func newSQL(db *sql.DB, d dialect) *SQL {
	return &SQL{
		db:     db,
		d:      d,
		logger: slog.Default().With("component", "store", "dialect", d.name),
	}
}

// DB exposes the handle for callers that manage its lifecycle.
func (s *SQL) DB() *sql.DB { return s.db }

// Dialect returns "sqlite" or "postgres".
func (s *SQL) Dialect() string { return s.d.name }

func (s *SQL) Close() error { return s.db.Close() }

// Migrate creates the schema if it does not exist.
func (s *SQL) Migrate(ctx context.Context) error {
	for _, stmt := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: %s migrate: %w", s.d.name, err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders for dialects that number them.
func (s *SQL) rebind(q string) string {
	if !s.d.numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const (
	insertEntrySQL = `INSERT INTO audit_entries (
		id, tenant_id, sequence, ts, actor_type, actor_id, action_category, action_type,
		resource_type, resource_id, outcome, high_risk, run_id, tool_name, prev_hash, content_hash, body
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	insertBatchSQL = `INSERT INTO audit_batches (id, tenant_id, first_sequence, last_sequence, merkle_root, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	ensureStateSQL = `INSERT INTO audit_chain_state (tenant_id, sequence, last_hash) VALUES (?, 0, ?)
		ON CONFLICT (tenant_id) DO NOTHING`

	selectStateSQL = `SELECT sequence, last_hash FROM audit_chain_state WHERE tenant_id = ?`

	updateStateSQL = `UPDATE audit_chain_state SET sequence = ?, last_hash = ? WHERE tenant_id = ? AND sequence = ?`

	recordColumns = `id, tenant_id, sequence, body`
)

func (s *SQL) AppendTx(ctx context.Context, tenantID string, build audit.BuildFunc) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, s.rebind(ensureStateSQL), tenantID, audit.GenesisHash); err != nil {
		return fmt.Errorf("store: ensure chain state: %w", err)
	}

	state := audit.ChainState{TenantID: tenantID}
	var seq int64
	if err = tx.QueryRowContext(ctx, s.rebind(selectStateSQL+s.d.lockSuffix), tenantID).Scan(&seq, &state.LastHash); err != nil {
		return fmt.Errorf("store: lock chain state: %w", err)
	}
	state.Sequence = uint64(seq)

	commit, err := build(state)
	if err != nil {
		return err
	}
	if err = checkCommit(state, commit); err != nil {
		return err
	}

	for i, rec := range commit.Records {
		if err = s.insertEntry(ctx, tx, commit.Entries[i], rec); err != nil {
			return err
		}
	}
	if b := commit.Batch; b != nil {
		if _, err = tx.ExecContext(ctx, s.rebind(insertBatchSQL),
			b.ID, b.TenantID, int64(b.FirstSequence), int64(b.LastSequence), b.MerkleRoot, s.d.timeArg(b.CreatedAt),
		); err != nil {
			return fmt.Errorf("store: insert batch: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, s.rebind(updateStateSQL),
		int64(commit.State.Sequence), commit.State.LastHash, tenantID, seq)
	if err != nil {
		return fmt.Errorf("store: advance chain state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: advance chain state: rows affected: %w", err)
	}
	if n != 1 {
		err = fmt.Errorf("store: chain state for %s moved concurrently", tenantID)
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (s *SQL) insertEntry(ctx context.Context, tx *sql.Tx, e *audit.Entry, rec audit.Record) error {
	var resourceType, resourceID, runID, toolName sql.NullString
	if e.Resource != nil {
		resourceType = sql.NullString{String: e.Resource.Type, Valid: true}
		resourceID = sql.NullString{String: e.Resource.ID, Valid: e.Resource.ID != ""}
	}
	if e.Invocation != nil {
		runID = sql.NullString{String: e.Invocation.RunID, Valid: e.Invocation.RunID != ""}
		toolName = sql.NullString{String: e.Invocation.ToolName, Valid: e.Invocation.ToolName != ""}
	}
	_, err := tx.ExecContext(ctx, s.rebind(insertEntrySQL),
		rec.ID, rec.TenantID, int64(rec.Sequence), s.d.timeArg(e.Timestamp),
		string(e.Actor.Type), e.Actor.ID, e.Action.Category, e.Action.Type,
		resourceType, resourceID, string(e.Outcome), e.HighRisk, runID, toolName,
		e.Chain.PrevHash, e.Chain.ContentHash, string(rec.Body),
	)
	if err != nil {
		return fmt.Errorf("store: insert entry %d: %w", rec.Sequence, err)
	}
	return nil
}

func (s *SQL) ChainState(ctx context.Context, tenantID string) (audit.ChainState, error) {
	state := audit.ChainState{TenantID: tenantID}
	var seq int64
	err := s.db.QueryRowContext(ctx, s.rebind(selectStateSQL), tenantID).Scan(&seq, &state.LastHash)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.EmptyChainState(tenantID), nil
	}
	if err != nil {
		return audit.ChainState{}, fmt.Errorf("store: chain state: %w", err)
	}
	state.Sequence = uint64(seq)
	return state, nil
}

func (s *SQL) GetRecord(ctx context.Context, id string) (audit.Record, error) {
	q := `SELECT ` + recordColumns + ` FROM audit_entries WHERE id = ?`
	return s.queryRecord(ctx, q, id)
}

func (s *SQL) GetRecordBySequence(ctx context.Context, tenantID string, seq uint64) (audit.Record, error) {
	q := `SELECT ` + recordColumns + ` FROM audit_entries WHERE tenant_id = ? AND sequence = ?`
	return s.queryRecord(ctx, q, tenantID, int64(seq))
}

func (s *SQL) queryRecord(ctx context.Context, q string, args ...any) (audit.Record, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(q), args...)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Record{}, fmt.Errorf("%w: %v", audit.ErrNotFound, args)
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (audit.Record, error) {
	var (
		rec  audit.Record
		seq  int64
		body string
	)
	if err := sc.Scan(&rec.ID, &rec.TenantID, &seq, &body); err != nil {
		return audit.Record{}, err
	}
	rec.Sequence = uint64(seq)
	rec.Body = []byte(body)
	return rec, nil
}

func (s *SQL) ScanRecords(ctx context.Context, tenantID string, from uint64, limit int) ([]audit.Record, error) {
	q := `SELECT ` + recordColumns + ` FROM audit_entries WHERE tenant_id = ? AND sequence >= ? ORDER BY sequence ASC LIMIT ?`
	return s.queryRecords(ctx, q, tenantID, int64(from), limit)
}

func (s *SQL) QueryRecords(ctx context.Context, f audit.Filter) ([]audit.Record, error) {
	where := []string{"tenant_id = ?"}
	args := []any{f.TenantID}
	add := func(cond string, arg any) {
		where = append(where, cond)
		args = append(args, arg)
	}

	if f.ActorID != "" {
		add("actor_id = ?", f.ActorID)
	}
	if f.ActorType != "" {
		add("actor_type = ?", string(f.ActorType))
	}
	if f.ActionCategory != "" {
		add("action_category = ?", f.ActionCategory)
	}
	if f.ActionType != "" {
		add("action_type = ?", f.ActionType)
	}
	if f.ResourceType != "" {
		add("resource_type = ?", f.ResourceType)
	}
	if f.ResourceID != "" {
		add("resource_id = ?", f.ResourceID)
	}
	if f.Outcome != "" {
		add("outcome = ?", string(f.Outcome))
	}
	if f.RunID != "" {
		add("run_id = ?", f.RunID)
	}
	if f.ToolName != "" {
		add("tool_name = ?", f.ToolName)
	}
	if !f.Since.IsZero() {
		add("ts >= ?", s.d.timeArg(f.Since))
	}
	if !f.Until.IsZero() {
		add("ts <= ?", s.d.timeArg(f.Until))
	}
	if f.FromSequence != nil {
		add("sequence >= ?", int64(*f.FromSequence))
	}
	if f.ToSequence != nil {
		add("sequence <= ?", int64(*f.ToSequence))
	}
	if f.HighRiskOnly {
		add("high_risk = ?", true)
	}

	order := "ASC"
	if f.Order == audit.OrderDesc {
		order = "DESC"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = audit.DefaultLimit
	}
	q := `SELECT ` + recordColumns + ` FROM audit_entries WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY sequence ` + order + ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)
	return s.queryRecords(ctx, q, args...)
}

func (s *SQL) queryRecords(ctx context.Context, q string, args ...any) ([]audit.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("store: query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []audit.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQL) GetBatch(ctx context.Context, id string) (*audit.BatchRecord, error) {
	q := `SELECT id, tenant_id, first_sequence, last_sequence, merkle_root, created_at FROM audit_batches WHERE id = ?`
	var (
		b           audit.BatchRecord
		first, last int64
		created     any
	)
	err := s.db.QueryRowContext(ctx, s.rebind(q), id).Scan(&b.ID, &b.TenantID, &first, &last, &b.MerkleRoot, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: batch %s", audit.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get batch: %w", err)
	}
	b.FirstSequence, b.LastSequence = uint64(first), uint64(last)
	if b.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("store: batch %s created_at: %w", id, err)
	}
	return &b, nil
}

// sqliteTimeLayout is fixed width so stored timestamps sort lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z"

func parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return time.Parse(time.RFC3339Nano, t)
	case []byte:
		return time.Parse(time.RFC3339Nano, string(t))
	case nil:
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("unsupported time value %T", v)
	}
}
