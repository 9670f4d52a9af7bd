package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tollgate-labs/tollgate/pkg/audit"
)

func newMockPostgres(t *testing.T) (*SQL, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgres(db), mock
}

func TestPostgres_AppendLocksChainState(t *testing.T) {
	s, mock := newMockPostgres(t)
	l := audit.NewLedger(s)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO audit_chain_state (tenant_id, sequence, last_hash) VALUES ($1, 0, $2)`)).
		WithArgs("acme", audit.GenesisHash).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT sequence, last_hash FROM audit_chain_state WHERE tenant_id = \$1 FOR UPDATE`).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "last_hash"}).AddRow(int64(7), "sha256:"+strings.Repeat("ab", 32)))
	mock.ExpectExec(`INSERT INTO audit_entries`).
		WithArgs(sqlmock.AnyArg(), "acme", int64(7), sqlmock.AnyArg(),
			"agent", "agent-1", "tool_invocation", "requested",
			sqlmock.AnyArg(), sqlmock.AnyArg(), "pending", false, sqlmock.AnyArg(), sqlmock.AnyArg(),
			"sha256:"+strings.Repeat("ab", 32), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE audit_chain_state SET sequence = $1, last_hash = $2 WHERE tenant_id = $3 AND sequence = $4`)).
		WithArgs(int64(8), sqlmock.AnyArg(), "acme", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	e, err := l.Append(context.Background(), "acme", input(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), e.Chain.Sequence)
	assert.Equal(t, "sha256:"+strings.Repeat("ab", 32), e.Chain.PrevHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InsertFailureRollsBack(t *testing.T) {
	s, mock := newMockPostgres(t)
	l := audit.NewLedger(s)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO audit_chain_state`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT sequence, last_hash FROM audit_chain_state .* FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "last_hash"}).AddRow(int64(0), audit.GenesisHash))
	mock.ExpectExec(`INSERT INTO audit_entries`).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := l.Append(context.Background(), "acme", input(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_StateMovedRollsBack(t *testing.T) {
	s, mock := newMockPostgres(t)
	l := audit.NewLedger(s)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO audit_chain_state`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT sequence, last_hash FROM audit_chain_state`).
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "last_hash"}).AddRow(int64(0), audit.GenesisHash))
	mock.ExpectExec(`INSERT INTO audit_entries`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE audit_chain_state`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := l.Append(context.Background(), "acme", input(1))
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RowsAffectedErrorRollsBack(t *testing.T) {
	s, mock := newMockPostgres(t)
	l := audit.NewLedger(s)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO audit_chain_state`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT sequence, last_hash FROM audit_chain_state`).
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "last_hash"}).AddRow(int64(0), audit.GenesisHash))
	mock.ExpectExec(`INSERT INTO audit_entries`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE audit_chain_state`).
		WillReturnResult(sqlmock.NewErrorResult(errors.New("driver lost the count")))
	mock.ExpectRollback()

	_, err := l.Append(context.Background(), "acme", input(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "driver lost the count")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_BatchInsertsHeader(t *testing.T) {
	s, mock := newMockPostgres(t)
	l := audit.NewLedger(s)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO audit_chain_state`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT sequence, last_hash FROM audit_chain_state`).
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "last_hash"}).AddRow(int64(0), audit.GenesisHash))
	for i := 0; i < 3; i++ {
		mock.ExpectExec(`INSERT INTO audit_entries`).WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectExec(`INSERT INTO audit_batches`).
		WithArgs(sqlmock.AnyArg(), "acme", int64(0), int64(2), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE audit_chain_state`).
		WithArgs(int64(3), sqlmock.AnyArg(), "acme", int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	batch, err := l.AppendBatch(context.Background(), "acme", []audit.EntryInput{input(0), input(1), input(2)})
	require.NoError(t, err)
	assert.Len(t, batch.Entries, 3)
	assert.NoError(t, batch.VerifyRoot())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ChainStateDefaultsToGenesis(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectQuery(`SELECT sequence, last_hash FROM audit_chain_state WHERE tenant_id = \$1$`).
		WithArgs("acme").
		WillReturnError(sql.ErrNoRows)

	state, err := s.ChainState(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, audit.EmptyChainState("acme"), state)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_QueryBuildsNumberedPlaceholders(t *testing.T) {
	s, mock := newMockPostgres(t)
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT id, tenant_id, sequence, body FROM audit_entries WHERE tenant_id = $1 AND run_id = $2 AND ts >= $3 AND high_risk = $4 ORDER BY sequence DESC LIMIT $5 OFFSET $6`)).
		WithArgs("acme", "run-1", since, true, 11, 20).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "sequence", "body"}).
			AddRow("e-1", "acme", int64(3), `{"id":"e-1"}`))

	recs, err := s.QueryRecords(context.Background(), audit.Filter{
		TenantID: "acme", RunID: "run-1", Since: since, HighRiskOnly: true,
		Order: audit.OrderDesc, Limit: 11, Offset: 20,
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(3), recs[0].Sequence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetBatchNotFound(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectQuery(`SELECT id, tenant_id, first_sequence, last_sequence, merkle_root, created_at FROM audit_batches`).
		WithArgs("b-1").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetBatch(context.Background(), "b-1")
	assert.ErrorIs(t, err, audit.ErrNotFound)
}

func TestPostgres_MigrateRunsSchema(t *testing.T) {
	s, mock := newMockPostgres(t)
	for range postgresSchema {
		mock.ExpectExec(`CREATE`).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
