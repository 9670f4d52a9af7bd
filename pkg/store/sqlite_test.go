package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tollgate-labs/tollgate/pkg/audit"
	"github.com/tollgate-labs/tollgate/pkg/merkle"
)

func openTestSQLite(t *testing.T) (*SQL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestSQLite_AppendQueryVerify(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestSQLite(t)
	l := audit.NewLedger(s)

	entries := appendN(t, l, "acme", 6)
	appendN(t, l, "globex", 2)

	got, err := l.Get(ctx, entries[3].ID)
	require.NoError(t, err)
	assert.Equal(t, entries[3], got)

	got, err = l.GetBySequence(ctx, "acme", 5)
	require.NoError(t, err)
	assert.Equal(t, entries[5].ID, got.ID)

	_, err = l.GetBySequence(ctx, "acme", 6)
	assert.ErrorIs(t, err, audit.ErrNotFound)
	_, err = l.Get(ctx, "missing")
	assert.ErrorIs(t, err, audit.ErrNotFound)

	page, err := l.Query(ctx, audit.Filter{TenantID: "acme", RunID: "run-1"})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, uint64(1), page.Entries[0].Chain.Sequence)
	assert.Equal(t, uint64(4), page.Entries[1].Chain.Sequence)

	page, err = l.Query(ctx, audit.Filter{TenantID: "acme", Order: audit.OrderDesc, Limit: 4})
	require.NoError(t, err)
	require.Len(t, page.Entries, 4)
	assert.True(t, page.HasMore)
	assert.Equal(t, 4, page.NextOffset)
	assert.Equal(t, uint64(5), page.Entries[0].Chain.Sequence)

	page, err = l.Query(ctx, audit.Filter{TenantID: "acme", Order: audit.OrderDesc, Limit: 4, Offset: 4})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.False(t, page.HasMore)

	from, to := uint64(2), uint64(3)
	page, err = l.Query(ctx, audit.Filter{
		TenantID: "acme", FromSequence: &from, ToSequence: &to,
		ActorID: "agent-1", ResourceType: "repository", Outcome: audit.OutcomePending,
		Since: entries[0].Timestamp, Until: time.Now().Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 2)

	page, err = l.Query(ctx, audit.Filter{TenantID: "acme", HighRiskOnly: true})
	require.NoError(t, err)
	assert.Empty(t, page.Entries)

	res, err := l.VerifyChainIntegrity(ctx, "acme", audit.VerifyOptions{})
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Error)
	assert.Equal(t, uint64(6), res.EntriesVerified)
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	s, path := openTestSQLite(t)
	l := audit.NewLedger(s)
	entries := appendN(t, l, "acme", 4)
	require.NoError(t, s.Close())

	s2, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()
	l2 := audit.NewLedger(s2)

	for _, want := range entries {
		got, err := l2.Get(ctx, want.ID)
		require.NoError(t, err)
		h, err := audit.ComputeContentHash(got)
		require.NoError(t, err)
		assert.Equal(t, want.Chain.ContentHash, h)
	}

	res, err := l2.VerifyChainIntegrity(ctx, "acme", audit.VerifyOptions{})
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Error)

	e, err := l2.Append(ctx, "acme", input(7))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), e.Chain.Sequence)
	assert.Equal(t, entries[3].Chain.ContentHash, e.Chain.PrevHash)
}

func TestSQLite_BatchAndMerkleRoot(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestSQLite(t)
	l := audit.NewLedger(s)
	appendN(t, l, "acme", 1)

	inputs := make([]audit.EntryInput, 5)
	for i := range inputs {
		inputs[i] = input(i)
	}
	batch, err := l.AppendBatch(ctx, "acme", inputs)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), batch.FirstSequence)
	assert.Equal(t, uint64(5), batch.LastSequence)

	hashes := make([]string, 0, 5)
	for _, e := range batch.Entries {
		hashes = append(hashes, e.Chain.ContentHash)
	}
	root, err := merkle.Root(hashes)
	require.NoError(t, err)
	assert.Equal(t, root, batch.MerkleRoot)

	stored, err := l.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.MerkleRoot, stored.MerkleRoot)
	assert.Equal(t, batch.CreatedAt, stored.CreatedAt)
	require.NoError(t, stored.VerifyRoot())

	proof, err := stored.Proof(3)
	require.NoError(t, err)
	assert.True(t, merkle.VerifyInclusionProof(*proof, batch.MerkleRoot))
}

func TestSQLite_ConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestSQLite(t)
	l := audit.NewLedger(s)

	const k = 24
	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(ctx, "acme", input(i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	state, err := l.ChainState(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, uint64(k), state.Sequence)

	res, err := l.VerifyChainIntegrity(ctx, "acme", audit.VerifyOptions{})
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Error)
	assert.Equal(t, uint64(k), res.EntriesVerified)
}

func TestSQLite_TamperedRowDetected(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestSQLite(t)
	l := audit.NewLedger(s)
	appendN(t, l, "acme", 4)

	_, err := s.DB().ExecContext(ctx,
		`UPDATE audit_entries SET body = replace(body, '"outcome":"pending"', '"outcome":"success"') WHERE tenant_id = ? AND sequence = 1`, "acme")
	require.NoError(t, err)

	res, err := l.VerifyChainIntegrity(ctx, "acme", audit.VerifyOptions{})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.NotNil(t, res.FirstInvalidSequence)
	assert.Equal(t, uint64(1), *res.FirstInvalidSequence)
	assert.Contains(t, res.Error, "content hash mismatch")
}

func TestBackends_SubMicrosecondBoundsAgree(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 12, 0, 0, 123456000, time.UTC)
	s, _ := openTestSQLite(t)

	for name, backend := range map[string]audit.Backend{"memory": NewMemory(), "sqlite": s} {
		t.Run(name, func(t *testing.T) {
			l := audit.NewLedger(backend, audit.WithClock(func() time.Time { return at }))
			appendN(t, l, "acme", 2)

			page, err := l.Query(ctx, audit.Filter{TenantID: "acme", Since: at.Add(500 * time.Nanosecond)})
			require.NoError(t, err)
			assert.Len(t, page.Entries, 2)

			page, err = l.Query(ctx, audit.Filter{TenantID: "acme", Until: at.Add(-500 * time.Nanosecond)})
			require.NoError(t, err)
			assert.Empty(t, page.Entries)
		})
	}
}
