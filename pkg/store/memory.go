// Package store implements the audit ledger backends: in-memory, SQLite and
// Postgres. Every backend persists entries as their canonical JSON body
// plus the indexed columns the query filter needs, and appends atomically
// per tenant.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tollgate-labs/tollgate/pkg/audit"
)

// Memory keeps one chain per tenant, each behind its own mutex, so
// appends for different tenants never contend.
type Memory struct {
	mu      sync.RWMutex
	tenants map[string]*memChain
	byID    sync.Map // entry id -> *memChain
	batches sync.Map // batch id -> *audit.BatchRecord
}

type memChain struct {
	mu      sync.RWMutex
	state   audit.ChainState
	records []audit.Record
	entries []*audit.Entry
}

func NewMemory() *Memory {
	return &Memory{tenants: make(map[string]*memChain)}
}

var _ audit.Backend = (*Memory)(nil)

func (m *Memory) chain(tenantID string, create bool) *memChain {
	m.mu.RLock()
	c, ok := m.tenants[tenantID]
	m.mu.RUnlock()
	if ok || !create {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.tenants[tenantID]; !ok {
		c = &memChain{state: audit.EmptyChainState(tenantID)}
		m.tenants[tenantID] = c
	}
	return c
}

func (m *Memory) AppendTx(ctx context.Context, tenantID string, build audit.BuildFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := m.chain(tenantID, true)

	c.mu.Lock()
	defer c.mu.Unlock()

	commit, err := build(c.state)
	if err != nil {
		return err
	}
	if err := checkCommit(c.state, commit); err != nil {
		return err
	}
	// The query index holds decoded copies, not the caller's entries.
	index := make([]*audit.Entry, len(commit.Records))
	for i, rec := range commit.Records {
		if _, dup := m.byID.Load(rec.ID); dup {
			return fmt.Errorf("store: duplicate entry id %s", rec.ID)
		}
		e, err := rec.Decode()
		if err != nil {
			return err
		}
		index[i] = e
	}

	for i, rec := range commit.Records {
		rec.Body = append([]byte(nil), rec.Body...)
		c.records = append(c.records, rec)
		c.entries = append(c.entries, index[i])
		m.byID.Store(rec.ID, c)
	}
	if commit.Batch != nil {
		b := *commit.Batch
		m.batches.Store(b.ID, &b)
	}
	c.state = commit.State
	return nil
}

// checkCommit rejects commits that do not continue the current state.
func checkCommit(state audit.ChainState, commit *audit.Commit) error {
	if commit == nil {
		return fmt.Errorf("store: nil commit")
	}
	if len(commit.Records) != len(commit.Entries) {
		return fmt.Errorf("store: commit has %d records for %d entries", len(commit.Records), len(commit.Entries))
	}
	next := state.Sequence
	for _, rec := range commit.Records {
		if rec.Sequence != next {
			return fmt.Errorf("store: commit sequence %d does not continue chain at %d", rec.Sequence, next)
		}
		next++
	}
	if commit.State.Sequence != next {
		return fmt.Errorf("store: commit state sequence %d, expected %d", commit.State.Sequence, next)
	}
	return nil
}

func (m *Memory) ChainState(_ context.Context, tenantID string) (audit.ChainState, error) {
	c := m.chain(tenantID, false)
	if c == nil {
		return audit.EmptyChainState(tenantID), nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state, nil
}

func (m *Memory) GetRecord(_ context.Context, id string) (audit.Record, error) {
	v, ok := m.byID.Load(id)
	if !ok {
		return audit.Record{}, fmt.Errorf("%w: entry %s", audit.ErrNotFound, id)
	}
	c := v.(*memChain)
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, rec := range c.records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return audit.Record{}, fmt.Errorf("%w: entry %s", audit.ErrNotFound, id)
}

func (m *Memory) GetRecordBySequence(_ context.Context, tenantID string, seq uint64) (audit.Record, error) {
	c := m.chain(tenantID, false)
	if c == nil {
		return audit.Record{}, fmt.Errorf("%w: %s/%d", audit.ErrNotFound, tenantID, seq)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	i := sort.Search(len(c.records), func(i int) bool { return c.records[i].Sequence >= seq })
	if i < len(c.records) && c.records[i].Sequence == seq {
		return c.records[i], nil
	}
	return audit.Record{}, fmt.Errorf("%w: %s/%d", audit.ErrNotFound, tenantID, seq)
}

func (m *Memory) ScanRecords(_ context.Context, tenantID string, from uint64, limit int) ([]audit.Record, error) {
	c := m.chain(tenantID, false)
	if c == nil {
		return nil, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	i := sort.Search(len(c.records), func(i int) bool { return c.records[i].Sequence >= from })
	end := len(c.records)
	if limit > 0 && i+limit < end {
		end = i + limit
	}
	out := make([]audit.Record, end-i)
	copy(out, c.records[i:end])
	return out, nil
}

func (m *Memory) QueryRecords(_ context.Context, f audit.Filter) ([]audit.Record, error) {
	c := m.chain(f.TenantID, false)
	if c == nil {
		return nil, nil
	}
	c.mu.RLock()
	var matched []audit.Record
	for i, e := range c.entries {
		if f.Matches(e) {
			matched = append(matched, c.records[i])
		}
	}
	c.mu.RUnlock()

	if f.Order == audit.OrderDesc {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}
	if f.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func (m *Memory) GetBatch(_ context.Context, id string) (*audit.BatchRecord, error) {
	v, ok := m.batches.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: batch %s", audit.ErrNotFound, id)
	}
	b := *v.(*audit.BatchRecord)
	return &b, nil
}
