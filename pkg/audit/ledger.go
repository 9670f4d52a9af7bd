package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tollgate-labs/tollgate/pkg/merkle"
)

// Ledger is the append-only audit chain over a Backend. There is no update
// or delete.
type Ledger struct {
	backend Backend
	now     func() time.Time
	logger  *slog.Logger
}

type LedgerOption func(*Ledger)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

func WithLogger(logger *slog.Logger) LedgerOption {
	return func(l *Ledger) { l.logger = logger }
}

func NewLedger(backend Backend, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		backend: backend,
		now:     time.Now,
		logger:  slog.Default().With("component", "audit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append chains one entry onto the tenant's log.
func (l *Ledger) Append(ctx context.Context, tenantID string, in EntryInput) (*Entry, error) {
	entries, err := l.appendWith(ctx, tenantID, []EntryInput{in}, nil)
	if err != nil {
		return nil, err
	}
	return entries[0], nil
}

// AppendBatch chains every input in order and records a batch header whose
// Merkle root commits to the new entries.
func (l *Ledger) AppendBatch(ctx context.Context, tenantID string, inputs []EntryInput) (*Batch, error) {
	if len(inputs) == 0 {
		return nil, ErrEmptyBatch
	}
	var batch *Batch
	entries, err := l.appendWith(ctx, tenantID, inputs, func(entries []*Entry) (*BatchRecord, error) {
		b := &Batch{
			ID:            uuid.NewString(),
			TenantID:      tenantID,
			FirstSequence: entries[0].Chain.Sequence,
			LastSequence:  entries[len(entries)-1].Chain.Sequence,
			Entries:       entries,
			CreatedAt:     entries[0].Timestamp,
		}
		root, err := merkle.Root(b.ContentHashes())
		if err != nil {
			return nil, err
		}
		b.MerkleRoot = root
		batch = b
		return b.record(), nil
	})
	if err != nil {
		return nil, err
	}
	batch.Entries = entries
	return batch, nil
}

func (l *Ledger) appendWith(ctx context.Context, tenantID string, inputs []EntryInput, batchFn func([]*Entry) (*BatchRecord, error)) ([]*Entry, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	for i := range inputs {
		if err := inputs[i].validate(); err != nil {
			return nil, err
		}
	}

	var committed []*Entry
	err := l.backend.AppendTx(ctx, tenantID, func(state ChainState) (*Commit, error) {
		if state.LastHash == "" {
			state.LastHash = GenesisHash
		}
		commit := &Commit{
			Entries: make([]*Entry, 0, len(inputs)),
			Records: make([]Record, 0, len(inputs)),
		}
		seq, prev := state.Sequence, state.LastHash
		now := l.now()
		for _, in := range inputs {
			e, rec, err := l.seal(tenantID, in, seq, prev, now)
			if err != nil {
				return nil, err
			}
			commit.Entries = append(commit.Entries, e)
			commit.Records = append(commit.Records, rec)
			seq, prev = seq+1, e.Chain.ContentHash
		}
		if batchFn != nil {
			br, err := batchFn(commit.Entries)
			if err != nil {
				return nil, err
			}
			commit.Batch = br
		}
		commit.State = ChainState{TenantID: tenantID, Sequence: seq, LastHash: prev}
		committed = commit.Entries
		return commit, nil
	})
	if err != nil {
		return nil, fmt.Errorf("audit: append for tenant %s: %w", tenantID, err)
	}
	return committed, nil
}

func (l *Ledger) seal(tenantID string, in EntryInput, seq uint64, prev string, now time.Time) (*Entry, Record, error) {
	ts := in.Timestamp
	if ts.IsZero() {
		ts = now
	}
	actor := in.Actor
	if actor.Type == "" {
		actor.Type = ActorSystem
	}
	e := &Entry{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		Timestamp:  NormalizeTime(ts),
		Actor:      actor,
		Action:     in.Action,
		Resource:   in.Resource,
		Outcome:    in.Outcome,
		HighRisk:   in.HighRisk,
		Invocation: in.Invocation,
		Metadata:   copyMetadata(in.Metadata),
		Chain:      Chain{Sequence: seq, PrevHash: prev},
	}
	h, err := ComputeContentHash(e)
	if err != nil {
		return nil, Record{}, err
	}
	e.Chain.ContentHash = h
	body, err := e.Canonical()
	if err != nil {
		return nil, Record{}, fmt.Errorf("audit: canonical body: %w", err)
	}
	return e, Record{ID: e.ID, TenantID: tenantID, Sequence: seq, Body: body}, nil
}

// NormalizeTime returns t in UTC truncated to microseconds, the precision
// every backend can store.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func copyMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (l *Ledger) Get(ctx context.Context, id string) (*Entry, error) {
	rec, err := l.backend.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.Decode()
}

func (l *Ledger) GetBySequence(ctx context.Context, tenantID string, seq uint64) (*Entry, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	rec, err := l.backend.GetRecordBySequence(ctx, tenantID, seq)
	if err != nil {
		return nil, err
	}
	return rec.Decode()
}

// GetBatch loads a batch header and its entries.
func (l *Ledger) GetBatch(ctx context.Context, id string) (*Batch, error) {
	br, err := l.backend.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	n := int(br.LastSequence-br.FirstSequence) + 1
	recs, err := l.backend.ScanRecords(ctx, br.TenantID, br.FirstSequence, n)
	if err != nil {
		return nil, err
	}
	if len(recs) != n {
		return nil, fmt.Errorf("audit: batch %s: expected %d entries, found %d", id, n, len(recs))
	}
	b := &Batch{
		ID:            br.ID,
		TenantID:      br.TenantID,
		FirstSequence: br.FirstSequence,
		LastSequence:  br.LastSequence,
		MerkleRoot:    br.MerkleRoot,
		CreatedAt:     br.CreatedAt,
		Entries:       make([]*Entry, 0, n),
	}
	for _, rec := range recs {
		e, err := rec.Decode()
		if err != nil {
			return nil, err
		}
		b.Entries = append(b.Entries, e)
	}
	return b, nil
}

// Query returns one page of entries ordered by sequence.
func (l *Ledger) Query(ctx context.Context, f Filter) (*Page, error) {
	f, err := f.Normalize()
	if err != nil {
		return nil, err
	}
	probe := f
	probe.Limit = f.Limit + 1
	recs, err := l.backend.QueryRecords(ctx, probe)
	if err != nil {
		return nil, err
	}

	page := &Page{Entries: make([]*Entry, 0, len(recs))}
	if len(recs) > f.Limit {
		recs = recs[:f.Limit]
		page.HasMore = true
		page.NextOffset = f.Offset + f.Limit
	}
	for _, rec := range recs {
		e, err := rec.Decode()
		if err != nil {
			return nil, err
		}
		page.Entries = append(page.Entries, e)
	}
	return page, nil
}

// ChainState returns the tenant's current head.
func (l *Ledger) ChainState(ctx context.Context, tenantID string) (ChainState, error) {
	if tenantID == "" {
		return ChainState{}, ErrTenantRequired
	}
	return l.backend.ChainState(ctx, tenantID)
}
