package audit

import "context"

// Commit is the result of one atomic append.
type Commit struct {
	// Entries and Records are parallel: Records[i] is the persisted form of
	// Entries[i].
	Entries []*Entry
	Records []Record
	Batch   *BatchRecord
	State   ChainState
}

// BuildFunc produces the entries to append given the tenant's current
// chain state.
type BuildFunc func(state ChainState) (*Commit, error)

// Backend is the persistence contract. It has no update or delete.
type Backend interface {
	// AppendTx serializes per tenant: it loads the chain state, calls build
	// and persists the commit's records, batch header and new state
	// atomically. On any error nothing is visible and the state is not
	// advanced.
	AppendTx(ctx context.Context, tenantID string, build BuildFunc) error

	ChainState(ctx context.Context, tenantID string) (ChainState, error)
	GetRecord(ctx context.Context, id string) (Record, error)
	GetRecordBySequence(ctx context.Context, tenantID string, seq uint64) (Record, error)
	// ScanRecords returns up to limit records with sequence >= from in
	// ascending order.
	ScanRecords(ctx context.Context, tenantID string, from uint64, limit int) ([]Record, error)
	// QueryRecords applies f, including its order and pagination.
	QueryRecords(ctx context.Context, f Filter) ([]Record, error)
	GetBatch(ctx context.Context, id string) (*BatchRecord, error)
}
