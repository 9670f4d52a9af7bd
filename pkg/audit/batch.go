package audit

import (
	"fmt"
	"time"

	"github.com/tollgate-labs/tollgate/pkg/merkle"
)

// Batch is a group of entries appended atomically. Each entry is still
// chained individually; MerkleRoot commits to their content hashes in
// sequence order.
type Batch struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	FirstSequence uint64    `json:"first_sequence"`
	LastSequence  uint64    `json:"last_sequence"`
	Entries       []*Entry  `json:"entries"`
	MerkleRoot    string    `json:"merkle_root"`
	CreatedAt     time.Time `json:"created_at"`
}

// BatchRecord is the persisted batch header.
type BatchRecord struct {
	ID            string
	TenantID      string
	FirstSequence uint64
	LastSequence  uint64
	MerkleRoot    string
	CreatedAt     time.Time
}

func (b *Batch) record() *BatchRecord {
	return &BatchRecord{
		ID:            b.ID,
		TenantID:      b.TenantID,
		FirstSequence: b.FirstSequence,
		LastSequence:  b.LastSequence,
		MerkleRoot:    b.MerkleRoot,
		CreatedAt:     b.CreatedAt,
	}
}

// ContentHashes lists the entries' content hashes in order.
func (b *Batch) ContentHashes() []string {
	out := make([]string, len(b.Entries))
	for i, e := range b.Entries {
		out[i] = e.Chain.ContentHash
	}
	return out
}

// Proof returns the inclusion proof for the i-th entry of the batch.
func (b *Batch) Proof(i int) (*merkle.InclusionProof, error) {
	tree, err := merkle.Build(b.ContentHashes())
	if err != nil {
		return nil, err
	}
	if tree.Root != b.MerkleRoot {
		return nil, fmt.Errorf("audit: batch %s root mismatch", b.ID)
	}
	return tree.Proof(i)
}

// VerifyRoot recomputes the root from the entries.
func (b *Batch) VerifyRoot() error {
	root, err := merkle.Root(b.ContentHashes())
	if err != nil {
		return err
	}
	if root != b.MerkleRoot {
		return fmt.Errorf("audit: batch %s merkle root mismatch: computed %s, stored %s", b.ID, root, b.MerkleRoot)
	}
	return nil
}
