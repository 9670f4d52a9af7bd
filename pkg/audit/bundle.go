package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tollgate-labs/tollgate/pkg/merkle"
)

const BundleVersion = "1.0.0"

var ErrEmptyBundle = errors.New("audit: no entries match filter")

// Bundle is an exportable set of entries for compliance tooling. The
// Merkle root commits to the entries in the order they appear.
type Bundle struct {
	BundleID   string    `json:"bundle_id"`
	Version    string    `json:"version"`
	TenantID   string    `json:"tenant_id"`
	CreatedAt  time.Time `json:"created_at"`
	StartSeq   uint64    `json:"start_sequence"`
	EndSeq     uint64    `json:"end_sequence"`
	EntryCount int       `json:"entry_count"`
	Entries    []*Entry  `json:"entries"`
	ChainHead  string    `json:"chain_head"`
	MerkleRoot string    `json:"merkle_root"`
}

// ExportBundle collects every entry matching f, following pagination, in
// ascending sequence order.
func (l *Ledger) ExportBundle(ctx context.Context, f Filter) (*Bundle, error) {
	f.Order = OrderAsc
	f.Offset = 0
	f.Limit = MaxLimit

	var entries []*Entry
	for {
		page, err := l.Query(ctx, f)
		if err != nil {
			return nil, err
		}
		entries = append(entries, page.Entries...)
		if !page.HasMore {
			break
		}
		f.Offset = page.NextOffset
	}
	if len(entries) == 0 {
		return nil, ErrEmptyBundle
	}

	hashes := make([]string, len(entries))
	for i, e := range entries {
		hashes[i] = e.Chain.ContentHash
	}
	root, err := merkle.Root(hashes)
	if err != nil {
		return nil, err
	}

	return &Bundle{
		BundleID:   uuid.NewString(),
		Version:    BundleVersion,
		TenantID:   f.TenantID,
		CreatedAt:  NormalizeTime(l.now()),
		StartSeq:   entries[0].Chain.Sequence,
		EndSeq:     entries[len(entries)-1].Chain.Sequence,
		EntryCount: len(entries),
		Entries:    entries,
		ChainHead:  entries[len(entries)-1].Chain.ContentHash,
		MerkleRoot: root,
	}, nil
}

// VerifyBundle checks every content hash, every link between adjacent
// sequences and the Merkle root. Filtered bundles may skip sequences; only
// adjacent pairs are linked.
func VerifyBundle(b *Bundle) error {
	if b == nil || len(b.Entries) == 0 {
		return ErrEmptyBundle
	}
	if b.EntryCount != len(b.Entries) {
		return fmt.Errorf("audit: bundle entry count %d, has %d", b.EntryCount, len(b.Entries))
	}

	hashes := make([]string, len(b.Entries))
	for i, e := range b.Entries {
		if e.TenantID != b.TenantID {
			return fmt.Errorf("audit: bundle entry %d belongs to tenant %q", e.Chain.Sequence, e.TenantID)
		}
		computed, err := ComputeContentHash(e)
		if err != nil {
			return err
		}
		if computed != e.Chain.ContentHash {
			return fmt.Errorf("audit: bundle entry %d content hash mismatch", e.Chain.Sequence)
		}
		if i > 0 {
			prev := b.Entries[i-1]
			if e.Chain.Sequence <= prev.Chain.Sequence {
				return fmt.Errorf("audit: bundle entries out of order at %d", e.Chain.Sequence)
			}
			if e.Chain.Sequence == prev.Chain.Sequence+1 && e.Chain.PrevHash != prev.Chain.ContentHash {
				return fmt.Errorf("audit: bundle chain broken at %d", e.Chain.Sequence)
			}
		}
		hashes[i] = e.Chain.ContentHash
	}

	root, err := merkle.Root(hashes)
	if err != nil {
		return err
	}
	if root != b.MerkleRoot {
		return fmt.Errorf("audit: bundle merkle root mismatch")
	}
	if b.ChainHead != hashes[len(hashes)-1] {
		return fmt.Errorf("audit: bundle chain head mismatch")
	}
	return nil
}
