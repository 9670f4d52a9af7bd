package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
)

const verifyPageSize = 500

// VerifyOptions bounds a verification run. To nil means "through the
// current head", which also checks the walked tail against ChainState.
type VerifyOptions struct {
	From uint64
	To   *uint64
	// ExpectedPrevHash is the externally trusted hash the entry at From
	// must link to. When empty, GenesisHash is used for From == 0 and the
	// stored content hash of entry From-1 otherwise.
	ExpectedPrevHash string
}

// VerifyResult reports the first broken link, if any. Everything before
// FirstInvalidSequence verified; nothing from it onward can be trusted.
type VerifyResult struct {
	TenantID             string  `json:"tenant_id"`
	Valid                bool    `json:"valid"`
	EntriesVerified      uint64  `json:"entries_verified"`
	FirstInvalidSequence *uint64 `json:"first_invalid_sequence,omitempty"`
	Error                string  `json:"error,omitempty"`
	HeadHash             string  `json:"head_hash,omitempty"`
}

func (r *VerifyResult) fail(seq uint64, format string, args ...any) *VerifyResult {
	r.Valid = false
	r.FirstInvalidSequence = &seq
	r.Error = fmt.Sprintf(format, args...)
	return r
}

// VerifyChainIntegrity recomputes every content hash in the range and
// checks each prev_hash link. Violations are reported, never repaired.
// The returned error is reserved for failures to read the backend.
func (l *Ledger) VerifyChainIntegrity(ctx context.Context, tenantID string, opts VerifyOptions) (*VerifyResult, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	state, err := l.backend.ChainState(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("audit: verify: chain state: %w", err)
	}
	if state.LastHash == "" {
		state.LastHash = GenesisHash
	}

	res := &VerifyResult{TenantID: tenantID, Valid: true}
	if opts.To != nil && *opts.To < opts.From {
		return nil, fmt.Errorf("audit: verify: range end %d before start %d", *opts.To, opts.From)
	}

	expectedPrev := opts.ExpectedPrevHash
	if expectedPrev == "" {
		if opts.From == 0 {
			expectedPrev = GenesisHash
		} else {
			pred, err := l.backend.GetRecordBySequence(ctx, tenantID, opts.From-1)
			if errors.Is(err, ErrNotFound) {
				return res.fail(opts.From-1, "predecessor of range start is missing"), nil
			}
			if err != nil {
				return nil, fmt.Errorf("audit: verify: predecessor: %w", err)
			}
			pe, err := pred.Decode()
			if err != nil {
				return res.fail(opts.From-1, "predecessor of range start: %v", err), nil
			}
			expectedPrev = pe.Chain.ContentHash
		}
	}

	res.HeadHash = expectedPrev

	openEnded := opts.To == nil
	expectedSeq := opts.From
	for {
		recs, err := l.backend.ScanRecords(ctx, tenantID, expectedSeq, verifyPageSize)
		if err != nil {
			return nil, fmt.Errorf("audit: verify: scan from %d: %w", expectedSeq, err)
		}
		for _, rec := range recs {
			if !openEnded && rec.Sequence > *opts.To {
				break
			}
			if rec.Sequence != expectedSeq {
				return res.fail(expectedSeq, "sequence gap: expected %d, found %d", expectedSeq, rec.Sequence), nil
			}
			if openEnded && rec.Sequence >= state.Sequence {
				return res.fail(rec.Sequence, "orphaned entry beyond chain head (state sequence %d)", state.Sequence), nil
			}
			e, err := checkRecord(rec, tenantID, expectedPrev)
			if err != nil {
				return res.fail(rec.Sequence, "%v", err), nil
			}
			expectedPrev = e.Chain.ContentHash
			res.EntriesVerified++
			res.HeadHash = expectedPrev
			expectedSeq++
		}
		if len(recs) < verifyPageSize || (!openEnded && expectedSeq > *opts.To) {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	switch {
	case !openEnded && expectedSeq <= *opts.To:
		return res.fail(expectedSeq, "missing entry %d (range ends at %d)", expectedSeq, *opts.To), nil
	case openEnded && expectedSeq < state.Sequence:
		return res.fail(expectedSeq, "missing entry %d below chain head %d", expectedSeq, state.Sequence), nil
	case openEnded && state.Sequence > 0 && state.LastHash != expectedPrev:
		return res.fail(state.Sequence-1, "chain state head %s disagrees with stored tail %s", state.LastHash, expectedPrev), nil
	}
	return res, nil
}

func checkRecord(rec Record, tenantID, expectedPrev string) (*Entry, error) {
	e, err := rec.Decode()
	if err != nil {
		return nil, err
	}
	if e.TenantID != tenantID || rec.TenantID != tenantID {
		return nil, fmt.Errorf("tenant mismatch: entry belongs to %q", e.TenantID)
	}
	if e.Chain.Sequence != rec.Sequence {
		return nil, fmt.Errorf("sequence mismatch: body says %d, stored at %d", e.Chain.Sequence, rec.Sequence)
	}
	if e.ID != rec.ID {
		return nil, fmt.Errorf("id mismatch: body says %q, stored as %q", e.ID, rec.ID)
	}
	canon, err := e.Canonical()
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(canon, rec.Body) {
		return nil, fmt.Errorf("stored body is not in canonical form")
	}
	computed, err := ComputeContentHash(e)
	if err != nil {
		return nil, err
	}
	if computed != e.Chain.ContentHash {
		return nil, fmt.Errorf("content hash mismatch: computed %s, stored %s", computed, e.Chain.ContentHash)
	}
	if e.Chain.PrevHash != expectedPrev {
		return nil, fmt.Errorf("prev hash mismatch: expected %s, stored %s", expectedPrev, e.Chain.PrevHash)
	}
	return e, nil
}
