// Package anchor witnesses audit chain heads outside the ledger's own
// storage.
//
// A checkpoint pins {tenant, sequence, content hash}. Anyone holding it can
// later prove that the entry at that sequence, and everything chained after
// it, has not been rewritten, even by someone with write access to the
// ledger backend.
package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/tollgate-labs/tollgate/pkg/audit"
	"github.com/tollgate-labs/tollgate/pkg/canonicalize"
)

var (
	ErrNoCheckpoint       = errors.New("anchor: no checkpoint for tenant")
	ErrEmptyChain         = errors.New("anchor: chain has no entries")
	ErrStaleCheckpoint    = errors.New("anchor: checkpoint older than witnessed head")
	ErrCheckpointConflict = errors.New("anchor: witnessed hash differs at same sequence")
)

// Checkpoint is a witnessed chain head.
type Checkpoint struct {
	TenantID    string    `json:"tenant_id"`
	Sequence    uint64    `json:"sequence"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// Encode returns the canonical JSON stored by witnesses.
func (c Checkpoint) Encode() ([]byte, error) {
	return canonicalize.JCS(c)
}

func decodeCheckpoint(data []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("anchor: decode checkpoint: %w", err)
	}
	if _, err := canonicalize.DecodeDigest(cp.ContentHash); err != nil {
		return nil, fmt.Errorf("anchor: decode checkpoint: %w", err)
	}
	return &cp, nil
}

// objectKey lays out checkpoints as <prefix><tenant>/<sequence>.json with
// zero-padded sequences so lexical and numeric order agree.
func objectKey(prefix, tenantID string, seq uint64) string {
	return fmt.Sprintf("%s%s/%020d.json", prefix, url.PathEscape(tenantID), seq)
}

func latestKey(prefix, tenantID string) string {
	return prefix + url.PathEscape(tenantID) + "/latest.json"
}

// Witness stores checkpoints. Put must never overwrite a checkpoint at the
// same sequence.
type Witness interface {
	Put(ctx context.Context, cp Checkpoint) error
	// Latest returns ErrNoCheckpoint when nothing was witnessed.
	Latest(ctx context.Context, tenantID string) (*Checkpoint, error)
}

// Anchorer checkpoints ledger heads and verifies the ledger against them.
type Anchorer struct {
	ledger  *audit.Ledger
	witness Witness
	now     func() time.Time
	logger  *slog.Logger
}

func NewAnchorer(ledger *audit.Ledger, witness Witness) *Anchorer {
	return &Anchorer{
		ledger:  ledger,
		witness: witness,
		now:     time.Now,
		logger:  slog.Default().With("component", "anchor"),
	}
}

// Checkpoint witnesses the tenant's current head. Re-witnessing an
// unchanged head returns the existing checkpoint.
func (a *Anchorer) Checkpoint(ctx context.Context, tenantID string) (*Checkpoint, error) {
	state, err := a.ledger.ChainState(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if state.Sequence == 0 {
		return nil, ErrEmptyChain
	}
	cp := Checkpoint{
		TenantID:    tenantID,
		Sequence:    state.Sequence - 1,
		ContentHash: state.LastHash,
		CreatedAt:   audit.NormalizeTime(a.now()),
	}

	prev, err := a.witness.Latest(ctx, tenantID)
	switch {
	case errors.Is(err, ErrNoCheckpoint):
	case err != nil:
		return nil, err
	case prev.Sequence > cp.Sequence:
		return nil, fmt.Errorf("%w: witnessed %d, head %d", ErrStaleCheckpoint, prev.Sequence, cp.Sequence)
	case prev.Sequence == cp.Sequence:
		if prev.ContentHash != cp.ContentHash {
			return nil, fmt.Errorf("%w: sequence %d", ErrCheckpointConflict, cp.Sequence)
		}
		return prev, nil
	}

	if err := a.witness.Put(ctx, cp); err != nil {
		return nil, err
	}
	a.logger.InfoContext(ctx, "chain head witnessed",
		"tenant_id", tenantID, "sequence", cp.Sequence, "content_hash", cp.ContentHash)
	return &cp, nil
}

// Report is the outcome of checking a ledger against its latest checkpoint.
type Report struct {
	Checkpoint *Checkpoint         `json:"checkpoint"`
	Valid      bool                `json:"valid"`
	Error      string              `json:"error,omitempty"`
	Chain      *audit.VerifyResult `json:"chain,omitempty"`
}

// Verify checks that the entry at the latest checkpoint still hashes to the
// witnessed value and that every later entry chains from it.
func (a *Anchorer) Verify(ctx context.Context, tenantID string) (*Report, error) {
	cp, err := a.witness.Latest(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	rep := &Report{Checkpoint: cp}

	e, err := a.ledger.GetBySequence(ctx, tenantID, cp.Sequence)
	switch {
	case errors.Is(err, audit.ErrNotFound):
		rep.Error = fmt.Sprintf("witnessed entry %d is missing", cp.Sequence)
		return rep, nil
	case errors.Is(err, audit.ErrCorruptEntry):
		rep.Error = err.Error()
		return rep, nil
	case err != nil:
		return nil, err
	}
	computed, err := audit.ComputeContentHash(e)
	if err != nil {
		return nil, err
	}
	if computed != cp.ContentHash || e.Chain.ContentHash != cp.ContentHash {
		rep.Error = fmt.Sprintf("entry %d no longer matches witnessed hash %s", cp.Sequence, cp.ContentHash)
		return rep, nil
	}

	res, err := a.ledger.VerifyChainIntegrity(ctx, tenantID, audit.VerifyOptions{
		From:             cp.Sequence + 1,
		ExpectedPrevHash: cp.ContentHash,
	})
	if err != nil {
		return nil, err
	}
	rep.Chain = res
	rep.Valid = res.Valid
	if !res.Valid {
		rep.Error = res.Error
	}
	return rep, nil
}
