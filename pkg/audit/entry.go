// Package audit is the tamper-evident, per-tenant hash-chained ledger.
//
// Every entry carries a chain block {sequence, prev_hash, content_hash}.
// The content hash is
//
//	"sha256:" + hex(SHA-256(JCS(entry without content_hash)))
//
// so it covers the sequence and the predecessor's hash. Sequences start at
// 0 per tenant, and entry 0 links to GenesisHash. Canonicalization is
// RFC 8785 (JCS) and must never change for existing chains.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tollgate-labs/tollgate/pkg/canonicalize"
)

// GenesisHash is the prev_hash of the first entry in every chain.
const GenesisHash = canonicalize.DigestPrefix + "0000000000000000000000000000000000000000000000000000000000000000"

var (
	ErrNotFound       = errors.New("audit: not found")
	ErrTenantRequired = errors.New("audit: tenant id required")
	ErrInvalidEntry   = errors.New("audit: invalid entry")
	ErrEmptyBatch     = errors.New("audit: empty batch")
	ErrCorruptEntry   = errors.New("audit: stored entry cannot be decoded")
)

type ActorType string

const (
	ActorAgent  ActorType = "agent"
	ActorUser   ActorType = "user"
	ActorSystem ActorType = "system"
)

type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id"`
}

type Action struct {
	Category string `json:"category"`
	Type     string `json:"type"`
}

func (a Action) String() string { return a.Category + "/" + a.Type }

type Resource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
	OutcomePending Outcome = "pending"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomePartial, OutcomePending:
		return true
	}
	return false
}

// Invocation holds the tool-invocation details recorded by the pipeline.
// Inputs and outputs only ever appear as hashes.
type Invocation struct {
	RunID           string `json:"run_id"`
	ToolName        string `json:"tool_name"`
	Classification  string `json:"classification,omitempty"`
	ToolFingerprint string `json:"tool_fingerprint,omitempty"`
	InputHash       string `json:"input_hash,omitempty"`
	OutputHash      string `json:"output_hash,omitempty"`
	PolicyPassed    *bool  `json:"policy_passed,omitempty"`
	ReasonCode      string `json:"reason_code,omitempty"`
	PolicyRef       string `json:"policy_ref,omitempty"`
	DecisionHash    string `json:"decision_hash,omitempty"`
	ApprovalRef     string `json:"approval_ref,omitempty"`
	ErrorCode       string `json:"error_code,omitempty"`
	Error           string `json:"error,omitempty"`
	DurationMs      int64  `json:"duration_ms,omitempty"`
}

// Chain links an entry to its predecessor.
type Chain struct {
	Sequence    uint64 `json:"sequence"`
	PrevHash    string `json:"prev_hash"`
	ContentHash string `json:"content_hash,omitempty"`
}

// Entry is one immutable audit record.
type Entry struct {
	ID         string            `json:"id"`
	TenantID   string            `json:"tenant_id"`
	Timestamp  time.Time         `json:"timestamp"`
	Actor      Actor             `json:"actor"`
	Action     Action            `json:"action"`
	Resource   *Resource         `json:"resource,omitempty"`
	Outcome    Outcome           `json:"outcome"`
	HighRisk   bool              `json:"high_risk"`
	Invocation *Invocation       `json:"invocation,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Chain      Chain             `json:"chain"`
}

// EntryInput is what callers supply; the ledger assigns id, chain block
// and, when zero, the timestamp.
type EntryInput struct {
	Timestamp  time.Time
	Actor      Actor
	Action     Action
	Resource   *Resource
	Outcome    Outcome
	HighRisk   bool
	Invocation *Invocation
	Metadata   map[string]string
}

func (in *EntryInput) validate() error {
	if strings.TrimSpace(in.Action.Category) == "" || strings.TrimSpace(in.Action.Type) == "" {
		return fmt.Errorf("%w: action category and type required", ErrInvalidEntry)
	}
	if !in.Outcome.Valid() {
		return fmt.Errorf("%w: outcome %q", ErrInvalidEntry, in.Outcome)
	}
	if in.Resource != nil && in.Resource.Type == "" {
		return fmt.Errorf("%w: resource type required", ErrInvalidEntry)
	}
	return nil
}

// ComputeContentHash hashes the canonical form of e with the content hash
// cleared. The stored hash is never trusted.
func ComputeContentHash(e *Entry) (string, error) {
	clone := *e
	clone.Chain.ContentHash = ""
	h, err := canonicalize.CanonicalHash(&clone)
	if err != nil {
		return "", fmt.Errorf("audit: content hash: %w", err)
	}
	return h, nil
}

// Canonical returns the RFC 8785 body that backends persist.
func (e *Entry) Canonical() ([]byte, error) {
	return canonicalize.JCS(e)
}

// Record is an entry as persisted: the canonical body plus the key
// columns a backend indexes. The body is authoritative.
type Record struct {
	ID       string
	TenantID string
	Sequence uint64
	Body     []byte
}

// Decode parses the body.
func (r Record) Decode() (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(r.Body, &e); err != nil {
		return nil, fmt.Errorf("%w: tenant %s sequence %d: %v", ErrCorruptEntry, r.TenantID, r.Sequence, err)
	}
	return &e, nil
}

// ChainState is the minimal per-tenant state needed to append. Sequence is
// the next sequence to assign, equal to the number of entries.
type ChainState struct {
	TenantID string `json:"tenant_id"`
	Sequence uint64 `json:"sequence"`
	LastHash string `json:"last_hash"`
}

// EmptyChainState is the state of a tenant with no entries.
func EmptyChainState(tenantID string) ChainState {
	return ChainState{TenantID: tenantID, Sequence: 0, LastHash: GenesisHash}
}
