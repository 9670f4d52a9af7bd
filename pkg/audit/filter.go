package audit

import (
	"fmt"
	"time"
)

// Order is by sequence only. Wall clocks are not the ordering authority.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Filter selects entries of one tenant. Zero fields do not filter.
type Filter struct {
	TenantID       string
	ActorID        string
	ActorType      ActorType
	ActionCategory string
	ActionType     string
	ResourceType   string
	ResourceID     string
	Outcome        Outcome
	RunID          string
	ToolName       string
	Since          time.Time
	Until          time.Time
	FromSequence   *uint64
	ToSequence     *uint64
	HighRiskOnly   bool
	Limit          int
	Offset         int
	Order          Order
}

// Normalize validates f and applies defaults.
func (f Filter) Normalize() (Filter, error) {
	if f.TenantID == "" {
		return f, ErrTenantRequired
	}
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	if f.Offset < 0 {
		return f, fmt.Errorf("audit: negative offset")
	}
	switch f.Order {
	case "":
		f.Order = OrderAsc
	case OrderAsc, OrderDesc:
	default:
		return f, fmt.Errorf("audit: unknown order %q", f.Order)
	}
	// Backends store microsecond timestamps; bounds are compared at the
	// same precision everywhere.
	if !f.Since.IsZero() {
		f.Since = NormalizeTime(f.Since)
	}
	if !f.Until.IsZero() {
		f.Until = NormalizeTime(f.Until)
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Since.After(f.Until) {
		return f, fmt.Errorf("audit: since must not be after until")
	}
	if f.FromSequence != nil && f.ToSequence != nil && *f.FromSequence > *f.ToSequence {
		return f, fmt.Errorf("audit: from sequence must not exceed to sequence")
	}
	return f, nil
}

// Matches reports whether e passes every non-zero criterion. Pagination and
// order are not considered.
func (f Filter) Matches(e *Entry) bool {
	if e.TenantID != f.TenantID {
		return false
	}
	if f.ActorID != "" && e.Actor.ID != f.ActorID {
		return false
	}
	if f.ActorType != "" && e.Actor.Type != f.ActorType {
		return false
	}
	if f.ActionCategory != "" && e.Action.Category != f.ActionCategory {
		return false
	}
	if f.ActionType != "" && e.Action.Type != f.ActionType {
		return false
	}
	if f.ResourceType != "" && (e.Resource == nil || e.Resource.Type != f.ResourceType) {
		return false
	}
	if f.ResourceID != "" && (e.Resource == nil || e.Resource.ID != f.ResourceID) {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if f.RunID != "" && (e.Invocation == nil || e.Invocation.RunID != f.RunID) {
		return false
	}
	if f.ToolName != "" && (e.Invocation == nil || e.Invocation.ToolName != f.ToolName) {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.FromSequence != nil && e.Chain.Sequence < *f.FromSequence {
		return false
	}
	if f.ToSequence != nil && e.Chain.Sequence > *f.ToSequence {
		return false
	}
	if f.HighRiskOnly && !e.HighRisk {
		return false
	}
	return true
}

// Page is one page of query results.
type Page struct {
	Entries    []*Entry `json:"entries"`
	HasMore    bool     `json:"has_more"`
	NextOffset int      `json:"next_offset,omitempty"`
}
