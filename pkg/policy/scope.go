package policy

import (
	"fmt"
	"sort"
)

// Scope is a high-risk operation kind a human approval can authorize.
type Scope string

const (
	ScopeCommit Scope = "commit"
	ScopePush   Scope = "push"
	ScopeOpenPR Scope = "open_pr"
	ScopeMerge  Scope = "merge"
)

// AllScopes lists the known scopes in a stable order.
var AllScopes = []Scope{ScopeCommit, ScopePush, ScopeOpenPR, ScopeMerge}

// ParseScope validates a scope name.
func ParseScope(s string) (Scope, error) {
	for _, sc := range AllScopes {
		if string(sc) == s {
			return sc, nil
		}
	}
	return "", fmt.Errorf("policy: unknown scope %q", s)
}

// ScopeResolver maps a tool to the approval scope it requires.
type ScopeResolver interface {
	RequiredScope(connectorID, toolID string) (Scope, bool)
}

// ScopeMap resolves scopes from a flat table. Keys are either a fully
// qualified tool name ("github.merge_pr") or a bare tool id ("merge_pr");
// the qualified key wins.
type ScopeMap map[string]Scope

func (m ScopeMap) RequiredScope(connectorID, toolID string) (Scope, bool) {
	if s, ok := m[connectorID+"."+toolID]; ok {
		return s, true
	}
	s, ok := m[toolID]
	return s, ok
}

// With returns a copy of m with overrides applied.
func (m ScopeMap) With(overrides map[string]Scope) ScopeMap {
	out := make(ScopeMap, len(m)+len(overrides))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Keys returns the mapped tool names, sorted.
func (m ScopeMap) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DefaultScopeMap covers the source-control operations and their common
// aliases.
func DefaultScopeMap() ScopeMap {
	return ScopeMap{
		"commit":              ScopeCommit,
		"create_commit":       ScopeCommit,
		"commit_changes":      ScopeCommit,
		"push":                ScopePush,
		"push_branch":         ScopePush,
		"force_push":          ScopePush,
		"open_pr":             ScopeOpenPR,
		"create_pr":           ScopeOpenPR,
		"create_pull_request": ScopeOpenPR,
		"open_pull_request":   ScopeOpenPR,
		"merge":               ScopeMerge,
		"merge_pr":            ScopeMerge,
		"merge_pull_request":  ScopeMerge,
	}
}
