package policy

import (
	"fmt"

	"github.com/tollgate-labs/tollgate/pkg/canonicalize"
)

// ReasonCode is the closed set of decision reasons. Every decision carries
// exactly one.
type ReasonCode string

const (
	ReasonAllowReadDefault          ReasonCode = "ALLOW_READ_DEFAULT"
	ReasonAllowPolicyMatch          ReasonCode = "ALLOW_POLICY_MATCH"
	ReasonDenyDestructiveNoApproval ReasonCode = "DENY_DESTRUCTIVE_NO_APPROVAL"
	ReasonDenyApprovalMismatch      ReasonCode = "DENY_APPROVAL_MISMATCH"
	ReasonDenyApprovalExpired       ReasonCode = "DENY_APPROVAL_EXPIRED"
	ReasonDenyTenantRule            ReasonCode = "DENY_TENANT_RULE"
	ReasonDenyNoPolicy              ReasonCode = "DENY_NO_POLICY"
)

// Decision is the outcome of one evaluation. It is never persisted on its
// own; the pipeline embeds it into audit entries.
type Decision struct {
	Allowed       bool       `json:"allowed"`
	ReasonCode    ReasonCode `json:"reason_code"`
	Reason        string     `json:"reason"`
	PolicyRef     string     `json:"policy_ref"`
	RequiredScope Scope      `json:"required_scope,omitempty"`
	MatchedRule   string     `json:"matched_rule,omitempty"`
	DecisionHash  string     `json:"decision_hash"`
}

// ComputeDecisionHash hashes the canonical {allowed, reason_code, policy_ref}
// triple.
func ComputeDecisionHash(d *Decision) (string, error) {
	hashInput := struct {
		Allowed    bool       `json:"allowed"`
		ReasonCode ReasonCode `json:"reason_code"`
		PolicyRef  string     `json:"policy_ref"`
	}{
		Allowed:    d.Allowed,
		ReasonCode: d.ReasonCode,
		PolicyRef:  d.PolicyRef,
	}
	h, err := canonicalize.CanonicalHash(hashInput)
	if err != nil {
		return "", fmt.Errorf("policy: decision hash: %w", err)
	}
	return h, nil
}
