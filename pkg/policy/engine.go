// Package policy is the pure decision function that gates tool execution.
//
// Evaluate is deterministic for fixed inputs: the caller supplies Now, and
// no clock or randomness is consulted. The engine is closed-world: any
// classification it does not recognize is denied.
package policy

import (
	"fmt"
	"time"
)

const DefaultVersion = "v1"

// Request is the input to a single evaluation.
type Request struct {
	RunID          string
	ConnectorID    string
	ToolID         string
	Classification Classification
	Approval       *Approval
	ActorID        string
	Tenant         *TenantContext
	Now            time.Time
}

// ToolName returns the fully qualified tool name.
func (r *Request) ToolName() string {
	return r.ConnectorID + "." + r.ToolID
}

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	Scopes ScopeResolver
	// ApprovalTTL bounds approval age. Zero disables the check.
	ApprovalTTL time.Duration
	Version     string
}

// Engine evaluates requests against the base rules and, when supplied,
// the tenant's rule set.
type Engine struct {
	scopes      ScopeResolver
	approvalTTL time.Duration
	policyRef   string
}

func NewEngine(opts Options) *Engine {
	if opts.Scopes == nil {
		opts.Scopes = DefaultScopeMap()
	}
	if opts.Version == "" {
		opts.Version = DefaultVersion
	}
	return &Engine{
		scopes:      opts.Scopes,
		approvalTTL: opts.ApprovalTTL,
		policyRef:   fmt.Sprintf("tollgate:%s", opts.Version),
	}
}

// PolicyRef identifies the active policy version.
func (e *Engine) PolicyRef() string { return e.policyRef }

// Evaluate never fails: any internal problem produces a deny.
func (e *Engine) Evaluate(req *Request) *Decision {
	if req == nil {
		return e.finish(&Decision{ReasonCode: ReasonDenyNoPolicy, Reason: "nil request"})
	}

	d := e.base(req)
	if d.Allowed && req.Tenant != nil && req.Tenant.Rules.Len() > 0 {
		d = e.applyTenantRules(req, d)
	}
	return e.finish(d)
}

func (e *Engine) base(req *Request) *Decision {
	switch req.Classification {
	case ClassRead:
		return &Decision{
			Allowed:    true,
			ReasonCode: ReasonAllowReadDefault,
			Reason:     "read operations are allowed by default",
		}
	case ClassWriteNonDestructive:
		return &Decision{
			Allowed:    true,
			ReasonCode: ReasonAllowPolicyMatch,
			Reason:     "non-destructive writes do not require approval",
		}
	case ClassDestructive:
		scope, ok := e.scopes.RequiredScope(req.ConnectorID, req.ToolID)
		return e.checkApproval(req, scope, ok)
	default:
		return &Decision{
			ReasonCode: ReasonDenyNoPolicy,
			Reason:     fmt.Sprintf("no policy for classification %q", req.Classification),
		}
	}
}

func (e *Engine) checkApproval(req *Request, scope Scope, mapped bool) *Decision {
	a := req.Approval
	if a == nil {
		return &Decision{
			ReasonCode: ReasonDenyDestructiveNoApproval,
			Reason:     fmt.Sprintf("%s is destructive and requires approval", req.ToolName()),
		}
	}
	if a.RunID != req.RunID {
		return &Decision{
			ReasonCode: ReasonDenyApprovalMismatch,
			Reason:     fmt.Sprintf("approval was granted for run %q, not %q", a.RunID, req.RunID),
		}
	}
	if !mapped {
		return &Decision{
			ReasonCode: ReasonDenyApprovalMismatch,
			Reason:     fmt.Sprintf("%s has no approval scope mapping", req.ToolName()),
		}
	}
	if !a.HasScope(scope) {
		return &Decision{
			ReasonCode:    ReasonDenyApprovalMismatch,
			Reason:        fmt.Sprintf("approval does not cover scope %q", scope),
			RequiredScope: scope,
		}
	}
	if e.approvalTTL > 0 && req.Now.Sub(a.ApprovedAt) > e.approvalTTL {
		return &Decision{
			ReasonCode:    ReasonDenyApprovalExpired,
			Reason:        fmt.Sprintf("approval is older than %s", e.approvalTTL),
			RequiredScope: scope,
		}
	}
	return &Decision{
		Allowed:       true,
		ReasonCode:    ReasonAllowPolicyMatch,
		Reason:        fmt.Sprintf("approval covers scope %q", scope),
		RequiredScope: scope,
	}
}

func (e *Engine) applyTenantRules(req *Request, base *Decision) *Decision {
	in := ruleInput{
		tool:           req.ToolName(),
		connector:      req.ConnectorID,
		classification: string(req.Classification),
		actor:          req.ActorID,
		resource:       req.Tenant.Resource,
		tenant:         req.Tenant.TenantID,
		runID:          req.RunID,
		now:            req.Now.UTC(),
	}
	matched, failed, err := req.Tenant.Rules.match(in)
	if err != nil {
		return &Decision{
			ReasonCode:  ReasonDenyTenantRule,
			Reason:      fmt.Sprintf("tenant rule %s could not be evaluated: %v", failed.ID, err),
			MatchedRule: failed.ID,
		}
	}

	var approvalRule *Rule
	for i := range matched {
		r := matched[i]
		switch r.Effect {
		case EffectDeny:
			reason := r.Reason
			if reason == "" {
				reason = fmt.Sprintf("denied by tenant rule %s", r.ID)
			}
			return &Decision{ReasonCode: ReasonDenyTenantRule, Reason: reason, MatchedRule: r.ID}
		case EffectRequireApproval:
			if approvalRule == nil {
				approvalRule = &r
			}
		}
	}

	if approvalRule == nil || req.Classification == ClassDestructive {
		return base
	}

	scope, mapped := approvalRule.Scope, approvalRule.Scope != ""
	if !mapped {
		scope, mapped = e.scopes.RequiredScope(req.ConnectorID, req.ToolID)
	}
	d := e.checkApproval(req, scope, mapped)
	d.MatchedRule = approvalRule.ID
	return d
}

func (e *Engine) finish(d *Decision) *Decision {
	d.PolicyRef = e.policyRef
	hash, err := ComputeDecisionHash(d)
	if err != nil {
		return &Decision{
			ReasonCode: ReasonDenyNoPolicy,
			Reason:     "decision hash failed",
			PolicyRef:  e.policyRef,
		}
	}
	d.DecisionHash = hash
	return d
}
