package pipeline

import (
	"context"
	"time"

	"github.com/tollgate-labs/tollgate/pkg/audit"
	"github.com/tollgate-labs/tollgate/pkg/canonicalize"
	"github.com/tollgate-labs/tollgate/pkg/connector"
	"github.com/tollgate-labs/tollgate/pkg/observability"
	"github.com/tollgate-labs/tollgate/pkg/policy"
)

// ActionCategory is the audit action category of every pipeline entry.
const ActionCategory = "tool_invocation"

const (
	stageRequested     = "requested"
	stagePolicyChecked = "policy_checked"
	stageSucceeded     = "succeeded"
	stageFailed        = "failed"
)

// invocation is the per-call audit context. It is confined to one Invoke
// call.
type invocation struct {
	p         *Pipeline
	ctx       context.Context
	req       *Request
	actor     audit.Actor
	approval  *policy.Approval
	inputHash string
	tool      *connector.Tool
	eventIDs  []string
	metadata  map[string]string
}

func (p *Pipeline) newInvocation(ctx context.Context, req *Request) *invocation {
	inv := &invocation{
		p:         p,
		ctx:       context.WithoutCancel(ctx),
		req:       req,
		actor:     audit.Actor{Type: audit.ActorAgent},
		inputHash: canonicalize.HashJSON(req.Input),
	}
	if req.Caller != nil {
		inv.actor.ID = req.Caller.ID
		if req.Caller.Type != "" {
			inv.actor.Type = req.Caller.Type
		}
	}

	inv.approval = req.Approval
	if inv.approval == nil && req.ApprovalToken != "" {
		if p.approvals == nil {
			inv.metadata = map[string]string{"approval_error": "no approval verifier configured"}
		} else if a, err := p.approvals.Verify(req.TenantID, req.ApprovalToken); err != nil {
			// An unverifiable token is treated as absent; the engine decides.
			p.logger.WarnContext(ctx, "approval token rejected",
				"tenant_id", req.TenantID, "run_id", req.RunID, "error", err)
			inv.metadata = map[string]string{"approval_error": err.Error()}
		} else {
			inv.approval = a
		}
	}
	return inv
}

// record appends one entry and reports whether it was persisted. Failures
// are audit faults: logged, counted, never returned.
func (inv *invocation) record(stage string, outcome audit.Outcome, fill func(*audit.Invocation)) bool {
	details := &audit.Invocation{
		RunID:       inv.req.RunID,
		ToolName:    inv.req.ToolName,
		InputHash:   inv.inputHash,
		ApprovalRef: inv.approval.Ref(),
	}
	highRisk := false
	resource := &audit.Resource{Type: "tool", ID: inv.req.ToolName}
	if inv.tool != nil {
		details.ToolName = inv.tool.Name()
		details.Classification = string(inv.tool.Classification())
		details.ToolFingerprint = inv.tool.Fingerprint()
		highRisk = inv.tool.Classification() == policy.ClassDestructive
		resource.ID = inv.tool.Name()
	}
	if fill != nil {
		fill(details)
	}

	entry, err := inv.p.ledger.Append(inv.ctx, inv.req.TenantID, audit.EntryInput{
		Actor:      inv.actor,
		Action:     audit.Action{Category: ActionCategory, Type: stage},
		Resource:   resource,
		Outcome:    outcome,
		HighRisk:   highRisk,
		Invocation: details,
		Metadata:   inv.metadata,
	})
	if err != nil {
		inv.p.logger.ErrorContext(inv.ctx, "audit write failed",
			"stage", stage,
			"tenant_id", inv.req.TenantID,
			"run_id", inv.req.RunID,
			"tool", details.ToolName,
			"error", err,
		)
		inv.p.obs.RecordAuditFault(inv.ctx, stage, observability.AttrTenantID.String(inv.req.TenantID))
		return false
	}
	inv.eventIDs = append(inv.eventIDs, entry.ID)
	return true
}

// decisionFields records the decision alongside a failure.
func (inv *invocation) decisionFields(d *policy.Decision, fail Failure) func(*audit.Invocation) {
	passed := d.Allowed
	return func(i *audit.Invocation) {
		i.PolicyPassed = &passed
		i.ReasonCode = string(d.ReasonCode)
		i.PolicyRef = d.PolicyRef
		i.DecisionHash = d.DecisionHash
		i.ErrorCode = string(fail.Code())
		i.Error = auditError(fail)
	}
}

func failureFields(fail Failure) func(*audit.Invocation) {
	return func(i *audit.Invocation) {
		i.ErrorCode = string(fail.Code())
		i.Error = auditError(fail)
	}
}

func (inv *invocation) withDuration(fill func(*audit.Invocation), d time.Duration) func(*audit.Invocation) {
	return func(i *audit.Invocation) {
		fill(i)
		i.DurationMs = d.Milliseconds()
	}
}
