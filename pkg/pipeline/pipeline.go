// Package pipeline is the only path from a caller to a tool handler.
//
// Invoke resolves the tool, validates input, asks the policy engine, and
// only on allow runs the handler and validates its output. Every step is
// written to the tenant's audit chain in order, and the allow decision is
// recorded before the handler starts.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/tollgate-labs/tollgate/pkg/audit"
	"github.com/tollgate-labs/tollgate/pkg/canonicalize"
	"github.com/tollgate-labs/tollgate/pkg/connector"
	"github.com/tollgate-labs/tollgate/pkg/observability"
	"github.com/tollgate-labs/tollgate/pkg/policy"
)

// Caller identifies who asked for the invocation.
type Caller struct {
	ID   string
	Type audit.ActorType
}

// Request is one tool invocation. It is never persisted; only hashes and
// references derived from it reach the audit chain.
type Request struct {
	RunID    string
	TenantID string
	// ToolName is "connectorId.toolId".
	ToolName string
	Input    json.RawMessage
	Approval *policy.Approval
	// ApprovalToken is a signed approval, verified with Deps.Approvals.
	// Ignored when Approval is set.
	ApprovalToken string
	Caller        *Caller
	// Tenant overrides the tenant context from Deps.Tenants.
	Tenant *policy.TenantContext
}

// Result is the typed outcome. Exactly one of Output and Failure is set.
type Result struct {
	Success bool
	// Output is the canonical JSON of the validated handler result.
	Output  json.RawMessage
	Failure Failure
	// Decision is nil when the invocation failed before policy evaluation.
	Decision      *policy.Decision
	AuditEventIDs []string
	Duration      time.Duration
}

// ErrorCode returns the failure code, or "" on success.
func (r *Result) ErrorCode() Code {
	if r.Failure == nil {
		return ""
	}
	return r.Failure.Code()
}

// ApprovalVerifier turns a signed approval into an Approval.
type ApprovalVerifier interface {
	Verify(tenantID, token string) (*policy.Approval, error)
}

// Deps are the collaborators of a Pipeline. Registry, Engine and Ledger
// are required.
type Deps struct {
	Registry      *connector.Registry
	Engine        *policy.Engine
	Ledger        *audit.Ledger
	Approvals     ApprovalVerifier
	Tenants       func(tenantID string) *policy.TenantContext
	Observability *observability.Provider
	Logger        *slog.Logger
	Clock         func() time.Time
}

type Option func(*Pipeline)

// WithDurableDecision controls whether an allowed tool may run when its
// policy_checked entry could not be written. Enabled by default.
func WithDurableDecision(required bool) Option {
	return func(p *Pipeline) { p.requireDurableDecision = required }
}

type Pipeline struct {
	registry               *connector.Registry
	engine                 *policy.Engine
	ledger                 *audit.Ledger
	approvals              ApprovalVerifier
	tenants                func(string) *policy.TenantContext
	obs                    *observability.Provider
	logger                 *slog.Logger
	now                    func() time.Time
	requireDurableDecision bool
}

func New(deps Deps, opts ...Option) (*Pipeline, error) {
	if deps.Registry == nil || deps.Engine == nil || deps.Ledger == nil {
		return nil, errors.New("pipeline: registry, engine and ledger are required")
	}
	p := &Pipeline{
		registry:               deps.Registry,
		engine:                 deps.Engine,
		ledger:                 deps.Ledger,
		approvals:              deps.Approvals,
		tenants:                deps.Tenants,
		obs:                    deps.Observability,
		logger:                 deps.Logger,
		now:                    deps.Clock,
		requireDurableDecision: true,
	}
	if p.logger == nil {
		p.logger = slog.Default().With("component", "pipeline")
	}
	if p.now == nil {
		p.now = time.Now
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Invoke runs one request through the pipeline. It never returns storage
// errors: audit faults are logged and counted, and only change the result
// when an allow decision could not be recorded.
//
// Caller cancellation is honoured until the handler is about to start.
// Audit writes and the handler itself run detached from it.
func (p *Pipeline) Invoke(ctx context.Context, req *Request) *Result {
	start := p.now()
	if fail := checkRequest(req); fail != nil {
		// Nothing can be chained without a tenant and run.
		return &Result{Failure: fail}
	}
	inv := p.newInvocation(ctx, req)

	ctx, finish := p.obs.TrackOperation(ctx, "tollgate.invoke",
		observability.AttrTenantID.String(req.TenantID),
		observability.AttrToolName.String(req.ToolName),
	)
	res := p.invoke(ctx, inv)
	res.Duration = p.now().Sub(start)
	res.AuditEventIDs = inv.eventIDs
	if res.Failure != nil {
		finish(res.Failure)
	} else {
		finish(nil)
	}
	return res
}

func (p *Pipeline) invoke(ctx context.Context, inv *invocation) *Result {
	req := inv.req

	// 1. resolve, so that requested already carries the tool contract.
	// Registry lookups have no side effects.
	tool, fail := p.resolve(req.ToolName)
	inv.tool = tool

	// 2. requested
	inv.record(stageRequested, audit.OutcomePending, nil)
	if fail != nil {
		inv.record(stageFailed, audit.OutcomeFailure, failureFields(fail))
		return &Result{Failure: fail}
	}

	// 3. input
	input, fail := p.decodeInput(tool, req.Input)
	if fail != nil {
		inv.record(stageFailed, audit.OutcomeFailure, failureFields(fail))
		return &Result{Failure: fail}
	}

	// 4. policy
	decision := p.evaluate(inv)
	passed := decision.Allowed
	recorded := inv.record(stagePolicyChecked, outcomeOf(passed), func(i *audit.Invocation) {
		i.PolicyPassed = &passed
		i.ReasonCode = string(decision.ReasonCode)
		i.PolicyRef = decision.PolicyRef
		i.DecisionHash = decision.DecisionHash
	})
	p.obs.RecordDecision(ctx, decision.Allowed, string(decision.ReasonCode),
		observability.AttrTenantID.String(req.TenantID),
		observability.AttrToolName.String(tool.Name()),
	)
	if !decision.Allowed {
		return &Result{
			Decision: decision,
			Failure:  &PolicyDenied{ReasonCode: decision.ReasonCode, Reason: decision.Reason},
		}
	}
	if !recorded && p.requireDurableDecision {
		fail := &ExecutionFailed{Message: "allow decision could not be recorded", NotAttempted: true}
		inv.record(stageFailed, audit.OutcomeFailure, inv.decisionFields(decision, fail))
		return &Result{Decision: decision, Failure: fail}
	}
	if err := ctx.Err(); err != nil {
		fail := &ExecutionFailed{Message: "invocation cancelled before execution", NotAttempted: true}
		inv.record(stageFailed, audit.OutcomeFailure, inv.decisionFields(decision, fail))
		return &Result{Decision: decision, Failure: fail}
	}

	// 5. execute
	execStart := p.now()
	output, err := p.execute(context.WithoutCancel(ctx), tool, input)
	elapsed := p.now().Sub(execStart)
	if err != nil {
		fail := &ExecutionFailed{Message: err.Error()}
		inv.record(stageFailed, audit.OutcomeFailure, inv.withDuration(inv.decisionFields(decision, fail), elapsed))
		return &Result{Decision: decision, Failure: fail}
	}

	// 6. output
	canonical, fail := p.encodeOutput(tool, output)
	if fail != nil {
		inv.record(stageFailed, audit.OutcomeFailure, inv.withDuration(inv.decisionFields(decision, fail), elapsed))
		return &Result{Decision: decision, Failure: fail}
	}

	// 7. succeeded
	inv.record(stageSucceeded, audit.OutcomeSuccess, inv.withDuration(func(i *audit.Invocation) {
		i.PolicyPassed = &passed
		i.ReasonCode = string(decision.ReasonCode)
		i.PolicyRef = decision.PolicyRef
		i.DecisionHash = decision.DecisionHash
		i.OutputHash = canonicalize.Digest(canonical)
	}, elapsed))
	return &Result{Success: true, Output: canonical, Decision: decision}
}

func checkRequest(req *Request) Failure {
	if req == nil {
		return &ValidationFailed{Stage: "request", Violations: []string{"nil request"}}
	}
	var missing []string
	if req.TenantID == "" {
		missing = append(missing, "tenant id required")
	}
	if req.RunID == "" {
		missing = append(missing, "run id required")
	}
	if len(missing) > 0 {
		return &ValidationFailed{Stage: "request", Violations: missing}
	}
	return nil
}

func (p *Pipeline) resolve(name string) (*connector.Tool, Failure) {
	tool, err := p.registry.Resolve(name)
	if err == nil {
		return tool, nil
	}
	switch {
	case errors.Is(err, connector.ErrConnectorNotFound):
		connectorID, _, _ := connector.ParseToolName(name)
		return nil, &ConnectorNotFound{ConnectorID: connectorID}
	case errors.Is(err, connector.ErrMalformedToolName):
		return nil, &ToolNotFound{ToolName: name, Detail: "malformed tool name"}
	default:
		return nil, &ToolNotFound{ToolName: name}
	}
}

func (p *Pipeline) decodeInput(tool *connector.Tool, raw json.RawMessage) (any, Failure) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	input, err := connector.DecodeJSON(raw)
	if err != nil {
		return nil, &ValidationFailed{Stage: connector.StageInput,
			Violations: []string{err.Error()}, Locations: []string{"/: invalid JSON"}}
	}
	if err := tool.ValidateInput(input); err != nil {
		return nil, validationFailure(connector.StageInput, err)
	}
	return input, nil
}

func (p *Pipeline) encodeOutput(tool *connector.Tool, output any) (json.RawMessage, Failure) {
	if err := tool.ValidateOutput(output); err != nil {
		return nil, validationFailure(connector.StageOutput, err)
	}
	canonical, err := canonicalize.JCS(output)
	if err != nil {
		return nil, &ValidationFailed{Stage: connector.StageOutput,
			Violations: []string{err.Error()}, Locations: []string{"/: not canonicalizable"}}
	}
	return canonical, nil
}

func validationFailure(stage string, err error) Failure {
	var se *connector.SchemaError
	if errors.As(err, &se) {
		return &ValidationFailed{Stage: se.Stage, Violations: se.Violations, Locations: se.Locations}
	}
	return &ValidationFailed{Stage: stage, Violations: []string{err.Error()}, Locations: []string{"/: schema"}}
}

func (p *Pipeline) evaluate(inv *invocation) *policy.Decision {
	req := inv.req
	tenant := req.Tenant
	if tenant == nil && p.tenants != nil {
		tenant = p.tenants(req.TenantID)
	}
	return p.engine.Evaluate(&policy.Request{
		RunID:          req.RunID,
		ConnectorID:    inv.tool.ConnectorID(),
		ToolID:         inv.tool.ID(),
		Classification: inv.tool.Classification(),
		Approval:       inv.approval,
		ActorID:        inv.actor.ID,
		Tenant:         tenant,
		Now:            p.now(),
	})
}

// execute runs the handler, converting a panic into an error.
func (p *Pipeline) execute(ctx context.Context, tool *connector.Tool, input any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.ErrorContext(ctx, "tool handler panicked",
				"tool", tool.Name(), "panic", r, "stack", string(debug.Stack()))
			out, err = nil, fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return tool.Execute(ctx, input)
}

func outcomeOf(allowed bool) audit.Outcome {
	if allowed {
		return audit.OutcomeSuccess
	}
	return audit.OutcomeFailure
}
