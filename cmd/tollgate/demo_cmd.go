package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/tollgate-labs/tollgate/pkg/approval"
	"github.com/tollgate-labs/tollgate/pkg/audit"
	"github.com/tollgate-labs/tollgate/pkg/connector"
	"github.com/tollgate-labs/tollgate/pkg/observability"
	"github.com/tollgate-labs/tollgate/pkg/pipeline"
	"github.com/tollgate-labs/tollgate/pkg/policy"
)

type demoScenario struct {
	name      string
	tool      string
	input     string
	scopes    []policy.Scope
	wantAllow bool
}

var demoScenarios = []demoScenario{
	{
		name:      "read allowed",
		tool:      "scm.list_pull_requests",
		input:     `{"repo":"acme/widgets"}`,
		wantAllow: true,
	},
	{
		name:  "destructive without approval",
		tool:  "scm.merge_pull_request",
		input: `{"repo":"acme/widgets","number":42}`,
	},
	{
		name:   "destructive with wrong scope",
		tool:   "scm.merge_pull_request",
		input:  `{"repo":"acme/widgets","number":42}`,
		scopes: []policy.Scope{policy.ScopePush},
	},
	{
		name:      "destructive with approval",
		tool:      "scm.merge_pull_request",
		input:     `{"repo":"acme/widgets","number":42}`,
		scopes:    []policy.Scope{policy.ScopeMerge},
		wantAllow: true,
	},
}

type demoOutcome struct {
	Scenario   string          `json:"scenario"`
	Tool       string          `json:"tool"`
	Success    bool            `json:"success"`
	ReasonCode string          `json:"reason_code,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	AuditIDs   []string        `json:"audit_event_ids"`
	Expected   bool            `json:"expected"`
}

// runDemoCmd implements `tollgate demo`.
//
// Exit codes:
//
//	0 = every scenario behaved as expected and the chain verifies
//	1 = a scenario or the chain check failed
//	2 = runtime error
func runDemoCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("demo", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		tenant     string
		dbURL      string
		jsonOutput bool
	)
	cmd.StringVar(&tenant, "tenant", "demo", "Tenant the scenarios run under")
	cmd.StringVar(&dbURL, "db", "", "Database URL (overrides TOLLGATE_DATABASE_URL)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	e, err := setup(ctx, dbURL, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer e.Close()

	obs, err := newObservability(ctx, e)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	registry := connector.NewRegistry()
	scm, err := newDemoConnector()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if err := registry.Register(scm); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	signer, verifier, err := demoApprovals(e.cfg.ApprovalSecret, e.deployment.ApprovalTTL)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	p, err := pipeline.New(pipeline.Deps{
		Registry:      registry,
		Engine:        policy.NewEngine(e.deployment.EngineOptions()),
		Ledger:        e.ledger,
		Approvals:     verifier,
		Tenants:       e.deployment.TenantRules,
		Observability: obs,
		Logger:        e.logger.With("component", "pipeline"),
	}, pipeline.WithDurableDecision(e.deployment.DurableDecision()))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	allExpected := true
	outcomes := make([]demoOutcome, 0, len(demoScenarios))
	for _, sc := range demoScenarios {
		runID := "run-" + uuid.NewString()
		req := &pipeline.Request{
			RunID:    runID,
			TenantID: tenant,
			ToolName: sc.tool,
			Input:    json.RawMessage(sc.input),
			Caller:   &pipeline.Caller{ID: "demo-agent", Type: audit.ActorAgent},
		}
		if len(sc.scopes) > 0 {
			token, _, err := signer.Issue(tenant, runID, "demo-approver", sc.scopes)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
				return 2
			}
			req.ApprovalToken = token
		}

		res := p.Invoke(ctx, req)
		out := demoOutcome{
			Scenario:  sc.name,
			Tool:      sc.tool,
			Success:   res.Success,
			ErrorCode: string(res.ErrorCode()),
			Output:    res.Output,
			AuditIDs:  res.AuditEventIDs,
			Expected:  res.Success == sc.wantAllow,
		}
		if res.Decision != nil {
			out.ReasonCode = string(res.Decision.ReasonCode)
		}
		allExpected = allExpected && out.Expected
		outcomes = append(outcomes, out)
	}

	chain, err := e.ledger.VerifyChainIntegrity(ctx, tenant, audit.VerifyOptions{})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(map[string]any{"scenarios": outcomes, "chain": chain}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		printDemo(stdout, outcomes, chain)
	}
	if !allExpected || !chain.Valid {
		return 1
	}
	return 0
}

func printDemo(w io.Writer, outcomes []demoOutcome, chain *audit.VerifyResult) {
	_, _ = fmt.Fprintf(w, "%sTollgate demo%s  (dry-run source-control connector)\n\n", colorBold+colorBlue, colorReset)
	for _, o := range outcomes {
		verdict := colorGreen + "ALLOW" + colorReset
		if !o.Success {
			verdict = colorRed + "DENY " + colorReset
		}
		mark := "✅"
		if !o.Expected {
			mark = "❌"
		}
		detail := o.ReasonCode
		if o.ErrorCode != "" {
			detail += " " + o.ErrorCode
		}
		_, _ = fmt.Fprintf(w, "%s %s %-30s %s  %s\n", mark, verdict, o.Scenario, o.Tool, detail)
		_, _ = fmt.Fprintf(w, "   audit entries: %d\n", len(o.AuditIDs))
	}
	_, _ = fmt.Fprintln(w, "")
	printVerifyResult(w, chain)
}

// demoApprovals uses the configured secret when present and a throwaway
// one otherwise.
func demoApprovals(secret string, ttl time.Duration) (*approval.Signer, *approval.Verifier, error) {
	raw := []byte(secret)
	if len(raw) == 0 {
		raw = make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return nil, nil, err
		}
	}
	keys, err := approval.NewKeyDeriver(raw)
	if err != nil {
		return nil, nil, err
	}
	return approval.NewSigner(keys, ttl), approval.NewVerifier(keys), nil
}

func newObservability(ctx context.Context, e *env) (*observability.Provider, error) {
	cfg := observability.DefaultConfig()
	cfg.Enabled = e.cfg.OTelEnabled
	cfg.OTLPEndpoint = e.cfg.OTLPEndpoint
	cfg.Insecure = true
	return observability.New(ctx, cfg)
}
