package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tollgate-labs/tollgate/pkg/approval"
	"github.com/tollgate-labs/tollgate/pkg/config"
	"github.com/tollgate-labs/tollgate/pkg/policy"
)

// runApproveCmd implements `tollgate approve`: it signs an approval token
// bound to one tenant and run.
func runApproveCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("approve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		tenant     string
		runID      string
		approver   string
		scopeList  string
		ttl        time.Duration
		jsonOutput bool
	)
	cmd.StringVar(&tenant, "tenant", "", "Tenant the approval is bound to (REQUIRED)")
	cmd.StringVar(&runID, "run", "", "Run the approval is bound to (REQUIRED)")
	cmd.StringVar(&approver, "approver", "", "Approver identity")
	cmd.StringVar(&scopeList, "scope", "", "Comma-separated scopes: commit, push, open_pr, merge (REQUIRED)")
	cmd.DurationVar(&ttl, "ttl", time.Hour, "Token lifetime (0 for no expiry)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output token and approval as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if tenant == "" || runID == "" || scopeList == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --tenant, --run and --scope are required")
		return 2
	}

	var scopes []policy.Scope
	for _, s := range strings.Split(scopeList, ",") {
		sc, err := policy.ParseScope(strings.TrimSpace(s))
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		scopes = append(scopes, sc)
	}

	cfg := config.Load()
	if cfg.ApprovalSecret == "" {
		_, _ = fmt.Fprintln(stderr, "Error: TOLLGATE_APPROVAL_SECRET is not set")
		return 2
	}
	keys, err := approval.NewKeyDeriver([]byte(cfg.ApprovalSecret))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	token, appr, err := approval.NewSigner(keys, ttl).Issue(tenant, runID, approver, scopes)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(map[string]any{"token": token, "approval": appr}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	_, _ = fmt.Fprintln(stdout, token)
	return 0
}
