package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/tollgate-labs/tollgate/pkg/audit"
)

type queryFlags struct {
	tenant   string
	dbURL    string
	runID    string
	tool     string
	actor    string
	action   string
	outcome  string
	since    string
	until    string
	highRisk bool
}

func (q *queryFlags) register(cmd *flag.FlagSet) {
	cmd.StringVar(&q.tenant, "tenant", "", "Tenant to query (REQUIRED)")
	cmd.StringVar(&q.dbURL, "db", "", "Database URL (overrides TOLLGATE_DATABASE_URL)")
	cmd.StringVar(&q.runID, "run", "", "Filter by run id")
	cmd.StringVar(&q.tool, "tool", "", "Filter by tool name (connector.tool)")
	cmd.StringVar(&q.actor, "actor", "", "Filter by actor id")
	cmd.StringVar(&q.action, "action", "", "Filter by action type (requested, policy_checked, succeeded, failed)")
	cmd.StringVar(&q.outcome, "outcome", "", "Filter by outcome (success, failure, partial, pending)")
	cmd.StringVar(&q.since, "since", "", "Only entries at or after this RFC 3339 time")
	cmd.StringVar(&q.until, "until", "", "Only entries at or before this RFC 3339 time")
	cmd.BoolVar(&q.highRisk, "high-risk", false, "Only high-risk entries")
}

func (q *queryFlags) filter() (audit.Filter, error) {
	f := audit.Filter{
		TenantID:     q.tenant,
		RunID:        q.runID,
		ToolName:     q.tool,
		ActorID:      q.actor,
		ActionType:   q.action,
		Outcome:      audit.Outcome(q.outcome),
		HighRiskOnly: q.highRisk,
	}
	if f.TenantID == "" {
		return f, fmt.Errorf("--tenant is required")
	}
	if q.outcome != "" && !f.Outcome.Valid() {
		return f, fmt.Errorf("unknown outcome %q", q.outcome)
	}
	var err error
	if q.since != "" {
		if f.Since, err = time.Parse(time.RFC3339, q.since); err != nil {
			return f, fmt.Errorf("--since: %w", err)
		}
	}
	if q.until != "" {
		if f.Until, err = time.Parse(time.RFC3339, q.until); err != nil {
			return f, fmt.Errorf("--until: %w", err)
		}
	}
	return f, nil
}

// runQueryCmd implements `tollgate query`.
func runQueryCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("query", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		q          queryFlags
		limit      int
		offset     int
		desc       bool
		jsonOutput bool
	)
	q.register(cmd)
	cmd.IntVar(&limit, "limit", audit.DefaultLimit, "Page size")
	cmd.IntVar(&offset, "offset", 0, "Entries to skip")
	cmd.BoolVar(&desc, "desc", false, "Newest first")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	f, err := q.filter()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	f.Limit = limit
	f.Offset = offset
	if desc {
		f.Order = audit.OrderDesc
	}

	ctx := context.Background()
	e, err := setup(ctx, q.dbURL, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer e.Close()

	page, err := e.ledger.Query(ctx, f)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(page, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SEQ\tTIME\tACTION\tOUTCOME\tTOOL\tREASON")
	for _, entry := range page.Entries {
		tool, reason := "-", "-"
		if inv := entry.Invocation; inv != nil {
			tool = inv.ToolName
			switch {
			case inv.ReasonCode != "":
				reason = inv.ReasonCode
			case inv.ErrorCode != "":
				reason = inv.ErrorCode
			}
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			entry.Chain.Sequence, entry.Timestamp.Format(time.RFC3339), entry.Action.Type, entry.Outcome, tool, reason)
	}
	_ = tw.Flush()
	if page.HasMore {
		_, _ = fmt.Fprintf(stdout, "\nmore results: --offset %d\n", page.NextOffset)
	}
	return 0
}

// runExportCmd implements `tollgate export`.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		q       queryFlags
		outPath string
	)
	q.register(cmd)
	cmd.StringVar(&outPath, "out", "", "Write the bundle here (default: stdout)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	f, err := q.filter()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	e, err := setup(ctx, q.dbURL, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer e.Close()

	bundle, err := e.ledger.ExportBundle(ctx, f)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if outPath == "" {
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	if err := os.WriteFile(outPath, data, 0600); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintf(stdout, "Exported %d entries to %s\n", bundle.EntryCount, outPath)
	_, _ = fmt.Fprintf(stdout, "   merkle root: %s\n", bundle.MerkleRoot)
	return 0
}
