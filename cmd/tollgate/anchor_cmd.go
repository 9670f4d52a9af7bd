package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/tollgate-labs/tollgate/pkg/anchor"
)

// runAnchorCmd implements `tollgate anchor checkpoint|verify`.
//
// Exit codes:
//
//	0 = checkpoint written or chain consistent with its witness
//	1 = witness disagrees with the ledger
//	2 = usage or runtime error
func runAnchorCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: tollgate anchor <checkpoint|verify> --tenant <id> [--dir <path>] [--json]")
		return 2
	}
	sub := args[0]
	if sub != "checkpoint" && sub != "verify" {
		_, _ = fmt.Fprintf(stderr, "Unknown anchor subcommand: %s\n", sub)
		return 2
	}

	cmd := flag.NewFlagSet("anchor "+sub, flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		tenant     string
		dbURL      string
		dir        string
		jsonOutput bool
	)
	cmd.StringVar(&tenant, "tenant", "", "Tenant whose chain head is witnessed (REQUIRED)")
	cmd.StringVar(&dbURL, "db", "", "Database URL (overrides TOLLGATE_DATABASE_URL)")
	cmd.StringVar(&dir, "dir", "", "File witness directory (overrides the deployment witness)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}
	if tenant == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --tenant is required")
		return 2
	}

	ctx := context.Background()
	e, err := setup(ctx, dbURL, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer e.Close()

	wcfg := e.deployment.Witness
	if dir != "" {
		wcfg = anchor.Config{Type: anchor.WitnessFile, Dir: dir}
	}
	witness, err := anchor.NewWitness(ctx, wcfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if c, ok := witness.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}
	anchorer := anchor.NewAnchorer(e.ledger, witness)

	if sub == "checkpoint" {
		cp, err := anchorer.Checkpoint(ctx, tenant)
		switch {
		case errors.Is(err, anchor.ErrStaleCheckpoint), errors.Is(err, anchor.ErrCheckpointConflict):
			_, _ = fmt.Fprintf(stdout, "%s❌ Witness disagrees with ledger%s  %v\n", colorRed, colorReset, err)
			return 1
		case err != nil:
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		if jsonOutput {
			data, _ := json.MarshalIndent(cp, "", "  ")
			_, _ = fmt.Fprintln(stdout, string(data))
		} else {
			_, _ = fmt.Fprintf(stdout, "%s✅ Checkpoint witnessed%s  tenant=%s seq=%d\n", colorGreen, colorReset, cp.TenantID, cp.Sequence)
			_, _ = fmt.Fprintf(stdout, "   hash: %s\n", cp.ContentHash)
		}
		return 0
	}

	report, err := anchorer.Verify(ctx, tenant)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if report.Valid {
		_, _ = fmt.Fprintf(stdout, "%s✅ Chain matches witness%s  tenant=%s checkpoint_seq=%d\n", colorGreen, colorReset, tenant, report.Checkpoint.Sequence)
	} else {
		_, _ = fmt.Fprintf(stdout, "%s❌ Chain does not match witness%s  tenant=%s\n", colorRed, colorReset, tenant)
		_, _ = fmt.Fprintf(stdout, "   %s\n", report.Error)
	}
	if !report.Valid {
		return 1
	}
	return 0
}
