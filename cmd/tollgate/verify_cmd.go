package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tollgate-labs/tollgate/pkg/audit"
)

// runVerifyCmd implements `tollgate verify`.
//
// Exit codes:
//
//	0 = chain or bundle verified
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		tenant     string
		bundlePath string
		dbURL      string
		from       uint64
		to         int64
		jsonOutput bool
	)

	cmd.StringVar(&tenant, "tenant", "", "Tenant whose chain is verified")
	cmd.StringVar(&bundlePath, "bundle", "", "Verify an exported bundle file instead of the ledger")
	cmd.StringVar(&dbURL, "db", "", "Database URL (overrides TOLLGATE_DATABASE_URL)")
	cmd.Uint64Var(&from, "from", 0, "First sequence to verify")
	cmd.Int64Var(&to, "to", -1, "Last sequence to verify (default: head)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if bundlePath != "" {
		return verifyBundleFile(bundlePath, jsonOutput, stdout, stderr)
	}
	if tenant == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --tenant or --bundle is required")
		return 2
	}

	ctx := context.Background()
	e, err := setup(ctx, dbURL, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer e.Close()

	opts := audit.VerifyOptions{From: from}
	if to >= 0 {
		upper := uint64(to)
		opts.To = &upper
	}
	result, err := e.ledger.VerifyChainIntegrity(ctx, tenant, opts)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(result, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		printVerifyResult(stdout, result)
	}
	if !result.Valid {
		return 1
	}
	return 0
}

func printVerifyResult(w io.Writer, r *audit.VerifyResult) {
	if r.Valid {
		_, _ = fmt.Fprintf(w, "%s✅ Chain verified%s  tenant=%s entries=%d\n", colorGreen, colorReset, r.TenantID, r.EntriesVerified)
		if r.HeadHash != "" {
			_, _ = fmt.Fprintf(w, "   head: %s\n", r.HeadHash)
		}
		return
	}
	seq := "?"
	if r.FirstInvalidSequence != nil {
		seq = fmt.Sprintf("%d", *r.FirstInvalidSequence)
	}
	_, _ = fmt.Fprintf(w, "%s❌ Chain broken%s  tenant=%s first_invalid=%s\n", colorRed, colorReset, r.TenantID, seq)
	_, _ = fmt.Fprintf(w, "   %s (%d entries verified before the break)\n", r.Error, r.EntriesVerified)
}

func verifyBundleFile(path string, jsonOutput bool, stdout, stderr io.Writer) int {
	data, err := os.ReadFile(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	var bundle audit.Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: decode bundle: %v\n", err)
		return 2
	}

	verr := audit.VerifyBundle(&bundle)
	if jsonOutput {
		out := map[string]any{
			"bundle_id":   bundle.BundleID,
			"tenant_id":   bundle.TenantID,
			"entry_count": bundle.EntryCount,
			"merkle_root": bundle.MerkleRoot,
			"valid":       verr == nil,
		}
		if verr != nil {
			out["error"] = verr.Error()
		}
		enc, _ := json.MarshalIndent(out, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(enc))
	} else if verr == nil {
		_, _ = fmt.Fprintf(stdout, "%s✅ Bundle verified%s  %s tenant=%s entries=%d\n", colorGreen, colorReset, bundle.BundleID, bundle.TenantID, bundle.EntryCount)
		_, _ = fmt.Fprintf(stdout, "   merkle root: %s\n", bundle.MerkleRoot)
	} else {
		_, _ = fmt.Fprintf(stdout, "%s❌ Bundle invalid%s  %v\n", colorRed, colorReset, verr)
	}
	if verr != nil {
		return 1
	}
	return 0
}
