package main

import (
	"context"
	"encoding/json"

	"github.com/tollgate-labs/tollgate/pkg/connector"
	"github.com/tollgate-labs/tollgate/pkg/policy"
)

const demoConnectorID = "scm"

var repoInputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"repo": {"type": "string", "minLength": 1}},
	"required": ["repo"]
}`)

var mergeInputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"repo": {"type": "string", "minLength": 1},
		"number": {"type": "integer", "minimum": 1}
	},
	"required": ["repo", "number"]
}`)

var dryRunOutputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"dry_run": {"const": true}},
	"required": ["dry_run"]
}`)

// newDemoConnector is a source-control connector whose handlers only echo
// what they would have done.
func newDemoConnector() (*connector.Static, error) {
	return connector.New(demoConnectorID, "1.0.0",
		connector.ToolDef{
			ID:           "list_pull_requests",
			Description:  "List open pull requests",
			InputSchema:  repoInputSchema,
			OutputSchema: dryRunOutputSchema,
			Class:        policy.ClassRead,
			Handler:      dryRun("list_pull_requests"),
		},
		connector.ToolDef{
			ID:           "create_commit",
			Description:  "Commit staged changes",
			InputSchema:  repoInputSchema,
			OutputSchema: dryRunOutputSchema,
			Class:        policy.ClassWriteNonDestructive,
			Handler:      dryRun("create_commit"),
		},
		connector.ToolDef{
			ID:           "merge_pull_request",
			Description:  "Merge a pull request into its base branch",
			InputSchema:  mergeInputSchema,
			OutputSchema: dryRunOutputSchema,
			Class:        policy.ClassDestructive,
			Handler:      dryRun("merge_pull_request"),
		},
	)
}

func dryRun(op string) connector.Handler {
	return func(_ context.Context, input any) (any, error) {
		return map[string]any{"dry_run": true, "operation": op, "input": input}, nil
	}
}
