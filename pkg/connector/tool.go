package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tollgate-labs/tollgate/pkg/canonicalize"
	"github.com/tollgate-labs/tollgate/pkg/policy"
)

// Schema validation stages.
const (
	StageInput  = "input"
	StageOutput = "output"
)

// Handler runs a tool. Input has already passed the input schema; the
// returned value is checked against the output schema.
type Handler func(ctx context.Context, input any) (any, error)

// ToolDef describes a tool before registration. Empty schemas accept any
// JSON value.
type ToolDef struct {
	ID           string
	Description  string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
	Class        policy.Classification
	Handler      Handler
}

// Tool is an immutable, compiled tool definition.
type Tool struct {
	connectorID      string
	connectorVersion string
	id               string
	description      string
	class            policy.Classification
	inputSchema      *jsonschema.Schema
	outputSchema     *jsonschema.Schema
	inputSchemaHash  string
	outputSchemaHash string
	handler          Handler
	fingerprint      string
}

func (t *Tool) ConnectorID() string                   { return t.connectorID }
func (t *Tool) ID() string                            { return t.id }
func (t *Tool) Name() string                          { return ToolName(t.connectorID, t.id) }
func (t *Tool) Description() string                   { return t.description }
func (t *Tool) Classification() policy.Classification { return t.class }

// Fingerprint identifies the contract in force: connector version,
// classification and both schemas.
func (t *Tool) Fingerprint() string { return t.fingerprint }

// SchemaError reports every schema violation for one stage. Violations
// may quote the offending value; Locations never do.
type SchemaError struct {
	Stage      string
	Tool       string
	Violations []string
	// Locations pairs each instance location with the failing keyword,
	// e.g. "/token: format".
	Locations []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s %s schema violation: %s", e.Tool, e.Stage, strings.Join(e.Violations, "; "))
}

// ValidateInput checks a decoded JSON value against the input schema.
func (t *Tool) ValidateInput(v any) error {
	return t.validate(StageInput, t.inputSchema, v)
}

// ValidateOutput checks a handler result against the output schema. The
// value is round-tripped through JSON first so Go structs validate the way
// their serialized form would.
func (t *Tool) ValidateOutput(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return &SchemaError{Stage: StageOutput, Tool: t.Name(),
			Violations: []string{fmt.Sprintf("not serializable: %v", err)}, Locations: []string{"/: not serializable"}}
	}
	decoded, err := DecodeJSON(raw)
	if err != nil {
		return &SchemaError{Stage: StageOutput, Tool: t.Name(),
			Violations: []string{err.Error()}, Locations: []string{"/: invalid JSON"}}
	}
	return t.validate(StageOutput, t.outputSchema, decoded)
}

// Execute calls the handler.
func (t *Tool) Execute(ctx context.Context, input any) (any, error) {
	if t.handler == nil {
		return nil, fmt.Errorf("connector: %s has no handler", t.Name())
	}
	return t.handler(ctx, input)
}

func (t *Tool) validate(stage string, schema *jsonschema.Schema, v any) error {
	if schema == nil {
		return nil
	}
	err := schema.Validate(v)
	if err == nil {
		return nil
	}
	se := &SchemaError{Stage: stage, Tool: t.Name()}
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		for _, e := range ve.BasicOutput().Errors {
			if e.Error == "" || strings.HasPrefix(e.Error, "doesn't validate with") {
				continue
			}
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			se.Violations = append(se.Violations, fmt.Sprintf("%s: %s", loc, e.Error))
			se.Locations = append(se.Locations, fmt.Sprintf("%s: %s", loc, keyword(e.KeywordLocation)))
		}
	}
	if len(se.Violations) == 0 {
		se.Violations = []string{err.Error()}
		se.Locations = []string{"/: schema"}
	}
	return se
}

// keyword is the last segment of a keyword location such as
// "/properties/token/format".
func keyword(loc string) string {
	if i := strings.LastIndex(loc, "/"); i >= 0 && i < len(loc)-1 {
		return loc[i+1:]
	}
	return "schema"
}

// DecodeJSON decodes exactly one JSON value into the generic form the
// schema validator expects. Numbers stay json.Number so they validate
// exactly.
func DecodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("invalid JSON: trailing data after value")
	}
	return v, nil
}

func compileSchema(connectorID, toolID, stage string, raw json.RawMessage) (*jsonschema.Schema, string, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		raw = json.RawMessage("{}")
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	url := fmt.Sprintf("https://tollgate.schemas.local/%s/%s.%s.schema.json", connectorID, toolID, stage)
	if err := c.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, "", fmt.Errorf("%s schema load failed: %w", stage, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, "", fmt.Errorf("%s schema compile failed: %w", stage, err)
	}
	return compiled, canonicalize.HashJSON(raw), nil
}

func (t *Tool) computeFingerprint() (string, error) {
	return canonicalize.CanonicalHash(struct {
		ConnectorID      string                `json:"connector_id"`
		ConnectorVersion string                `json:"connector_version"`
		ToolID           string                `json:"tool_id"`
		Classification   policy.Classification `json:"classification"`
		InputSchemaHash  string                `json:"input_schema_hash"`
		OutputSchemaHash string                `json:"output_schema_hash"`
	}{
		ConnectorID:      t.connectorID,
		ConnectorVersion: t.connectorVersion,
		ToolID:           t.id,
		Classification:   t.class,
		InputSchemaHash:  t.inputSchemaHash,
		OutputSchemaHash: t.outputSchemaHash,
	})
}
