package connector

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tollgate-labs/tollgate/pkg/policy"
)

var readFileInput = json.RawMessage(`{
	"type": "object",
	"properties": {
		"path": {"type": "string", "minLength": 1},
		"ref":  {"type": "string"}
	},
	"required": ["path"],
	"additionalProperties": false
}`)

var readFileOutput = json.RawMessage(`{
	"type": "object",
	"properties": {"content": {"type": "string"}},
	"required": ["content"]
}`)

func echo(_ context.Context, input any) (any, error) { return input, nil }

func newGitHub(t *testing.T) *Static {
	t.Helper()
	c, err := New("github", "1.4.0",
		ToolDef{ID: "read_file", InputSchema: readFileInput, OutputSchema: readFileOutput, Class: policy.ClassRead, Handler: echo},
		ToolDef{ID: "merge_pr", Class: policy.ClassDestructive, Handler: echo},
	)
	require.NoError(t, err)
	return c
}

func TestNew_Validation(t *testing.T) {
	_, err := New("github", "not-a-version")
	assert.ErrorIs(t, err, ErrInvalidConnector)

	_, err = New("git hub", "1.0.0")
	assert.ErrorIs(t, err, ErrInvalidConnector)

	_, err = New("github", "1.0.0", ToolDef{ID: "x", Class: "ADMIN", Handler: echo})
	assert.ErrorIs(t, err, ErrInvalidConnector)

	_, err = New("github", "1.0.0", ToolDef{ID: "x", Class: policy.ClassRead})
	assert.ErrorIs(t, err, ErrInvalidConnector)

	_, err = New("github", "1.0.0", ToolDef{ID: "x", Class: policy.ClassRead, Handler: echo, InputSchema: json.RawMessage(`{"type": 12}`)})
	assert.ErrorIs(t, err, ErrInvalidConnector)

	_, err = New("github", "1.0.0",
		ToolDef{ID: "x", Class: policy.ClassRead, Handler: echo},
		ToolDef{ID: "x", Class: policy.ClassRead, Handler: echo},
	)
	assert.ErrorIs(t, err, ErrDuplicateTool)
}

func TestNew_NormalizesVersion(t *testing.T) {
	c, err := New("github", "v1.2", ToolDef{ID: "x", Class: policy.ClassRead, Handler: echo})
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", c.Version())
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	gh := newGitHub(t)
	require.NoError(t, r.Register(gh))

	err := r.Register(gh)
	assert.ErrorIs(t, err, ErrDuplicateConnector)
	assert.ErrorIs(t, r.Register(nil), ErrInvalidConnector)

	got, ok := r.Get("github")
	require.True(t, ok)
	assert.Equal(t, "1.4.0", got.Version())
	assert.True(t, r.Has("github"))
	assert.False(t, r.Has("gitlab"))

	_, ok = r.Get("gitlab")
	assert.False(t, ok)

	jira, err := New("jira", "2.0.0", ToolDef{ID: "comment", Class: policy.ClassWriteNonDestructive, Handler: echo})
	require.NoError(t, err)
	require.NoError(t, r.Register(jira))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "github", list[0].ID())
	assert.Equal(t, "jira", list[1].ID())

	tools := gh.Tools()
	require.Len(t, tools, 2)
	assert.Equal(t, "merge_pr", tools[0].ID())
	assert.Equal(t, "read_file", tools[1].ID())
}

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newGitHub(t)))

	tool, err := r.Resolve("github.read_file")
	require.NoError(t, err)
	assert.Equal(t, "github.read_file", tool.Name())
	assert.Equal(t, policy.ClassRead, tool.Classification())

	_, err = r.Resolve("gitlab.read_file")
	assert.ErrorIs(t, err, ErrConnectorNotFound)

	_, err = r.Resolve("github.delete_repo")
	assert.ErrorIs(t, err, ErrToolNotFound)

	for _, bad := range []string{"", "github", ".read_file", "github.", "github.read.file", "git hub.read_file"} {
		_, err = r.Resolve(bad)
		assert.ErrorIs(t, err, ErrMalformedToolName, bad)
	}
}

func TestParseToolName_NFC(t *testing.T) {
	c1, t1, err := ParseToolName("caf\u00e9.read")
	require.NoError(t, err)
	c2, t2, err := ParseToolName("cafe\u0301.read")
	require.NoError(t, err)
	assert.Equal(t, c1, c2)
	assert.Equal(t, t1, t2)
}

func TestTool_ValidateInput(t *testing.T) {
	tool, ok := newGitHub(t).Tool("read_file")
	require.True(t, ok)

	v, err := DecodeJSON([]byte(`{"path":"README.md"}`))
	require.NoError(t, err)
	assert.NoError(t, tool.ValidateInput(v))

	v, err = DecodeJSON([]byte(`{"ref":"main","extra":true}`))
	require.NoError(t, err)
	err = tool.ValidateInput(v)
	var se *SchemaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageInput, se.Stage)
	assert.Equal(t, "github.read_file", se.Tool)
	assert.NotEmpty(t, se.Violations)
}

func TestTool_ValidationLocationsOmitValues(t *testing.T) {
	c, err := New("vault", "1.0.0", ToolDef{
		ID:    "store",
		Class: policy.ClassWriteNonDestructive,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"token": {"type": "string", "format": "email"}}
		}`),
		Handler: echo,
	})
	require.NoError(t, err)
	tool, _ := c.Tool("store")

	v, err := DecodeJSON([]byte(`{"token":"ghp_SUPERSECRET"}`))
	require.NoError(t, err)
	var se *SchemaError
	require.ErrorAs(t, tool.ValidateInput(v), &se)
	assert.Contains(t, se.Error(), "ghp_SUPERSECRET")
	assert.Equal(t, []string{"/token: format"}, se.Locations)
}

func TestDecodeJSON(t *testing.T) {
	v, err := DecodeJSON([]byte(` {"n": 12345678901234567890, "f": 1.5} `))
	require.NoError(t, err)
	m := v.(map[string]any)
	assert.Equal(t, json.Number("12345678901234567890"), m["n"])
	assert.Equal(t, json.Number("1.5"), m["f"])

	for _, raw := range []string{``, `{`, `{"a":1}{"b":2}`, `{"a":1} x`, `[1] ]`} {
		_, err := DecodeJSON([]byte(raw))
		assert.Error(t, err, raw)
	}
}

func TestTool_ValidateOutput(t *testing.T) {
	tool, _ := newGitHub(t).Tool("read_file")

	assert.NoError(t, tool.ValidateOutput(map[string]any{"content": "hello"}))
	assert.NoError(t, tool.ValidateOutput(struct {
		Content string `json:"content"`
	}{"hello"}))

	err := tool.ValidateOutput(map[string]any{"content": 42})
	var se *SchemaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageOutput, se.Stage)

	err = tool.ValidateOutput(func() {})
	require.ErrorAs(t, err, &se)
}

func TestTool_EmptySchemaAcceptsAnything(t *testing.T) {
	tool, _ := newGitHub(t).Tool("merge_pr")
	assert.NoError(t, tool.ValidateInput([]any{"x"}))
	assert.NoError(t, tool.ValidateOutput(nil))
}

func TestTool_Fingerprint(t *testing.T) {
	a, _ := newGitHub(t).Tool("read_file")
	b, _ := newGitHub(t).Tool("read_file")
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.Contains(t, a.Fingerprint(), "sha256:")

	bumped, err := New("github", "1.5.0",
		ToolDef{ID: "read_file", InputSchema: readFileInput, OutputSchema: readFileOutput, Class: policy.ClassRead, Handler: echo})
	require.NoError(t, err)
	c, _ := bumped.Tool("read_file")
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())

	reclassified, err := New("github", "1.4.0",
		ToolDef{ID: "read_file", InputSchema: readFileInput, OutputSchema: readFileOutput, Class: policy.ClassDestructive, Handler: echo})
	require.NoError(t, err)
	d, _ := reclassified.Tool("read_file")
	assert.NotEqual(t, a.Fingerprint(), d.Fingerprint())
}

func TestTool_Execute(t *testing.T) {
	tool, _ := newGitHub(t).Tool("merge_pr")
	out, err := tool.Execute(context.Background(), map[string]any{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": 1}, out)
}
