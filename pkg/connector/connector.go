// Package connector holds the registry of connectors and their tools.
//
// A connector exposes a fixed set of tools, each with compiled input and
// output schemas and a policy classification. The registry is pure
// structure: it knows nothing about audit or policy decisions.
package connector

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/tollgate-labs/tollgate/pkg/canonicalize"
)

var (
	ErrInvalidConnector = errors.New("connector: invalid connector")
	ErrDuplicateTool    = errors.New("connector: duplicate tool id")
)

// Connector exposes a stable list of tools.
type Connector interface {
	ID() string
	Version() string
	Tool(toolID string) (*Tool, bool)
	// Tools returns every tool sorted by id.
	Tools() []*Tool
}

// Static is a connector whose tool list is fixed at construction.
type Static struct {
	id      string
	version string
	tools   map[string]*Tool
}

// New validates the id and semantic version, compiles every schema and
// fingerprints every tool. Any error leaves nothing registered.
func New(id, version string, defs ...ToolDef) (*Static, error) {
	nid, err := canonicalize.NormalizeIdentifier(id)
	if err != nil {
		return nil, fmt.Errorf("%w: id: %v", ErrInvalidConnector, err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: version %q: %v", ErrInvalidConnector, nid, version, err)
	}

	c := &Static{id: nid, version: v.String(), tools: make(map[string]*Tool, len(defs))}
	for _, def := range defs {
		t, err := c.compile(def)
		if err != nil {
			return nil, err
		}
		if _, dup := c.tools[t.id]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name())
		}
		c.tools[t.id] = t
	}
	return c, nil
}

func (c *Static) compile(def ToolDef) (*Tool, error) {
	tid, err := canonicalize.NormalizeIdentifier(def.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: tool id: %v", ErrInvalidConnector, c.id, err)
	}
	if !def.Class.Valid() {
		return nil, fmt.Errorf("%w: %s.%s: unknown classification %q", ErrInvalidConnector, c.id, tid, def.Class)
	}
	if def.Handler == nil {
		return nil, fmt.Errorf("%w: %s.%s: nil handler", ErrInvalidConnector, c.id, tid)
	}

	t := &Tool{
		connectorID:      c.id,
		connectorVersion: c.version,
		id:               tid,
		description:      def.Description,
		class:            def.Class,
		handler:          def.Handler,
	}
	if t.inputSchema, t.inputSchemaHash, err = compileSchema(c.id, tid, StageInput, def.InputSchema); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConnector, t.Name(), err)
	}
	if t.outputSchema, t.outputSchemaHash, err = compileSchema(c.id, tid, StageOutput, def.OutputSchema); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConnector, t.Name(), err)
	}
	if t.fingerprint, err = t.computeFingerprint(); err != nil {
		return nil, fmt.Errorf("%w: %s: fingerprint: %v", ErrInvalidConnector, t.Name(), err)
	}
	return t, nil
}

func (c *Static) ID() string      { return c.id }
func (c *Static) Version() string { return c.version }

func (c *Static) Tool(toolID string) (*Tool, bool) {
	t, ok := c.tools[toolID]
	return t, ok
}

func (c *Static) Tools() []*Tool {
	out := make([]*Tool, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
