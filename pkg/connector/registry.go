package connector

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tollgate-labs/tollgate/pkg/canonicalize"
)

var (
	ErrDuplicateConnector = errors.New("connector: connector already registered")
	ErrConnectorNotFound  = errors.New("connector: connector not found")
	ErrToolNotFound       = errors.New("connector: tool not found")
)

// Registry is a thread-safe set of connectors keyed by id. Registration
// never overwrites.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

func (r *Registry) Register(c Connector) error {
	if c == nil {
		return fmt.Errorf("%w: nil connector", ErrInvalidConnector)
	}
	id, err := canonicalize.NormalizeIdentifier(c.ID())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConnector, err)
	}
	if id != c.ID() {
		return fmt.Errorf("%w: id %q is not NFC-normalized", ErrInvalidConnector, c.ID())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connectors[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateConnector, id)
	}
	r.connectors[id] = c
	return nil
}

// Get returns the connector, if registered.
func (r *Registry) Get(id string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[id]
	return c, ok
}

func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// List returns all connectors sorted by id.
func (r *Registry) List() []Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]Connector, 0, len(r.connectors))
	for _, c := range r.connectors {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID() < list[j].ID() })
	return list
}

// Resolve looks up a fully qualified tool name.
func (r *Registry) Resolve(name string) (*Tool, error) {
	connectorID, toolID, err := ParseToolName(name)
	if err != nil {
		return nil, err
	}
	c, ok := r.Get(connectorID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectorNotFound, connectorID)
	}
	t, ok := c.Tool(toolID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, ToolName(connectorID, toolID))
	}
	return t, nil
}
