package connector

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tollgate-labs/tollgate/pkg/canonicalize"
)

var ErrMalformedToolName = errors.New("connector: malformed tool name")

// ParseToolName splits "connectorId.toolId" on the first dot. Both halves
// are returned NFC-normalized.
func ParseToolName(name string) (connectorID, toolID string, err error) {
	c, t, ok := strings.Cut(name, ".")
	if !ok {
		return "", "", fmt.Errorf("%w: %q has no connector prefix", ErrMalformedToolName, name)
	}
	if connectorID, err = canonicalize.NormalizeIdentifier(c); err != nil {
		return "", "", fmt.Errorf("%w: connector: %v", ErrMalformedToolName, err)
	}
	if toolID, err = canonicalize.NormalizeIdentifier(t); err != nil {
		return "", "", fmt.Errorf("%w: tool: %v", ErrMalformedToolName, err)
	}
	return connectorID, toolID, nil
}

// ToolName joins the two halves.
func ToolName(connectorID, toolID string) string {
	return connectorID + "." + toolID
}
