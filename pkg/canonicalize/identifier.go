package canonicalize

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// NormalizeIdentifier returns the NFC form of a connector or tool id. Empty
// ids, dots, whitespace and control characters are rejected. Two spellings
// that render identically map to the same registry and audit key.
func NormalizeIdentifier(id string) (string, error) {
	n := norm.NFC.String(strings.TrimSpace(id))
	if n == "" {
		return "", fmt.Errorf("identifier is empty")
	}
	for _, r := range n {
		switch {
		case r == '.':
			return "", fmt.Errorf("identifier %q: '.' is reserved as the tool name separator", n)
		case unicode.IsSpace(r), unicode.IsControl(r):
			return "", fmt.Errorf("identifier %q: contains whitespace or control characters", n)
		}
	}
	return n, nil
}
