package policy

import "strings"

// Classification is the fixed risk tier of a tool.
type Classification string

const (
	ClassRead                Classification = "READ"
	ClassWriteNonDestructive Classification = "WRITE_NON_DESTRUCTIVE"
	ClassDestructive         Classification = "DESTRUCTIVE"
)

// Valid reports whether c is one of the known tiers.
func (c Classification) Valid() bool {
	switch c {
	case ClassRead, ClassWriteNonDestructive, ClassDestructive:
		return true
	}
	return false
}

// ParseClassification accepts the tier names case-insensitively. Unknown
// names are returned as-is so the engine can deny them.
func ParseClassification(s string) Classification {
	return Classification(strings.ToUpper(strings.TrimSpace(s)))
}
