package policy

import "time"

// Approval is a human grant for one run. It only covers the scopes it lists.
type Approval struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Scopes     []Scope   `json:"scopes"`
	ApprovedAt time.Time `json:"approved_at"`
	ApproverID string    `json:"approver_id,omitempty"`
}

// HasScope reports whether s is listed.
func (a *Approval) HasScope(s Scope) bool {
	if a == nil {
		return false
	}
	for _, sc := range a.Scopes {
		if sc == s {
			return true
		}
	}
	return false
}

// Ref is the reference recorded in audit entries. The token itself is never
// recorded.
func (a *Approval) Ref() string {
	if a == nil {
		return ""
	}
	if a.ID != "" {
		return a.ID
	}
	return "run:" + a.RunID
}
