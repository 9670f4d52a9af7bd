package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
)

// Rule effects. Tenant rules can only restrict the base decision.
const (
	EffectDeny            = "deny"
	EffectRequireApproval = "require_approval"
)

var ErrInvalidRule = errors.New("policy: invalid tenant rule")

// Rule is one tenant policy rule. When is a CEL expression over:
//
//	tool, connector, classification, actor, resource, tenant, run_id (string)
//	now (timestamp)
type Rule struct {
	ID     string `json:"id" yaml:"id"`
	When   string `json:"when" yaml:"when"`
	Effect string `json:"effect" yaml:"effect"`
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
	// Scope overrides the resolver for require_approval rules.
	Scope Scope `json:"scope,omitempty" yaml:"scope,omitempty"`
}

type compiledRule struct {
	Rule
	prg cel.Program
}

// RuleSet is a compiled, ordered list of tenant rules. It is safe for
// concurrent use.
type RuleSet struct {
	rules []compiledRule
}

// TenantContext is the richer policy input for tenant-aware evaluation.
type TenantContext struct {
	TenantID string
	Resource string
	Rules    *RuleSet
}

func newRuleEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("connector", cel.StringType),
		cel.Variable("classification", cel.StringType),
		cel.Variable("actor", cel.StringType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("tenant", cel.StringType),
		cel.Variable("run_id", cel.StringType),
		cel.Variable("now", cel.TimestampType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// CompileRules type-checks every condition. A rule set that fails to
// compile is never partially usable.
func CompileRules(rules []Rule) (*RuleSet, error) {
	env, err := newRuleEnv()
	if err != nil {
		return nil, err
	}

	rs := &RuleSet{rules: make([]compiledRule, 0, len(rules))}
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if r.ID == "" {
			r.ID = fmt.Sprintf("rule-%d", i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidRule, r.ID)
		}
		seen[r.ID] = true

		switch r.Effect {
		case EffectDeny, EffectRequireApproval:
		default:
			return nil, fmt.Errorf("%w: %s: unknown effect %q", ErrInvalidRule, r.ID, r.Effect)
		}
		if r.Scope != "" {
			if _, err := ParseScope(string(r.Scope)); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRule, r.ID, err)
			}
		}

		ast, issues := env.Compile(r.When)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("%w: %s: compile: %v", ErrInvalidRule, r.ID, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("%w: %s: condition must be bool, got %s", ErrInvalidRule, r.ID, ast.OutputType())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: program: %v", ErrInvalidRule, r.ID, err)
		}
		rs.rules = append(rs.rules, compiledRule{Rule: r, prg: prg})
	}
	return rs, nil
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

type ruleInput struct {
	tool, connector, classification string
	actor, resource, tenant, runID  string
	now                             time.Time
}

func (in ruleInput) activation() map[string]any {
	return map[string]any{
		"tool":           in.tool,
		"connector":      in.connector,
		"classification": in.classification,
		"actor":          in.actor,
		"resource":       in.resource,
		"tenant":         in.tenant,
		"run_id":         in.runID,
		"now":            in.now,
	}
}

// match returns every rule whose condition holds, in order. An evaluation
// error stops the walk and is returned with the failing rule.
func (rs *RuleSet) match(in ruleInput) ([]Rule, *Rule, error) {
	if rs == nil {
		return nil, nil, nil
	}
	vars := in.activation()
	var matched []Rule
	for i := range rs.rules {
		r := &rs.rules[i]
		out, _, err := r.prg.Eval(vars)
		if err != nil {
			return matched, &r.Rule, fmt.Errorf("eval: %w", err)
		}
		val, ok := out.Value().(bool)
		if !ok {
			return matched, &r.Rule, fmt.Errorf("result not bool")
		}
		if val {
			matched = append(matched, r.Rule)
		}
	}
	return matched, nil, nil
}
