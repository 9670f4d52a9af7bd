package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tollgate-labs/tollgate/pkg/anchor"
	"github.com/tollgate-labs/tollgate/pkg/policy"
)

// Deployment is the YAML deployment file: policy tuning, tenant rule sets
// and witness settings.
type Deployment struct {
	PolicyVersion string        `yaml:"policy_version"`
	ApprovalTTL   time.Duration `yaml:"approval_ttl"`
	// RequireDurableDecision defaults to true when omitted.
	RequireDurableDecision *bool                   `yaml:"require_durable_decision"`
	Scopes                 map[string]string       `yaml:"scopes"`
	Tenants                map[string]TenantConfig `yaml:"tenants"`
	Witness                anchor.Config           `yaml:"witness"`

	scopes  policy.ScopeMap
	tenants map[string]*policy.TenantContext
}

type TenantConfig struct {
	Resource string        `yaml:"resource"`
	Rules    []policy.Rule `yaml:"rules"`
}

// LoadDeployment parses and validates a deployment file. Tenant rules are
// compiled here so a bad condition fails at startup.
func LoadDeployment(path string) (*Deployment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load deployment %q: %w", path, err)
	}
	return ParseDeployment(data)
}

func ParseDeployment(data []byte) (*Deployment, error) {
	var d Deployment
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse deployment: %w", err)
	}
	if d.ApprovalTTL < 0 {
		return nil, fmt.Errorf("parse deployment: negative approval_ttl %s", d.ApprovalTTL)
	}

	overrides := make(map[string]policy.Scope, len(d.Scopes))
	for tool, s := range d.Scopes {
		sc, err := policy.ParseScope(s)
		if err != nil {
			return nil, fmt.Errorf("parse deployment: scopes[%s]: %w", tool, err)
		}
		overrides[tool] = sc
	}
	d.scopes = policy.DefaultScopeMap().With(overrides)

	d.tenants = make(map[string]*policy.TenantContext, len(d.Tenants))
	for id, tc := range d.Tenants {
		rs, err := policy.CompileRules(tc.Rules)
		if err != nil {
			return nil, fmt.Errorf("parse deployment: tenant %s: %w", id, err)
		}
		d.tenants[id] = &policy.TenantContext{TenantID: id, Resource: tc.Resource, Rules: rs}
	}
	return &d, nil
}

// DefaultDeployment is used when no deployment file is configured.
func DefaultDeployment() *Deployment {
	d, _ := ParseDeployment(nil)
	return d
}

// ScopeMap returns the default scope table with the file's overrides.
func (d *Deployment) ScopeMap() policy.ScopeMap {
	return d.scopes
}

// TenantRules returns the tenant's context, or nil when the tenant has no
// rules configured.
func (d *Deployment) TenantRules(tenantID string) *policy.TenantContext {
	return d.tenants[tenantID]
}

func (d *Deployment) DurableDecision() bool {
	return d.RequireDurableDecision == nil || *d.RequireDurableDecision
}

// EngineOptions builds the policy engine configuration.
func (d *Deployment) EngineOptions() policy.Options {
	return policy.Options{
		Scopes:      d.scopes,
		ApprovalTTL: d.ApprovalTTL,
		Version:     d.PolicyVersion,
	}
}
