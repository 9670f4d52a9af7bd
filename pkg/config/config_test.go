package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tollgate-labs/tollgate/pkg/anchor"
	"github.com/tollgate-labs/tollgate/pkg/config"
	"github.com/tollgate-labs/tollgate/pkg/policy"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{
		"TOLLGATE_DATABASE_URL", "TOLLGATE_CONFIG", "TOLLGATE_LOG_LEVEL", "TOLLGATE_LOG_FORMAT",
		"TOLLGATE_APPROVAL_SECRET", "TOLLGATE_OTLP_ENDPOINT", "TOLLGATE_OTEL_ENABLED",
	} {
		t.Setenv(k, "")
	}

	cfg := config.Load()

	assert.Equal(t, "sqlite://tollgate.db", cfg.DatabaseURL)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Empty(t, cfg.ConfigPath)
	assert.False(t, cfg.OTelEnabled)

	lvl, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("TOLLGATE_DATABASE_URL", "postgres://audit:5432/tollgate")
	t.Setenv("TOLLGATE_CONFIG", "/etc/tollgate.yaml")
	t.Setenv("TOLLGATE_LOG_LEVEL", "debug")
	t.Setenv("TOLLGATE_LOG_FORMAT", "json")
	t.Setenv("TOLLGATE_APPROVAL_SECRET", "0123456789abcdef0123")
	t.Setenv("TOLLGATE_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("TOLLGATE_OTEL_ENABLED", "true")

	cfg := config.Load()

	assert.Equal(t, "postgres://audit:5432/tollgate", cfg.DatabaseURL)
	assert.Equal(t, "/etc/tollgate.yaml", cfg.ConfigPath)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "0123456789abcdef0123", cfg.ApprovalSecret)
	assert.Equal(t, "collector:4317", cfg.OTLPEndpoint)
	assert.True(t, cfg.OTelEnabled)

	lvl, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)

	cfg.LogLevel = "chatty"
	_, err = cfg.SlogLevel()
	assert.Error(t, err)
}

const deploymentYAML = `
policy_version: v2
approval_ttl: 30m
require_durable_decision: false
scopes:
  github.land: merge
  ship: push
tenants:
  acme:
    resource: acme/api
    rules:
      - id: no-weekend-writes
        when: classification != "READ" && now.getDayOfWeek() == 0
        effect: deny
        reason: weekend freeze
      - id: release-needs-approval
        when: tool == "github.tag_release"
        effect: require_approval
        scope: push
witness:
  type: file
  dir: /var/lib/tollgate/checkpoints
`

func TestLoadDeployment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tollgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(deploymentYAML), 0o600))

	d, err := config.LoadDeployment(path)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, d.ApprovalTTL)
	assert.False(t, d.DurableDecision())
	assert.Equal(t, anchor.WitnessFile, d.Witness.Type)
	assert.Equal(t, "/var/lib/tollgate/checkpoints", d.Witness.Dir)

	s, ok := d.ScopeMap().RequiredScope("github", "land")
	require.True(t, ok)
	assert.Equal(t, policy.ScopeMerge, s)
	s, ok = d.ScopeMap().RequiredScope("gitlab", "ship")
	require.True(t, ok)
	assert.Equal(t, policy.ScopePush, s)
	_, ok = d.ScopeMap().RequiredScope("github", "merge_pr")
	assert.True(t, ok, "defaults are kept")

	tc := d.TenantRules("acme")
	require.NotNil(t, tc)
	assert.Equal(t, "acme/api", tc.Resource)
	assert.Equal(t, 2, tc.Rules.Len())
	assert.Nil(t, d.TenantRules("globex"))

	opts := d.EngineOptions()
	assert.Equal(t, "tollgate:v2", policy.NewEngine(opts).PolicyRef())
}

func TestParseDeployment_Errors(t *testing.T) {
	cases := map[string]string{
		"unknown scope":   "scopes:\n  deploy: launch\n",
		"bad rule":        "tenants:\n  acme:\n    rules:\n      - when: tool ==\n        effect: deny\n",
		"unknown effect":  "tenants:\n  acme:\n    rules:\n      - when: 'true'\n        effect: allow\n",
		"negative ttl":    "approval_ttl: -5m\n",
		"malformed yaml":  "scopes: [\n",
		"non-bool result": "tenants:\n  acme:\n    rules:\n      - when: tool\n        effect: deny\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.ParseDeployment([]byte(doc))
			assert.Error(t, err)
		})
	}

	_, err := config.LoadDeployment(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefaultDeployment(t *testing.T) {
	d := config.DefaultDeployment()
	assert.True(t, d.DurableDecision())
	assert.Zero(t, d.ApprovalTTL)
	_, ok := d.ScopeMap().RequiredScope("github", "merge_pr")
	assert.True(t, ok)
	assert.Equal(t, "tollgate:v1", policy.NewEngine(d.EngineOptions()).PolicyRef())
}
