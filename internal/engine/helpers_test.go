package engine_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"orderdash/internal/config"
)

// mustRules compiles a YAML rules snippet through the config loader.
func mustRules(t *testing.T, snippet string) []config.Rule {
	t.Helper()
	cfg := config.Default()
	require.NoError(t, yaml.Unmarshal([]byte(snippet), &cfg))
	cfg.Server.Origin = "http://orders.local"
	require.NoError(t, cfg.Finalize())
	return cfg.Rules
}

func mustPlaceholders(t *testing.T, snippet string) []config.Placeholder {
	t.Helper()
	cfg := config.Default()
	require.NoError(t, yaml.Unmarshal([]byte(snippet), &cfg))
	cfg.Server.Origin = "http://orders.local"
	require.NoError(t, cfg.Finalize())
	return cfg.Placeholders
}
