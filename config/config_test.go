package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/ccos/config"
	"goa.design/ccos/runtime/catalog"
	"goa.design/ccos/runtime/security"
)

func TestLoadReturnsErrConfigNotFound(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, config.ErrConfigNotFound)
}

func TestLoadParsesAndValidatesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ccos.yaml")
	const doc = `
security:
  level: Paranoid
  max_execution_time_ms: 5000
  max_memory_bytes: 1048576
  http_allow_hosts:
    - api.example.com
store:
  backend: memory
auto_repair:
  max_attempts: 3
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "Paranoid", cfg.Security.Level)
	require.Equal(t, int64(5000), cfg.Security.MaxExecutionTimeMS)
	require.Equal(t, 3, cfg.AutoRepair.MaxAttempts)
	require.Equal(t, config.StoreBackendMemory, cfg.Store.Backend)
}

func TestLoadRejectsMongoBackendWithoutURI(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ccos.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: mongo\n"), 0o600))

	_, err := config.Load(path)
	require.Error(t, err)
}

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.Equal(t, config.StoreBackendMemory, cfg.Store.Backend)
	require.Equal(t, 1, cfg.AutoRepair.MaxAttempts)
}

func TestCatalogConfigThresholdsDefaultsWhenUnset(t *testing.T) {
	var c config.CatalogConfig
	require.Equal(t, catalog.DefaultThresholds(), c.Thresholds())
}

func TestCatalogConfigThresholdsHonorsExplicitValues(t *testing.T) {
	c := config.CatalogConfig{PlanMinScore: 0.5, KeywordMinScore: 0.6}
	require.Equal(t, catalog.Thresholds{PlanMinScore: 0.5, KeywordMinScore: 0.6}, c.Thresholds())
}

func TestSecurityOptionsBuildContext(t *testing.T) {
	sec := config.SecurityConfig{
		Level:               "Paranoid",
		MaxExecutionTimeMS:  1000,
		AllowedCapabilities: []string{"ccos.echo"},
	}
	ctx := security.New(sec.SecurityOptions()...)
	require.Equal(t, security.LevelParanoid, ctx.SecurityLevel)
	require.True(t, ctx.AllowsCapability("ccos.echo"))
	require.False(t, ctx.AllowsCapability("ccos.math.add"))
}
