package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreSane(t *testing.T) {
	t.Parallel()
	cfg := Default()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 20.0, cfg.Breaker.MaxBotDrawdownPct)
	assert.Equal(t, 25.0, cfg.Breaker.MaxUserDrawdownPct)
	assert.Equal(t, 10.0, cfg.Breaker.MaxDailyLossPct)
	assert.Equal(t, 5, cfg.Breaker.ConsecutiveLosses)
	assert.Equal(t, 2.0, cfg.Bodyguard.HysteresisPct)
	assert.Equal(t, 10, cfg.Budget.MinPerBotBudget)
	assert.Equal(t, 10*time.Second, cfg.Budget.BurstWindow)
	assert.Equal(t, 5.0, cfg.Execution.SafetyMarginBps)
	assert.Equal(t, 24*time.Hour, cfg.Execution.IdempotencyTTL)
}

func TestLoadOverlaysYAMLOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
breaker:
  max_bot_drawdown_pct: 30
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 30.0, cfg.Breaker.MaxBotDrawdownPct)
	// Untouched keys keep their defaults
	assert.Equal(t, 25.0, cfg.Breaker.MaxUserDrawdownPct)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	t.Parallel()
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	t.Setenv("PORT", "7070")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
}

func TestReportingLocationFallsBackToUTC(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Ledger.ReportingTimezone = "Not/AZone"
	assert.Equal(t, time.UTC, cfg.ReportingLocation())
}
