package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, 10.0, c.RiskLimits.MaxPositionSizePct)
	assert.False(t, c.Alerts.Enabled)
	assert.Empty(t, c.AuditLog)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestLoadOverridesNamedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
log_level: debug
audit_log: data/events.jsonl
risk_limits:
  max_position_size_pct: 5
  max_leverage_ratio: 2
stream:
  max_symbols: 25
alerts:
  enabled: true
  channel: "#ops"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, "data/events.jsonl", c.AuditLog)
	assert.Equal(t, 5.0, c.RiskLimits.MaxPositionSizePct)
	assert.Equal(t, 2.0, c.RiskLimits.MaxLeverageRatio)
	assert.Equal(t, 25, c.Stream.MaxSymbols)
	assert.True(t, c.Alerts.Enabled)
	assert.Equal(t, "#ops", c.Alerts.Channel)

	// Untouched sections keep their defaults.
	assert.Equal(t, Default().RiskLimits.MaxDrawdownPct, c.RiskLimits.MaxDrawdownPct)
	assert.Equal(t, Default().MarketData.PollInterval, c.MarketData.PollInterval)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: [unclosed"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}
