package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
app:
  log_level: debug
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.App.Env)
	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, "default", cfg.App.ConfigID)
	assert.Equal(t, "arbor", cfg.App.Strategy)
	assert.Equal(t, "data", cfg.App.CSVAuditDir)
	assert.Equal(t, "data/arbor.db", cfg.Database.Path)
	assert.Equal(t, 60*time.Second, cfg.Trading.SnapshotInterval())
	assert.Equal(t, time.Second, cfg.Trading.TickInterval())
	assert.Equal(t, 3, cfg.Binance.MaxRetries)
	assert.Equal(t, 500, cfg.Binance.RetryDelayMS)
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
app:
  log_level: info
  config_id: prod-1
  strategy: triarb
  http_addr: ":9000"
database:
  path: /tmp/arbor.db
trading:
  snapshot_interval_seconds: 30
  tick_interval_millis: 250
binance:
  enabled: true
  api_key: key
  secret_key: secret
  testnet: true
executors:
  - type: Triangular_Arbitrage
    interval_seconds: 2
    settings:
      id: tri-1
      connector: binance
      holding_asset: USDT
      pairs: [ADA-USDT, ADA-BTC, BTC-USDT]
      order_amount: "100"
`))
	require.NoError(t, err)

	assert.Equal(t, "prod-1", cfg.App.ConfigID)
	assert.Equal(t, ":9000", cfg.App.HTTPAddr)
	assert.Equal(t, "/tmp/arbor.db", cfg.Database.Path)
	assert.Equal(t, 30*time.Second, cfg.Trading.SnapshotInterval())
	assert.Equal(t, 250*time.Millisecond, cfg.Trading.TickInterval())
	assert.True(t, cfg.Binance.Testnet)

	require.Len(t, cfg.Executors, 1)
	entry := cfg.Executors[0]
	assert.Equal(t, "triangular_arbitrage", entry.NormalizedType())
	assert.Equal(t, 2*time.Second, entry.Interval())
	assert.Equal(t, "tri-1", entry.Settings["id"])
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad log level", "app:\n  log_level: verbose\n"},
		{"binance without keys", "binance:\n  enabled: true\n"},
		{"telegram without token", "notify:\n  telegram:\n    enabled: true\n"},
		{"unknown executor type", "executors:\n  - type: grid\n    settings:\n      id: x\n"},
		{"executor without settings", "executors:\n  - type: position\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)

	_, err = Load("")
	assert.Error(t, err)
}

func TestDecodeSettingsHooks(t *testing.T) {
	type target struct {
		Amount   decimal.Decimal `mapstructure:"amount"`
		Rate     decimal.Decimal `mapstructure:"rate"`
		Count    decimal.Decimal `mapstructure:"count"`
		Patience time.Duration   `mapstructure:"patience"`
	}
	var out target
	err := DecodeSettings(map[string]any{
		"amount":   "100.5",
		"rate":     -0.25,
		"count":    7,
		"patience": "90s",
	}, &out)
	require.NoError(t, err)

	assert.True(t, out.Amount.Equal(decimal.RequireFromString("100.5")))
	assert.True(t, out.Rate.Equal(decimal.RequireFromString("-0.25")))
	assert.True(t, out.Count.Equal(decimal.NewFromInt(7)))
	assert.Equal(t, 90*time.Second, out.Patience)
}

func TestDecodeSettingsRejectsBadDecimal(t *testing.T) {
	type target struct {
		Amount decimal.Decimal `mapstructure:"amount"`
	}
	var out target
	err := DecodeSettings(map[string]any{"amount": "not-a-number"}, &out)
	assert.Error(t, err)
}

func TestExecutorEntryIntervalDefault(t *testing.T) {
	assert.Equal(t, time.Second, ExecutorEntry{}.Interval())
	assert.Equal(t, 5*time.Second, ExecutorEntry{IntervalSeconds: 5}.Interval())
}
