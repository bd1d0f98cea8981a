package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
server:
  bind: "127.0.0.1:9000"
  mode: dev
webhook:
  sources:
    tv: "topsecret"
  rate_per_min: 30
simulator:
  initial_balance: 100000
  buying_power_multiplier: 4
  commission_per_side: 2.5
  slippage_bps: 10
rules:
  risk_pct: 0.01
  accounts:
    - account_id: funded-1
      max_daily_loss: 1000
      trailing_drawdown: 2500
      max_contracts: 3
strategies:
  - id: s1
    name: breakout
    mode: live
    min_win_rate: 0.55
    evaluation_period: 20
adapters:
  - name: tradier-sandbox
    group: main
    sandbox: true
    base_url: "https://sandbox.example.com/v1"
    rate_limit_per_min: 60
    timeout_ms: 5000
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMinimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Bind)
	assert.Equal(t, "topsecret", cfg.Webhook.Sources["tv"])
	assert.Equal(t, 30, cfg.Webhook.RatePerMin)
	assert.Equal(t, 24*time.Hour, cfg.Webhook.DedupWindow, "dedup window should default to 24h")
	assert.Equal(t, 4.0, cfg.Simulator.BuyingPowerMultiplier)
	assert.Len(t, cfg.Rules.Accounts, 1)
	assert.Equal(t, int64(3), cfg.Rules.Accounts[0].MaxContracts)
	assert.Equal(t, "breakout", cfg.Strategies[0].Name)
	assert.True(t, cfg.Adapters[0].Sandbox)
}

func TestSecretEnvOverride(t *testing.T) {
	t.Setenv("TD_WEBHOOK_SECRET_TV", "from-env")

	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Webhook.Sources["tv"])
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Server.Mode = "staging" }},
		{"no sources", func(c *Config) { c.Webhook.Sources = nil }},
		{"empty secret", func(c *Config) { c.Webhook.Sources["tv"] = "" }},
		{"bp multiplier too high", func(c *Config) { c.Simulator.BuyingPowerMultiplier = 11 }},
		{"negative commission", func(c *Config) { c.Simulator.CommissionPerSide = -1 }},
		{"partial fill prob", func(c *Config) { c.Simulator.PartialFillProbability = 1.5 }},
		{"risk pct", func(c *Config) { c.Rules.RiskPct = 0 }},
		{"funded no daily loss", func(c *Config) { c.Rules.Accounts[0].MaxDailyLoss = 0 }},
		{"funded no contracts", func(c *Config) { c.Rules.Accounts[0].MaxContracts = 0 }},
		{"strategy win rate", func(c *Config) { c.Strategies[0].MinWinRate = 2 }},
		{"strategy bad mode", func(c *Config) { c.Strategies[0].Mode = "turbo" }},
		{"adapter no url", func(c *Config) { c.Adapters[0].BaseURL = "" }},
		{"bad timezone", func(c *Config) { c.Rules.RolloverTimezone = "Mars/Olympus" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, minimalYAML))
			require.NoError(t, err)
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
