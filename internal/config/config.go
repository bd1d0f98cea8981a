// Package config defines all configuration for the trading workstation core.
// Config is loaded from a YAML file with sensitive fields overridable via
// TD_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	Simulator   SimulatorConfig   `mapstructure:"simulator"`
	Rules       RulesConfig       `mapstructure:"rules"`
	Strategies  []StrategyConfig  `mapstructure:"strategies"`
	Adapters    []AdapterConfig   `mapstructure:"adapters"`
	Stream      StreamConfig      `mapstructure:"stream"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
}

// ServerConfig holds the HTTP bind address and run mode.
// Mode "dev" panics on invariant breakage; "prod" logs and restarts the actor.
type ServerConfig struct {
	Bind string `mapstructure:"bind"`
	Mode string `mapstructure:"mode"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// WebhookConfig controls the inbound alert endpoint.
// Sources maps a source name to its shared HMAC secret; secrets can be
// overridden per source with TD_WEBHOOK_SECRET_<SOURCE>.
type WebhookConfig struct {
	Sources     map[string]string `mapstructure:"sources"`
	RatePerMin  int               `mapstructure:"rate_per_min"`
	DedupWindow time.Duration     `mapstructure:"dedup_window"`
	QueueSize   int               `mapstructure:"queue_size"`
}

// SimulatorConfig tunes the paper trading engine.
//
//   - InitialBalance: starting cash per simulator account.
//   - BuyingPowerMultiplier: leverage applied to cash, in [1, 10].
//   - CommissionPerSide: flat commission charged on every fill.
//   - SlippageBps: market-order slippage in basis points of the reference mid.
//   - PartialFillProbability: chance a market order fills in two halves.
//   - TickInterval: cadence of the simulated quote random walk.
//   - SpreadBps: simulated bid/ask spread in basis points of mid.
//   - WalkBps: max per-tick random-walk step in basis points of mid.
type SimulatorConfig struct {
	InitialBalance           float64       `mapstructure:"initial_balance"`
	BuyingPowerMultiplier    float64       `mapstructure:"buying_power_multiplier"`
	CommissionPerSide        float64       `mapstructure:"commission_per_side"`
	SlippageBps              int           `mapstructure:"slippage_bps"`
	PartialFillProbability   float64       `mapstructure:"partial_fill_probability"`
	RejectOnInsufficientBP   bool          `mapstructure:"reject_on_insufficient_bp"`
	MarketHoursOnly          bool          `mapstructure:"market_hours_only"`
	TickInterval             time.Duration `mapstructure:"tick_interval"`
	SpreadBps                int           `mapstructure:"spread_bps"`
	WalkBps                  int           `mapstructure:"walk_bps"`
	Accounts                 []string      `mapstructure:"accounts"`
	DefaultSimAccountBalance float64       `mapstructure:"default_sim_account_balance"`
}

// FundedAccountConfig is one funded account's immutable rule set for the
// current funded period. Amounts are in account currency.
type FundedAccountConfig struct {
	AccountID         string   `mapstructure:"account_id"`
	MaxDailyLoss      float64  `mapstructure:"max_daily_loss"`
	TrailingDrawdown  float64  `mapstructure:"trailing_drawdown"`
	MaxContracts      int64    `mapstructure:"max_contracts"`
	ProfitTarget      float64  `mapstructure:"profit_target"`
	MinTradingDays    int      `mapstructure:"min_trading_days"`
	RestrictedSymbols []string `mapstructure:"restricted_symbols"`
	AllowOvernight    bool     `mapstructure:"allow_overnight"`
	AllowNewsTrading  bool     `mapstructure:"allow_news_trading"`
	WindowOpen        string   `mapstructure:"window_open"`  // "HH:MM" UTC, empty = no window
	WindowClose       string   `mapstructure:"window_close"` // "HH:MM" UTC
}

// RulesConfig drives the funded-account rule engine.
// RiskPct is the worst-case-loss probe fraction of notional.
type RulesConfig struct {
	RiskPct          float64               `mapstructure:"risk_pct"`
	CheckInterval    time.Duration         `mapstructure:"check_interval"`
	RolloverTimezone string                `mapstructure:"rollover_timezone"`
	Accounts         []FundedAccountConfig `mapstructure:"accounts"`
}

// StrategyConfig seeds the performance tracker with a strategy's mode and
// evaluation parameters.
type StrategyConfig struct {
	ID               string  `mapstructure:"id"`
	Name             string  `mapstructure:"name"`
	Mode             string  `mapstructure:"mode"`
	MinWinRate       float64 `mapstructure:"min_win_rate"`
	EvaluationPeriod int     `mapstructure:"evaluation_period"`
}

// AdapterConfig describes one external venue (live broker or broker sandbox).
type AdapterConfig struct {
	Name            string `mapstructure:"name"`
	Group           string `mapstructure:"group"`
	Sandbox         bool   `mapstructure:"sandbox"`
	CredentialsRef  string `mapstructure:"credentials_ref"`
	BaseURL         string `mapstructure:"base_url"`
	RateLimitPerMin int    `mapstructure:"rate_limit_per_min"`
	TimeoutMs       int    `mapstructure:"timeout_ms"`
	DryRun          bool   `mapstructure:"dry_run"`
}

// StreamConfig controls the client stream endpoint.
type StreamConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ClientBuffer      int           `mapstructure:"client_buffer"`
}

// LedgerConfig sets where the append-only alert ledger lives.
type LedgerConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// CoordinatorConfig tunes per-alert retry behavior.
type CoordinatorConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	PlaceTimeout   time.Duration `mapstructure:"place_timeout"`
}

// Load reads config from a YAML file with env var overrides.
// Webhook secrets use env vars of the form TD_WEBHOOK_SECRET_<SOURCE>.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	// Override per-source webhook secrets from env
	for source := range cfg.Webhook.Sources {
		envKey := "TD_WEBHOOK_SECRET_" + strings.ToUpper(source)
		if secret := os.Getenv(envKey); secret != "" {
			cfg.Webhook.Sources[source] = secret
		}
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Bind == "" {
		cfg.Server.Bind = "127.0.0.1:8080"
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "dev"
	}
	if cfg.Webhook.RatePerMin == 0 {
		cfg.Webhook.RatePerMin = 60
	}
	if cfg.Webhook.DedupWindow == 0 {
		cfg.Webhook.DedupWindow = 24 * time.Hour
	}
	if cfg.Webhook.QueueSize == 0 {
		cfg.Webhook.QueueSize = 256
	}
	if cfg.Simulator.TickInterval == 0 {
		cfg.Simulator.TickInterval = 250 * time.Millisecond
	}
	if cfg.Simulator.SpreadBps == 0 {
		cfg.Simulator.SpreadBps = 2
	}
	if cfg.Simulator.WalkBps == 0 {
		cfg.Simulator.WalkBps = 5
	}
	if cfg.Simulator.BuyingPowerMultiplier == 0 {
		cfg.Simulator.BuyingPowerMultiplier = 1
	}
	if cfg.Rules.RiskPct == 0 {
		cfg.Rules.RiskPct = 0.01
	}
	if cfg.Rules.CheckInterval == 0 {
		cfg.Rules.CheckInterval = 5 * time.Second
	}
	if cfg.Rules.RolloverTimezone == "" {
		cfg.Rules.RolloverTimezone = "America/New_York"
	}
	if cfg.Stream.HeartbeatInterval == 0 {
		cfg.Stream.HeartbeatInterval = 20 * time.Second
	}
	if cfg.Stream.ClientBuffer == 0 {
		cfg.Stream.ClientBuffer = 1024
	}
	if cfg.Ledger.DataDir == "" {
		cfg.Ledger.DataDir = "data"
	}
	if cfg.Coordinator.MaxRetries == 0 {
		cfg.Coordinator.MaxRetries = 3
	}
	if cfg.Coordinator.InitialBackoff == 0 {
		cfg.Coordinator.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.Coordinator.MaxBackoff == 0 {
		cfg.Coordinator.MaxBackoff = 10 * time.Second
	}
	if cfg.Coordinator.PlaceTimeout == 0 {
		cfg.Coordinator.PlaceTimeout = 5 * time.Second
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Server.Mode {
	case "dev", "prod":
	default:
		return fmt.Errorf("server.mode must be dev or prod, got %q", c.Server.Mode)
	}
	if len(c.Webhook.Sources) == 0 {
		return fmt.Errorf("webhook.sources must define at least one source")
	}
	for source, secret := range c.Webhook.Sources {
		if secret == "" {
			return fmt.Errorf("webhook source %q has no secret (set TD_WEBHOOK_SECRET_%s)",
				source, strings.ToUpper(source))
		}
	}
	if c.Webhook.RatePerMin <= 0 {
		return fmt.Errorf("webhook.rate_per_min must be > 0")
	}
	if c.Simulator.InitialBalance < 0 {
		return fmt.Errorf("simulator.initial_balance must be >= 0")
	}
	if c.Simulator.BuyingPowerMultiplier < 1 || c.Simulator.BuyingPowerMultiplier > 10 {
		return fmt.Errorf("simulator.buying_power_multiplier must be in [1, 10]")
	}
	if c.Simulator.CommissionPerSide < 0 {
		return fmt.Errorf("simulator.commission_per_side must be >= 0")
	}
	if c.Simulator.SlippageBps < 0 {
		return fmt.Errorf("simulator.slippage_bps must be >= 0")
	}
	if p := c.Simulator.PartialFillProbability; p < 0 || p > 1 {
		return fmt.Errorf("simulator.partial_fill_probability must be in [0, 1]")
	}
	if c.Rules.RiskPct <= 0 || c.Rules.RiskPct > 1 {
		return fmt.Errorf("rules.risk_pct must be in (0, 1]")
	}
	if _, err := time.LoadLocation(c.Rules.RolloverTimezone); err != nil {
		return fmt.Errorf("rules.rollover_timezone: %w", err)
	}
	for _, fa := range c.Rules.Accounts {
		if fa.AccountID == "" {
			return fmt.Errorf("rules.accounts entry missing account_id")
		}
		if fa.MaxDailyLoss <= 0 {
			return fmt.Errorf("rules account %s: max_daily_loss must be > 0", fa.AccountID)
		}
		if fa.TrailingDrawdown <= 0 {
			return fmt.Errorf("rules account %s: trailing_drawdown must be > 0", fa.AccountID)
		}
		if fa.MaxContracts <= 0 {
			return fmt.Errorf("rules account %s: max_contracts must be > 0", fa.AccountID)
		}
	}
	for _, s := range c.Strategies {
		if s.ID == "" {
			return fmt.Errorf("strategies entry missing id")
		}
		switch s.Mode {
		case "", "live", "paper", "suspended":
		default:
			return fmt.Errorf("strategy %s: mode must be live, paper or suspended", s.ID)
		}
		if s.MinWinRate < 0 || s.MinWinRate > 1 {
			return fmt.Errorf("strategy %s: min_win_rate must be in [0, 1]", s.ID)
		}
	}
	for _, a := range c.Adapters {
		if a.Name == "" {
			return fmt.Errorf("adapters entry missing name")
		}
		if a.BaseURL == "" {
			return fmt.Errorf("adapter %s: base_url is required", a.Name)
		}
	}
	return nil
}
