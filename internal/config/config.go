package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Risk struct {
	RiskLimitUSD         float64 `yaml:"risk_limit_usd"`
	MaxTradeSizeUSD      float64 `yaml:"max_trade_size_usd"`
	MaxOpenPositions     int     `yaml:"max_open_positions"`
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses"`
	CooldownSeconds      int     `yaml:"cooldown_seconds"`
}

type Approval struct {
	AutoTradeThresholdUSD float64  `yaml:"auto_trade_threshold_usd"`
	TimeoutSeconds        int      `yaml:"timeout_seconds"`
	WebhookURL            string   `yaml:"webhook_url"`
	Channel               string   `yaml:"channel"`
	SigningSecret         string   `yaml:"signing_secret"`
	AllowedApprovers      []string `yaml:"allowed_approvers"`
	RateLimitPerMin       int      `yaml:"rate_limit_per_min"`
}

type Volatility struct {
	WindowSize            int     `yaml:"window_size"`
	SampleIntervalSeconds int     `yaml:"sample_interval_seconds"`
	LowThreshold          float64 `yaml:"low_threshold"`  // daily vol below this = LOW
	HighThreshold         float64 `yaml:"high_threshold"` // daily vol above this = HIGH
}

type Rebalance struct {
	Aggressive          bool       `yaml:"aggressive"`
	BaseBuffer          float64    `yaml:"base_buffer"` // in price units of the range marker
	TakeProfitPct       float64    `yaml:"take_profit_pct"`
	StopLossPct         float64    `yaml:"stop_loss_pct"`
	MinGainUSD          float64    `yaml:"min_gain_usd"`       // dust floor for profitability checks
	RebalanceCostUSD    float64    `yaml:"rebalance_cost_usd"` // fees + slippage estimate per rebalance
	PollIntervalSeconds int        `yaml:"poll_interval_seconds"`
	Volatility          Volatility `yaml:"volatility"`
}

type Retry struct {
	MaxAttempts   int `yaml:"max_attempts"`
	BackoffBaseMs int `yaml:"backoff_base_ms"`
	BackoffMaxMs  int `yaml:"backoff_max_ms"`
}

type Server struct {
	Addr             string `yaml:"addr"`
	ReadTimeoutSecs  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSecs int    `yaml:"write_timeout_seconds"`
}

type Persistence struct {
	Driver        string `yaml:"driver"` // file | postgres
	AuditPath     string `yaml:"audit_path"`
	PositionsPath string `yaml:"positions_path"`
	PostgresDSN   string `yaml:"postgres_dsn"`
}

type Execution struct {
	Mode            string  `yaml:"mode"` // paper | live
	JournalPath     string  `yaml:"journal_path"`
	BaseURL         string  `yaml:"base_url"`
	TimeoutMs       int     `yaml:"timeout_ms"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
}

type Quotes struct {
	BaseURL         string  `yaml:"base_url"`
	TimeoutMs       int     `yaml:"timeout_ms"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	MaxStalenessMs  int64   `yaml:"max_staleness_ms"`
}

type Root struct {
	SentinelPath string      `yaml:"sentinel_path"`
	Risk         Risk        `yaml:"risk"`
	Approval     Approval    `yaml:"approval"`
	Rebalance    Rebalance   `yaml:"rebalance"`
	Retry        Retry       `yaml:"retry"`
	Server       Server      `yaml:"server"`
	Persistence  Persistence `yaml:"persistence"`
	Execution    Execution   `yaml:"execution"`
	Quotes       Quotes      `yaml:"quotes"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}

	if c.SentinelPath == "" {
		c.SentinelPath = "data/FORCE_STOP"
	}

	// Risk defaults
	if c.Risk.RiskLimitUSD == 0 {
		c.Risk.RiskLimitUSD = 250
	}
	if c.Risk.MaxTradeSizeUSD == 0 {
		c.Risk.MaxTradeSizeUSD = 100
	}
	if c.Risk.MaxOpenPositions == 0 {
		c.Risk.MaxOpenPositions = 5
	}
	if c.Risk.MaxConsecutiveLosses == 0 {
		c.Risk.MaxConsecutiveLosses = 3
	}
	if c.Risk.CooldownSeconds == 0 {
		c.Risk.CooldownSeconds = 3600
	}

	// Approval defaults
	if c.Approval.AutoTradeThresholdUSD == 0 {
		c.Approval.AutoTradeThresholdUSD = 250
	}
	if c.Approval.TimeoutSeconds == 0 {
		c.Approval.TimeoutSeconds = 300
	}
	if c.Approval.RateLimitPerMin == 0 {
		c.Approval.RateLimitPerMin = 10
	}

	// Rebalance defaults
	if c.Rebalance.BaseBuffer == 0 {
		c.Rebalance.BaseBuffer = 5
	}
	if c.Rebalance.TakeProfitPct == 0 {
		c.Rebalance.TakeProfitPct = 20
	}
	if c.Rebalance.StopLossPct == 0 {
		c.Rebalance.StopLossPct = 10
	}
	if c.Rebalance.MinGainUSD == 0 {
		c.Rebalance.MinGainUSD = 0.50
	}
	if c.Rebalance.RebalanceCostUSD == 0 {
		c.Rebalance.RebalanceCostUSD = 0.30
	}
	if c.Rebalance.PollIntervalSeconds == 0 {
		c.Rebalance.PollIntervalSeconds = 60
	}
	if c.Rebalance.Volatility.WindowSize == 0 {
		c.Rebalance.Volatility.WindowSize = 48
	}
	if c.Rebalance.Volatility.SampleIntervalSeconds == 0 {
		c.Rebalance.Volatility.SampleIntervalSeconds = 300
	}
	if c.Rebalance.Volatility.LowThreshold == 0 {
		c.Rebalance.Volatility.LowThreshold = 0.02
	}
	if c.Rebalance.Volatility.HighThreshold == 0 {
		c.Rebalance.Volatility.HighThreshold = 0.08
	}

	// Retry defaults
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BackoffBaseMs == 0 {
		c.Retry.BackoffBaseMs = 100
	}
	if c.Retry.BackoffMaxMs == 0 {
		c.Retry.BackoffMaxMs = 5000
	}

	// Server defaults
	if c.Server.Addr == "" {
		c.Server.Addr = ":8000"
	}
	if c.Server.ReadTimeoutSecs == 0 {
		c.Server.ReadTimeoutSecs = 10
	}
	if c.Server.WriteTimeoutSecs == 0 {
		c.Server.WriteTimeoutSecs = 10
	}

	// Persistence defaults
	if c.Persistence.Driver == "" {
		c.Persistence.Driver = "file"
	}
	if c.Persistence.AuditPath == "" {
		c.Persistence.AuditPath = "data/audit.jsonl"
	}
	if c.Persistence.PositionsPath == "" {
		c.Persistence.PositionsPath = "data/positions.json"
	}

	// Execution defaults
	if c.Execution.Mode == "" {
		c.Execution.Mode = "paper"
	}
	if c.Execution.JournalPath == "" {
		c.Execution.JournalPath = "data/journal.jsonl"
	}
	if c.Execution.BaseURL == "" {
		c.Execution.BaseURL = "http://localhost:8091"
	}
	if c.Execution.TimeoutMs == 0 {
		c.Execution.TimeoutMs = 15000
	}
	if c.Execution.RateLimitPerSec == 0 {
		c.Execution.RateLimitPerSec = 2
	}

	// Quote service defaults
	if c.Quotes.BaseURL == "" {
		c.Quotes.BaseURL = "http://localhost:8092"
	}
	if c.Quotes.TimeoutMs == 0 {
		c.Quotes.TimeoutMs = 5000
	}
	if c.Quotes.RateLimitPerSec == 0 {
		c.Quotes.RateLimitPerSec = 5
	}
	if c.Quotes.MaxStalenessMs == 0 {
		c.Quotes.MaxStalenessMs = 30000
	}

	return c, nil
}
