package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Risk.RiskLimitUSD != 250 {
		t.Errorf("risk_limit_usd = %v, want 250", cfg.Risk.RiskLimitUSD)
	}
	if cfg.Risk.MaxConsecutiveLosses != 3 {
		t.Errorf("max_consecutive_losses = %v, want 3", cfg.Risk.MaxConsecutiveLosses)
	}
	if cfg.Approval.AutoTradeThresholdUSD != 250 {
		t.Errorf("auto_trade_threshold_usd = %v, want 250", cfg.Approval.AutoTradeThresholdUSD)
	}
	if cfg.Approval.TimeoutSeconds != 300 {
		t.Errorf("approval timeout = %v, want 300", cfg.Approval.TimeoutSeconds)
	}
	if cfg.Rebalance.Volatility.HighThreshold != 0.08 {
		t.Errorf("high_threshold = %v, want 0.08", cfg.Rebalance.Volatility.HighThreshold)
	}
	if cfg.Execution.Mode != "paper" {
		t.Errorf("execution mode = %q, want paper", cfg.Execution.Mode)
	}
	if cfg.Persistence.Driver != "file" {
		t.Errorf("persistence driver = %q, want file", cfg.Persistence.Driver)
	}
	if cfg.Server.Addr != ":8000" {
		t.Errorf("addr = %q, want :8000", cfg.Server.Addr)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
risk:
  risk_limit_usd: 500
  max_trade_size_usd: 250
execution:
  mode: live
rebalance:
  aggressive: true
  base_buffer: 2.5
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Risk.RiskLimitUSD != 500 {
		t.Errorf("risk_limit_usd = %v, want 500", cfg.Risk.RiskLimitUSD)
	}
	if cfg.Execution.Mode != "live" {
		t.Errorf("mode = %q, want live", cfg.Execution.Mode)
	}
	if !cfg.Rebalance.Aggressive {
		t.Error("aggressive not set")
	}
	if cfg.Rebalance.BaseBuffer != 2.5 {
		t.Errorf("base_buffer = %v, want 2.5", cfg.Rebalance.BaseBuffer)
	}
	// Untouched sections still get defaults.
	if cfg.Risk.CooldownSeconds != 3600 {
		t.Errorf("cooldown_seconds = %v, want 3600", cfg.Risk.CooldownSeconds)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadExampleConfig(t *testing.T) {
	cfg, err := Load("../../config/config.example.yaml")
	if err != nil {
		t.Skipf("example config not present: %v", err)
	}
	if cfg.Risk.RiskLimitUSD != 250 || cfg.Approval.TimeoutSeconds != 300 {
		t.Error("example config diverged from documented defaults")
	}
}
