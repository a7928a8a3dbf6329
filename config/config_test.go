package config

import (
	"os"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := defaults()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must validate, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	os.Setenv("EXCHANGE_BASE_URL", "http://exchange.test")
	os.Setenv("TRADING_DRY_RUN", "false")
	os.Setenv("STOP_LOSS_PERCENT", "0.2")
	os.Setenv("TRADING_USER_IDS", "1, 2,3")
	os.Setenv("WATCH_INSTRUMENTS", "pepe,doge")
	defer func() {
		os.Unsetenv("EXCHANGE_BASE_URL")
		os.Unsetenv("TRADING_DRY_RUN")
		os.Unsetenv("STOP_LOSS_PERCENT")
		os.Unsetenv("TRADING_USER_IDS")
		os.Unsetenv("WATCH_INSTRUMENTS")
	}()

	cfg := defaults()
	applyEnvOverrides(cfg)

	if cfg.ExchangeConfig.BaseURL != "http://exchange.test" {
		t.Errorf("expected base url override, got %s", cfg.ExchangeConfig.BaseURL)
	}
	if cfg.TradingConfig.DryRun {
		t.Error("expected dry run disabled")
	}
	if cfg.RiskConfig.StopLossPercent != 0.2 {
		t.Errorf("expected stop loss 0.2, got %f", cfg.RiskConfig.StopLossPercent)
	}
	if len(cfg.TradingConfig.UserIDs) != 3 || cfg.TradingConfig.UserIDs[2] != 3 {
		t.Errorf("expected user ids [1 2 3], got %v", cfg.TradingConfig.UserIDs)
	}
	if len(cfg.MonitorConfig.WatchInstruments) != 2 {
		t.Errorf("expected 2 watch instruments, got %v", cfg.MonitorConfig.WatchInstruments)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero poll interval", func(c *Config) { c.MonitorConfig.PollIntervalMS = 0 }},
		{"stop loss out of range", func(c *Config) { c.RiskConfig.StopLossPercent = 1.5 }},
		{"positive emergency threshold", func(c *Config) { c.RiskConfig.EmergencyThreshold = 0.3 }},
		{"unsorted partial levels", func(c *Config) { c.RiskConfig.PartialTakeLevels = []float64{0.3, 0.15} }},
		{"slippage out of range", func(c *Config) { c.TradingConfig.MaxSlippage = 1.0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaults()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := defaults()
	if cfg.PollInterval() != 5*time.Second {
		t.Errorf("expected 5s poll interval, got %v", cfg.PollInterval())
	}
	if cfg.ExchangeTimeout() != 10*time.Second {
		t.Errorf("expected 10s timeout, got %v", cfg.ExchangeTimeout())
	}
}
