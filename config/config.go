package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ExchangeConfig ExchangeConfig `json:"exchange"`
	MonitorConfig  MonitorConfig  `json:"monitor"`
	PatternConfig  PatternConfig  `json:"patterns"`
	RiskConfig     RiskConfig     `json:"risk"`
	TradingConfig  TradingConfig  `json:"trading"`
	SignalsConfig  SignalsConfig  `json:"signals"`
	DatabaseConfig DatabaseConfig `json:"database"`
	RedisConfig    RedisConfig    `json:"redis"`
	ServerConfig   ServerConfig   `json:"server"`
	LoggingConfig  LoggingConfig  `json:"logging"`
}

// ExchangeConfig holds connection settings for the marketplace API
type ExchangeConfig struct {
	BaseURL   string `json:"base_url"`
	APIToken  string `json:"api_token"`
	TimeoutMS int    `json:"timeout_ms"`
}

// MonitorConfig holds price polling configuration
type MonitorConfig struct {
	PollIntervalMS       int      `json:"poll_interval_ms"`       // Milliseconds between polls
	FetchLimit           int      `json:"fetch_limit"`            // Max tokens per marketplace fetch
	AlertThreshold1m     float64  `json:"alert_threshold_1m"`     // 1-minute move that triggers an alert log
	AlertThreshold5m     float64  `json:"alert_threshold_5m"`     // 5-minute move that triggers an alert log
	VolumeSpikeThreshold float64  `json:"volume_spike_threshold"` // Volume vs average that triggers an alert log
	WatchInstruments     []string `json:"watch_instruments"`      // Initial watch list; entries extend it at runtime
}

// PatternConfig holds pattern classification thresholds.
// All change thresholds are fractional 1-minute moves unless noted.
type PatternConfig struct {
	MicroPumpThreshold float64 `json:"micro_pump_threshold"`
	MidPumpThreshold   float64 `json:"mid_pump_threshold"`
	MegaPumpThreshold  float64 `json:"mega_pump_threshold"`
	FomoThreshold      float64 `json:"fomo_threshold"`
	DumpThreshold      float64 `json:"dump_threshold"`
	RugThreshold       float64 `json:"rug_threshold"`

	Pump5mThreshold float64 `json:"pump_5m_threshold"` // 5-minute confirmation
	Dump5mThreshold float64 `json:"dump_5m_threshold"`

	VolumeSpikeThreshold float64 `json:"volume_spike_threshold"`
	HighVolumeThreshold  float64 `json:"high_volume_threshold"`

	StrongMomentum float64 `json:"strong_momentum"`
	WeakMomentum   float64 `json:"weak_momentum"`

	// Per-pattern entry confidence gates. Mega pumps carry the strictest gate
	// because they are usually top signals.
	MinConfidenceMicro float64 `json:"min_confidence_micro"`
	MinConfidenceMid   float64 `json:"min_confidence_mid"`
	MinConfidenceMega  float64 `json:"min_confidence_mega"`
}

// RiskConfig holds stop-loss and take-profit behavior
type RiskConfig struct {
	StopLossPercent     float64   `json:"stop_loss_percent"`
	TrailingStopEnabled bool      `json:"trailing_stop_enabled"`
	TrailingStopPercent float64   `json:"trailing_stop_percent"`
	TrailingActivation  float64   `json:"trailing_activation"` // Profit fraction that arms the trailing stop
	TakeProfitPercent   float64   `json:"take_profit_percent"`
	PartialTakeProfit   bool      `json:"partial_take_profit"`
	PartialTakeLevels   []float64 `json:"partial_take_levels"` // Ascending profit fractions
	PartialTakeAmount   float64   `json:"partial_take_amount"` // Fraction harvested per level
	EmergencyThreshold  float64   `json:"emergency_threshold"` // 1-minute drop that forces a full exit
	RugThreshold        float64   `json:"rug_threshold"`
}

// TradingConfig holds entry sizing and execution behavior
type TradingConfig struct {
	DryRun                bool    `json:"dry_run"`
	MaxSlippage           float64 `json:"max_slippage"`           // Loose on purpose: speed over price in emergencies
	DecisionIntervalSec   int     `json:"decision_interval_sec"`  // Per-user rate limit between entry decisions
	MinPositionUSD        float64 `json:"min_position_usd"`       // Floor below which entries are skipped
	DefaultMaxPositionUSD float64 `json:"default_max_position_usd"`
	PortfolioFraction     float64 `json:"portfolio_fraction"` // Max fraction of portfolio per position
	RugRiskReject         float64 `json:"rug_risk_reject"`    // Rug risk above which entries are refused
	RugRiskScaleDown      float64 `json:"rug_risk_scale_down"`
	UserIDs               []int64 `json:"user_ids"`
}

// SignalsConfig holds the contextual signal table settings
type SignalsConfig struct {
	DataDir     string `json:"data_dir"`
	CacheTTLSec int    `json:"cache_ttl_sec"`
}

// DatabaseConfig holds the audit sink connection
type DatabaseConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

// RedisConfig holds position-state persistence settings
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// ServerConfig holds the status API settings
type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Host    string `json:"host"`
}

type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Pretty bool   `json:"pretty"` // Console writer instead of JSON
}

func Load() (*Config, error) {
	// First try to load base config from file
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = defaults()
	}

	// Environment variable overrides take precedence
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	cfg := defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", filename, err)
	}
	return cfg, nil
}

// defaults returns the configuration calibrated for pump.fun-style markets:
// prices can move 100%+ in minutes, so thresholds are far wider than on
// a conventional exchange.
func defaults() *Config {
	return &Config{
		ExchangeConfig: ExchangeConfig{
			BaseURL:   "http://localhost:8080",
			TimeoutMS: 10000,
		},
		MonitorConfig: MonitorConfig{
			PollIntervalMS:       5000,
			FetchLimit:           200,
			AlertThreshold1m:     0.05,
			AlertThreshold5m:     0.15,
			VolumeSpikeThreshold: 3.0,
		},
		PatternConfig: PatternConfig{
			MicroPumpThreshold:   0.05,
			MidPumpThreshold:     0.15,
			MegaPumpThreshold:    0.30,
			FomoThreshold:        0.50,
			DumpThreshold:        -0.15,
			RugThreshold:         -0.50,
			Pump5mThreshold:      0.25,
			Dump5mThreshold:      -0.30,
			VolumeSpikeThreshold: 3.0,
			HighVolumeThreshold:  5.0,
			StrongMomentum:       0.02,
			WeakMomentum:         -0.01,
			MinConfidenceMicro:   0.55,
			MinConfidenceMid:     0.65,
			MinConfidenceMega:    0.80,
		},
		RiskConfig: RiskConfig{
			StopLossPercent:     0.10,
			TrailingStopEnabled: true,
			TrailingStopPercent: 0.08,
			TrailingActivation:  0.05,
			TakeProfitPercent:   0.25,
			PartialTakeProfit:   true,
			PartialTakeLevels:   []float64{0.15, 0.30, 0.50},
			PartialTakeAmount:   0.25,
			EmergencyThreshold:  -0.30,
			RugThreshold:        -0.50,
		},
		TradingConfig: TradingConfig{
			DryRun:                true,
			MaxSlippage:           0.10,
			DecisionIntervalSec:   30,
			MinPositionUSD:        10,
			DefaultMaxPositionUSD: 500,
			PortfolioFraction:     0.10,
			RugRiskReject:         0.70,
			RugRiskScaleDown:      0.40,
		},
		SignalsConfig: SignalsConfig{
			DataDir:     "data",
			CacheTTLSec: 60,
		},
		RedisConfig: RedisConfig{
			Address: "localhost:6379",
		},
		ServerConfig: ServerConfig{
			Enabled: true,
			Port:    8090,
		},
		LoggingConfig: LoggingConfig{
			Level: "info",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.ExchangeConfig.BaseURL = getEnvOrDefault("EXCHANGE_BASE_URL", cfg.ExchangeConfig.BaseURL)
	cfg.ExchangeConfig.APIToken = getEnvOrDefault("EXCHANGE_API_TOKEN", cfg.ExchangeConfig.APIToken)
	cfg.ExchangeConfig.TimeoutMS = getEnvInt("EXCHANGE_TIMEOUT_MS", cfg.ExchangeConfig.TimeoutMS)

	cfg.MonitorConfig.PollIntervalMS = getEnvInt("PRICE_POLL_INTERVAL_MS", cfg.MonitorConfig.PollIntervalMS)
	cfg.MonitorConfig.FetchLimit = getEnvInt("PRICE_FETCH_LIMIT", cfg.MonitorConfig.FetchLimit)
	cfg.MonitorConfig.AlertThreshold1m = getEnvFloat("ALERT_THRESHOLD_1M", cfg.MonitorConfig.AlertThreshold1m)
	cfg.MonitorConfig.AlertThreshold5m = getEnvFloat("ALERT_THRESHOLD_5M", cfg.MonitorConfig.AlertThreshold5m)
	if watch := os.Getenv("WATCH_INSTRUMENTS"); watch != "" {
		cfg.MonitorConfig.WatchInstruments = splitCSV(watch)
	}

	cfg.RiskConfig.StopLossPercent = getEnvFloat("STOP_LOSS_PERCENT", cfg.RiskConfig.StopLossPercent)
	cfg.RiskConfig.TrailingStopPercent = getEnvFloat("TRAILING_STOP_PERCENT", cfg.RiskConfig.TrailingStopPercent)
	cfg.RiskConfig.TakeProfitPercent = getEnvFloat("TAKE_PROFIT_PERCENT", cfg.RiskConfig.TakeProfitPercent)
	cfg.RiskConfig.EmergencyThreshold = getEnvFloat("EMERGENCY_THRESHOLD", cfg.RiskConfig.EmergencyThreshold)

	cfg.TradingConfig.DryRun = getEnvBool("TRADING_DRY_RUN", cfg.TradingConfig.DryRun)
	cfg.TradingConfig.MaxSlippage = getEnvFloat("MAX_SLIPPAGE", cfg.TradingConfig.MaxSlippage)
	cfg.TradingConfig.DecisionIntervalSec = getEnvInt("DECISION_INTERVAL_SEC", cfg.TradingConfig.DecisionIntervalSec)
	if ids := os.Getenv("TRADING_USER_IDS"); ids != "" {
		cfg.TradingConfig.UserIDs = parseUserIDs(ids)
	}

	cfg.SignalsConfig.DataDir = getEnvOrDefault("SIGNALS_DATA_DIR", cfg.SignalsConfig.DataDir)
	cfg.SignalsConfig.CacheTTLSec = getEnvInt("SIGNALS_CACHE_TTL_SEC", cfg.SignalsConfig.CacheTTLSec)

	cfg.DatabaseConfig.URL = getEnvOrDefault("DATABASE_URL", cfg.DatabaseConfig.URL)
	cfg.DatabaseConfig.Enabled = cfg.DatabaseConfig.URL != ""

	cfg.RedisConfig.Enabled = getEnvBool("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvInt("REDIS_DB", cfg.RedisConfig.DB)

	cfg.ServerConfig.Enabled = getEnvBool("SERVER_ENABLED", cfg.ServerConfig.Enabled)
	cfg.ServerConfig.Port = getEnvInt("SERVER_PORT", cfg.ServerConfig.Port)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Pretty = getEnvBool("LOG_PRETTY", cfg.LoggingConfig.Pretty)
}

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime behavior deep inside the trading loop.
func (c *Config) Validate() error {
	if c.MonitorConfig.PollIntervalMS <= 0 {
		return fmt.Errorf("poll interval must be positive, got %d", c.MonitorConfig.PollIntervalMS)
	}
	if c.RiskConfig.StopLossPercent <= 0 || c.RiskConfig.StopLossPercent >= 1 {
		return fmt.Errorf("stop loss percent must be in (0,1), got %f", c.RiskConfig.StopLossPercent)
	}
	if c.RiskConfig.EmergencyThreshold >= 0 {
		return fmt.Errorf("emergency threshold must be negative, got %f", c.RiskConfig.EmergencyThreshold)
	}
	for i := 1; i < len(c.RiskConfig.PartialTakeLevels); i++ {
		if c.RiskConfig.PartialTakeLevels[i] <= c.RiskConfig.PartialTakeLevels[i-1] {
			return fmt.Errorf("partial take levels must be strictly ascending")
		}
	}
	if c.TradingConfig.MaxSlippage < 0 || c.TradingConfig.MaxSlippage >= 1 {
		return fmt.Errorf("max slippage must be in [0,1), got %f", c.TradingConfig.MaxSlippage)
	}
	return nil
}

// PollInterval returns the monitor poll interval as a duration
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.MonitorConfig.PollIntervalMS) * time.Millisecond
}

// ExchangeTimeout returns the exchange HTTP timeout as a duration
func (c *Config) ExchangeTimeout() time.Duration {
	return time.Duration(c.ExchangeConfig.TimeoutMS) * time.Millisecond
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseUserIDs(s string) []int64 {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
