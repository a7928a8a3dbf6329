// Package signals reads the contextual signal tables produced out of
// process: news sentiment per instrument, trend/rug-risk per instrument,
// and per-user trading rule evaluations. The tables are append-only CSV
// files; only the newest row per key matters.
package signals

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Defaults applied when no row exists for a key. The bias is permissive
// on rules but cautious on rug risk: an uncovered token is not assumed safe.
const (
	DefaultRugRisk        = 0.3
	DefaultStage          = "unknown"
	DefaultMaxPositionUSD = 500.0
)

// NewsSignal is the latest sentiment read for an instrument
type NewsSignal struct {
	Instrument     string    `json:"instrument"`
	SentimentScore float64   `json:"sentiment_score"` // -1 to 1
	Confidence     float64   `json:"confidence"`
	Summary        string    `json:"summary,omitempty"`
	Source         string    `json:"source,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// TrendSignal is the latest lifecycle/risk read for an instrument
type TrendSignal struct {
	Instrument     string    `json:"instrument"`
	TrendScore     float64   `json:"trend_score"`
	Stage          string    `json:"stage"` // early, mid, late, graduated, unknown
	RugRisk        float64   `json:"rug_risk"`
	VolatilityFlag bool      `json:"volatility_flag"`
	LiquidityFlag  bool      `json:"liquidity_flag"`
	Confidence     float64   `json:"confidence"`
	Timestamp      time.Time `json:"timestamp"`
}

// RuleEvaluation is the latest per-user permission row for an instrument
type RuleEvaluation struct {
	UserID         int64     `json:"user_id"`
	Instrument     string    `json:"instrument"`
	Allowed        bool      `json:"allowed"`
	MaxDailyTrades int       `json:"max_daily_trades"`
	MaxPositionUSD float64   `json:"max_position_usd"`
	Confidence     float64   `json:"confidence"`
	Timestamp      time.Time `json:"timestamp"`
}

// Usage counts how often each table answered a lookup
type Usage struct {
	News  int64 `json:"news"`
	Trend int64 `json:"trend"`
	Rules int64 `json:"rules"`
}

// Store reads the signal CSVs with a TTL cache so the hot trading loop
// never touches the filesystem more than once per refresh window.
type Store struct {
	dataDir string
	ttl     time.Duration
	logger  zerolog.Logger
	now     func() time.Time

	mu         sync.Mutex
	lastLoaded time.Time
	news       map[string]NewsSignal
	trend      map[string]TrendSignal
	rules      map[string]RuleEvaluation
	usage      Usage
}

// NewStore creates a signal store reading from dataDir
func NewStore(dataDir string, ttl time.Duration, logger zerolog.Logger) *Store {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Store{
		dataDir: dataDir,
		ttl:     ttl,
		logger:  logger.With().Str("component", "signals").Logger(),
		now:     time.Now,
		news:    make(map[string]NewsSignal),
		trend:   make(map[string]TrendSignal),
		rules:   make(map[string]RuleEvaluation),
	}
}

// News returns the latest news signal for an instrument, nil if none
func (s *Store) News(instrument string) *NewsSignal {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refreshLocked(false)
	if signal, ok := s.news[instrument]; ok {
		s.usage.News++
		return &signal
	}
	return nil
}

// Trend returns the latest trend signal for an instrument, nil if none
func (s *Store) Trend(instrument string) *TrendSignal {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refreshLocked(false)
	if signal, ok := s.trend[instrument]; ok {
		s.usage.Trend++
		return &signal
	}
	return nil
}

// Rule returns the latest rule evaluation for (user, instrument), nil if none
func (s *Store) Rule(userID int64, instrument string) *RuleEvaluation {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refreshLocked(false)
	if signal, ok := s.rules[ruleKey(userID, instrument)]; ok {
		s.usage.Rules++
		return &signal
	}
	return nil
}

// RugRisk returns the trend rug risk for an instrument, or the default
func (s *Store) RugRisk(instrument string) float64 {
	if trend := s.Trend(instrument); trend != nil {
		return trend.RugRisk
	}
	return DefaultRugRisk
}

// Stage returns the lifecycle stage for an instrument, or "unknown"
func (s *Store) Stage(instrument string) string {
	if trend := s.Trend(instrument); trend != nil && trend.Stage != "" {
		return trend.Stage
	}
	return DefaultStage
}

// Allowed reports whether the user may trade the instrument. No rule
// row means allowed.
func (s *Store) Allowed(userID int64, instrument string) bool {
	if rule := s.Rule(userID, instrument); rule != nil {
		return rule.Allowed
	}
	return true
}

// MaxPosition returns the rule position cap in USD, or the default
func (s *Store) MaxPosition(userID int64, instrument string) float64 {
	if rule := s.Rule(userID, instrument); rule != nil && rule.MaxPositionUSD > 0 {
		return rule.MaxPositionUSD
	}
	return DefaultMaxPositionUSD
}

// UsageStats returns how often each table answered a lookup
func (s *Store) UsageStats() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Refresh forces a reload regardless of cache age
func (s *Store) Refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked(true)
}

func (s *Store) refreshLocked(force bool) {
	now := s.now()
	if !force && now.Sub(s.lastLoaded) < s.ttl {
		return
	}
	s.lastLoaded = now

	s.news = s.loadNews()
	s.trend = s.loadTrend()
	s.rules = s.loadRules()

	s.logger.Debug().
		Int("news", len(s.news)).
		Int("trend", len(s.trend)).
		Int("rules", len(s.rules)).
		Msg("signal tables refreshed")
}

func ruleKey(userID int64, instrument string) string {
	return fmt.Sprintf("%d:%s", userID, instrument)
}

func (s *Store) loadNews() map[string]NewsSignal {
	out := make(map[string]NewsSignal)
	s.loadCSV("news_signals.csv", func(row map[string]string) {
		instrument := row["instrument"]
		if instrument == "" {
			return
		}
		signal := NewsSignal{
			Instrument:     instrument,
			SentimentScore: parseFloat(row["sentiment_score"], 0),
			Confidence:     parseFloat(row["confidence"], 0),
			Summary:        row["summary"],
			Source:         row["source"],
			Timestamp:      parseTime(row["timestamp"]),
		}
		if existing, ok := out[instrument]; !ok || signal.Timestamp.After(existing.Timestamp) {
			out[instrument] = signal
		}
	})
	return out
}

func (s *Store) loadTrend() map[string]TrendSignal {
	out := make(map[string]TrendSignal)
	s.loadCSV("trend_signals.csv", func(row map[string]string) {
		instrument := row["instrument"]
		if instrument == "" {
			return
		}
		signal := TrendSignal{
			Instrument:     instrument,
			TrendScore:     parseFloat(row["trend_score"], 0),
			Stage:          stringOr(row["stage"], DefaultStage),
			RugRisk:        parseFloat(row["rug_risk"], DefaultRugRisk),
			VolatilityFlag: parseBool(row["volatility_flag"]),
			LiquidityFlag:  parseBool(row["liquidity_flag"]),
			Confidence:     parseFloat(row["confidence"], 0),
			Timestamp:      parseTime(row["timestamp"]),
		}
		if existing, ok := out[instrument]; !ok || signal.Timestamp.After(existing.Timestamp) {
			out[instrument] = signal
		}
	})
	return out
}

func (s *Store) loadRules() map[string]RuleEvaluation {
	out := make(map[string]RuleEvaluation)
	s.loadCSV("rule_evaluations.csv", func(row map[string]string) {
		instrument := row["instrument"]
		userID, err := strconv.ParseInt(row["user_id"], 10, 64)
		if instrument == "" || err != nil {
			return
		}
		signal := RuleEvaluation{
			UserID:         userID,
			Instrument:     instrument,
			Allowed:        parseBoolDefault(row["allowed"], true),
			MaxDailyTrades: int(parseFloat(row["max_daily_trades"], 0)),
			MaxPositionUSD: parseFloat(row["max_position_usd"], DefaultMaxPositionUSD),
			Confidence:     parseFloat(row["confidence"], 0),
			Timestamp:      parseTime(row["timestamp"]),
		}
		key := ruleKey(userID, instrument)
		if existing, ok := out[key]; !ok || signal.Timestamp.After(existing.Timestamp) {
			out[key] = signal
		}
	})
	return out
}

// loadCSV streams a signal table, calling handle per data row. Missing
// files are normal: the producing agent may simply not have run yet.
func (s *Store) loadCSV(filename string, handle func(row map[string]string)) {
	path := filepath.Join(s.dataDir, filename)

	file, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("file", filename).Msg("failed to open signal table")
		}
		return
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.ToLower(header[i]))
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("file", filename).Msg("malformed signal row skipped")
			continue
		}

		row := make(map[string]string, len(header))
		for i, value := range record {
			if i < len(header) {
				row[header[i]] = strings.TrimSpace(value)
			}
		}
		handle(row)
	}
}

func parseFloat(s string, fallback float64) float64 {
	if s == "" {
		return fallback
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v
	}
	return fallback
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes":
		return true
	}
	return false
}

func parseBoolDefault(s string, fallback bool) bool {
	if s == "" {
		return fallback
	}
	return parseBool(s)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func stringOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
