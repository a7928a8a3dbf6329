package patterns

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pumpfun-trading-bot/internal/pricefeed"
)

// PatternType represents different price-action patterns
type PatternType string

const (
	Unknown       PatternType = "unknown"
	Accumulation  PatternType = "accumulation"    // Slow steady rise - good entry
	Distribution  PatternType = "distribution"    // Slow decline - exit
	MicroPump     PatternType = "micro_pump"      // +5-15% in a minute
	MidPump       PatternType = "mid_pump"        // +15-30% in a minute
	MegaPump      PatternType = "mega_pump"       // +30%+ - very risky
	FomoSpike     PatternType = "fomo_spike"      // Parabolic, likely to crash
	Dump          PatternType = "dump"            // Rapid drop
	RugPull       PatternType = "rug_pull"        // Catastrophic collapse
	DeadCatBounce PatternType = "dead_cat_bounce" // False recovery after a dump
	Sideways      PatternType = "sideways"        // No clear direction
)

// Strength represents signal urgency level
type Strength string

const (
	StrengthLow      Strength = "low"
	StrengthMedium   Strength = "medium"
	StrengthHigh     Strength = "high"
	StrengthCritical Strength = "critical" // Act immediately
)

// Action is the suggested response to a pattern
type Action string

const (
	ActionBuy           Action = "buy"
	ActionSell          Action = "sell"
	ActionHold          Action = "hold"
	ActionEmergencyExit Action = "emergency_exit"
)

// RiskLevel grades how dangerous acting on a signal is
type RiskLevel string

const (
	RiskLow     RiskLevel = "low"
	RiskMedium  RiskLevel = "medium"
	RiskHigh    RiskLevel = "high"
	RiskExtreme RiskLevel = "extreme"
)

// Signal is a detected pattern with suggested action and risk levels
type Signal struct {
	Instrument string      `json:"instrument"`
	Pattern    PatternType `json:"pattern"`
	Strength   Strength    `json:"strength"`
	Confidence float64     `json:"confidence"` // 0.0 to 1.0
	Action     Action      `json:"action"`
	Timestamp  time.Time   `json:"timestamp"`

	// Price data at detection
	CurrentPrice float64 `json:"current_price"`
	Change1m     float64 `json:"change_1m"`
	Change5m     float64 `json:"change_5m"`
	VolumeSpike  float64 `json:"volume_spike"`
	Momentum     float64 `json:"momentum"`

	// Risk assessment
	RiskLevel         RiskLevel `json:"risk_level"`
	StopLossSuggested float64   `json:"stop_loss_suggested,omitempty"`
	TakeProfitSuggest float64   `json:"take_profit_suggested,omitempty"`
	Reason            string    `json:"reason"`
}

// Config holds classification thresholds. All change thresholds are
// fractional 1-minute moves unless named otherwise.
type Config struct {
	MicroPumpThreshold float64
	MidPumpThreshold   float64
	MegaPumpThreshold  float64
	FomoThreshold      float64
	DumpThreshold      float64
	RugThreshold       float64

	Pump5mThreshold float64
	Dump5mThreshold float64

	VolumeSpikeThreshold float64
	HighVolumeThreshold  float64

	StrongMomentum float64
	WeakMomentum   float64
}

// DefaultConfig returns thresholds calibrated for pump.fun-style markets
func DefaultConfig() Config {
	return Config{
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
	}
}

const maxRecentPatterns = 10

// Detector classifies price updates into pump/dump patterns.
//
// Classification itself is a pure function of the update and the recent
// pattern history; Detect additionally records the assigned pattern in a
// bounded per-instrument history used to spot sequences such as a dead
// cat bounce following a dump.
type Detector struct {
	config Config
	logger zerolog.Logger

	mu     sync.Mutex
	recent map[string][]PatternType
}

// NewDetector creates a pattern detector
func NewDetector(config Config, logger zerolog.Logger) *Detector {
	return &Detector{
		config: config,
		logger: logger.With().Str("component", "pattern_detector").Logger(),
		recent: make(map[string][]PatternType),
	}
}

// Recent returns a copy of the recent pattern history for an instrument
func (d *Detector) Recent(instrument string) []PatternType {
	d.mu.Lock()
	defer d.mu.Unlock()

	history := d.recent[instrument]
	out := make([]PatternType, len(history))
	copy(out, history)
	return out
}

// Detect classifies a price update and records the pattern in the
// instrument's rolling history.
func (d *Detector) Detect(update *pricefeed.PriceUpdate) *Signal {
	recent := d.Recent(update.Instrument)
	signal := d.Classify(update, recent)

	d.mu.Lock()
	history := append(d.recent[update.Instrument], signal.Pattern)
	if len(history) > maxRecentPatterns {
		history = history[len(history)-maxRecentPatterns:]
	}
	d.recent[update.Instrument] = history
	d.mu.Unlock()

	if signal.Pattern != Unknown && signal.Pattern != Sideways {
		d.logger.Info().
			Str("instrument", signal.Instrument).
			Str("pattern", string(signal.Pattern)).
			Str("action", string(signal.Action)).
			Float64("confidence", signal.Confidence).
			Msg("pattern detected")
	}

	return signal
}

// Classify maps an update plus recent pattern history to a signal without
// side effects. Calling it twice with the same inputs yields the same result.
func (d *Detector) Classify(update *pricefeed.PriceUpdate, recent []PatternType) *Signal {
	out := d.classify(metrics{
		change1m:    update.Change1m,
		change5m:    update.Change5m,
		volumeSpike: update.VolumeSpike,
		momentum:    update.Momentum,
	}, recent)

	signal := &Signal{
		Instrument:   update.Instrument,
		Pattern:      out.pattern,
		Strength:     out.strength,
		Confidence:   out.confidence,
		Action:       out.action,
		Timestamp:    update.Timestamp,
		CurrentPrice: update.Price,
		Change1m:     update.Change1m,
		Change5m:     update.Change5m,
		VolumeSpike:  update.VolumeSpike,
		Momentum:     update.Momentum,
		RiskLevel:    out.risk,
		Reason:       out.reason,
	}

	stopLoss, takeProfit := suggestedLevels(update.Price, out.pattern)
	signal.StopLossSuggested = stopLoss
	signal.TakeProfitSuggest = takeProfit

	return signal
}
