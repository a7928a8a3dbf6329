// Package pipeline wires the trading loop together: price updates flow
// into pattern detection and risk checks, exits execute immediately, and
// buy signals are gated through contextual signals before any entry.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"pumpfun-trading-bot/internal/audit"
	"pumpfun-trading-bot/internal/events"
	"pumpfun-trading-bot/internal/execution"
	"pumpfun-trading-bot/internal/patterns"
	"pumpfun-trading-bot/internal/pricefeed"
	"pumpfun-trading-bot/internal/risk"
	"pumpfun-trading-bot/internal/signals"
)

// Config holds entry gating and sizing behavior
type Config struct {
	MinEntryConfidence float64 // Floor before a buy signal is even considered
	DecisionInterval   time.Duration
	MinPositionUSD     float64
	DefaultMaxUSD      float64
	PortfolioFraction  float64
	RugRiskReject      float64
	RugRiskScaleDown   float64

	// Per-pattern confidence gates
	MinConfidenceMicro float64
	MinConfidenceMid   float64
	MinConfidenceMega  float64
}

// DefaultConfig returns entry gating tuned for fast, small entries
func DefaultConfig() Config {
	return Config{
		MinEntryConfidence: 0.65,
		DecisionInterval:   30 * time.Second,
		MinPositionUSD:     10,
		DefaultMaxUSD:      500,
		PortfolioFraction:  0.10,
		RugRiskReject:      0.70,
		RugRiskScaleDown:   0.40,
		MinConfidenceMicro: 0.55,
		MinConfidenceMid:   0.65,
		MinConfidenceMega:  0.80,
	}
}

// UserContext is the per-user trading context the pipeline sizes against
type UserContext struct {
	UserID            int64   `json:"user_id"`
	PortfolioValueUSD float64 `json:"portfolio_value_usd"`
	MaxPositionUSD    float64 `json:"max_position_usd"`
}

// Stats aggregates pipeline activity for the status API
type Stats struct {
	Updates        int64            `json:"updates"`
	Decisions      int64            `json:"decisions"`
	Entries        int64            `json:"entries"`
	Exits          int64            `json:"exits"`
	EmergencyExits int64            `json:"emergency_exits"`
	Patterns       map[string]int64 `json:"patterns"`
	SignalUsage    signals.Usage    `json:"signal_usage"`
	StartedAt      time.Time        `json:"started_at"`
}

// Pipeline is the top-level trading orchestrator
type Pipeline struct {
	monitor  *pricefeed.Monitor
	detector *patterns.Detector
	guard    *risk.Guard
	exits    *execution.ExitExecutor
	entries  *execution.EntryExecutor
	store    *signals.Store
	sink     audit.Sink
	bus      *events.Bus
	config   Config
	logger   zerolog.Logger

	mu       sync.Mutex
	users    map[int64]*UserContext
	limiters map[int64]*rate.Limiter
	stats    Stats
}

// New creates a pipeline. sink may be nil to disable auditing.
func New(
	monitor *pricefeed.Monitor,
	detector *patterns.Detector,
	guard *risk.Guard,
	exits *execution.ExitExecutor,
	entries *execution.EntryExecutor,
	store *signals.Store,
	sink audit.Sink,
	bus *events.Bus,
	config Config,
	logger zerolog.Logger,
) *Pipeline {
	if sink == nil {
		sink = audit.NopSink{}
	}
	if config.DecisionInterval <= 0 {
		config.DecisionInterval = 30 * time.Second
	}
	return &Pipeline{
		monitor:  monitor,
		detector: detector,
		guard:    guard,
		exits:    exits,
		entries:  entries,
		store:    store,
		sink:     sink,
		bus:      bus,
		config:   config,
		logger:   logger.With().Str("component", "pipeline").Logger(),
		users:    make(map[int64]*UserContext),
		limiters: make(map[int64]*rate.Limiter),
		stats:    Stats{Patterns: make(map[string]int64)},
	}
}

// RegisterUser adds a user to the entry consideration set
func (p *Pipeline) RegisterUser(ctx UserContext) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ctx.MaxPositionUSD <= 0 {
		ctx.MaxPositionUSD = p.config.DefaultMaxUSD
	}
	p.users[ctx.UserID] = &ctx

	// One entry decision per interval per user. Burst 1 means the first
	// decision is immediate.
	p.limiters[ctx.UserID] = rate.NewLimiter(rate.Every(p.config.DecisionInterval), 1)

	p.logger.Info().
		Int64("user_id", ctx.UserID).
		Float64("portfolio_usd", ctx.PortfolioValueUSD).
		Msg("user registered")
}

// Start subscribes the pipeline to price updates and starts the monitor
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	p.stats.StartedAt = time.Now().UTC()
	p.mu.Unlock()

	p.bus.Subscribe(events.EventPriceUpdate, func(event events.Event) {
		update, ok := event.Payload.(*pricefeed.PriceUpdate)
		if !ok {
			return
		}
		p.handleUpdate(ctx, update)
	})

	p.monitor.Start(ctx)
	p.logger.Info().Msg("pipeline started")
}

// Stop stops the monitor; in-flight tick handling completes first
func (p *Pipeline) Stop() {
	p.monitor.Stop()
	p.logger.Info().Msg("pipeline stopped")
}

// handleUpdate is the per-update trading cycle. Exit checks always run
// before any entry consideration: protecting open exposure outranks
// finding new exposure.
func (p *Pipeline) handleUpdate(ctx context.Context, update *pricefeed.PriceUpdate) {
	p.mu.Lock()
	p.stats.Updates++
	p.mu.Unlock()

	signal := p.detector.Detect(update)

	p.mu.Lock()
	p.stats.Patterns[string(signal.Pattern)]++
	p.mu.Unlock()

	if exit := p.guard.CheckPriceUpdate(update); exit != nil {
		p.executeExit(ctx, exit)
		return
	}
	if exit := p.guard.CheckPatternSignal(signal); exit != nil {
		p.executeExit(ctx, exit)
		return
	}

	if signal.Action == patterns.ActionBuy && signal.Confidence >= p.config.MinEntryConfidence {
		p.considerEntry(ctx, signal)
	}
}

func (p *Pipeline) executeExit(ctx context.Context, exit *risk.ExitSignal) {
	result := p.exits.Execute(ctx, exit)

	p.mu.Lock()
	p.stats.Exits++
	if exit.Reason == risk.ReasonEmergency {
		p.stats.EmergencyExits++
	}
	p.mu.Unlock()

	record := &audit.TradeRecord{
		ID:         result.ID,
		UserID:     exit.Position.UserID,
		Instrument: exit.Position.Instrument,
		Side:       "sell",
		Amount:     exit.ExitAmount,
		Price:      exit.ExitPrice,
		Reason:     string(exit.Reason),
		TxHash:     result.TxHash,
		Success:    result.Success,
		Error:      result.Error,
		DryRun:     result.DryRun,
		LatencyMS:  result.LatencyMS,
		ExecutedAt: result.ExecutedAt,
	}
	if err := p.sink.Record(ctx, record); err != nil {
		p.logger.Warn().Err(err).Msg("failed to audit exit")
	}
}

// considerEntry applies signal context, rate limits, and sizing to a buy
// signal for every registered user.
func (p *Pipeline) considerEntry(ctx context.Context, signal *patterns.Signal) {
	instrument := signal.Instrument

	rugRisk := p.store.RugRisk(instrument)
	if rugRisk > p.config.RugRiskReject {
		p.logger.Debug().
			Str("instrument", instrument).
			Float64("rug_risk", rugRisk).
			Msg("entry rejected: rug risk too high")
		return
	}

	for _, user := range p.userList() {
		limiter := p.limiterFor(user.UserID)
		if !limiter.Allow() {
			continue
		}

		p.mu.Lock()
		p.stats.Decisions++
		p.mu.Unlock()

		if !p.store.Allowed(user.UserID, instrument) {
			p.logger.Debug().
				Int64("user_id", user.UserID).
				Str("instrument", instrument).
				Msg("entry skipped: not allowed by rules")
			continue
		}
		if p.guard.GetPosition(user.UserID, instrument) != nil {
			continue
		}

		sizeUSD := p.positionSize(user, instrument, rugRisk)
		if sizeUSD < p.config.MinPositionUSD {
			continue
		}

		amountUSD, confidence, reasons := p.decide(user, signal, sizeUSD, rugRisk)
		if amountUSD <= 0 {
			continue
		}

		p.executeEntry(ctx, user, signal, amountUSD, confidence, reasons)
	}
}

// positionSize is the smallest of the rule cap, the user preference cap,
// and a fraction of portfolio, scaled down when rug risk is elevated.
func (p *Pipeline) positionSize(user *UserContext, instrument string, rugRisk float64) float64 {
	ruleMax := p.store.MaxPosition(user.UserID, instrument)

	size := ruleMax
	if user.MaxPositionUSD < size {
		size = user.MaxPositionUSD
	}
	if portfolioCap := user.PortfolioValueUSD * p.config.PortfolioFraction; portfolioCap < size {
		size = portfolioCap
	}

	if rugRisk > p.config.RugRiskScaleDown {
		size *= 1 - rugRisk
	}
	return size
}

// decide adjusts pattern confidence with news, stage, and rug context,
// then applies the per-pattern gate. Returns 0 when no entry clears.
func (p *Pipeline) decide(user *UserContext, signal *patterns.Signal, maxAmount, rugRisk float64) (float64, float64, string) {
	confidence := signal.Confidence
	reasons := []string{"pattern: " + string(signal.Pattern)}

	if news := p.store.News(signal.Instrument); news != nil {
		switch {
		case news.SentimentScore > 0.3:
			confidence = clamp01(confidence + 0.1)
			reasons = append(reasons, fmt.Sprintf("news positive (%.2f)", news.SentimentScore))
		case news.SentimentScore < -0.3:
			confidence = clamp01(confidence - 0.2)
			reasons = append(reasons, fmt.Sprintf("news negative (%.2f)", news.SentimentScore))
		}
	}

	stage := p.store.Stage(signal.Instrument)
	switch stage {
	case "early":
		confidence = clamp01(confidence + 0.05)
		reasons = append(reasons, "stage early")
	case "late":
		confidence = clamp01(confidence - 0.15)
		reasons = append(reasons, "stage late")
	}

	if rugRisk > 0.5 {
		confidence = clamp01(confidence - rugRisk*0.3)
		reasons = append(reasons, fmt.Sprintf("rug risk %.2f", rugRisk))
	}

	var amount float64
	switch signal.Pattern {
	case patterns.MicroPump, patterns.Accumulation:
		if confidence >= p.config.MinConfidenceMicro {
			amount = maxAmount * confidence
		}
	case patterns.MidPump:
		// Smaller size for chasing momentum
		if confidence >= p.config.MinConfidenceMid {
			amount = maxAmount * 0.6 * confidence
		}
	case patterns.MegaPump:
		// Mega pumps are usually top signals; only early-stage entries
		if confidence >= p.config.MinConfidenceMega && stage == "early" {
			amount = maxAmount * 0.4 * confidence
		}
	}

	return amount, confidence, strings.Join(reasons, ", ")
}

func (p *Pipeline) executeEntry(ctx context.Context, user *UserContext, signal *patterns.Signal, amountUSD, confidence float64, reason string) {
	request := &execution.EntryRequest{
		UserID:     user.UserID,
		Instrument: signal.Instrument,
		AmountUSD:  amountUSD,
		Price:      signal.CurrentPrice,
	}

	result, err := p.entries.Execute(ctx, request)
	if err != nil {
		p.logger.Warn().Err(err).
			Str("instrument", signal.Instrument).
			Msg("entry not executed")
		return
	}

	record := &audit.TradeRecord{
		ID:         result.ID,
		UserID:     user.UserID,
		Instrument: signal.Instrument,
		Side:       "buy",
		Amount:     amountUSD,
		Price:      signal.CurrentPrice,
		Reason:     reason,
		Pattern:    string(signal.Pattern),
		Confidence: confidence,
		TxHash:     result.TxHash,
		Success:    result.Success,
		Error:      result.Error,
		DryRun:     result.DryRun,
		LatencyMS:  result.LatencyMS,
		ExecutedAt: result.ExecutedAt,
	}
	if err := p.sink.Record(ctx, record); err != nil {
		p.logger.Warn().Err(err).Msg("failed to audit entry")
	}

	if !result.Success {
		return
	}

	p.mu.Lock()
	p.stats.Entries++
	p.mu.Unlock()

	tokenAmount := amountUSD / signal.CurrentPrice
	opts := positionOptions(signal)
	if _, err := p.guard.AddPosition(user.UserID, signal.Instrument, signal.CurrentPrice, tokenAmount, opts...); err != nil {
		p.logger.Error().Err(err).
			Str("instrument", signal.Instrument).
			Msg("entry executed but position tracking failed")
		return
	}

	p.monitor.Watch(signal.Instrument)

	p.logger.Info().
		Int64("user_id", user.UserID).
		Str("instrument", signal.Instrument).
		Float64("amount_usd", amountUSD).
		Float64("confidence", confidence).
		Str("reason", reason).
		Msg("entered position")
}

// positionOptions converts the detector's suggested levels into
// per-position overrides.
func positionOptions(signal *patterns.Signal) []risk.PositionOption {
	var opts []risk.PositionOption
	if signal.CurrentPrice <= 0 {
		return opts
	}
	if signal.StopLossSuggested > 0 {
		opts = append(opts, risk.WithStopLossPercent(1-signal.StopLossSuggested/signal.CurrentPrice))
	}
	if signal.TakeProfitSuggest > 0 {
		opts = append(opts, risk.WithTakeProfitPercent(signal.TakeProfitSuggest/signal.CurrentPrice-1))
	}
	return opts
}

// StatsSnapshot returns a copy of the aggregate counters
func (p *Pipeline) StatsSnapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := p.stats
	stats.Patterns = make(map[string]int64, len(p.stats.Patterns))
	for pattern, count := range p.stats.Patterns {
		stats.Patterns[pattern] = count
	}
	stats.SignalUsage = p.store.UsageStats()
	return stats
}

func (p *Pipeline) userList() []*UserContext {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*UserContext, 0, len(p.users))
	for _, user := range p.users {
		out = append(out, user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (p *Pipeline) limiterFor(userID int64) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	limiter, ok := p.limiters[userID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(p.config.DecisionInterval), 1)
		p.limiters[userID] = limiter
	}
	return limiter
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
