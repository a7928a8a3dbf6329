package risk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pumpfun-trading-bot/internal/events"
	"pumpfun-trading-bot/internal/patterns"
	"pumpfun-trading-bot/internal/pricefeed"
)

// Invariant violations are programming errors in the calling path and are
// surfaced as sentinel errors rather than silently absorbed.
var (
	ErrPositionExists   = errors.New("position already exists for user and instrument")
	ErrPositionNotFound = errors.New("position not found")
	ErrInvalidPosition  = errors.New("invalid position parameters")
)

// ExitReason describes why a position is being exited
type ExitReason string

const (
	ReasonStopLoss      ExitReason = "stop_loss"
	ReasonTrailingStop  ExitReason = "trailing_stop"
	ReasonTakeProfit    ExitReason = "take_profit"
	ReasonEmergency     ExitReason = "emergency"
	ReasonPatternSignal ExitReason = "pattern_signal"
	ReasonManual        ExitReason = "manual"
)

// Config holds stop-loss and take-profit behavior
type Config struct {
	StopLossPercent float64

	TrailingStopEnabled bool
	TrailingStopPercent float64
	TrailingActivation  float64 // Profit fraction that arms the trailing stop

	TakeProfitPercent float64
	PartialTakeProfit bool
	PartialTakeLevels []float64 // Ascending profit fractions
	PartialTakeAmount float64   // Fraction of the position harvested per level

	EmergencyThreshold float64 // 1-minute drop that forces a full exit
	RugThreshold       float64
}

// DefaultConfig returns exit thresholds calibrated for meme-coin volatility
func DefaultConfig() Config {
	return Config{
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
	}
}

// Position is one open exposure, owned exclusively by the guard
type Position struct {
	UserID     int64     `json:"user_id"`
	Instrument string    `json:"instrument"`
	EntryPrice float64   `json:"entry_price"`
	Amount     float64   `json:"amount"`
	EntryTime  time.Time `json:"entry_time"`

	HighestPrice     float64 `json:"highest_price"`
	CurrentPrice     float64 `json:"current_price"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	UnrealizedPnLPct float64 `json:"unrealized_pnl_pct"`

	StopLossPrice     float64 `json:"stop_loss_price,omitempty"`
	TrailingStopPrice float64 `json:"trailing_stop_price,omitempty"`
	TakeProfitPrice   float64 `json:"take_profit_price,omitempty"`

	PartialTakesDone []float64 `json:"partial_takes_done,omitempty"`
}

func (p *Position) updatePrice(price float64) {
	p.CurrentPrice = price
	if price > p.HighestPrice {
		p.HighestPrice = price
	}
	p.UnrealizedPnL = (price - p.EntryPrice) * p.Amount / p.EntryPrice
	p.UnrealizedPnLPct = (price - p.EntryPrice) / p.EntryPrice
}

func (p *Position) harvested(level float64) bool {
	for _, done := range p.PartialTakesDone {
		if done == level {
			return true
		}
	}
	return false
}

// snapshot returns a value copy safe to hand to subscribers
func (p *Position) snapshot() Position {
	cp := *p
	cp.PartialTakesDone = append([]float64(nil), p.PartialTakesDone...)
	return cp
}

// ExitSignal instructs the executor to close all or part of a position
type ExitSignal struct {
	Position   Position   `json:"position"` // Read snapshot at trigger time
	Reason     ExitReason `json:"reason"`
	ExitPrice  float64    `json:"exit_price"`
	ExitAmount float64    `json:"exit_amount"`
	Urgency    float64    `json:"urgency"` // 0-1, higher executes first
	Timestamp  time.Time  `json:"timestamp"`
}

// PositionOption overrides per-position exit levels at entry time
type PositionOption func(*positionOpts)

type positionOpts struct {
	stopLossPct   float64
	takeProfitPct float64
}

// WithStopLossPercent overrides the configured stop-loss fraction
func WithStopLossPercent(pct float64) PositionOption {
	return func(o *positionOpts) { o.stopLossPct = pct }
}

// WithTakeProfitPercent overrides the configured take-profit fraction
func WithTakeProfitPercent(pct float64) PositionOption {
	return func(o *positionOpts) { o.takeProfitPct = pct }
}

const maxExitHistory = 500

// Guard owns all open positions and evaluates exit rules against price
// updates and pattern signals. All mutation of position state funnels
// through triggerExit so tracked amounts can never desync from what was
// actually sold.
type Guard struct {
	config Config
	bus    *events.Bus
	store  PositionStore
	logger zerolog.Logger

	mu          sync.Mutex
	positions   map[string]*Position // key: userID:instrument
	exitHistory []ExitSignal
}

// NewGuard creates a risk guard. store may be nil for memory-only operation.
func NewGuard(config Config, bus *events.Bus, store PositionStore, logger zerolog.Logger) *Guard {
	return &Guard{
		config:    config,
		bus:       bus,
		store:     store,
		logger:    logger.With().Str("component", "risk_guard").Logger(),
		positions: make(map[string]*Position),
	}
}

func positionKey(userID int64, instrument string) string {
	return fmt.Sprintf("%d:%s", userID, instrument)
}

// AddPosition registers a new position for monitoring. Exactly one
// position may exist per (user, instrument) pair.
func (g *Guard) AddPosition(userID int64, instrument string, entryPrice, amount float64, opts ...PositionOption) (*Position, error) {
	if entryPrice <= 0 || amount <= 0 {
		return nil, fmt.Errorf("%w: entry_price=%f amount=%f", ErrInvalidPosition, entryPrice, amount)
	}

	options := positionOpts{
		stopLossPct:   g.config.StopLossPercent,
		takeProfitPct: g.config.TakeProfitPercent,
	}
	for _, opt := range opts {
		opt(&options)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	key := positionKey(userID, instrument)
	if _, exists := g.positions[key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrPositionExists, key)
	}

	position := &Position{
		UserID:          userID,
		Instrument:      instrument,
		EntryPrice:      entryPrice,
		Amount:          amount,
		EntryTime:       time.Now().UTC(),
		HighestPrice:    entryPrice,
		CurrentPrice:    entryPrice,
		StopLossPrice:   entryPrice * (1 - options.stopLossPct),
		TakeProfitPrice: entryPrice * (1 + options.takeProfitPct),
	}
	g.positions[key] = position

	g.persist(position)

	g.logger.Info().
		Int64("user_id", userID).
		Str("instrument", instrument).
		Float64("entry_price", entryPrice).
		Float64("stop_loss", position.StopLossPrice).
		Float64("take_profit", position.TakeProfitPrice).
		Msg("position added")

	snapshot := position.snapshot()
	return &snapshot, nil
}

// GetPosition returns a snapshot of the position for (user, instrument),
// nil if none is open.
func (g *Guard) GetPosition(userID int64, instrument string) *Position {
	g.mu.Lock()
	defer g.mu.Unlock()

	position, ok := g.positions[positionKey(userID, instrument)]
	if !ok {
		return nil
	}
	snapshot := position.snapshot()
	return &snapshot
}

// HasPosition reports whether any user holds the instrument
func (g *Guard) HasPosition(instrument string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, p := range g.positions {
		if p.Instrument == instrument {
			return true
		}
	}
	return false
}

// Positions returns snapshots of all open positions
func (g *Guard) Positions() []Position {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Position, 0, len(g.positions))
	for _, p := range g.positions {
		out = append(out, p.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Instrument < out[j].Instrument
	})
	return out
}

// RemovePosition drops a position without emitting an exit (manual cleanup)
func (g *Guard) RemovePosition(userID int64, instrument string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := positionKey(userID, instrument)
	position, ok := g.positions[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, key)
	}
	delete(g.positions, key)
	g.unpersist(position)
	return nil
}

// ExitHistory returns a copy of the bounded exit log, newest last
func (g *Guard) ExitHistory() []ExitSignal {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]ExitSignal, len(g.exitHistory))
	copy(out, g.exitHistory)
	return out
}

// CheckPriceUpdate evaluates exit rules for every position on the updated
// instrument, in strict priority order, and returns the first triggered
// exit. Position prices are refreshed for all holders even when an exit
// fires for one of them.
func (g *Guard) CheckPriceUpdate(update *pricefeed.PriceUpdate) *ExitSignal {
	g.mu.Lock()
	defer g.mu.Unlock()

	holders := g.holdersLocked(update.Instrument)
	if len(holders) == 0 {
		return nil
	}

	for _, position := range holders {
		position.updatePrice(update.Price)
	}

	for _, position := range holders {
		if signal := g.evaluateLocked(position, update); signal != nil {
			return signal
		}
	}
	return nil
}

// holdersLocked returns positions on an instrument in ascending user order
// so exit evaluation is deterministic.
func (g *Guard) holdersLocked(instrument string) []*Position {
	var holders []*Position
	for _, p := range g.positions {
		if p.Instrument == instrument {
			holders = append(holders, p)
		}
	}
	sort.Slice(holders, func(i, j int) bool { return holders[i].UserID < holders[j].UserID })
	return holders
}

func (g *Guard) evaluateLocked(position *Position, update *pricefeed.PriceUpdate) *ExitSignal {
	// 1. Emergency: the instrument is collapsing right now
	if update.Change1m <= g.config.EmergencyThreshold {
		return g.triggerExitLocked(position, ReasonEmergency, position.Amount, 1.0)
	}

	// 2. Stop loss
	if position.StopLossPrice > 0 && update.Price <= position.StopLossPrice {
		return g.triggerExitLocked(position, ReasonStopLoss, position.Amount, 0.9)
	}

	// 3. Trailing stop
	if g.config.TrailingStopEnabled {
		if signal := g.checkTrailingStopLocked(position, update.Price); signal != nil {
			return signal
		}
	}

	// 4. Take profit
	if position.TakeProfitPrice > 0 && update.Price >= position.TakeProfitPrice {
		return g.triggerExitLocked(position, ReasonTakeProfit, position.Amount, 0.7)
	}

	// 5. Partial take profits
	if g.config.PartialTakeProfit {
		if signal := g.checkPartialTakeLocked(position); signal != nil {
			return signal
		}
	}

	return nil
}

// CheckPatternSignal evaluates pattern-driven exits for every holder of
// the signalled instrument and returns the first triggered exit.
func (g *Guard) CheckPatternSignal(signal *patterns.Signal) *ExitSignal {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, position := range g.holdersLocked(signal.Instrument) {
		if exit := g.evaluatePatternLocked(position, signal); exit != nil {
			return exit
		}
	}
	return nil
}

func (g *Guard) evaluatePatternLocked(position *Position, signal *patterns.Signal) *ExitSignal {
	switch signal.Pattern {
	case patterns.RugPull:
		g.logger.Error().
			Str("instrument", signal.Instrument).
			Msg("rug pull detected, emergency exit")
		return g.triggerExitLocked(position, ReasonEmergency, position.Amount, 1.0)

	case patterns.Dump:
		g.logger.Warn().
			Str("instrument", signal.Instrument).
			Msg("dump detected, exiting position")
		return g.triggerExitLocked(position, ReasonPatternSignal, position.Amount, 0.9)

	case patterns.DeadCatBounce:
		// Exit while still in profit or at a small loss
		if position.UnrealizedPnLPct > -0.10 {
			return g.triggerExitLocked(position, ReasonPatternSignal, position.Amount, 0.8)
		}

	case patterns.FomoSpike:
		// Lock in gains before the reversal
		if position.UnrealizedPnLPct > 0.20 {
			return g.triggerExitLocked(position, ReasonTakeProfit, position.Amount*0.5, 0.7)
		}
	}
	return nil
}

func (g *Guard) checkTrailingStopLocked(position *Position, currentPrice float64) *ExitSignal {
	// Arm once profit reaches the activation threshold. An armed stop
	// stays armed even if profit later dips under the threshold.
	if position.TrailingStopPrice == 0 && position.UnrealizedPnLPct < g.config.TrailingActivation {
		return nil
	}

	// Ratchet upward only; a falling high-water mark never lowers the stop
	newTrailing := position.HighestPrice * (1 - g.config.TrailingStopPercent)
	if newTrailing > position.TrailingStopPrice {
		position.TrailingStopPrice = newTrailing
		g.logger.Debug().
			Str("instrument", position.Instrument).
			Float64("trailing_stop", newTrailing).
			Msg("trailing stop raised")
	}

	if position.TrailingStopPrice > 0 && currentPrice <= position.TrailingStopPrice {
		return g.triggerExitLocked(position, ReasonTrailingStop, position.Amount, 0.85)
	}
	return nil
}

// checkPartialTakeLocked fires at most the lowest unharvested level per
// call; a later level reached in the same update fires on the next call.
func (g *Guard) checkPartialTakeLocked(position *Position) *ExitSignal {
	for _, level := range g.config.PartialTakeLevels {
		if position.harvested(level) || position.UnrealizedPnLPct < level {
			continue
		}
		position.PartialTakesDone = append(position.PartialTakesDone, level)
		takeAmount := position.Amount * g.config.PartialTakeAmount

		g.logger.Info().
			Str("instrument", position.Instrument).
			Float64("level", level).
			Float64("amount", takeAmount).
			Msg("partial take profit")

		return g.triggerExitLocked(position, ReasonTakeProfit, takeAmount, 0.6)
	}
	return nil
}

// triggerExitLocked is the single authoritative mutation point for
// position state: it reduces or removes the position, records the exit,
// persists the change, and notifies subscribers.
func (g *Guard) triggerExitLocked(position *Position, reason ExitReason, amount, urgency float64) *ExitSignal {
	signal := &ExitSignal{
		Position:   position.snapshot(),
		Reason:     reason,
		ExitPrice:  position.CurrentPrice,
		ExitAmount: amount,
		Urgency:    urgency,
		Timestamp:  time.Now().UTC(),
	}

	pnlPct := (signal.ExitPrice - position.EntryPrice) / position.EntryPrice * 100
	g.logger.Warn().
		Str("instrument", position.Instrument).
		Int64("user_id", position.UserID).
		Str("reason", string(reason)).
		Float64("pnl_pct", pnlPct).
		Float64("urgency", urgency).
		Msg("exit signal")

	g.exitHistory = append(g.exitHistory, *signal)
	if len(g.exitHistory) > maxExitHistory {
		g.exitHistory = g.exitHistory[len(g.exitHistory)-maxExitHistory:]
	}

	if amount >= position.Amount {
		delete(g.positions, positionKey(position.UserID, position.Instrument))
		g.unpersist(position)
	} else {
		position.Amount -= amount
		g.persist(position)
	}

	if g.bus != nil {
		g.bus.Publish(events.Event{
			Type:      events.EventExitSignal,
			Timestamp: signal.Timestamp,
			Payload:   signal,
		})
	}

	return signal
}

// Restore reloads persisted positions for the given users after a
// restart. Positions already tracked in memory are left untouched.
func (g *Guard) Restore(ctx context.Context, userIDs []int64) error {
	if g.store == nil {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	restored := 0
	for _, userID := range userIDs {
		positions, err := g.store.LoadAll(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to restore positions for user %d: %w", userID, err)
		}
		for _, position := range positions {
			key := positionKey(position.UserID, position.Instrument)
			if _, exists := g.positions[key]; exists {
				continue
			}
			p := *position
			g.positions[key] = &p
			restored++
		}
	}

	if restored > 0 {
		g.logger.Info().Int("count", restored).Msg("positions restored from store")
	}
	return nil
}

const persistTimeout = 2 * time.Second

// persist writes a snapshot best-effort; the in-memory state stays
// authoritative even when the store is down.
func (g *Guard) persist(position *Position) {
	if g.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := g.store.Save(ctx, position); err != nil {
		g.logger.Warn().Err(err).
			Str("instrument", position.Instrument).
			Msg("failed to persist position")
	}
}

func (g *Guard) unpersist(position *Position) {
	if g.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := g.store.Delete(ctx, position.UserID, position.Instrument); err != nil {
		g.logger.Warn().Err(err).
			Str("instrument", position.Instrument).
			Msg("failed to remove persisted position")
	}
}
