package execution

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"pumpfun-trading-bot/internal/events"
	"pumpfun-trading-bot/internal/exchange"
)

// ErrEntriesHalted is returned when the kill switch or a tripped circuit
// breaker blocks new positions.
var ErrEntriesHalted = errors.New("entries halted")

// buyTimeout bounds a single entry buy. Missing an entry is harmless;
// there is always another token.
const buyTimeout = 5 * time.Second

// EntryRequest describes an entry the pipeline has already approved
type EntryRequest struct {
	UserID     int64   `json:"user_id"`
	Instrument string  `json:"instrument"`
	AmountUSD  float64 `json:"amount_usd"`
	Price      float64 `json:"price"` // Price at decision time
}

// EntryResult records the outcome of one entry attempt
type EntryResult struct {
	ID         string       `json:"id"`
	Request    EntryRequest `json:"request"`
	Success    bool         `json:"success"`
	TxHash     string       `json:"tx_hash,omitempty"`
	Error      string       `json:"error,omitempty"`
	DryRun     bool         `json:"dry_run"`
	LatencyMS  int64        `json:"latency_ms"`
	ExecutedAt time.Time    `json:"executed_at"`
}

// EntryConfig holds entry execution behavior
type EntryConfig struct {
	DryRun bool
}

// EntryExecutor submits buys behind a circuit breaker. A marketplace
// that keeps rejecting buys should not be hammered while exits still
// need the connection.
type EntryExecutor struct {
	executor   exchange.TradeExecutor
	bus        *events.Bus
	config     EntryConfig
	killSwitch *KillSwitch
	breaker    *gobreaker.CircuitBreaker
	logger     zerolog.Logger
}

// NewEntryExecutor creates an entry executor
func NewEntryExecutor(executor exchange.TradeExecutor, bus *events.Bus, config EntryConfig, killSwitch *KillSwitch, logger zerolog.Logger) *EntryExecutor {
	log := logger.With().Str("component", "entry_executor").Logger()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "entry-buys",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("entry circuit breaker state changed")
		},
	})

	return &EntryExecutor{
		executor:   executor,
		bus:        bus,
		config:     config,
		killSwitch: killSwitch,
		breaker:    breaker,
		logger:     log,
	}
}

// Execute performs a single entry buy
func (e *EntryExecutor) Execute(ctx context.Context, request *EntryRequest) (*EntryResult, error) {
	if e.killSwitch != nil && e.killSwitch.Engaged() {
		return nil, ErrEntriesHalted
	}

	start := time.Now()
	result := &EntryResult{
		ID:         uuid.New().String(),
		Request:    *request,
		DryRun:     e.config.DryRun,
		ExecutedAt: start.UTC(),
	}

	if e.config.DryRun {
		time.Sleep(simulatedLatency)
		result.Success = true
		result.TxHash = "dry-run-" + result.ID[:8]
	} else {
		_, err := e.breaker.Execute(func() (any, error) {
			return nil, e.executeLive(ctx, request, result)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrEntriesHalted
		}
		if err != nil {
			result.Error = err.Error()
		}
	}

	result.LatencyMS = time.Since(start).Milliseconds()

	evt := e.logger.Info()
	if !result.Success {
		evt = e.logger.Warn().Str("error", result.Error)
	}
	evt.
		Str("instrument", request.Instrument).
		Int64("user_id", request.UserID).
		Float64("amount_usd", request.AmountUSD).
		Bool("dry_run", result.DryRun).
		Msg("entry executed")

	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:      events.EventEntryExecuted,
			Timestamp: result.ExecutedAt,
			Payload:   result,
		})
	}

	return result, nil
}

func (e *EntryExecutor) executeLive(ctx context.Context, request *EntryRequest, result *EntryResult) error {
	ctx, cancel := context.WithTimeout(ctx, buyTimeout)
	defer cancel()

	trade, err := e.executor.Buy(ctx, request.Instrument, exchange.ToMicroUnits(request.AmountUSD))
	if err != nil {
		return err
	}
	if !trade.Accepted() {
		if trade.Error != "" {
			return errors.New(trade.Error)
		}
		return errors.New("trade rejected: " + trade.Status)
	}

	result.Success = true
	result.TxHash = trade.TxHash
	return nil
}
