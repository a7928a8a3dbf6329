package execution

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pumpfun-trading-bot/internal/events"
	"pumpfun-trading-bot/internal/exchange"
	"pumpfun-trading-bot/internal/risk"
)

// sellTimeout bounds a single emergency sell. On these markets a trade
// that has not landed in seconds is already stale; we never retry because
// a retried sell can double-fill.
const sellTimeout = 5 * time.Second

// simulatedLatency approximates marketplace round-trip in dry-run mode
const simulatedLatency = 50 * time.Millisecond

// ExitResult records the outcome of one exit attempt
type ExitResult struct {
	ID         string          `json:"id"`
	Signal     risk.ExitSignal `json:"signal"`
	Success    bool            `json:"success"`
	TxHash     string          `json:"tx_hash,omitempty"`
	Error      string          `json:"error,omitempty"`
	DryRun     bool            `json:"dry_run"`
	LatencyMS  int64           `json:"latency_ms"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// ExitStats aggregates executed exits for the status API
type ExitStats struct {
	Total     int                     `json:"total"`
	Succeeded int                     `json:"succeeded"`
	Failed    int                     `json:"failed"`
	ByReason  map[risk.ExitReason]int `json:"by_reason"`
}

// ExitConfig holds emergency exit behavior
type ExitConfig struct {
	DryRun      bool
	MaxSlippage float64 // Fraction of expected proceeds we accept losing to slippage
}

// ExitExecutor turns exit signals into marketplace sells. Speed is the
// whole point: one attempt, wide slippage bound, no retries.
type ExitExecutor struct {
	executor exchange.TradeExecutor
	bus      *events.Bus
	config   ExitConfig
	logger   zerolog.Logger

	mu      sync.Mutex
	results []ExitResult
	stats   ExitStats
}

const maxStoredResults = 500

// NewExitExecutor creates an exit executor
func NewExitExecutor(executor exchange.TradeExecutor, bus *events.Bus, config ExitConfig, logger zerolog.Logger) *ExitExecutor {
	return &ExitExecutor{
		executor: executor,
		bus:      bus,
		config:   config,
		logger:   logger.With().Str("component", "exit_executor").Logger(),
		stats:    ExitStats{ByReason: make(map[risk.ExitReason]int)},
	}
}

// Execute performs a single exit. Never returns an error: failure is
// reported inside the result so batch processing keeps going.
func (e *ExitExecutor) Execute(ctx context.Context, signal *risk.ExitSignal) *ExitResult {
	start := time.Now()

	result := &ExitResult{
		ID:         uuid.New().String(),
		Signal:     *signal,
		DryRun:     e.config.DryRun,
		ExecutedAt: start.UTC(),
	}

	if e.config.DryRun {
		time.Sleep(simulatedLatency)
		result.Success = true
		result.TxHash = "dry-run-" + result.ID[:8]
	} else {
		e.executeLive(ctx, signal, result)
	}

	result.LatencyMS = time.Since(start).Milliseconds()
	e.record(result)

	evt := e.logger.Info()
	if !result.Success {
		evt = e.logger.Error().Str("error", result.Error)
	}
	evt.
		Str("instrument", signal.Position.Instrument).
		Str("reason", string(signal.Reason)).
		Float64("amount", signal.ExitAmount).
		Float64("urgency", signal.Urgency).
		Int64("latency_ms", result.LatencyMS).
		Bool("dry_run", result.DryRun).
		Msg("exit executed")

	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:      events.EventExitExecuted,
			Timestamp: result.ExecutedAt,
			Payload:   result,
		})
	}

	return result
}

func (e *ExitExecutor) executeLive(ctx context.Context, signal *risk.ExitSignal, result *ExitResult) {
	ctx, cancel := context.WithTimeout(ctx, sellTimeout)
	defer cancel()

	tokenAmount := exchange.ToMicroUnits(signal.ExitAmount)

	// Bound slippage off the price seen at trigger time. The bound is
	// deliberately loose: getting out matters more than the last cent.
	minOut := ""
	if signal.ExitPrice > 0 {
		expected := signal.ExitAmount * signal.ExitPrice
		minOut = exchange.ToMicroUnits(expected * (1 - e.config.MaxSlippage))
	}

	trade, err := e.executor.Sell(ctx, signal.Position.Instrument, tokenAmount, minOut)
	if err != nil {
		result.Error = err.Error()
		return
	}
	if !trade.Accepted() {
		result.Error = trade.Error
		if result.Error == "" {
			result.Error = "trade rejected: " + trade.Status
		}
		return
	}

	result.Success = true
	result.TxHash = trade.TxHash
}

// ExecuteBatch runs exits sequentially in descending urgency order so a
// rug pull always sells before a routine take profit.
func (e *ExitExecutor) ExecuteBatch(ctx context.Context, signals []*risk.ExitSignal) []*ExitResult {
	ordered := make([]*risk.ExitSignal, len(signals))
	copy(ordered, signals)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Urgency > ordered[j].Urgency
	})

	results := make([]*ExitResult, 0, len(ordered))
	for _, signal := range ordered {
		results = append(results, e.Execute(ctx, signal))
	}
	return results
}

// Results returns a copy of the stored exit results, newest last
func (e *ExitExecutor) Results() []ExitResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]ExitResult, len(e.results))
	copy(out, e.results)
	return out
}

// Stats returns a copy of the aggregate exit counters
func (e *ExitExecutor) Stats() ExitStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := e.stats
	stats.ByReason = make(map[risk.ExitReason]int, len(e.stats.ByReason))
	for reason, count := range e.stats.ByReason {
		stats.ByReason[reason] = count
	}
	return stats
}

func (e *ExitExecutor) record(result *ExitResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.results = append(e.results, *result)
	if len(e.results) > maxStoredResults {
		e.results = e.results[len(e.results)-maxStoredResults:]
	}

	e.stats.Total++
	if result.Success {
		e.stats.Succeeded++
	} else {
		e.stats.Failed++
	}
	e.stats.ByReason[result.Signal.Reason]++
}
