package execution

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pumpfun-trading-bot/internal/events"
	"pumpfun-trading-bot/internal/exchange"
	"pumpfun-trading-bot/internal/risk"
)

func exitSignal(instrument string, amount, price, urgency float64, reason risk.ExitReason) *risk.ExitSignal {
	return &risk.ExitSignal{
		Position:   risk.Position{UserID: 1, Instrument: instrument, EntryPrice: 1.0, Amount: amount},
		Reason:     reason,
		ExitPrice:  price,
		ExitAmount: amount,
		Urgency:    urgency,
	}
}

func TestDryRunAlwaysSucceeds(t *testing.T) {
	client := exchange.NewMockClient()
	executor := NewExitExecutor(client, nil, ExitConfig{DryRun: true, MaxSlippage: 0.10}, zerolog.Nop())

	result := executor.Execute(context.Background(), exitSignal("memecoin", 100, 1.0, 0.9, risk.ReasonStopLoss))

	assert.True(t, result.Success)
	assert.True(t, result.DryRun)
	assert.NotEmpty(t, result.TxHash)
	assert.Empty(t, client.Sells, "dry run must never touch the execution API")
	assert.GreaterOrEqual(t, result.LatencyMS, int64(50))
}

func TestLiveExitSellsWithSlippageBound(t *testing.T) {
	client := exchange.NewMockClient()
	executor := NewExitExecutor(client, nil, ExitConfig{MaxSlippage: 0.10}, zerolog.Nop())

	result := executor.Execute(context.Background(), exitSignal("memecoin", 100, 2.0, 1.0, risk.ReasonEmergency))

	require.True(t, result.Success)
	require.Len(t, client.Sells, 1)
	assert.Equal(t, "memecoin", client.Sells[0].Denom)
	assert.Equal(t, "100000000", client.Sells[0].Amount)
	// Expected proceeds 200, minus 10% slippage: 180 in micro units
	assert.Equal(t, "180000000", client.Sells[0].MinPaymentOut)
}

func TestLiveExitFailureIsReportedNotRetried(t *testing.T) {
	client := exchange.NewMockClient()
	client.FailTrades = true
	executor := NewExitExecutor(client, nil, ExitConfig{MaxSlippage: 0.10}, zerolog.Nop())

	result := executor.Execute(context.Background(), exitSignal("memecoin", 100, 1.0, 1.0, risk.ReasonEmergency))

	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
	assert.Len(t, client.Sells, 1, "exactly one attempt, never retried")
}

func TestExecuteBatchOrdersByUrgency(t *testing.T) {
	client := exchange.NewMockClient()
	executor := NewExitExecutor(client, nil, ExitConfig{MaxSlippage: 0.10}, zerolog.Nop())

	signals := []*risk.ExitSignal{
		exitSignal("slowcoin", 10, 1.0, 0.6, risk.ReasonTakeProfit),
		exitSignal("rugcoin", 10, 1.0, 1.0, risk.ReasonEmergency),
		exitSignal("midcoin", 10, 1.0, 0.85, risk.ReasonTrailingStop),
	}

	results := executor.ExecuteBatch(context.Background(), signals)

	require.Len(t, results, 3)
	assert.Equal(t, "rugcoin", results[0].Signal.Position.Instrument)
	assert.Equal(t, "midcoin", results[1].Signal.Position.Instrument)
	assert.Equal(t, "slowcoin", results[2].Signal.Position.Instrument)

	// Sequential execution: sells land in urgency order
	require.Len(t, client.Sells, 3)
	assert.Equal(t, "rugcoin", client.Sells[0].Denom)
}

func TestExitStatsByReason(t *testing.T) {
	client := exchange.NewMockClient()
	executor := NewExitExecutor(client, nil, ExitConfig{MaxSlippage: 0.10}, zerolog.Nop())

	executor.Execute(context.Background(), exitSignal("a", 10, 1.0, 1.0, risk.ReasonEmergency))
	executor.Execute(context.Background(), exitSignal("b", 10, 1.0, 0.9, risk.ReasonStopLoss))
	client.FailTrades = true
	executor.Execute(context.Background(), exitSignal("c", 10, 1.0, 0.9, risk.ReasonStopLoss))

	stats := executor.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Succeeded)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.ByReason[risk.ReasonEmergency])
	assert.Equal(t, 2, stats.ByReason[risk.ReasonStopLoss])
}

func TestExitPublishesEvent(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	client := exchange.NewMockClient()
	executor := NewExitExecutor(client, bus, ExitConfig{DryRun: true}, zerolog.Nop())

	var seen []*ExitResult
	bus.Subscribe(events.EventExitExecuted, func(event events.Event) {
		result, ok := event.Payload.(*ExitResult)
		require.True(t, ok)
		seen = append(seen, result)
	})

	executor.Execute(context.Background(), exitSignal("memecoin", 100, 1.0, 0.9, risk.ReasonStopLoss))

	require.Len(t, seen, 1)
	assert.True(t, seen[0].Success)
}
