package risk

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pumpfun-trading-bot/internal/events"
	"pumpfun-trading-bot/internal/patterns"
	"pumpfun-trading-bot/internal/pricefeed"
)

func newTestGuard(config Config) *Guard {
	return NewGuard(config, events.NewBus(zerolog.Nop()), nil, zerolog.Nop())
}

func priceUpdate(instrument string, price, change1m float64) *pricefeed.PriceUpdate {
	return &pricefeed.PriceUpdate{
		Instrument: instrument,
		Price:      price,
		Change1m:   change1m,
		Timestamp:  time.Now().UTC(),
	}
}

func TestAddPositionRejectsDuplicates(t *testing.T) {
	g := newTestGuard(DefaultConfig())

	_, err := g.AddPosition(1, "memecoin", 1.0, 100)
	require.NoError(t, err)

	_, err = g.AddPosition(1, "memecoin", 1.1, 50)
	assert.ErrorIs(t, err, ErrPositionExists)

	// Same instrument, different user is fine
	_, err = g.AddPosition(2, "memecoin", 1.0, 100)
	assert.NoError(t, err)
}

func TestAddPositionRejectsInvalidParams(t *testing.T) {
	g := newTestGuard(DefaultConfig())

	_, err := g.AddPosition(1, "memecoin", 0, 100)
	assert.ErrorIs(t, err, ErrInvalidPosition)

	_, err = g.AddPosition(1, "memecoin", 1.0, -5)
	assert.ErrorIs(t, err, ErrInvalidPosition)
}

func TestAddPositionComputesLevels(t *testing.T) {
	g := newTestGuard(DefaultConfig())

	position, err := g.AddPosition(1, "memecoin", 1.0, 100)
	require.NoError(t, err)

	assert.InDelta(t, 0.90, position.StopLossPrice, 1e-9)
	assert.InDelta(t, 1.25, position.TakeProfitPrice, 1e-9)
}

func TestPerPositionOverrides(t *testing.T) {
	g := newTestGuard(DefaultConfig())

	position, err := g.AddPosition(1, "memecoin", 1.0, 100,
		WithStopLossPercent(0.05), WithTakeProfitPercent(0.50))
	require.NoError(t, err)

	assert.InDelta(t, 0.95, position.StopLossPrice, 1e-9)
	assert.InDelta(t, 1.50, position.TakeProfitPrice, 1e-9)
}

// Entry at 1.0 with 100 tokens, price drops to 0.85: the stop loss at 0.90
// must fire for the full amount and remove the position.
func TestStopLossExitRemovesPosition(t *testing.T) {
	g := newTestGuard(DefaultConfig())
	_, err := g.AddPosition(1, "memecoin", 1.0, 100)
	require.NoError(t, err)

	exit := g.CheckPriceUpdate(priceUpdate("memecoin", 0.85, -0.15))

	require.NotNil(t, exit)
	assert.Equal(t, ReasonStopLoss, exit.Reason)
	assert.Equal(t, 100.0, exit.ExitAmount)
	assert.Equal(t, 0.9, exit.Urgency)
	assert.Nil(t, g.GetPosition(1, "memecoin"))
}

func TestEmergencyOutranksStopLoss(t *testing.T) {
	g := newTestGuard(DefaultConfig())
	_, err := g.AddPosition(1, "memecoin", 1.0, 100)
	require.NoError(t, err)

	// -35% in a minute triggers emergency even though the price also
	// crossed the stop loss.
	exit := g.CheckPriceUpdate(priceUpdate("memecoin", 0.60, -0.35))

	require.NotNil(t, exit)
	assert.Equal(t, ReasonEmergency, exit.Reason)
	assert.Equal(t, 1.0, exit.Urgency)
}

// Entry at 1.0, price runs to 1.10: trailing stop arms at 1.10*0.92=1.012.
// A fall through that level must exit even though profit dipped back
// under the activation threshold.
func TestTrailingStopExit(t *testing.T) {
	g := newTestGuard(DefaultConfig())
	_, err := g.AddPosition(1, "memecoin", 1.0, 100)
	require.NoError(t, err)

	require.Nil(t, g.CheckPriceUpdate(priceUpdate("memecoin", 1.10, 0.10)))

	position := g.GetPosition(1, "memecoin")
	require.NotNil(t, position)
	assert.InDelta(t, 1.012, position.TrailingStopPrice, 1e-9)

	exit := g.CheckPriceUpdate(priceUpdate("memecoin", 1.005, -0.086))

	require.NotNil(t, exit)
	assert.Equal(t, ReasonTrailingStop, exit.Reason)
	assert.Equal(t, 0.85, exit.Urgency)
}

func TestTrailingStopIsMonotonic(t *testing.T) {
	config := DefaultConfig()
	config.PartialTakeProfit = false
	config.TakeProfitPercent = 10 // keep take profit out of the way
	g := newTestGuard(config)
	_, err := g.AddPosition(1, "memecoin", 1.0, 100)
	require.NoError(t, err)

	var stops []float64
	for _, price := range []float64{1.10, 1.20, 1.15, 1.30, 1.25} {
		require.Nil(t, g.CheckPriceUpdate(priceUpdate("memecoin", price, 0.01)))
		stops = append(stops, g.GetPosition(1, "memecoin").TrailingStopPrice)
	}

	for i := 1; i < len(stops); i++ {
		assert.GreaterOrEqual(t, stops[i], stops[i-1], "trailing stop must only ratchet upward")
	}
	assert.InDelta(t, 1.30*0.92, stops[len(stops)-1], 1e-9)
}

func TestTakeProfitExit(t *testing.T) {
	config := DefaultConfig()
	config.TrailingStopEnabled = false
	config.PartialTakeProfit = false
	g := newTestGuard(config)
	_, err := g.AddPosition(1, "memecoin", 1.0, 100)
	require.NoError(t, err)

	exit := g.CheckPriceUpdate(priceUpdate("memecoin", 1.26, 0.05))

	require.NotNil(t, exit)
	assert.Equal(t, ReasonTakeProfit, exit.Reason)
	assert.Equal(t, 100.0, exit.ExitAmount)
	assert.Equal(t, 0.7, exit.Urgency)
}

// Profit jumps straight past two partial levels in one update: only the
// lowest unharvested level fires per call, the next fires on the
// following call.
func TestPartialTakesOneLevelPerCall(t *testing.T) {
	config := DefaultConfig()
	config.TrailingStopEnabled = false
	config.TakeProfitPercent = 10
	config.PartialTakeLevels = []float64{0.15, 0.30}
	g := newTestGuard(config)
	_, err := g.AddPosition(1, "memecoin", 1.0, 100)
	require.NoError(t, err)

	first := g.CheckPriceUpdate(priceUpdate("memecoin", 1.35, 0.05))
	require.NotNil(t, first)
	assert.Equal(t, ReasonTakeProfit, first.Reason)
	assert.InDelta(t, 25.0, first.ExitAmount, 1e-9)
	assert.Equal(t, 0.6, first.Urgency)

	second := g.CheckPriceUpdate(priceUpdate("memecoin", 1.36, 0.01))
	require.NotNil(t, second)
	assert.InDelta(t, 0.25*75.0, second.ExitAmount, 1e-9)

	// Both levels harvested: no further partial exits
	assert.Nil(t, g.CheckPriceUpdate(priceUpdate("memecoin", 1.37, 0.01)))
}

func TestNoDuplicateHarvesting(t *testing.T) {
	config := DefaultConfig()
	config.TrailingStopEnabled = false
	config.TakeProfitPercent = 10
	config.PartialTakeLevels = []float64{0.15}
	g := newTestGuard(config)
	_, err := g.AddPosition(1, "memecoin", 1.0, 100)
	require.NoError(t, err)

	require.NotNil(t, g.CheckPriceUpdate(priceUpdate("memecoin", 1.16, 0.05)))

	// Oscillate below and back above the level
	require.Nil(t, g.CheckPriceUpdate(priceUpdate("memecoin", 1.10, -0.05)))
	assert.Nil(t, g.CheckPriceUpdate(priceUpdate("memecoin", 1.18, 0.07)))
}

func TestExitAmountConservation(t *testing.T) {
	config := DefaultConfig()
	config.TrailingStopEnabled = false
	config.TakeProfitPercent = 10
	g := newTestGuard(config)

	const entryAmount = 100.0
	_, err := g.AddPosition(1, "memecoin", 1.0, entryAmount)
	require.NoError(t, err)

	prices := []float64{1.16, 1.31, 1.51}
	var exited float64
	for _, price := range prices {
		exit := g.CheckPriceUpdate(priceUpdate("memecoin", price, 0.05))
		require.NotNil(t, exit)
		exited += exit.ExitAmount
	}

	remaining := g.GetPosition(1, "memecoin").Amount
	assert.InDelta(t, entryAmount, exited+remaining, 1e-9)
}

func TestCheckPriceUpdateIgnoresOtherInstruments(t *testing.T) {
	g := newTestGuard(DefaultConfig())
	_, err := g.AddPosition(1, "memecoin", 1.0, 100)
	require.NoError(t, err)

	assert.Nil(t, g.CheckPriceUpdate(priceUpdate("othercoin", 0.01, -0.99)))
	assert.NotNil(t, g.GetPosition(1, "memecoin"))
}

func TestMultiUserEvaluationIsDeterministic(t *testing.T) {
	g := newTestGuard(DefaultConfig())
	_, err := g.AddPosition(7, "memecoin", 1.0, 100)
	require.NoError(t, err)
	_, err = g.AddPosition(3, "memecoin", 1.0, 100)
	require.NoError(t, err)

	exit := g.CheckPriceUpdate(priceUpdate("memecoin", 0.85, -0.15))

	require.NotNil(t, exit)
	assert.Equal(t, int64(3), exit.Position.UserID, "lowest user id evaluates first")

	// The other holder's price still refreshed even though it did not exit
	other := g.GetPosition(7, "memecoin")
	require.NotNil(t, other)
	assert.Equal(t, 0.85, other.CurrentPrice)
}

func TestPatternExitRugPull(t *testing.T) {
	g := newTestGuard(DefaultConfig())
	_, err := g.AddPosition(1, "memecoin", 1.0, 100)
	require.NoError(t, err)
	g.CheckPriceUpdate(priceUpdate("memecoin", 0.95, -0.05))

	exit := g.CheckPatternSignal(&patterns.Signal{Instrument: "memecoin", Pattern: patterns.RugPull})

	require.NotNil(t, exit)
	assert.Equal(t, ReasonEmergency, exit.Reason)
	assert.Equal(t, 100.0, exit.ExitAmount)
	assert.Equal(t, 1.0, exit.Urgency)
	assert.Nil(t, g.GetPosition(1, "memecoin"))
}

func TestPatternExitDump(t *testing.T) {
	g := newTestGuard(DefaultConfig())
	_, err := g.AddPosition(1, "memecoin", 1.0, 100)
	require.NoError(t, err)

	exit := g.CheckPatternSignal(&patterns.Signal{Instrument: "memecoin", Pattern: patterns.Dump})

	require.NotNil(t, exit)
	assert.Equal(t, ReasonPatternSignal, exit.Reason)
	assert.Equal(t, 0.9, exit.Urgency)
}

func TestPatternExitDeadCatBounce(t *testing.T) {
	g := newTestGuard(DefaultConfig())
	_, err := g.AddPosition(1, "memecoin", 1.0, 100)
	require.NoError(t, err)

	// Down 5%: still worth salvaging
	g.CheckPriceUpdate(priceUpdate("memecoin", 0.95, -0.05))
	exit := g.CheckPatternSignal(&patterns.Signal{Instrument: "memecoin", Pattern: patterns.DeadCatBounce})
	require.NotNil(t, exit)
	assert.Equal(t, 0.8, exit.Urgency)

	// Down 20%: too late, ride it out rather than lock in the loss
	_, err = g.AddPosition(2, "othercoin", 1.0, 100)
	require.NoError(t, err)
	g.CheckPriceUpdate(priceUpdate("othercoin", 0.80, -0.05))
	assert.Nil(t, g.CheckPatternSignal(&patterns.Signal{Instrument: "othercoin", Pattern: patterns.DeadCatBounce}))
}

func TestPatternExitFomoTakesHalf(t *testing.T) {
	config := DefaultConfig()
	config.TrailingStopEnabled = false
	config.PartialTakeProfit = false
	config.TakeProfitPercent = 10
	g := newTestGuard(config)
	_, err := g.AddPosition(1, "memecoin", 1.0, 100)
	require.NoError(t, err)

	g.CheckPriceUpdate(priceUpdate("memecoin", 1.30, 0.05))
	exit := g.CheckPatternSignal(&patterns.Signal{Instrument: "memecoin", Pattern: patterns.FomoSpike})

	require.NotNil(t, exit)
	assert.Equal(t, ReasonTakeProfit, exit.Reason)
	assert.InDelta(t, 50.0, exit.ExitAmount, 1e-9)

	remaining := g.GetPosition(1, "memecoin")
	require.NotNil(t, remaining)
	assert.InDelta(t, 50.0, remaining.Amount, 1e-9)
}

func TestExitHistoryIsBoundedAndOrdered(t *testing.T) {
	g := newTestGuard(DefaultConfig())
	_, err := g.AddPosition(1, "memecoin", 1.0, 100)
	require.NoError(t, err)
	g.CheckPriceUpdate(priceUpdate("memecoin", 0.85, -0.15))

	history := g.ExitHistory()
	require.Len(t, history, 1)
	assert.Equal(t, ReasonStopLoss, history[0].Reason)
}

func TestExitSignalPublishedOnBus(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	g := NewGuard(DefaultConfig(), bus, nil, zerolog.Nop())

	var published []*ExitSignal
	bus.Subscribe(events.EventExitSignal, func(event events.Event) {
		signal, ok := event.Payload.(*ExitSignal)
		require.True(t, ok)
		published = append(published, signal)
	})

	_, err := g.AddPosition(1, "memecoin", 1.0, 100)
	require.NoError(t, err)
	g.CheckPriceUpdate(priceUpdate("memecoin", 0.85, -0.15))

	require.Len(t, published, 1)
	assert.Equal(t, ReasonStopLoss, published[0].Reason)
}

func TestRemovePosition(t *testing.T) {
	g := newTestGuard(DefaultConfig())
	_, err := g.AddPosition(1, "memecoin", 1.0, 100)
	require.NoError(t, err)

	require.NoError(t, g.RemovePosition(1, "memecoin"))
	assert.ErrorIs(t, g.RemovePosition(1, "memecoin"), ErrPositionNotFound)
	assert.Empty(t, g.ExitHistory(), "manual removal emits no exit")
}
