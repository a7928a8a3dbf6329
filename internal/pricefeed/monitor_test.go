package pricefeed

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pumpfun-trading-bot/internal/events"
	"pumpfun-trading-bot/internal/exchange"
)

func newTestMonitor(t *testing.T) (*Monitor, *exchange.MockClient, *events.Bus) {
	t.Helper()
	logger := zerolog.Nop()
	bus := events.NewBus(logger)
	client := exchange.NewMockClient()
	monitor := NewMonitor(client, bus, MonitorConfig{
		PollInterval:     time.Hour, // tests drive PollOnce directly
		FetchLimit:       50,
		AlertThreshold1m: 0.05,
		AlertThreshold5m: 0.15,
	}, logger)
	return monitor, client, bus
}

func TestWatchIsIdempotent(t *testing.T) {
	monitor, _, _ := newTestMonitor(t)

	monitor.Watch("pepe")
	monitor.Watch("pepe")

	assert.Len(t, monitor.Watched(), 1)
}

func TestUnwatchDropsHistory(t *testing.T) {
	monitor, client, _ := newTestMonitor(t)
	client.SetPrice("pepe", 1.0, 100)
	monitor.Watch("pepe")
	monitor.PollOnce(context.Background())

	monitor.Unwatch("pepe")

	assert.Empty(t, monitor.Watched())
	assert.Nil(t, monitor.Latest("pepe"))
}

func TestPollOncePublishesUpdates(t *testing.T) {
	monitor, client, bus := newTestMonitor(t)
	client.SetPrice("pepe", 1.0, 100)
	monitor.Watch("pepe")

	var received []*PriceUpdate
	bus.Subscribe(events.EventPriceUpdate, func(event events.Event) {
		update, ok := event.Payload.(*PriceUpdate)
		require.True(t, ok)
		received = append(received, update)
	})

	updates := monitor.PollOnce(context.Background())

	require.Len(t, updates, 1)
	require.Len(t, received, 1)
	assert.Equal(t, "pepe", received[0].Instrument)
	assert.Equal(t, 1.0, received[0].Price)
}

func TestPollOnceSkipsMissingInstruments(t *testing.T) {
	monitor, client, _ := newTestMonitor(t)
	client.SetPrice("pepe", 1.0, 100)
	monitor.Watch("pepe")
	monitor.Watch("ghost") // never in any poll response

	updates := monitor.PollOnce(context.Background())

	require.Len(t, updates, 1)
	assert.Equal(t, "pepe", updates[0].Instrument)
	assert.Nil(t, monitor.Latest("ghost"))
}

func TestPollOnceSurvivesFetchFailure(t *testing.T) {
	monitor, client, _ := newTestMonitor(t)
	client.SetPrice("pepe", 1.0, 100)
	monitor.Watch("pepe")
	client.FailFetch = true

	assert.Nil(t, monitor.PollOnce(context.Background()))

	// Recovery on the next tick
	client.FailFetch = false
	assert.Len(t, monitor.PollOnce(context.Background()), 1)
}

func TestLatestTracksMostRecentPoll(t *testing.T) {
	monitor, client, _ := newTestMonitor(t)
	monitor.Watch("pepe")

	client.SetPrice("pepe", 1.0, 100)
	monitor.PollOnce(context.Background())
	client.SetPrice("pepe", 1.5, 100)
	monitor.PollOnce(context.Background())

	latest := monitor.Latest("pepe")
	require.NotNil(t, latest)
	assert.Equal(t, 1.5, latest.Price)
	assert.InDelta(t, 0.5, latest.Change1m, 1e-9)
}

func TestStartAndStopAreGraceful(t *testing.T) {
	logger := zerolog.Nop()
	bus := events.NewBus(logger)
	client := exchange.NewMockClient()
	client.SetPrice("pepe", 1.0, 100)

	monitor := NewMonitor(client, bus, MonitorConfig{
		PollInterval: 10 * time.Millisecond,
	}, logger)
	monitor.Watch("pepe")

	started := false
	bus.Subscribe(events.EventMonitorStarted, func(events.Event) { started = true })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	monitor.Stop()

	assert.True(t, started)
	assert.NotNil(t, monitor.Latest("pepe"))

	// Stop is safe to call twice
	monitor.Stop()
}
