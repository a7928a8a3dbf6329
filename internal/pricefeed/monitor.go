package pricefeed

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pumpfun-trading-bot/internal/events"
	"pumpfun-trading-bot/internal/exchange"
)

// PriceUpdate is the snapshot emitted after each new sample is recorded
type PriceUpdate struct {
	Instrument  string    `json:"instrument"`
	Price       float64   `json:"price"`
	Volume      float64   `json:"volume"`
	Timestamp   time.Time `json:"timestamp"`
	Change1m    float64   `json:"change_1m"`
	Change5m    float64   `json:"change_5m"`
	VolumeSpike float64   `json:"volume_spike"`
	Momentum    float64   `json:"momentum"`
}

// MonitorConfig holds polling and alerting thresholds
type MonitorConfig struct {
	PollInterval         time.Duration
	FetchLimit           int
	MaxHistory           int
	AlertThreshold1m     float64
	AlertThreshold5m     float64
	VolumeSpikeThreshold float64
}

// Monitor polls the marketplace for all watched instruments and feeds
// per-instrument rolling histories. Subscribers are notified synchronously
// through the event bus, so all downstream state transitions for an update
// complete before the next update of the same instrument is processed.
type Monitor struct {
	source exchange.MarketDataSource
	bus    *events.Bus
	config MonitorConfig
	logger zerolog.Logger

	mu        sync.RWMutex
	watched   map[string]struct{}
	histories map[string]*History

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor creates a price monitor
func NewMonitor(source exchange.MarketDataSource, bus *events.Bus, config MonitorConfig, logger zerolog.Logger) *Monitor {
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.FetchLimit <= 0 {
		config.FetchLimit = 200
	}
	if config.MaxHistory <= 0 {
		config.MaxHistory = DefaultMaxHistory
	}
	return &Monitor{
		source:    source,
		bus:       bus,
		config:    config,
		logger:    logger.With().Str("component", "price_monitor").Logger(),
		watched:   make(map[string]struct{}),
		histories: make(map[string]*History),
		stopChan:  make(chan struct{}),
	}
}

// Watch adds an instrument to the polling set. Idempotent.
func (m *Monitor) Watch(instrument string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.watched[instrument]; ok {
		return
	}
	m.watched[instrument] = struct{}{}
	if _, ok := m.histories[instrument]; !ok {
		m.histories[instrument] = NewHistory(instrument, m.config.MaxHistory)
	}
	m.logger.Info().Str("instrument", instrument).Msg("now watching")
}

// WatchAll adds multiple instruments to the polling set
func (m *Monitor) WatchAll(instruments []string) {
	for _, inst := range instruments {
		m.Watch(inst)
	}
}

// Unwatch removes an instrument and drops its history
func (m *Monitor) Unwatch(instrument string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.watched, instrument)
	delete(m.histories, instrument)
	m.logger.Info().Str("instrument", instrument).Msg("stopped watching")
}

// Watched returns the current polling set
func (m *Monitor) Watched() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.watched))
	for inst := range m.watched {
		out = append(out, inst)
	}
	return out
}

// Latest returns the most recent update for an instrument, nil if no
// samples have been recorded yet.
func (m *Monitor) Latest(instrument string) *PriceUpdate {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history, ok := m.histories[instrument]
	if !ok {
		return nil
	}
	return history.Snapshot()
}

// Volatility returns the derived volatility for an instrument, 0 if unknown
func (m *Monitor) Volatility(instrument string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history, ok := m.histories[instrument]
	if !ok {
		return 0
	}
	return history.Volatility()
}

// Start begins the background polling loop
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.runPollLoop(ctx)
	m.bus.Publish(events.Event{Type: events.EventMonitorStarted})
	m.logger.Info().Dur("interval", m.config.PollInterval).Msg("price monitor started")
}

// Stop requests a graceful stop: the current tick finishes, no next tick starts
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
	m.bus.Publish(events.Event{Type: events.EventMonitorStopped})
	m.logger.Info().Msg("price monitor stopped")
}

func (m *Monitor) runPollLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	// Poll immediately so histories start filling without waiting a tick
	m.PollOnce(ctx)

	for {
		select {
		case <-ticker.C:
			m.PollOnce(ctx)
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// PollOnce fetches prices for the watched set and processes every
// returned instrument. Transient fetch failures are logged and skipped;
// history simply does not advance for that tick.
func (m *Monitor) PollOnce(ctx context.Context) []*PriceUpdate {
	tokens, err := m.source.GetMarketplaceTokens(ctx, m.config.FetchLimit)
	if err != nil {
		m.logger.Error().Err(err).Msg("price fetch failed")
		return nil
	}

	byDenom := make(map[string]exchange.MarketToken, len(tokens))
	for _, t := range tokens {
		byDenom[t.Denom] = t
	}

	now := time.Now().UTC()
	var updates []*PriceUpdate

	for _, inst := range m.Watched() {
		token, ok := byDenom[inst]
		if !ok {
			// Normal under thin liquidity: the instrument just was not
			// in this poll response.
			continue
		}
		update := m.processSample(inst, token.Price, token.Volume, now)
		if update == nil {
			continue
		}
		updates = append(updates, update)

		m.bus.Publish(events.Event{
			Type:      events.EventPriceUpdate,
			Timestamp: update.Timestamp,
			Payload:   update,
		})
	}

	return updates
}

func (m *Monitor) processSample(instrument string, price, volume float64, ts time.Time) *PriceUpdate {
	m.mu.Lock()
	history, ok := m.histories[instrument]
	if !ok {
		history = NewHistory(instrument, m.config.MaxHistory)
		m.histories[instrument] = history
	}
	added := history.Add(price, volume, ts)
	update := history.Snapshot()
	m.mu.Unlock()

	if !added || update == nil {
		return nil
	}

	if m.isAlert(update) {
		m.logger.Warn().
			Str("instrument", instrument).
			Float64("change_1m", update.Change1m).
			Float64("change_5m", update.Change5m).
			Float64("volume_spike", update.VolumeSpike).
			Msg("significant move")
	}

	return update
}

// isAlert flags moves worth logging at elevated severity. Alerting is
// observational only; trading action comes from pattern detection.
func (m *Monitor) isAlert(u *PriceUpdate) bool {
	return math.Abs(u.Change1m) >= m.config.AlertThreshold1m ||
		math.Abs(u.Change5m) >= m.config.AlertThreshold5m ||
		u.VolumeSpike >= m.config.VolumeSpikeThreshold
}
