package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventPriceUpdate     EventType = "PRICE_UPDATE"
	EventPatternDetected EventType = "PATTERN_DETECTED"
	EventExitSignal      EventType = "EXIT_SIGNAL"
	EventExitExecuted    EventType = "EXIT_EXECUTED"
	EventEntryExecuted   EventType = "ENTRY_EXECUTED"
	EventMonitorStarted  EventType = "MONITOR_STARTED"
	EventMonitorStopped  EventType = "MONITOR_STOPPED"
	EventError           EventType = "ERROR"
)

// Event represents a system event. Payload carries the typed signal
// (PriceUpdate, PatternSignal, ExitSignal) for subscribers that need it.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   any
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages event publishing and subscriptions.
//
// Dispatch is synchronous: the trading loop depends on every subscriber
// having observed an update before the next sample for the same instrument
// is processed. A panicking subscriber is isolated so it cannot abort the
// tick for the others.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
	logger      zerolog.Logger
}

// NewBus creates a new event bus
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
		logger:      logger.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers a subscriber for a specific event type
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.allSubs = append(b.allSubs, subscriber)
}

// Publish sends an event to all subscribers in registration order
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	subs := b.subscribers[event.Type]
	allSubs := b.allSubs
	b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	for _, sub := range subs {
		b.dispatch(event, sub)
	}
	for _, sub := range allSubs {
		b.dispatch(event, sub)
	}
}

func (b *Bus) dispatch(event Event, sub Subscriber) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("event_type", string(event.Type)).
				Interface("panic", r).
				Msg("subscriber panicked")
		}
	}()
	sub(event)
}
