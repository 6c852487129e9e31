// Package bus is the in-process event fanout between the memory services.
// Publishing never blocks the write path: each subscriber drains a bounded
// buffer on its own goroutine, and overflow drops the event for that
// subscriber rather than stalling the publisher.
package bus

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event types emitted by the services.
const (
	EventSessionStarted   = "session.started"
	EventSessionUpdated   = "session.updated"
	EventSessionEnded     = "session.ended"
	EventObservationAdded = "observation.added"
	EventCandidateApplied = "evolution.candidate_applied"
	EventPatternDetected  = "pattern.detected"
)

// Event is one notification. Payload is event-type specific.
type Event struct {
	Type      string
	SessionID string
	Payload   any
	At        time.Time
}

// Handler processes one event. A non-nil error counts against the
// subscriber's circuit breaker.
type Handler func(Event) error

// Config configures the bus.
type Config struct {
	// BufferSize bounds each subscriber's queue (default 64).
	BufferSize int

	// MaxConsecutiveFailures trips a subscriber's breaker (default 3).
	MaxConsecutiveFailures int

	// Logger for structured logging. Required.
	Logger *zap.Logger
}

type subscriber struct {
	name     string
	events   chan Event
	failures int
	tripped  bool
}

// Bus is the event fanout. Subscribers that keep failing are isolated by a
// per-subscriber circuit breaker so one broken consumer cannot poison the
// rest.
type Bus struct {
	logger      *zap.Logger
	maxFailures int
	bufferSize  int

	mu          sync.Mutex
	subscribers map[string]*subscriber
	wg          sync.WaitGroup
	closed      bool
}

// New constructs the bus.
func New(cfg Config) (*Bus, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	return &Bus{
		logger:      cfg.Logger,
		maxFailures: cfg.MaxConsecutiveFailures,
		bufferSize:  cfg.BufferSize,
		subscribers: make(map[string]*subscriber),
	}, nil
}

// Subscribe registers a named handler. Subscribing twice under the same name
// replaces the previous handler after its queue drains.
func (b *Bus) Subscribe(name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	if old, ok := b.subscribers[name]; ok {
		close(old.events)
	}

	sub := &subscriber{name: name, events: make(chan Event, b.bufferSize)}
	b.subscribers[name] = sub

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for ev := range sub.events {
			b.deliver(sub, handler, ev)
		}
	}()
}

func (b *Bus) deliver(sub *subscriber, handler Handler, ev Event) {
	err := handler(ev)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		sub.failures = 0
		return
	}

	sub.failures++
	b.logger.Warn("subscriber handler failed",
		zap.String("subscriber", sub.name),
		zap.String("event", ev.Type),
		zap.Int("consecutive_failures", sub.failures),
		zap.Error(err))

	if sub.failures >= b.maxFailures && !sub.tripped {
		sub.tripped = true
		b.logger.Error("subscriber circuit breaker tripped",
			zap.String("subscriber", sub.name),
			zap.Int("failures", sub.failures))
	}
}

// Publish fans the event out to every healthy subscriber. It never blocks:
// a full queue drops the event for that subscriber with a warning.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for _, sub := range b.subscribers {
		if sub.tripped {
			continue
		}
		select {
		case sub.events <- ev:
		default:
			b.logger.Warn("subscriber queue full, dropping event",
				zap.String("subscriber", sub.name),
				zap.String("event", ev.Type))
		}
	}
}

// Reset closes a tripped subscriber's breaker so it receives events again.
func (b *Bus) Reset(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[name]; ok {
		sub.tripped = false
		sub.failures = 0
	}
}

// Close stops delivery and waits for in-flight handlers to finish.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subscribers {
		close(sub.events)
	}
	b.mu.Unlock()

	b.wg.Wait()
}
