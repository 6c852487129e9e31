package bus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/DerianAndre/aidd.md-sub003/internal/logging"
)

func newTestBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	cfg.Logger = zaptest.NewLogger(t)
	b, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func TestNewRequiresLogger(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestPublishDeliversToSubscribers(t *testing.T) {
	b := newTestBus(t, Config{})

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	b.Subscribe("recorder", func(ev Event) error {
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
		if len(got) == 2 {
			close(done)
		}
		return nil
	})

	b.Publish(Event{Type: EventSessionStarted, SessionID: "s1"})
	b.Publish(Event{Type: EventObservationAdded, SessionID: "s1"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{EventSessionStarted, EventObservationAdded}, got)
}

func TestPublishNeverBlocksOnFullQueue(t *testing.T) {
	b := newTestBus(t, Config{BufferSize: 1})

	release := make(chan struct{})
	b.Subscribe("slow", func(Event) error {
		<-release
		return nil
	})

	// Far more events than the queue holds; Publish must return promptly.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: EventSessionUpdated})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	close(release)
}

func TestCircuitBreakerTripsAndResets(t *testing.T) {
	b := newTestBus(t, Config{MaxConsecutiveFailures: 3})

	var mu sync.Mutex
	calls := 0
	b.Subscribe("flaky", func(Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("boom")
	})

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: EventPatternDetected})
		time.Sleep(20 * time.Millisecond)
	}

	// The breaker opened after three failures; later publishes were skipped.
	mu.Lock()
	tripped := calls
	mu.Unlock()
	assert.Equal(t, 3, tripped)

	b.Reset("flaky")
	b.Publish(Event{Type: EventPatternDetected})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 4
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFailureCountResetsOnSuccess(t *testing.T) {
	b := newTestBus(t, Config{MaxConsecutiveFailures: 3})

	var mu sync.Mutex
	calls := 0
	b.Subscribe("recovering", func(Event) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls%3 == 0 {
			return nil
		}
		return errors.New("transient")
	})

	for i := 0; i < 9; i++ {
		b.Publish(Event{Type: EventSessionEnded})
		time.Sleep(20 * time.Millisecond)
	}

	// Every third delivery succeeds, so the breaker never reaches three
	// consecutive failures and all nine events are handled.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 9, calls)
}

func TestBreakerTripIsLogged(t *testing.T) {
	log := logging.NewTestLogger()
	b, err := New(Config{MaxConsecutiveFailures: 2, Logger: log.Logger})
	require.NoError(t, err)
	defer b.Close()

	b.Subscribe("broken", func(ev Event) error {
		return errors.New("handler broken")
	})

	b.Publish(Event{Type: EventSessionStarted})
	b.Publish(Event{Type: EventSessionStarted})

	assert.Eventually(t, func() bool {
		for _, entry := range log.All() {
			if entry.Level == zapcore.ErrorLevel {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	log.AssertLogged(t, zapcore.WarnLevel, "subscriber handler failed")
	log.AssertLogged(t, zapcore.ErrorLevel, "subscriber circuit breaker tripped")
}

func TestCloseIsIdempotent(t *testing.T) {
	logger := zaptest.NewLogger(t)
	b, err := New(Config{Logger: logger})
	require.NoError(t, err)
	b.Subscribe("noop", func(Event) error { return nil })
	b.Close()
	b.Close()

	// Publishing after close is a no-op, not a panic.
	b.Publish(Event{Type: EventSessionStarted})
}
