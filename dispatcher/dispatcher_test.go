package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	appconfig "sensorflow/config"
	"sensorflow/internal/channel"
	"sensorflow/models"
)

type fakeSink struct {
	mu       sync.Mutex
	name     string
	failures int
	emitted  []models.Event
}

func (f *fakeSink) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *fakeSink) Emit(_ context.Context, event models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("sink unavailable")
	}
	f.emitted = append(f.emitted, event)
	return nil
}

func (f *fakeSink) emittedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.emitted)
}

func testConfig() *appconfig.Config {
	return &appconfig.Config{
		Channels: appconfig.ChannelsConfig{RawBuffer: 8, ResultBuffer: 8, EventBuffer: 8},
		Dispatcher: appconfig.DispatcherConfig{
			QueueSize:   4,
			MaxAttempts: 5,
			EmitTimeout: time.Second,
			RetryDelay:  5 * time.Millisecond,
			Breaker: appconfig.CircuitBreakerConfig{
				FailureThreshold:    100,
				RecoveryTimeout:     time.Second,
				HalfOpenMaxRequests: 1,
			},
		},
	}
}

func event(id string) models.Event {
	return models.Event{EventID: id, Type: models.EventDrift, StreamID: "sensor-1", Timestamp: time.Now()}
}

func startDispatcher(t *testing.T, cfg *appconfig.Config, sinks ...Sink) (*Dispatcher, *channel.Channels) {
	t.Helper()
	ch := channel.NewChannels(cfg.Channels.RawBuffer, cfg.Channels.ResultBuffer, cfg.Channels.EventBuffer)
	d, err := NewDispatcher(cfg, ch, sinks...)
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		d.Stop()
		ch.Close()
	})
	return d, ch
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestDispatcherRequiresSink(t *testing.T) {
	if _, err := NewDispatcher(testConfig(), nil); err == nil {
		t.Fatal("expected error with no sinks")
	}
}

func TestDispatcherDeliversFromChannel(t *testing.T) {
	sink := &fakeSink{}
	_, ch := startDispatcher(t, testConfig(), sink)

	ch.SendEvent(context.Background(), event("ev-1"))

	waitFor(t, time.Second, func() bool { return sink.emittedCount() == 1 })
}

func TestDispatcherRetriesUntilSuccess(t *testing.T) {
	sink := &fakeSink{failures: 2}
	_, ch := startDispatcher(t, testConfig(), sink)

	ch.SendEvent(context.Background(), event("ev-1"))

	waitFor(t, 2*time.Second, func() bool { return sink.emittedCount() == 1 })

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.emitted[0].EventID != "ev-1" {
		t.Errorf("delivered event = %s, want ev-1", sink.emitted[0].EventID)
	}
}

func TestDispatcherGivesUpAfterMaxAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.Dispatcher.MaxAttempts = 2
	sink := &fakeSink{failures: 100}
	d, ch := startDispatcher(t, cfg, sink)

	ch.SendEvent(context.Background(), event("ev-1"))

	// Two attempts at 5ms retry delay resolve quickly.
	time.Sleep(200 * time.Millisecond)
	if got := sink.emittedCount(); got != 0 {
		t.Errorf("emitted %d events, want 0", got)
	}
	if depth := d.QueueDepth(); depth != 0 {
		t.Errorf("queue depth = %d after giving up, want 0", depth)
	}
}

func TestRequeueShedsOldestWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.Dispatcher.QueueSize = 2
	ch := channel.NewChannels(8, 8, 8)
	d, err := NewDispatcher(cfg, ch, &fakeSink{})
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		d.requeue(event(fmt.Sprintf("ev-%d", i)))
	}

	if depth := d.QueueDepth(); depth != 2 {
		t.Fatalf("queue depth = %d, want 2", depth)
	}
	// The two newest events survive.
	first := <-d.retryQueue
	second := <-d.retryQueue
	if first.EventID != "ev-3" || second.EventID != "ev-4" {
		t.Errorf("surviving events = %s, %s; want ev-3, ev-4", first.EventID, second.EventID)
	}
}

func TestDispatcherOneFailingSinkDoesNotBlockOthers(t *testing.T) {
	healthy := &fakeSink{name: "healthy"}
	broken := &fakeSink{name: "broken", failures: 1 << 30}
	cfg := testConfig()
	cfg.Dispatcher.MaxAttempts = 1
	_, ch := startDispatcher(t, cfg, healthy, broken)

	ch.SendEvent(context.Background(), event("ev-1"))

	waitFor(t, time.Second, func() bool { return healthy.emittedCount() == 1 })
}
