package channel

import (
	"context"
	"testing"
	"time"

	"sensorflow/models"
)

func TestNewChannels(t *testing.T) {
	c := NewChannels(1, 1, 1)
	if c.Raw == nil || c.Results == nil || c.Events == nil {
		t.Fatalf("expected non-nil channels")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.StartMetricsReporting(ctx)
	time.Sleep(10 * time.Millisecond)
	cancel()
	c.Close()
}

func TestSendRawDropsWhenFull(t *testing.T) {
	c := NewChannels(1, 1, 1)
	ctx := context.Background()

	if !c.SendRaw(ctx, models.RawReadingMessage{Source: "test"}) {
		t.Fatal("first send should succeed")
	}
	if c.SendRaw(ctx, models.RawReadingMessage{Source: "test"}) {
		t.Fatal("second send should drop on a full channel")
	}

	stats := c.GetStats()
	if stats.RawSent != 1 || stats.RawDropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSendEventHonorsContext(t *testing.T) {
	c := NewChannels(1, 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Fill the channel, then a canceled context must not block.
	c.SendEvent(context.Background(), models.Event{Type: models.EventDrift})
	if c.SendEvent(ctx, models.Event{Type: models.EventDrift}) {
		t.Fatal("send with canceled context and full channel should fail")
	}
}
