package emitter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"edgewatch/internal/models"
)

// blockingSink holds every publish until release is closed
type blockingSink struct {
	release chan struct{}

	mu       sync.Mutex
	received []*models.Envelope
}

func (b *blockingSink) Name() string { return "blocking" }
func (b *blockingSink) Close() error { return nil }

func (b *blockingSink) Publish(ctx context.Context, envelope *models.Envelope) error {
	return b.PublishBatch(ctx, []*models.Envelope{envelope})
}

func (b *blockingSink) PublishBatch(ctx context.Context, envelopes []*models.Envelope) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.mu.Lock()
	b.received = append(b.received, envelopes...)
	b.mu.Unlock()
	return nil
}

func (b *blockingSink) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.received)
}

func testAlert(device string) *models.AlertEvent {
	return models.NewThresholdAlert(models.SensorReading{
		DeviceID:  device,
		Metric:    models.MetricTemperature,
		Value:     90,
		Timestamp: time.Now().UTC(),
	}, models.BandCritical, 1, "critical at or above 85")
}

func TestEmitNeverBlocks(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	e := New(Config{
		Publisher:    NewFanout(sink),
		Node:         "test-node",
		QueueSize:    2,
		Workers:      1,
		BatchSize:    1,
		BatchTimeout: time.Millisecond,
	})

	done := make(chan struct{})
	var dropped int
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			if err := e.Emit(testAlert("pump1")); errors.Is(err, models.ErrTransportUnavailable) {
				dropped++
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a stalled sink")
	}

	stats := e.Stats()
	if stats.Emitted+stats.Dropped != 10 {
		t.Errorf("every alert must be queued or dropped: %+v", stats)
	}
	if dropped < 7 || uint64(dropped) != stats.Dropped {
		t.Errorf("expected at least 7 drops, got %d (stats %d)", dropped, stats.Dropped)
	}

	close(sink.release)
	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if sink.count() != int(stats.Emitted) {
		t.Errorf("expected %d delivered, got %d", stats.Emitted, sink.count())
	}
}

func TestCloseFlushesQueue(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	close(sink.release)

	e := New(Config{
		Publisher:    NewFanout(sink),
		QueueSize:    100,
		Workers:      2,
		BatchSize:    10,
		BatchTimeout: time.Hour,
	})

	for i := 0; i < 25; i++ {
		if err := e.Emit(testAlert("pump1")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if sink.count() != 25 {
		t.Errorf("expected 25 delivered on close, got %d", sink.count())
	}
}

func TestEmitAfterClose(t *testing.T) {
	e := New(Config{Publisher: NewFanout()})
	e.Close(context.Background())

	if err := e.Emit(testAlert("pump1")); !errors.Is(err, models.ErrTransportUnavailable) {
		t.Errorf("expected ErrTransportUnavailable after close, got %v", err)
	}

	// Closing twice is harmless
	if err := e.Close(context.Background()); err != nil {
		t.Errorf("unexpected error on second close: %v", err)
	}
}

func TestEnvelopeCarriesNodeAndPartitionKey(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	close(sink.release)

	e := New(Config{Publisher: NewFanout(sink), Node: "edge-7", BatchSize: 1})
	e.Emit(testAlert("pump9"))
	e.Close(context.Background())

	if sink.count() != 1 {
		t.Fatalf("expected one envelope, got %d", sink.count())
	}
	env := sink.received[0]
	if env.Node != "edge-7" || env.PartitionKey != "pump9" || env.Alert.DeviceID != "pump9" {
		t.Errorf("unexpected envelope: %+v", env)
	}
}
