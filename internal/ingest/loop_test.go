package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"edgewatch/internal/alerts"
	"edgewatch/internal/models"
	"edgewatch/internal/state"
	"edgewatch/internal/threshold"
)

// sliceSource sends its messages in order then waits for shutdown
type sliceSource struct {
	messages []models.RawMessage
}

func (s *sliceSource) Name() string { return "test" }

func (s *sliceSource) Run(ctx context.Context, out chan<- models.RawMessage) error {
	for _, msg := range s.messages {
		select {
		case out <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	<-ctx.Done()
	return nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	alerts []*models.AlertEvent
}

func (e *recordingEmitter) Emit(alert *models.AlertEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.alerts = append(e.alerts, alert)
	return nil
}

func (e *recordingEmitter) snapshot() []*models.AlertEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*models.AlertEvent(nil), e.alerts...)
}

var base = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func readingMsg(device string, metric models.Metric, value float64, offset time.Duration) models.RawMessage {
	payload := fmt.Sprintf(`{"metric":%q,"value":%g,"timestamp":%q}`,
		metric, value, base.Add(offset).Format(time.RFC3339Nano))
	return models.RawMessage{Source: "test", DeviceID: device, Payload: []byte(payload), ReceivedAt: base}
}

func newEvaluator(cooldown time.Duration) (*alerts.Evaluator, *state.Store) {
	store := state.NewStore(8)
	return alerts.NewEvaluator(alerts.EvaluatorConfig{
		Policy: threshold.Default(),
		Store:  store,
		Gate:   alerts.NewGate(cooldown, false),
	}), store
}

// runUntil runs the loop until cond holds or the deadline passes
func runUntil(t *testing.T, l *Loop, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoopPressureRampAlertsOnce(t *testing.T) {
	var msgs []models.RawMessage
	for i, v := range []float64{60, 60, 98, 99, 100} {
		msgs = append(msgs, readingMsg("pump1", models.MetricPressure, v, time.Duration(i)*time.Second))
	}

	evaluator, _ := newEvaluator(60 * time.Second)
	emitter := &recordingEmitter{}
	l := NewLoop(Config{
		Sources:   []Source{&sliceSource{messages: msgs}},
		Evaluator: evaluator,
		Emitter:   emitter,
		Workers:   4,
	})

	runUntil(t, l, func() bool { return l.Stats().Evaluated == 5 })

	got := emitter.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected one alert, got %d", len(got))
	}
	if got[0].Value != 98 || got[0].Band != models.BandCritical {
		t.Errorf("expected critical alert at 98, got %s at %g", got[0].Band, got[0].Value)
	}
}

func TestLoopMalformedDoesNotStopProcessing(t *testing.T) {
	msgs := []models.RawMessage{
		{Source: "test", DeviceID: "pump1", Payload: []byte(`{"metric":`), ReceivedAt: base},
		{Source: "test", DeviceID: "pump1", Payload: []byte(`{"metric":"pressure"}`), ReceivedAt: base},
		readingMsg("pump1", "humidity", 50, 0),
		readingMsg("pump1", models.MetricFlowRate, 45, time.Second),
	}

	evaluator, _ := newEvaluator(time.Minute)
	emitter := &recordingEmitter{}
	l := NewLoop(Config{
		Sources:   []Source{&sliceSource{messages: msgs}},
		Evaluator: evaluator,
		Emitter:   emitter,
	})

	runUntil(t, l, func() bool { return l.Stats().Evaluated == 1 })

	stats := l.Stats()
	if stats.Malformed != 2 || stats.UnknownMetric != 1 || stats.Evaluated != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	got := emitter.snapshot()
	if len(got) != 1 || got[0].Metric != models.MetricFlowRate || got[0].Band != models.BandCritical {
		t.Errorf("expected flow rate critical alert, got %+v", got)
	}
}

// orderRecorder checks readings of each device arrive in timestamp order
type orderRecorder struct {
	mu         sync.Mutex
	last       map[string]time.Time
	count      int
	violations int
}

func (o *orderRecorder) Evaluate(r models.SensorReading) (*models.AlertEvent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.last[r.DeviceID]; ok && r.Timestamp.Before(prev) {
		o.violations++
	}
	o.last[r.DeviceID] = r.Timestamp
	o.count++
	return nil, nil
}

func (o *orderRecorder) total() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.count
}

func TestLoopPreservesPerDeviceOrder(t *testing.T) {
	const devices = 20
	const perDevice = 50

	var msgs []models.RawMessage
	for i := 0; i < perDevice; i++ {
		for d := 0; d < devices; d++ {
			msgs = append(msgs, readingMsg(fmt.Sprintf("pump%d", d), models.MetricPressure, 60, time.Duration(i)*time.Second))
		}
	}

	rec := &orderRecorder{last: make(map[string]time.Time)}
	l := NewLoop(Config{
		Sources:   []Source{&sliceSource{messages: msgs}},
		Evaluator: rec,
		Emitter:   &recordingEmitter{},
		Workers:   8,
		QueueSize: 64,
	})

	runUntil(t, l, func() bool { return rec.total() == devices*perDevice })

	if rec.total() != devices*perDevice {
		t.Fatalf("expected %d evaluations, got %d", devices*perDevice, rec.total())
	}
	if rec.violations != 0 {
		t.Errorf("found %d out-of-order readings", rec.violations)
	}
}

func TestLoopDrainsInboundOnShutdown(t *testing.T) {
	evaluator, _ := newEvaluator(time.Minute)
	l := NewLoop(Config{Evaluator: evaluator, Emitter: &recordingEmitter{}, QueueSize: 100})

	for i := 0; i < 30; i++ {
		l.Inbound() <- readingMsg(fmt.Sprintf("pump%d", i), models.MetricPressure, 60, 0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats := l.Stats(); stats.Evaluated != 30 || stats.QueueSize != 0 {
		t.Errorf("expected every queued message evaluated, got %+v", stats)
	}
}

func TestLoopDeviceFromPayload(t *testing.T) {
	evaluator, store := newEvaluator(time.Minute)
	emitter := &recordingEmitter{}
	l := NewLoop(Config{
		Sources: []Source{&sliceSource{messages: []models.RawMessage{{
			Source:     "http",
			Payload:    []byte(`{"device_id":"pump5","metric":"temperature","value":90}`),
			ReceivedAt: base,
		}}}},
		Evaluator: evaluator,
		Emitter:   emitter,
	})

	runUntil(t, l, func() bool { return l.Stats().Evaluated == 1 })

	got := emitter.snapshot()
	if len(got) != 1 || got[0].DeviceID != "pump5" {
		t.Fatalf("expected alert for pump5, got %+v", got)
	}
	if !got[0].Timestamp.Equal(base) {
		t.Errorf("missing timestamp must fall back to receive time, got %v", got[0].Timestamp)
	}
	if store.Len() != 1 {
		t.Errorf("expected one state key, got %d", store.Len())
	}
}

func TestLoopRunsPatterns(t *testing.T) {
	hot := func(offset time.Duration) models.RawMessage {
		payload := fmt.Sprintf(`{"pressure":60,"temperature":70,"vibration":0.1,"flow_rate":150,"timestamp":%q}`,
			base.Add(offset).Format(time.RFC3339))
		return models.RawMessage{Source: "test", DeviceID: "pump1", Payload: []byte(payload), ReceivedAt: base}
	}

	store := state.NewStore(8)
	gate := alerts.NewGate(time.Minute, false)
	evaluator := alerts.NewEvaluator(alerts.EvaluatorConfig{Policy: threshold.Default(), Store: store, Gate: gate})
	emitter := &recordingEmitter{}

	l := NewLoop(Config{
		Sources:   []Source{&sliceSource{messages: []models.RawMessage{hot(0), hot(time.Second), hot(2 * time.Second)}}},
		Evaluator: evaluator,
		Patterns:  alerts.NewPatternDetector(alerts.DefaultPatterns(), store, gate, 0),
		Emitter:   emitter,
	})

	runUntil(t, l, func() bool { return l.Stats().Evaluated == 12 })

	var kinds = map[models.AlertKind]int{}
	for _, a := range emitter.snapshot() {
		kinds[a.Kind]++
		if a.Kind == models.AlertKindPattern && a.Metric != "bearing_failure" {
			t.Errorf("unexpected pattern alert %s", a.Metric)
		}
	}
	// vibration 0.1 is a warning on every message but gated to one alert
	if kinds[models.AlertKindThreshold] != 1 || kinds[models.AlertKindPattern] != 1 {
		t.Errorf("unexpected alert mix: %v", kinds)
	}
}
