package alerts

import (
	"strings"
	"testing"
	"time"

	"edgewatch/internal/models"
	"edgewatch/internal/state"
)

func measurement(device string, offset time.Duration, values map[models.Metric]float64) []models.SensorReading {
	var out []models.SensorReading
	for _, m := range models.KnownMetrics {
		v, ok := values[m]
		if !ok {
			continue
		}
		out = append(out, reading(device, m, v, offset))
	}
	return out
}

func hot() map[models.Metric]float64 {
	return map[models.Metric]float64{
		models.MetricPressure:    60,
		models.MetricTemperature: 70,
		models.MetricVibration:   0.1,
		models.MetricFlowRate:    150,
	}
}

func TestBearingFailureNeedsThreeMeasurements(t *testing.T) {
	d := NewPatternDetector(DefaultPatterns(), state.NewStore(4), NewGate(time.Minute, false), 0)

	for i := 0; i < 2; i++ {
		if alerts := d.Observe(measurement("pump1", time.Duration(i)*time.Second, hot())); len(alerts) != 0 {
			t.Fatalf("measurement %d: unexpected alerts %+v", i, alerts)
		}
	}

	alerts := d.Observe(measurement("pump1", 2*time.Second, hot()))
	if len(alerts) != 1 {
		t.Fatalf("expected bearing alert, got %d alerts", len(alerts))
	}

	a := alerts[0]
	if a.Metric != "bearing_failure" || a.Band != models.BandCritical || a.Kind != models.AlertKindPattern {
		t.Errorf("unexpected alert: %+v", a)
	}
	if a.Value != 70 {
		t.Errorf("expected temperature as value, got %g", a.Value)
	}

	// Cooldown applies per pattern
	if alerts := d.Observe(measurement("pump1", 3*time.Second, hot())); len(alerts) != 0 {
		t.Errorf("expected suppression inside cooldown, got %d alerts", len(alerts))
	}
}

func TestBearingFailureInterruptedByCoolReading(t *testing.T) {
	d := NewPatternDetector(DefaultPatterns(), state.NewStore(4), NewGate(time.Minute, false), 0)

	cool := hot()
	cool[models.MetricTemperature] = 50

	d.Observe(measurement("pump1", 0, hot()))
	d.Observe(measurement("pump1", time.Second, hot()))
	d.Observe(measurement("pump1", 2*time.Second, cool))

	if alerts := d.Observe(measurement("pump1", 3*time.Second, hot())); len(alerts) != 0 {
		t.Errorf("expected no alert after interruption, got %+v", alerts)
	}
}

func TestPossibleBlockage(t *testing.T) {
	d := NewPatternDetector(DefaultPatterns(), state.NewStore(4), NewGate(time.Minute, false), 0)

	alerts := d.Observe(measurement("pump1", 0, map[models.Metric]float64{
		models.MetricPressure: 80,
		models.MetricFlowRate: 100,
	}))
	if len(alerts) != 1 {
		t.Fatalf("expected blockage alert, got %d", len(alerts))
	}
	if alerts[0].Metric != "possible_blockage" || alerts[0].Band != models.BandWarning || alerts[0].Value != 100 {
		t.Errorf("unexpected alert: %+v", alerts[0])
	}
}

func TestPatternWindowCarriesLatestValues(t *testing.T) {
	d := NewPatternDetector(DefaultPatterns(), state.NewStore(4), NewGate(time.Minute, false), 0)

	// Metrics arriving in separate messages still combine
	d.Observe([]models.SensorReading{reading("pump1", models.MetricPressure, 80, 0)})
	alerts := d.Observe([]models.SensorReading{reading("pump1", models.MetricFlowRate, 100, time.Second)})
	if len(alerts) != 1 || alerts[0].Metric != "possible_blockage" {
		t.Errorf("expected blockage from combined readings, got %+v", alerts)
	}
}

func TestPatternDevicesAreIndependent(t *testing.T) {
	d := NewPatternDetector(DefaultPatterns(), state.NewStore(4), NewGate(time.Minute, false), 0)

	d.Observe(measurement("pump1", 0, hot()))
	d.Observe(measurement("pump1", time.Second, hot()))

	if alerts := d.Observe(measurement("pump2", 2*time.Second, hot())); len(alerts) != 0 {
		t.Errorf("pump2 window must not include pump1 measurements, got %+v", alerts)
	}
}

func TestPatternSweep(t *testing.T) {
	d := NewPatternDetector(DefaultPatterns(), state.NewStore(4), NewGate(time.Minute, false), 0)
	d.clock = func() time.Time { return base }

	d.Observe(measurement("pump1", 0, hot()))
	d.Observe(measurement("pump2", 0, hot()))

	if removed := d.Sweep(time.Minute, base.Add(time.Hour)); removed != 2 {
		t.Errorf("expected 2 windows swept, got %d", removed)
	}
	if removed := d.Sweep(time.Minute, base.Add(time.Hour)); removed != 0 {
		t.Errorf("expected nothing left, got %d", removed)
	}
}

func TestBearingFailureNeedsWholeRecentWindowHot(t *testing.T) {
	d := NewPatternDetector(DefaultPatterns(), state.NewStore(4), NewGate(time.Minute, false), 0)

	cool := hot()
	cool[models.MetricTemperature] = 50

	sequence := []map[models.Metric]float64{cool, cool, hot(), hot(), hot(), hot(), hot()}
	var fired []int
	for i, values := range sequence {
		for _, a := range d.Observe(measurement("pump1", time.Duration(i)*time.Second, values)) {
			if a.Metric == "bearing_failure" {
				fired = append(fired, i)
			}
		}
	}

	// Only once the five most recent measurements are all hot
	if len(fired) != 1 || fired[0] != 6 {
		t.Errorf("bearing alert at measurements %v, want [6]", fired)
	}
}

func TestPerMetricMessagesFoldIntoOneMeasurement(t *testing.T) {
	d := NewPatternDetector(DefaultPatterns(), state.NewStore(4), NewGate(time.Minute, false), 0)

	for metric, value := range hot() {
		if alerts := d.Observe([]models.SensorReading{reading("pump1", metric, value, 0)}); len(alerts) != 0 {
			t.Fatalf("unexpected alerts from one sample: %+v", alerts)
		}
	}

	d.mu.Lock()
	window := d.windows["pump1"]
	d.mu.Unlock()

	if len(window) != 1 {
		t.Fatalf("expected one measurement, got %d", len(window))
	}
	if len(window[0].Values) != len(models.KnownMetrics) {
		t.Errorf("expected every metric merged, got %v", window[0].Values)
	}
}

func TestRisingTrends(t *testing.T) {
	tests := []struct {
		name       string
		metric     models.Metric
		values     []float64
		wantFireAt int // -1 for never
		wantDetail string
	}{
		{"fast pressure rise", models.MetricPressure, []float64{60, 63, 66, 69, 72}, 4, "+2.40 PSI per reading"},
		{"slow pressure rise", models.MetricPressure, []float64{60, 61, 62, 63, 64, 65}, -1, ""},
		{"fast temperature rise", models.MetricTemperature, []float64{40, 42, 44, 46, 48}, 4, "+1.60 °C per reading"},
		{"falling temperature", models.MetricTemperature, []float64{60, 55, 50, 45, 40}, -1, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewPatternDetector(DefaultPatterns(), state.NewStore(4), NewGate(time.Minute, false), 0)
			trend := models.Metric(string(tt.metric) + "_trend")

			fireAt := -1
			for i, v := range tt.values {
				for _, a := range d.Observe([]models.SensorReading{reading("pump1", tt.metric, v, time.Duration(i)*time.Second)}) {
					if a.Metric != trend {
						t.Fatalf("unexpected alert %s", a.Metric)
					}
					if fireAt != -1 {
						t.Fatalf("trend fired twice inside cooldown")
					}
					fireAt = i
					if a.Value != v || !strings.Contains(a.Reason, tt.wantDetail) {
						t.Errorf("unexpected alert: value %g reason %q", a.Value, a.Reason)
					}
				}
			}

			if fireAt != tt.wantFireAt {
				t.Errorf("trend fired at %d, want %d", fireAt, tt.wantFireAt)
			}
		})
	}
}

func TestUnmatchedPatternsCreateNoState(t *testing.T) {
	store := state.NewStore(4)
	d := NewPatternDetector(DefaultPatterns(), store, NewGate(time.Minute, false), 0)

	d.Observe(measurement("pump1", 0, map[models.Metric]float64{models.MetricFlowRate: 150}))
	if store.Len() != 0 {
		t.Fatalf("expected no state for unmatched patterns, got %d keys", store.Len())
	}

	d.Observe(measurement("pump1", time.Second, map[models.Metric]float64{
		models.MetricPressure: 80,
		models.MetricFlowRate: 100,
	}))
	d.Observe(measurement("pump1", 2*time.Second, map[models.Metric]float64{
		models.MetricPressure: 60,
		models.MetricFlowRate: 150,
	}))

	key := state.Key{DeviceID: "pump1", Metric: "possible_blockage"}
	if store.Len() != 1 {
		t.Fatalf("expected only the fired pattern key, got %d keys", store.Len())
	}
	if st := store.GetOrCreate(key); st.Streak != 0 || !st.Alerted() {
		t.Errorf("expected reset streak with alert kept, got %+v", st)
	}
}
