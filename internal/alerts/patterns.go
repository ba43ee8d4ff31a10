package alerts

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"edgewatch/internal/logger"
	"edgewatch/internal/metrics"
	"edgewatch/internal/models"
	"edgewatch/internal/state"
)

const (
	// DefaultPatternWindow is the number of measurements kept per device
	DefaultPatternWindow = 10

	bearingWindow  = 5
	bearingMinimum = 3
	trendMinimum   = 5
)

// Measurement is the latest known value of every metric for a device at
// one point in time. Readings sharing a timestamp fold into one measurement.
type Measurement struct {
	Timestamp time.Time
	Values    map[models.Metric]float64
}

func (m Measurement) value(metric models.Metric) float64 {
	return m.Values[metric]
}

// Match is what a pattern reports when it fires
type Match struct {
	Value  float64
	Detail string
}

// Pattern is a composite condition spanning several metrics or readings
type Pattern struct {
	Name models.Metric
	Band models.Band

	// Match inspects the device window, oldest first
	Match func(window []Measurement) (Match, bool)

	Reason string
}

// DefaultPatterns returns the built-in failure and trend patterns
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:   "bearing_failure",
			Band:   models.BandCritical,
			Match:  matchBearingFailure,
			Reason: "sustained high temperature with high vibration, inspect bearings",
		},
		{
			Name:   "possible_blockage",
			Band:   models.BandWarning,
			Match:  matchBlockage,
			Reason: "low flow rate with high pressure, check for blockage",
		},
		{
			Name:   "pressure_trend",
			Band:   models.BandWarning,
			Match:  risingTrend(models.MetricPressure, 2, "PSI"),
			Reason: "pressure rising rapidly, investigate the cause",
		},
		{
			Name:   "temperature_trend",
			Band:   models.BandWarning,
			Match:  risingTrend(models.MetricTemperature, 1.5, "°C"),
			Reason: "temperature rising rapidly, check the cooling system",
		},
	}
}

// matchBearingFailure fires when every recent measurement, at least three of
// them, is both hot and vibrating
func matchBearingFailure(window []Measurement) (Match, bool) {
	if len(window) > bearingWindow {
		window = window[len(window)-bearingWindow:]
	}
	if len(window) < bearingMinimum {
		return Match{}, false
	}

	for _, m := range window {
		if m.value(models.MetricTemperature) <= 65 || m.value(models.MetricVibration) <= 0.08 {
			return Match{}, false
		}
	}
	return Match{Value: window[len(window)-1].value(models.MetricTemperature)}, true
}

func matchBlockage(window []Measurement) (Match, bool) {
	cur := window[len(window)-1]
	flow, ok := cur.Values[models.MetricFlowRate]
	if !ok {
		return Match{}, false
	}
	if flow < 120 && cur.value(models.MetricPressure) > 75 {
		return Match{Value: flow}, true
	}
	return Match{}, false
}

// risingTrend fires when metric climbs faster than limit per measurement
// across the whole window, which must hold at least five measurements that
// all carry the metric
func risingTrend(metric models.Metric, limit float64, unit string) func([]Measurement) (Match, bool) {
	return func(window []Measurement) (Match, bool) {
		if len(window) < trendMinimum {
			return Match{}, false
		}
		for _, m := range window {
			if _, ok := m.Values[metric]; !ok {
				return Match{}, false
			}
		}

		last := window[len(window)-1].value(metric)
		rate := (last - window[0].value(metric)) / float64(len(window))
		if rate <= limit {
			return Match{}, false
		}
		return Match{Value: last, Detail: fmt.Sprintf("+%.2f %s per reading", rate, unit)}, true
	}
}

// PatternDetector tracks a short measurement window per device and raises
// pattern alerts through the same cooldown gate as threshold alerts
type PatternDetector struct {
	patterns []Pattern
	store    *state.Store
	gate     *Gate
	size     int
	clock    func() time.Time

	mu       sync.Mutex
	windows  map[string][]Measurement
	lastSeen map[string]time.Time
}

// NewPatternDetector creates a detector. A non-positive size uses
// DefaultPatternWindow.
func NewPatternDetector(patterns []Pattern, store *state.Store, gate *Gate, size int) *PatternDetector {
	if size <= 0 {
		size = DefaultPatternWindow
	}

	return &PatternDetector{
		patterns: patterns,
		store:    store,
		gate:     gate,
		size:     size,
		clock:    time.Now,
		windows:  make(map[string][]Measurement),
		lastSeen: make(map[string]time.Time),
	}
}

// Observe folds one decoded payload into the device window and returns any
// pattern alerts it permits. All readings must belong to the same device.
func (d *PatternDetector) Observe(readings []models.SensorReading) []*models.AlertEvent {
	if len(readings) == 0 {
		return nil
	}

	deviceID := readings[0].DeviceID
	window := d.push(deviceID, readings)

	var out []*models.AlertEvent
	for _, p := range d.patterns {
		if alert := d.check(deviceID, p, window); alert != nil {
			out = append(out, alert)
		}
	}
	return out
}

// Sweep drops windows of devices silent for longer than idle
func (d *PatternDetector) Sweep(idle time.Duration, now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for id, seen := range d.lastSeen {
		if now.Sub(seen) > idle {
			delete(d.windows, id)
			delete(d.lastSeen, id)
			removed++
		}
	}
	return removed
}

// push folds readings into the device window and returns a copy of it.
// Readings not newer than the latest measurement update it in place; a
// newer timestamp starts a measurement seeded with the previous values.
func (d *PatternDetector) push(deviceID string, readings []models.SensorReading) []Measurement {
	d.mu.Lock()
	defer d.mu.Unlock()

	window := d.windows[deviceID]

	for _, r := range readings {
		if n := len(window); n > 0 && !r.Timestamp.After(window[n-1].Timestamp) {
			window[n-1].Values[r.Metric] = r.Value
			continue
		}

		next := Measurement{
			Timestamp: r.Timestamp,
			Values:    make(map[models.Metric]float64, len(models.KnownMetrics)),
		}
		if n := len(window); n > 0 {
			for k, v := range window[n-1].Values {
				next.Values[k] = v
			}
		}
		next.Values[r.Metric] = r.Value

		window = append(window, next)
		if len(window) > d.size {
			window = window[len(window)-d.size:]
		}
	}

	d.windows[deviceID] = window
	d.lastSeen[deviceID] = d.clock()

	out := make([]Measurement, len(window))
	for i, m := range window {
		values := make(map[models.Metric]float64, len(m.Values))
		for k, v := range m.Values {
			values[k] = v
		}
		out[i] = Measurement{Timestamp: m.Timestamp, Values: values}
	}
	return out
}

func (d *PatternDetector) check(deviceID string, p Pattern, window []Measurement) *models.AlertEvent {
	match, matched := p.Match(window)
	key := state.Key{DeviceID: deviceID, Metric: p.Name}
	seen := d.clock()

	if !matched {
		// Only keys that fired before carry a streak worth resetting
		d.store.ApplyIfPresent(key, func(st *state.DeviceMetricState) {
			st.LastSeen = seen
			st.Streak = 0
			st.LastBand = models.BandNormal
		})
		return nil
	}

	ts := window[len(window)-1].Timestamp
	now := d.gate.EventTime(ts, seen)

	reason := fmt.Sprintf("%s %s: %s", p.Band, p.Name, p.Reason)
	if match.Detail != "" {
		reason = fmt.Sprintf("%s (%s)", reason, match.Detail)
	}

	var alert *models.AlertEvent
	var streak int
	d.store.Apply(key, func(st *state.DeviceMetricState) {
		st.LastSeen = seen
		st.Streak++
		streak = st.Streak
		if d.gate.Permit(*st, p.Band, now) {
			alert = &models.AlertEvent{
				ID:        uuid.New().String(),
				DeviceID:  deviceID,
				Metric:    p.Name,
				Band:      p.Band,
				Value:     match.Value,
				Timestamp: ts,
				Reason:    reason,
				Kind:      models.AlertKindPattern,
				Streak:    st.Streak,
			}
			st.LastAlertAt = now
			st.LastAlertBand = p.Band
		}
		st.LastBand = p.Band
	})

	if alert == nil {
		metrics.AlertsSuppressedTotal.WithLabelValues(string(models.AlertKindPattern)).Inc()
		return nil
	}

	metrics.AlertsEmittedTotal.WithLabelValues(string(models.AlertKindPattern), p.Band.String()).Inc()
	log := logger.WithDevice("patterns", deviceID)
	log.Info().
		Str("alert_id", alert.ID).
		Str("pattern", string(p.Name)).
		Int("streak", streak).
		Msg("pattern alert raised")

	return alert
}
