package alerts

import (
	"fmt"
	"time"

	"edgewatch/internal/logger"
	"edgewatch/internal/metrics"
	"edgewatch/internal/models"
	"edgewatch/internal/state"
	"edgewatch/internal/threshold"
)

// Evaluator classifies readings and raises rate-limited alerts
type Evaluator struct {
	policy *threshold.Policy
	store  *state.Store
	gate   *Gate
	clock  func() time.Time
}

// EvaluatorConfig holds evaluator dependencies
type EvaluatorConfig struct {
	Policy *threshold.Policy
	Store  *state.Store
	Gate   *Gate

	// Clock stamps LastSeen for idle eviction and bounds future reading
	// timestamps. Defaults to time.Now.
	Clock func() time.Time
}

// NewEvaluator creates an evaluator
func NewEvaluator(cfg EvaluatorConfig) *Evaluator {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Evaluator{
		policy: cfg.Policy,
		store:  cfg.Store,
		gate:   cfg.Gate,
		clock:  clock,
	}
}

// Evaluate processes one reading and returns the alert it raised, if any.
// Cooldown is measured on reading timestamps so a replayed or delayed
// stream is gated the same way as a live one. Timestamps ahead of the
// clock are capped by the gate's skew.
func (e *Evaluator) Evaluate(r models.SensorReading) (*models.AlertEvent, error) {
	start := time.Now()
	defer func() {
		metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	}()

	def, ok := e.policy.Lookup(r.Metric)
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownMetric, r.Metric)
	}

	band := def.Classify(r.Value)
	metrics.EvaluationsTotal.WithLabelValues(string(r.Metric), band.String()).Inc()

	key := state.Key{DeviceID: r.DeviceID, Metric: r.Metric}
	seen := e.clock()
	at := e.gate.EventTime(r.Timestamp, seen)

	var alert *models.AlertEvent
	var streak int
	e.store.Apply(key, func(st *state.DeviceMetricState) {
		st.LastSeen = seen

		if band == models.BandNormal {
			st.Streak = 0
			st.LastBand = models.BandNormal
			return
		}

		st.Streak++
		streak = st.Streak
		if e.gate.Permit(*st, band, at) {
			alert = models.NewThresholdAlert(r, band, st.Streak, def.Describe(band))
			st.LastAlertAt = at
			st.LastAlertBand = band
		}
		st.LastBand = band
	})

	if band == models.BandNormal {
		return nil, nil
	}

	log := logger.WithDevice("evaluator", r.DeviceID)
	if alert == nil {
		metrics.AlertsSuppressedTotal.WithLabelValues(string(models.AlertKindThreshold)).Inc()
		log.Debug().
			Str("metric", string(r.Metric)).
			Str("band", band.String()).
			Float64("value", r.Value).
			Int("streak", streak).
			Msg("anomaly suppressed by cooldown")
		return nil, nil
	}

	metrics.AlertsEmittedTotal.WithLabelValues(string(alert.Kind), band.String()).Inc()
	log.Info().
		Str("alert_id", alert.ID).
		Str("metric", string(r.Metric)).
		Str("band", band.String()).
		Float64("value", r.Value).
		Int("streak", streak).
		Msg("alert raised")

	return alert, nil
}
