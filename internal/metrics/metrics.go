package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgewatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edgewatch_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	// Ingest metrics
	ReadingsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgewatch_readings_received_total",
			Help: "Total number of raw reading messages received",
		},
		[]string{"source"},
	)

	ReadingsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgewatch_readings_dropped_total",
			Help: "Total number of readings dropped before evaluation",
		},
		[]string{"reason"}, // reason: malformed, unknown_metric, queue_full
	)

	IngestQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edgewatch_ingest_queue_size",
			Help: "Current number of raw messages waiting for dispatch",
		},
	)

	// Evaluator metrics
	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgewatch_evaluations_total",
			Help: "Total number of readings evaluated",
		},
		[]string{"metric", "band"},
	)

	AlertsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgewatch_alerts_emitted_total",
			Help: "Total number of alerts raised by the evaluator",
		},
		[]string{"kind", "band"},
	)

	AlertsSuppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgewatch_alerts_suppressed_total",
			Help: "Total number of anomalies suppressed by the cooldown gate",
		},
		[]string{"kind"},
	)

	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "edgewatch_evaluation_duration_seconds",
			Help:    "Time taken to evaluate one reading",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01},
		},
	)

	// State store metrics
	StateKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edgewatch_state_keys",
			Help: "Number of (device, metric) keys held by the state store",
		},
	)

	StateEvictedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edgewatch_state_evicted_total",
			Help: "Total number of state keys evicted for idle devices",
		},
	)

	// Emitter metrics
	EmitterQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edgewatch_emitter_queue_size",
			Help: "Current size of the alert emitter queue",
		},
	)

	EmitterQueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edgewatch_emitter_queue_capacity",
			Help: "Capacity of the alert emitter queue",
		},
	)

	EmitterDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edgewatch_emitter_dropped_total",
			Help: "Total number of alerts dropped because the emitter queue was full or closed",
		},
	)

	// Worker metrics
	WorkerProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edgewatch_worker_processed_total",
			Help: "Total number of alert envelopes delivered by workers",
		},
	)

	WorkerFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edgewatch_worker_failed_total",
			Help: "Total number of alert envelopes workers failed to deliver",
		},
	)

	WorkerBatchPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "edgewatch_worker_batch_publish_duration_seconds",
			Help:    "Time taken to publish a batch of alerts to all sinks",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// Sink metrics
	SinkPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgewatch_sink_publish_total",
			Help: "Total number of alert messages published per sink",
		},
		[]string{"sink", "status"}, // status: success, failed
	)

	SinkPublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edgewatch_sink_publish_duration_seconds",
			Help:    "Time taken to publish to a sink",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"sink"},
	)

	SinkPublishRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgewatch_sink_publish_retries_total",
			Help: "Total number of sink publish retries",
		},
		[]string{"sink"},
	)

	SinkWriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edgewatch_sink_write_duration_seconds",
			Help:    "Time taken by one transport write, retries included",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"sink"},
	)

	SinkBytesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgewatch_sink_bytes_written_total",
			Help: "Total payload bytes written per sink",
		},
		[]string{"sink"},
	)

	SinkEncodeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgewatch_sink_encode_failures_total",
			Help: "Total number of alerts a sink could not serialize",
		},
		[]string{"sink"},
	)

	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edgewatch_websocket_clients",
			Help: "Number of connected alert stream clients",
		},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgewatch_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
