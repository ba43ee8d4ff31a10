package models

import (
	"errors"
	"strings"
	"time"
)

// Metric names a sensor channel reported by a device
type Metric string

const (
	MetricPressure    Metric = "pressure"
	MetricTemperature Metric = "temperature"
	MetricVibration   Metric = "vibration"
	MetricFlowRate    Metric = "flow_rate"
)

// KnownMetrics lists the metrics recognized in flat measurement payloads
var KnownMetrics = []Metric{
	MetricPressure,
	MetricTemperature,
	MetricVibration,
	MetricFlowRate,
}

// IsKnown reports whether the metric is one of the built-in sensor channels
func (m Metric) IsKnown() bool {
	switch m {
	case MetricPressure, MetricTemperature, MetricVibration, MetricFlowRate:
		return true
	default:
		return false
	}
}

// Band is the severity classification of a reading. Bands are ordered.
type Band int

const (
	BandNormal Band = iota
	BandWarning
	BandCritical
)

func (b Band) String() string {
	switch b {
	case BandNormal:
		return "normal"
	case BandWarning:
		return "warning"
	case BandCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText encodes the band by name so alert payloads stay readable
func (b Band) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalText parses a band name
func (b *Band) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "normal":
		*b = BandNormal
	case "warning":
		*b = BandWarning
	case "critical":
		*b = BandCritical
	default:
		return ErrInvalidBand
	}
	return nil
}

// SensorReading is a single metric value reported by a device
type SensorReading struct {
	DeviceID  string    `json:"device_id"`
	Metric    Metric    `json:"metric"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Reading errors
var (
	ErrMalformedReading     = errors.New("malformed reading")
	ErrUnknownMetric        = errors.New("unknown metric")
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrInvalidBand          = errors.New("invalid band")

	ErrEmptyDeviceID = errors.New("device ID cannot be empty")
	ErrEmptyMetric   = errors.New("metric cannot be empty")
	ErrZeroTimestamp = errors.New("timestamp cannot be zero")
)

// Validate checks the reading carries everything the evaluator needs.
// Unknown metrics pass here; they are rejected against the configured bands.
func (r *SensorReading) Validate() error {
	if r.DeviceID == "" {
		return ErrEmptyDeviceID
	}

	if r.Metric == "" {
		return ErrEmptyMetric
	}

	if r.Timestamp.IsZero() {
		return ErrZeroTimestamp
	}

	return nil
}

// Normalize trims identifiers and lower-cases the metric name
func (r *SensorReading) Normalize() {
	r.DeviceID = strings.TrimSpace(r.DeviceID)
	r.Metric = Metric(strings.ToLower(strings.TrimSpace(string(r.Metric))))
	r.Timestamp = r.Timestamp.UTC()
}
