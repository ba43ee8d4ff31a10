package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// DecodeReadings turns one inbound payload into readings.
//
// Two shapes are accepted: a single reading carrying "metric" and "value",
// and a flat measurement holding one numeric field per known metric. A
// non-empty deviceID (taken from the arrival topic) wins over any
// device_id in the payload. A missing timestamp falls back to receivedAt.
// Every failure wraps ErrMalformedReading.
func DecodeReadings(deviceID string, payload []byte, receivedAt time.Time) ([]SensorReading, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReading, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: payload is not an object", ErrMalformedReading)
	}

	if deviceID == "" {
		if raw, ok := fields["device_id"]; ok {
			if err := json.Unmarshal(raw, &deviceID); err != nil {
				return nil, fmt.Errorf("%w: device_id: %v", ErrMalformedReading, err)
			}
		}
	}

	ts, err := decodeTimestamp(fields, receivedAt)
	if err != nil {
		return nil, err
	}

	var readings []SensorReading
	if raw, ok := fields["metric"]; ok {
		var metric string
		if err := json.Unmarshal(raw, &metric); err != nil {
			return nil, fmt.Errorf("%w: metric: %v", ErrMalformedReading, err)
		}
		value, err := decodeNumber(fields, "value")
		if err != nil {
			return nil, err
		}
		readings = append(readings, SensorReading{
			DeviceID:  deviceID,
			Metric:    Metric(metric),
			Value:     value,
			Timestamp: ts,
		})
	} else {
		for _, m := range KnownMetrics {
			if _, ok := fields[string(m)]; !ok {
				continue
			}
			value, err := decodeNumber(fields, string(m))
			if err != nil {
				return nil, err
			}
			readings = append(readings, SensorReading{
				DeviceID:  deviceID,
				Metric:    m,
				Value:     value,
				Timestamp: ts,
			})
		}
		if len(readings) == 0 {
			return nil, fmt.Errorf("%w: no metric fields", ErrMalformedReading)
		}
	}

	for i := range readings {
		readings[i].Normalize()
		if err := readings[i].Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedReading, err)
		}
	}

	return readings, nil
}

func decodeNumber(fields map[string]json.RawMessage, key string) (float64, error) {
	raw, ok := fields[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %s", ErrMalformedReading, key)
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return 0, fmt.Errorf("%w: %s is null", ErrMalformedReading, key)
	}

	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrMalformedReading, key, err)
	}
	return v, nil
}

func decodeTimestamp(fields map[string]json.RawMessage, fallback time.Time) (time.Time, error) {
	raw, ok := fields["timestamp"]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return fallback.UTC(), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp: %v", ErrMalformedReading, err)
	}

	ts, err := ParseTimestamp(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp: %v", ErrMalformedReading, err)
	}
	return ts, nil
}
