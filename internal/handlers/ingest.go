package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"edgewatch/internal/metrics"
	"edgewatch/internal/models"
)

// IngestHandler accepts readings over HTTP and queues them alongside the
// broker sources
type IngestHandler struct {
	out         chan<- models.RawMessage
	maxBodySize int64
	now         func() time.Time
}

// IngestConfig holds configuration for the ingest handler
type IngestConfig struct {
	Out         chan<- models.RawMessage
	MaxBodySize int64
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(cfg IngestConfig) *IngestHandler {
	maxBodySize := cfg.MaxBodySize
	if maxBodySize == 0 {
		maxBodySize = 1024 * 1024 // 1MB default
	}

	return &IngestHandler{
		out:         cfg.Out,
		maxBodySize: maxBodySize,
		now:         time.Now,
	}
}

// IngestResponse is the response returned to clients
type IngestResponse struct {
	Success  bool          `json:"success"`
	Accepted int           `json:"accepted"`
	Rejected int           `json:"rejected"`
	Errors   []IngestError `json:"errors,omitempty"`
}

// IngestError describes why one item was rejected
type IngestError struct {
	Index    int    `json:"index"`
	DeviceID string `json:"device_id,omitempty"`
	Error    string `json:"error"`
}

// ServeHTTP handles the ingest HTTP request
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" && contentType != "" {
		writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	items, err := splitBody(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if len(items) == 0 {
		writeError(w, http.StatusBadRequest, "no readings provided")
		return
	}

	response := h.queue(items)

	status := http.StatusAccepted
	switch {
	case response.Accepted > 0:
	case queueFull(response):
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, response)
}

// splitBody accepts {"readings":[...]}, a bare array, or a single object
func splitBody(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("empty body")
	}

	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("invalid JSON array: %w", err)
		}
		return items, nil
	}

	var wrapper struct {
		Readings []json.RawMessage `json:"readings"`
	}
	if err := json.Unmarshal(trimmed, &wrapper); err != nil {
		return nil, fmt.Errorf("invalid JSON format: expected reading object or array of readings")
	}
	if wrapper.Readings != nil {
		return wrapper.Readings, nil
	}

	return []json.RawMessage{trimmed}, nil
}

const errQueueFull = "ingest queue full, try again later"

func queueFull(resp IngestResponse) bool {
	for _, e := range resp.Errors {
		if e.Error == errQueueFull {
			return true
		}
	}
	return false
}

// queue validates each item and hands the valid ones to the ingest loop
func (h *IngestHandler) queue(items []json.RawMessage) IngestResponse {
	response := IngestResponse{Errors: make([]IngestError, 0)}
	receivedAt := h.now().UTC()

	for i, item := range items {
		readings, err := models.DecodeReadings("", item, receivedAt)
		if err != nil {
			response.Errors = append(response.Errors, IngestError{Index: i, Error: err.Error()})
			response.Rejected++
			continue
		}

		deviceID := readings[0].DeviceID
		metrics.ReadingsReceivedTotal.WithLabelValues("http").Inc()

		select {
		case h.out <- models.RawMessage{
			Source:     "http",
			DeviceID:   deviceID,
			Payload:    item,
			ReceivedAt: receivedAt,
		}:
			response.Accepted++
		default:
			metrics.ReadingsDroppedTotal.WithLabelValues("queue_full").Inc()
			response.Errors = append(response.Errors, IngestError{Index: i, DeviceID: deviceID, Error: errQueueFull})
			response.Rejected++
		}
	}

	response.Success = response.Rejected == 0
	return response
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
