package handlers

import (
	"net/http"
	"strconv"

	"edgewatch/internal/storage"
)

// AlertsHandler serves recent alert history
type AlertsHandler struct {
	store storage.AlertStore
}

// NewAlertsHandler creates a history handler backed by store
func NewAlertsHandler(store storage.AlertStore) *AlertsHandler {
	return &AlertsHandler{store: store}
}

// ServeHTTP handles GET /alerts?device_id=&limit=
func (h *AlertsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	alerts, err := h.store.RecentAlerts(r.Context(), r.URL.Query().Get("device_id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load alerts")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(alerts),
		"alerts": alerts,
	})
}
