package storage

import (
	"context"
	"sync"

	"edgewatch/internal/models"
)

// MemoryStore keeps the most recent alerts in a fixed-size ring
type MemoryStore struct {
	mu     sync.RWMutex
	ring   []models.AlertEvent
	next   int
	filled bool
}

// NewMemoryStore creates a store holding up to capacity alerts
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryStore{ring: make([]models.AlertEvent, capacity)}
}

// SaveAlerts appends alerts, overwriting the oldest when full
func (m *MemoryStore) SaveAlerts(ctx context.Context, envelopes []*models.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, env := range envelopes {
		m.ring[m.next] = *env.Alert
		m.next = (m.next + 1) % len(m.ring)
		if m.next == 0 {
			m.filled = true
		}
	}
	return nil
}

// RecentAlerts returns up to limit alerts, newest first
func (m *MemoryStore) RecentAlerts(ctx context.Context, deviceID string, limit int) ([]models.AlertEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	size := m.next
	if m.filled {
		size = len(m.ring)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]models.AlertEvent, 0, limit)
	for i := 1; i <= size && len(out) < limit; i++ {
		a := m.ring[(m.next-i+len(m.ring))%len(m.ring)]
		if deviceID != "" && a.DeviceID != deviceID {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Close is a no-op
func (m *MemoryStore) Close() error {
	return nil
}
