package state

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"edgewatch/internal/logger"
	"edgewatch/internal/metrics"
	"edgewatch/internal/models"
)

// DefaultShards is used when the configured shard count is not positive
const DefaultShards = 64

// Key identifies the rolling state of one metric on one device
type Key struct {
	DeviceID string
	Metric   models.Metric
}

// DeviceMetricState is the evaluator's memory for a single key
type DeviceMetricState struct {
	LastBand      models.Band
	LastAlertAt   time.Time // zero when no alert was ever recorded
	LastAlertBand models.Band
	Streak        int
	LastSeen      time.Time
}

// Alerted reports whether an alert was ever recorded for the key
func (s DeviceMetricState) Alerted() bool {
	return !s.LastAlertAt.IsZero()
}

// Store holds per-key state in independent lock domains. Keys hash onto a
// fixed set of shards so writers of different keys rarely share a mutex.
type Store struct {
	shards []*shard
}

type shard struct {
	mu      sync.Mutex
	entries map[Key]*DeviceMetricState
}

// NewStore creates a store with the given number of shards
func NewStore(shards int) *Store {
	if shards <= 0 {
		shards = DefaultShards
	}

	s := &Store{shards: make([]*shard, shards)}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[Key]*DeviceMetricState)}
	}
	return s
}

func (s *Store) shardFor(key Key) *shard {
	h := fnv.New32a()
	h.Write([]byte(key.DeviceID))
	h.Write([]byte{0})
	h.Write([]byte(key.Metric))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// lookup returns the entry for key, creating a Normal/never-alerted one
// on first access. Callers hold sh.mu.
func (sh *shard) lookup(key Key) *DeviceMetricState {
	st, ok := sh.entries[key]
	if !ok {
		st = &DeviceMetricState{LastBand: models.BandNormal}
		sh.entries[key] = st
		metrics.StateKeys.Inc()
	}
	return st
}

// GetOrCreate returns a copy of the state for key
func (s *Store) GetOrCreate(key Key) DeviceMetricState {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return *sh.lookup(key)
}

// Update replaces the state for key
func (s *Store) Update(key Key, st DeviceMetricState) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	*sh.lookup(key) = st
}

// Apply runs fn against the state for key while holding the key's lock, so
// a read-modify-write never observes a concurrent writer. fn must not block.
func (s *Store) Apply(key Key, fn func(st *DeviceMetricState)) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	fn(sh.lookup(key))
}

// ApplyIfPresent runs fn like Apply but only when key already exists. It
// reports whether fn ran.
func (s *Store) ApplyIfPresent(key Key, fn func(st *DeviceMetricState)) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.entries[key]
	if !ok {
		return false
	}
	fn(st)
	return true
}

// Len returns the number of keys held
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Sweep evicts keys not seen since now-idle and returns how many were removed
func (s *Store) Sweep(idle time.Duration, now time.Time) int {
	cutoff := now.Add(-idle)
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, st := range sh.entries {
			if st.LastSeen.Before(cutoff) {
				delete(sh.entries, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}

	if removed > 0 {
		metrics.StateKeys.Sub(float64(removed))
		metrics.StateEvictedTotal.Add(float64(removed))
	}
	return removed
}

// RunSweeper evicts idle keys every interval until ctx is cancelled.
// A non-positive idle disables eviction.
func (s *Store) RunSweeper(ctx context.Context, interval, idle time.Duration) {
	if idle <= 0 || interval <= 0 {
		return
	}

	log := logger.WithComponent("state_store")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.Sweep(idle, now); n > 0 {
				log.Info().
					Int("evicted", n).
					Int("remaining", s.Len()).
					Msg("evicted idle device state")
			}
		}
	}
}
