package alerts

import (
	"time"

	"edgewatch/internal/models"
	"edgewatch/internal/state"
)

// Gate decides whether an anomaly may raise an alert. It holds no state of
// its own: the last alert time lives in the key's DeviceMetricState and the
// caller records it when Permit returns true.
//
// The clock is shared by every band of a key, so a Warning alert followed
// by a Critical reading inside the window is suppressed. RearmOnEscalation
// lets a strictly higher band through anyway.
type Gate struct {
	window            time.Duration
	rearmOnEscalation bool
	maxSkew           time.Duration
}

// DefaultMaxSkew bounds how far ahead of the local clock a reading's
// timestamp may move the cooldown clock
const DefaultMaxSkew = time.Minute

// NewGate creates a gate with the given cooldown window
func NewGate(window time.Duration, rearmOnEscalation bool) *Gate {
	return &Gate{window: window, rearmOnEscalation: rearmOnEscalation, maxSkew: DefaultMaxSkew}
}

// WithMaxSkew sets the allowed lead of reading timestamps over the local
// clock. Zero means readings may not be ahead at all.
func (g *Gate) WithMaxSkew(skew time.Duration) *Gate {
	if skew >= 0 {
		g.maxSkew = skew
	}
	return g
}

// EventTime returns the time to gate ts at: the reading's own timestamp,
// capped at wall plus the allowed skew so a device with a wrong clock
// cannot push its last alert time into the future.
func (g *Gate) EventTime(ts, wall time.Time) time.Time {
	if limit := wall.Add(g.maxSkew); ts.After(limit) {
		return limit
	}
	return ts
}

// Window returns the cooldown window
func (g *Gate) Window() time.Duration {
	return g.window
}

// Permit reports whether an alert for band at now is allowed given st
func (g *Gate) Permit(st state.DeviceMetricState, band models.Band, now time.Time) bool {
	if !st.Alerted() {
		return true
	}

	if now.Sub(st.LastAlertAt) >= g.window {
		return true
	}

	return g.rearmOnEscalation && band > st.LastAlertBand
}
