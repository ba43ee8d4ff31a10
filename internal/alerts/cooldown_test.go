package alerts

import (
	"testing"
	"time"

	"edgewatch/internal/models"
	"edgewatch/internal/state"
)

func TestGatePermit(t *testing.T) {
	last := base
	alerted := state.DeviceMetricState{LastAlertAt: last, LastAlertBand: models.BandWarning}

	tests := []struct {
		name  string
		rearm bool
		st    state.DeviceMetricState
		band  models.Band
		now   time.Time
		want  bool
	}{
		{"never alerted", false, state.DeviceMetricState{}, models.BandWarning, last, true},
		{"inside window", false, alerted, models.BandWarning, last.Add(30 * time.Second), false},
		{"window elapsed", false, alerted, models.BandWarning, last.Add(time.Minute), true},
		{"escalation without rearm", false, alerted, models.BandCritical, last.Add(time.Second), false},
		{"escalation with rearm", true, alerted, models.BandCritical, last.Add(time.Second), true},
		{"same band with rearm", true, alerted, models.BandWarning, last.Add(time.Second), false},
		{"reading older than last alert", false, alerted, models.BandWarning, last.Add(-time.Hour), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(time.Minute, tt.rearm)
			if got := g.Permit(tt.st, tt.band, tt.now); got != tt.want {
				t.Errorf("Permit() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGateEventTime(t *testing.T) {
	wall := base

	tests := []struct {
		name string
		skew time.Duration
		ts   time.Time
		want time.Time
	}{
		{"past reading kept", time.Minute, wall.Add(-time.Hour), wall.Add(-time.Hour)},
		{"within skew kept", time.Minute, wall.Add(30 * time.Second), wall.Add(30 * time.Second)},
		{"far future capped", time.Minute, wall.Add(365 * 24 * time.Hour), wall.Add(time.Minute)},
		{"zero skew caps at wall", 0, wall.Add(time.Second), wall},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(time.Minute, false).WithMaxSkew(tt.skew)
			if got := g.EventTime(tt.ts, wall); !got.Equal(tt.want) {
				t.Errorf("EventTime() = %v, want %v", got, tt.want)
			}
		})
	}
}
