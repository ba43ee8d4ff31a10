// Package threshold maps a metric value onto its severity band.
package threshold

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"edgewatch/internal/models"
)

// Direction says on which side of the normal range the critical boundary sits
type Direction string

const (
	Above Direction = "above"
	Below Direction = "below"
)

// BandDefinition is the normal range and critical boundary of one metric
type BandDefinition struct {
	Low       float64   `mapstructure:"low" json:"low"`
	High      float64   `mapstructure:"high" json:"high"`
	Critical  float64   `mapstructure:"critical" json:"critical"`
	Direction Direction `mapstructure:"direction" json:"direction"`
}

// Classify returns the band of value. The normal range is inclusive on both
// ends and the critical boundary itself is critical. NaN is never normal.
func (d BandDefinition) Classify(value float64) models.Band {
	if math.IsNaN(value) {
		return models.BandCritical
	}

	switch d.Direction {
	case Below:
		if value <= d.Critical {
			return models.BandCritical
		}
	default:
		if value >= d.Critical {
			return models.BandCritical
		}
	}

	if value < d.Low || value > d.High {
		return models.BandWarning
	}
	return models.BandNormal
}

// Validate rejects definitions that cannot classify consistently
func (d BandDefinition) Validate() error {
	for _, v := range []float64{d.Low, d.High, d.Critical} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("boundaries must be finite")
		}
	}

	if d.Low > d.High {
		return fmt.Errorf("low %g is greater than high %g", d.Low, d.High)
	}

	switch d.Direction {
	case Above:
		if d.Critical <= d.High {
			return fmt.Errorf("critical %g must be above high %g", d.Critical, d.High)
		}
	case Below:
		if d.Critical >= d.Low {
			return fmt.Errorf("critical %g must be below low %g", d.Critical, d.Low)
		}
	default:
		return fmt.Errorf("unknown critical direction %q", d.Direction)
	}

	return nil
}

// DefaultBands returns the built-in band table
func DefaultBands() map[models.Metric]BandDefinition {
	return map[models.Metric]BandDefinition{
		models.MetricPressure:    {Low: 40, High: 85, Critical: 95, Direction: Above},
		models.MetricTemperature: {Low: 15, High: 70, Critical: 85, Direction: Above},
		models.MetricVibration:   {Low: 0, High: 0.08, Critical: 0.15, Direction: Above},
		models.MetricFlowRate:    {Low: 100, High: 200, Critical: 50, Direction: Below},
	}
}

// Policy is an immutable set of band definitions
type Policy struct {
	bands map[models.Metric]BandDefinition
}

// NewPolicy validates and copies bands into a Policy
func NewPolicy(bands map[models.Metric]BandDefinition) (*Policy, error) {
	if len(bands) == 0 {
		return nil, errors.New("at least one band definition is required")
	}

	copied := make(map[models.Metric]BandDefinition, len(bands))
	for metric, def := range bands {
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("metric %s: %w", metric, err)
		}
		copied[metric] = def
	}

	return &Policy{bands: copied}, nil
}

// Default returns a Policy over DefaultBands
func Default() *Policy {
	p, err := NewPolicy(DefaultBands())
	if err != nil {
		panic(err)
	}
	return p
}

// Lookup returns the definition configured for metric
func (p *Policy) Lookup(metric models.Metric) (BandDefinition, bool) {
	def, ok := p.bands[metric]
	return def, ok
}

// Classify returns the band of value for metric. A metric without a
// definition is never classified.
func (p *Policy) Classify(metric models.Metric, value float64) (models.Band, error) {
	def, ok := p.bands[metric]
	if !ok {
		return models.BandNormal, fmt.Errorf("%w: %s", models.ErrUnknownMetric, metric)
	}
	return def.Classify(value), nil
}

// Metrics lists configured metrics in a stable order
func (p *Policy) Metrics() []models.Metric {
	out := make([]models.Metric, 0, len(p.bands))
	for m := range p.bands {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Describe renders the boundary a band was judged against, for alert reasons
func (d BandDefinition) Describe(band models.Band) string {
	switch band {
	case models.BandCritical:
		if d.Direction == Below {
			return fmt.Sprintf("critical at or below %g", d.Critical)
		}
		return fmt.Sprintf("critical at or above %g", d.Critical)
	case models.BandWarning:
		return fmt.Sprintf("normal range %g-%g", d.Low, d.High)
	default:
		return "within normal range"
	}
}
