package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"edgewatch/internal/models"
	"edgewatch/internal/threshold"
)

// LoadBands reads band overrides from a YAML, JSON or TOML file and merges
// them over base. Only metrics named in the file change.
//
//	bands:
//	  pressure: {low: 40, high: 85, critical: 95, direction: above}
func LoadBands(path string, base map[models.Metric]threshold.BandDefinition) (map[models.Metric]threshold.BandDefinition, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var overrides map[string]threshold.BandDefinition
	if err := v.UnmarshalKey("bands", &overrides); err != nil {
		return nil, fmt.Errorf("decode bands in %s: %w", path, err)
	}
	if len(overrides) == 0 {
		return nil, fmt.Errorf("%s defines no bands", path)
	}

	merged := make(map[models.Metric]threshold.BandDefinition, len(base)+len(overrides))
	for metric, def := range base {
		merged[metric] = def
	}
	for name, def := range overrides {
		def.Direction = threshold.Direction(strings.ToLower(string(def.Direction)))
		merged[models.Metric(strings.ToLower(name))] = def
	}

	return merged, nil
}
