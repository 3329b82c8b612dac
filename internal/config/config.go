package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/quantfold/riskengine/internal/alerts"
	"github.com/quantfold/riskengine/internal/dataclean"
	"github.com/quantfold/riskengine/internal/marketdata"
	"github.com/quantfold/riskengine/internal/risk"
	"github.com/quantfold/riskengine/internal/stream"
)

// Root is the full engine configuration. Every section carries working
// defaults; a config file only overrides what it names.
type Root struct {
	LogLevel   string              `yaml:"log_level"` // debug | info | warn | error
	MarketData marketdata.Config   `yaml:"market_data"`
	DataClean  dataclean.Config    `yaml:"data_clean"`
	Stream     stream.Config       `yaml:"stream"`
	RiskLimits risk.Limits         `yaml:"risk_limits"`
	Sizer      risk.SizerConfig    `yaml:"position_sizing"`
	Exposure   risk.ExposureConfig `yaml:"exposure"`
	Alerts     alerts.Config       `yaml:"alerts"`
	AuditLog   string              `yaml:"audit_log"` // empty disables audit logging
}

// Default returns a Root with every section at its defaults.
func Default() Root {
	return Root{
		LogLevel:   "info",
		MarketData: marketdata.DefaultConfig(),
		DataClean:  dataclean.DefaultConfig(),
		Stream:     stream.DefaultConfig(),
		RiskLimits: risk.DefaultLimits(),
		Sizer:      risk.DefaultSizerConfig(),
		Exposure:   risk.DefaultExposureConfig(),
		Alerts:     alerts.DefaultConfig(),
	}
}

// Load reads a YAML config file over the defaults. A missing path returns
// pure defaults rather than an error.
func Load(path string) (Root, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return c, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}
