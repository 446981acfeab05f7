package observability

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config represents the complete observability configuration
type Config struct {
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
	Tracing TracingConfig `yaml:"tracing" toml:"tracing"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`   // debug, info, warn, error
	Format string `yaml:"format" toml:"format"` // json, text
	File   string `yaml:"file" toml:"file"`
}

// DefaultConfig returns the default observability configuration
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Tracing: TracingConfig{
			Enabled:        false,
			Exporter:       "otlp",
			OTLPEndpoint:   "localhost:4318",
			SampleRate:     1.0,
			ServiceName:    "agentcore",
			ServiceVersion: "dev",
		},
	}
}

// LoadConfig reads the `observability` section of the policy file. A missing
// file yields the defaults.
func LoadConfig(configPath string) (Config, error) {
	config := DefaultConfig()
	if configPath == "" {
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return config, fmt.Errorf("failed to read config file: %w", err)
	}

	var fileConfig struct {
		Observability *fileObservability `yaml:"observability" toml:"observability"`
	}
	if strings.EqualFold(filepath.Ext(configPath), ".toml") {
		err = toml.Unmarshal(data, &fileConfig)
	} else {
		err = yaml.Unmarshal(data, &fileConfig)
	}
	if err != nil {
		return config, fmt.Errorf("failed to parse config file: %w", err)
	}
	if fileConfig.Observability == nil {
		return config, nil
	}

	fileConfig.Observability.mergeInto(&config)
	return config, nil
}

// fileObservability uses pointers so an explicit false is distinguishable
// from an absent key.
type fileObservability struct {
	Logging struct {
		Level  string `yaml:"level" toml:"level"`
		Format string `yaml:"format" toml:"format"`
		File   string `yaml:"file" toml:"file"`
	} `yaml:"logging" toml:"logging"`
	Metrics struct {
		Enabled *bool `yaml:"enabled" toml:"enabled"`
	} `yaml:"metrics" toml:"metrics"`
	Tracing struct {
		Enabled        *bool   `yaml:"enabled" toml:"enabled"`
		Exporter       string  `yaml:"exporter" toml:"exporter"`
		OTLPEndpoint   string  `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
		ZipkinEndpoint string  `yaml:"zipkin_endpoint" toml:"zipkin_endpoint"`
		SampleRate     float64 `yaml:"sample_rate" toml:"sample_rate"`
		ServiceName    string  `yaml:"service_name" toml:"service_name"`
		ServiceVersion string  `yaml:"service_version" toml:"service_version"`
	} `yaml:"tracing" toml:"tracing"`
}

func (f *fileObservability) mergeInto(config *Config) {
	if f.Logging.Level != "" {
		config.Logging.Level = f.Logging.Level
	}
	if f.Logging.Format != "" {
		config.Logging.Format = f.Logging.Format
	}
	if f.Logging.File != "" {
		config.Logging.File = f.Logging.File
	}
	if f.Metrics.Enabled != nil {
		config.Metrics.Enabled = *f.Metrics.Enabled
	}
	if f.Tracing.Enabled != nil {
		config.Tracing.Enabled = *f.Tracing.Enabled
	}
	if f.Tracing.Exporter != "" {
		config.Tracing.Exporter = f.Tracing.Exporter
	}
	if f.Tracing.OTLPEndpoint != "" {
		config.Tracing.OTLPEndpoint = f.Tracing.OTLPEndpoint
	}
	if f.Tracing.ZipkinEndpoint != "" {
		config.Tracing.ZipkinEndpoint = f.Tracing.ZipkinEndpoint
	}
	// A zero sample rate cannot be expressed here; disable tracing instead.
	if f.Tracing.SampleRate > 0 && f.Tracing.SampleRate <= 1.0 {
		config.Tracing.SampleRate = f.Tracing.SampleRate
	}
	if f.Tracing.ServiceName != "" {
		config.Tracing.ServiceName = f.Tracing.ServiceName
	}
	if f.Tracing.ServiceVersion != "" {
		config.Tracing.ServiceVersion = f.Tracing.ServiceVersion
	}
}
