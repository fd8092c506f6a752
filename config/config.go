// Package config loads the settings of the query-cache CLIs.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// ErrUnsupportedFormat is returned for files that are neither YAML nor TOML.
var ErrUnsupportedFormat = errors.New("config: unsupported file format")

// Default values.
const (
	DefaultLogLevel  = "info"
	DefaultDriver    = "sqlite"
	DefaultDSN       = ":memory:"
	DefaultChannel   = "querycache"
	DefaultBuffer    = 256
	DefaultNamespace = "querycache"
)

// Config is the whole file.
type Config struct {
	Log          LogConfig          `yaml:"log" toml:"log"`
	Source       SourceConfig       `yaml:"source" toml:"source"`
	Invalidation InvalidationConfig `yaml:"invalidation" toml:"invalidation"`
	Metrics      MetricsConfig      `yaml:"metrics" toml:"metrics"`
}

// LogConfig feeds logging.Options.
type LogConfig struct {
	Level       string `yaml:"level" toml:"level" validate:"oneof=debug info warn error"`
	Development bool   `yaml:"development" toml:"development"`
}

// SourceConfig names the database the demo queries.
type SourceConfig struct {
	// Driver is one of: sqlite | postgres.
	Driver string `yaml:"driver" toml:"driver" validate:"required,oneof=sqlite postgres"`
	DSN    string `yaml:"dsn" toml:"dsn" validate:"required"`
}

// InvalidationConfig sizes the hub and, for postgres, names the LISTEN channel.
type InvalidationConfig struct {
	// Channel is required with the postgres driver.
	Channel string `yaml:"channel" toml:"channel"`
	Buffer  int    `yaml:"buffer" toml:"buffer" validate:"min=1,max=1048576"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Namespace string `yaml:"namespace" toml:"namespace" validate:"required"`
	Addr      string `yaml:"addr" toml:"addr" validate:"omitempty,hostname_port"`
}

// Default returns a Config pre-populated with default values.
func Default() *Config {
	return &Config{
		Log:          LogConfig{Level: DefaultLogLevel},
		Source:       SourceConfig{Driver: DefaultDriver, DSN: DefaultDSN},
		Invalidation: InvalidationConfig{Channel: DefaultChannel, Buffer: DefaultBuffer},
		Metrics:      MetricsConfig{Namespace: DefaultNamespace},
	}
}

/*
Load reads path and decodes it on top of Default().

Format by extension:
  - .yaml, .yml → YAML
  - .toml       → TOML
*/
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct tags and the rules that span sections. It does not modify c.
func (c *Config) Validate() error {
	v := validator.New()
	v.RegisterStructValidation(validateConfig, Config{})

	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// validateConfig holds the cross-section rules.
func validateConfig(sl validator.StructLevel) {
	c := sl.Current().Interface().(Config)

	if c.Source.Driver == "postgres" && c.Invalidation.Channel == "" {
		sl.ReportError(c.Invalidation.Channel, "Invalidation.Channel", "Channel", "required_with_postgres", "")
	}
}
