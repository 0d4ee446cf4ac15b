package requestcontrol

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/golobby/cast"
	"gopkg.in/yaml.v3"
)

// Config carries the tunable settings of the request-control subsystem.
// Fields with an env tag can be overridden through environment variables
// after the file is read.
type Config struct {
	// MaxRequests is the global capacity limit. Negative means unlimited,
	// zero admits nothing until the limit is raised.
	MaxRequests int `yaml:"maxRequests" toml:"max_requests" json:"maxRequests" env:"REQUESTCONTROL_MAX_REQUESTS"`

	// TrackIndividualControlPoints enables per-control-point active counts
	// so single deployments or entry points can be paused and drained.
	TrackIndividualControlPoints bool `yaml:"trackIndividualControlPoints" toml:"track_individual_control_points" json:"trackIndividualControlPoints" env:"REQUESTCONTROL_TRACK_CONTROL_POINTS"`

	// SnapshotSchedule is a cron expression for periodic state-snapshot
	// events. Empty disables the reporter.
	SnapshotSchedule string `yaml:"snapshotSchedule" toml:"snapshot_schedule" json:"snapshotSchedule" env:"REQUESTCONTROL_SNAPSHOT_SCHEDULE"`

	// ManagementAddr is the listen address of the management HTTP API.
	// Empty disables the server.
	ManagementAddr string `yaml:"managementAddr" toml:"management_addr" json:"managementAddr" env:"REQUESTCONTROL_MANAGEMENT_ADDR"`
}

// DefaultConfig returns the settings used when no file is supplied:
// unlimited capacity, untracked control points, no reporter, no management
// server.
func DefaultConfig() *Config {
	return &Config{
		MaxRequests: -1,
	}
}

// Validate checks the configuration for values no component can honor.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}
	if c.MaxRequests < -1 {
		return fmt.Errorf("%w: %d", ErrConfigInvalidMaxRequest, c.MaxRequests)
	}
	return nil
}

// LoadConfig reads a configuration file, chooses the decoder by extension
// (.yaml/.yml, .toml or .json), applies environment overrides and validates
// the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrConfigUnsupportedFormat, filepath.Ext(path))
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides walks the config struct and replaces any field whose env
// tag names a set environment variable, converting the string to the field's
// type.
func applyEnvOverrides(cfg *Config) error {
	value := reflect.ValueOf(cfg).Elem()
	structType := value.Type()

	for i := 0; i < structType.NumField(); i++ {
		envName, ok := structType.Field(i).Tag.Lookup("env")
		if !ok {
			continue
		}
		envValue := os.Getenv(envName)
		if envValue == "" {
			continue
		}
		field := value.Field(i)
		converted, err := cast.FromType(envValue, field.Type())
		if err != nil {
			return fmt.Errorf("cannot convert %s to type %v: %w", envName, field.Type(), err)
		}
		field.Set(reflect.ValueOf(converted))
	}
	return nil
}
