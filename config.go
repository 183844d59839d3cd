package callz

import (
	"fmt"
	"os"
	"strconv"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes the environment variables read by LoadConfig.
const EnvPrefix = "CALLZ"

// FileConfig is the serializable part of Config: everything except callbacks.
//
//	operation: remote.call
//	analytics: 0.5
//	tags: ["id", "#loggedIn.username"]
//	actions:
//	  users.get:
//	    analytics: true
//	    tags: ["id"]
type FileConfig struct {
	Actions   map[string]ActionFileConfig `yaml:"actions,omitempty" ignored:"true"`
	Operation string                      `yaml:"operation,omitempty" envconfig:"OPERATION"`
	SpanType  string                      `yaml:"span_type,omitempty" envconfig:"SPAN_TYPE"`
	Tags      []string                    `yaml:"tags,omitempty" envconfig:"TAGS"`
	Analytics Analytics                   `yaml:"analytics,omitempty" envconfig:"ANALYTICS"`
}

// ActionFileConfig is the serializable part of ActionConfig.
type ActionFileConfig struct {
	Analytics *Analytics `yaml:"analytics,omitempty"`
	Tags      []string   `yaml:"tags,omitempty"`
}

// LoadConfig reads a YAML configuration file and overlays CALLZ_* environment
// variables (CALLZ_OPERATION, CALLZ_SPAN_TYPE, CALLZ_ANALYTICS, CALLZ_TAGS). An empty path
// reads the environment only.
func LoadConfig(path string) (Config, error) {
	var fc FileConfig

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // user-supplied config path is expected
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &fc); err != nil {
		return Config{}, fmt.Errorf("reading environment: %w", err)
	}

	return fc.Build()
}

// Build validates fc and turns its rule lists into resolvers.
func (fc FileConfig) Build() (Config, error) {
	cfg := Config{
		Operation: fc.Operation,
		SpanType:  fc.SpanType,
		Analytics: fc.Analytics,
	}
	if _, _, err := fc.Analytics.SampleRate(); err != nil {
		return Config{}, fmt.Errorf("analytics: %w", err)
	}

	if len(fc.Tags) > 0 {
		rules, err := ParseRules(fc.Tags)
		if err != nil {
			return Config{}, fmt.Errorf("tags: %w", err)
		}
		cfg.Tags = rules
	}

	if len(fc.Actions) > 0 {
		cfg.Actions = make(map[string]ActionConfig, len(fc.Actions))
		for name, action := range fc.Actions {
			ac := ActionConfig{Analytics: action.Analytics}
			if action.Analytics != nil {
				if _, _, err := action.Analytics.SampleRate(); err != nil {
					return Config{}, fmt.Errorf("action %q analytics: %w", name, err)
				}
			}
			if len(action.Tags) > 0 {
				rules, err := ParseRules(action.Tags)
				if err != nil {
					return Config{}, fmt.Errorf("action %q tags: %w", name, err)
				}
				ac.Tags = rules
			}
			cfg.Actions[name] = ac
		}
	}

	return cfg, nil
}

// Decode parses "true", "false" or a rate such as "0.25".
// It lets envconfig read Analytics from a single variable.
func (a *Analytics) Decode(value string) error {
	if b, err := strconv.ParseBool(value); err == nil {
		*a = Analytics{Enabled: b}
		return nil
	}
	rate, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("analytics must be a boolean or a rate, got %q", value)
	}
	*a = AnalyticsRate(rate)
	return nil
}

// UnmarshalYAML accepts a boolean, a rate, or a mapping with enabled and rate.
func (a *Analytics) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return a.Decode(node.Value)
	case yaml.MappingNode:
		var raw struct {
			Rate    *float64 `yaml:"rate"`
			Enabled *bool    `yaml:"enabled"`
		}
		if err := node.Decode(&raw); err != nil {
			return err
		}
		*a = Analytics{Rate: raw.Rate, Enabled: raw.Rate != nil}
		if raw.Enabled != nil {
			a.Enabled = *raw.Enabled
		}
		return nil
	default:
		return fmt.Errorf("line %d: analytics must be a boolean, a rate or a mapping", node.Line)
	}
}

// MarshalYAML writes the shortest form that round-trips.
func (a Analytics) MarshalYAML() (any, error) {
	if a.Enabled && a.Rate != nil {
		return *a.Rate, nil
	}
	return a.Enabled, nil
}
