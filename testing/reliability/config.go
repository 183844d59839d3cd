package reliability

import (
	"testing"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes the environment variables read by Config.
const EnvPrefix = "CALLZ_RELIABILITY"

// Config holds configuration for reliability testing.
//
//	CALLZ_RELIABILITY_LEVEL              "basic" or "stress"; empty skips the suite
//	CALLZ_RELIABILITY_DURATION           run time of sustained stress tests
//	CALLZ_RELIABILITY_MAX_GOROUTINES     concurrency of stress tests
//	CALLZ_RELIABILITY_MAX_MEMORY_MB      heap growth tolerated by memory tests
//	CALLZ_RELIABILITY_FAILURE_THRESHOLD  tolerated share of dropped spans under stress
type Config struct {
	Level            string        `envconfig:"LEVEL"`
	Duration         time.Duration `envconfig:"DURATION" default:"30s"`
	MaxGoroutines    int           `envconfig:"MAX_GOROUTINES" default:"100"`
	MaxMemoryMB      int           `envconfig:"MAX_MEMORY_MB" default:"512"`
	FailureThreshold float64       `envconfig:"FAILURE_THRESHOLD" default:"0.05"`
}

// loadConfig reads the reliability configuration from the environment.
func loadConfig(t *testing.T) Config {
	t.Helper()
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		t.Fatalf("reading %s_* environment: %v", EnvPrefix, err)
	}
	return cfg
}

// levelRunner runs the basic or stress subtests selected by the environment.
type levelRunner struct {
	basic  map[string]func(*testing.T, Config)
	stress map[string]func(*testing.T, Config)
}

func (r levelRunner) run(t *testing.T) {
	cfg := loadConfig(t)

	var tests map[string]func(*testing.T, Config)
	switch cfg.Level {
	case "basic":
		tests = r.basic
	case "stress":
		tests = r.stress
	default:
		t.Skip(EnvPrefix + "_LEVEL not set, skipping reliability tests")
	}

	for name, fn := range tests {
		t.Run(name, func(t *testing.T) { fn(t, cfg) })
	}
}
