package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/iotlib/coap/pkg/stack"
	"github.com/joho/godotenv"
)

// envPrefix is prepended to every environment variable name.
const envPrefix = "COAP_"

// Config holds the CLI configuration. Values come from the environment
// (after an optional .env file) and are overridden by flags.
type Config struct {
	// Transport
	Listen   string `env:"LISTEN"   envDefault:":0"`
	Settings string `env:"SETTINGS"`

	// Reliability
	AckTimeout       time.Duration `env:"ACK_TIMEOUT"       envDefault:"2s"`
	MaxTransmissions int           `env:"MAX_TRANSMISSIONS" envDefault:"4"`
	Backoff          string        `env:"BACKOFF"           envDefault:"fixed"`
	LookupTimeout    time.Duration `env:"LOOKUP_TIMEOUT"    envDefault:"5s"`

	// Observe
	Count int `env:"COUNT" envDefault:"0"`

	// Observability
	MetricsAddr string `env:"METRICS_ADDR"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"warn"`
	Output      string `env:"OUTPUT"    envDefault:"json"`
}

// loadConfig reads .env files (if present) and the COAP_* environment.
func loadConfig(files ...string) (Config, error) {
	// .env files are optional.
	_ = godotenv.Load(files...)

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// backoff maps the --backoff setting to a stack.Backoff.
func (c Config) backoff() (stack.Backoff, error) {
	switch c.Backoff {
	case "", "fixed":
		return stack.FixedBackoff{}, nil
	case "exponential":
		return stack.NewExponentialBackoff(nil), nil
	}
	return nil, fmt.Errorf("unknown backoff %q (want fixed or exponential)", c.Backoff)
}

func (c Config) validate() error {
	if c.AckTimeout <= 0 {
		return fmt.Errorf("ack timeout must be positive, got %s", c.AckTimeout)
	}
	if c.MaxTransmissions < 1 {
		return fmt.Errorf("max transmissions must be at least 1, got %d", c.MaxTransmissions)
	}
	if c.Count < 0 {
		return fmt.Errorf("count must not be negative, got %d", c.Count)
	}
	if _, err := c.backoff(); err != nil {
		return err
	}
	if _, err := newRenderer(c.Output); err != nil {
		return err
	}
	return nil
}
