// Package config handles interpreting the pgreplay configuration file.
package config

import (
	"context"
	"encoding/json/v2"
	"errors"
	"fmt"
	"iter"
	"os"
)

// Config holds the full pgreplay configuration: one replay target, the
// policy knobs that govern every worker created against it, and the
// ambient observability stack.
type Config struct {
	Target         TargetConfig          `json:"target"`
	Replay         ReplayConfig          `json:"replay,omitzero"`
	Prometheus     *PrometheusConfig     `json:"prometheus,omitzero"`
	OpenTelemetry  OpenTelemetryConfig   `json:"opentelemetry,omitzero"`
	FlightRecorder *FlightRecorderConfig `json:"flight_recorder,omitzero"`
}

// ParseConfig parses a JSON configuration string and returns a Config.
func ParseConfig(jsonStr string) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal([]byte(jsonStr), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ReadConfigFile reads and parses a configuration file from the given path.
func ReadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(string(data))
}

// Secrets returns an iterator over every secret reference in the config,
// each yielded with a description of where it appears.
func (c *Config) Secrets() iter.Seq2[string, SecretRef] {
	return func(yield func(string, SecretRef) bool) {
		if !yield("target.username", c.Target.Username) {
			return
		}
		yield("target.password", c.Target.Password)
	}
}

// Validate verifies the configuration is internally consistent: the target
// produces a valid DSN, the replay policy's numeric knobs are sane, and
// every referenced secret is actually retrievable. It accumulates every
// error it finds rather than stopping at the first.
func (c *Config) Validate(ctx context.Context, secrets *SecretCache) error {
	var errs []error

	if err := c.Target.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("target: %w", err))
	}
	if err := c.Replay.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("replay: %w", err))
	}
	if c.Prometheus != nil {
		if err := c.Prometheus.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("prometheus: %w", err))
		}
	}
	if err := c.OpenTelemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("opentelemetry: %w", err))
	}
	if c.FlightRecorder != nil {
		if err := c.FlightRecorder.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("flight_recorder: %w", err))
		}
	}

	for path, ref := range c.Secrets() {
		if _, err := secrets.Get(ctx, ref); err != nil {
			errs = append(errs, errors.Join(errors.New(path), err))
		}
	}

	return errors.Join(errs...)
}
