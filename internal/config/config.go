// Package config provides configuration loading for the playground.
//
// Configuration covers the grading backend connection, the HTTP API,
// progress event publishing, logging and telemetry.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Config holds the complete playground configuration.
type Config struct {
	Backend   BackendConfig   `koanf:"backend"`
	Server    ServerConfig    `koanf:"server"`
	Events    EventsConfig    `koanf:"events"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// BackendConfig holds the grading backend connection settings.
type BackendConfig struct {
	URL        string   `koanf:"url"`
	Secret     Secret   `koanf:"secret"`
	ModuleType string   `koanf:"module_type"`
	ModuleName string   `koanf:"module_name"`
	Timeout    Duration `koanf:"timeout"`
	RateLimit  float64  `koanf:"rate_limit"` // requests per second
	Burst      int      `koanf:"burst"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// EventsConfig controls progress event publishing over NATS.
type EventsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// LoggingConfig is the subset of logging settings exposed through config files.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig is the subset of OpenTelemetry settings exposed through config files.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Endpoint    string `koanf:"endpoint"`
	Protocol    string `koanf:"protocol"`
	Insecure    bool   `koanf:"insecure"`
	ServiceName string `koanf:"service_name"`
}

// Default returns a configuration populated with defaults.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Backend.URL == "" {
		cfg.Backend.URL = "http://localhost:5100"
	}
	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = Duration(5 * time.Minute)
	}
	if cfg.Backend.RateLimit == 0 {
		cfg.Backend.RateLimit = 5
	}
	if cfg.Backend.Burst == 0 {
		cfg.Backend.Burst = 1
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Events.NATSURL == "" {
		cfg.Events.NATSURL = "nats://localhost:4222"
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "experiments"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "playground"
	}
}

// Validate validates the configuration.
//
// Returns an error if:
//   - Backend URL is not an absolute http(s) URL
//   - Rate limit or burst is not positive
//   - Server port is not between 1 and 65535
//   - Shutdown timeout is not positive
//   - Events are enabled without a NATS URL
func (c *Config) Validate() error {
	u, err := url.Parse(c.Backend.URL)
	if err != nil {
		return fmt.Errorf("invalid backend url %q: %w", c.Backend.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend url must use http or https, got %q", c.Backend.URL)
	}
	if c.Backend.RateLimit <= 0 {
		return fmt.Errorf("backend rate_limit must be positive, got %v", c.Backend.RateLimit)
	}
	if c.Backend.Burst <= 0 {
		return fmt.Errorf("backend burst must be positive, got %d", c.Backend.Burst)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if c.Events.Enabled && c.Events.NATSURL == "" {
		return errors.New("events.nats_url is required when events are enabled")
	}

	return nil
}
