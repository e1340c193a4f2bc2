// Package config loads and validates the application configuration from the
// environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the prefix of every configuration variable.
const EnvPrefix = "LICENSOR"

// Config is the complete application configuration.
type Config struct {
	Server    ServerConfig    `envconfig:"SERVER"`
	Security  SecurityConfig  `envconfig:"SECURITY"`
	Logging   LoggingConfig   `envconfig:"LOGGING"`
	Licensing LicensingConfig `envconfig:"LICENSING"`
	Store     StoreConfig     `envconfig:"STORE"`
	Telemetry TelemetryConfig `envconfig:"TELEMETRY"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// SecurityConfig contains the edge security configuration.
type SecurityConfig struct {
	AllowedOrigins []string        `envconfig:"ALLOWED_ORIGINS" default:"*"`
	EnableCORS     bool            `envconfig:"ENABLE_CORS" default:"true"`
	JWTSecret      string          `envconfig:"JWT_SECRET"`
	JWTIssuer      string          `envconfig:"JWT_ISSUER" default:"licensor"`
	RateLimit      RateLimitConfig `envconfig:"RATE_LIMIT"`
}

// RateLimitConfig configures the token bucket on the client endpoints, keyed
// by license key when the request names one in the licenseKey query
// parameter or X-License-Key header, and by remote address otherwise.
type RateLimitConfig struct {
	Enabled bool    `envconfig:"ENABLED" default:"true"`
	RPS     float64 `envconfig:"RPS" default:"20"`
	Burst   int     `envconfig:"BURST" default:"10"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level    string `envconfig:"LEVEL" default:"info"`
	Output   string `envconfig:"OUTPUT" default:"console"`
	FilePath string `envconfig:"FILE_PATH" default:"logs/licensor.log"`
}

// LicensingConfig contains the licensing engine configuration.
type LicensingConfig struct {
	SecretsFile       string        `envconfig:"SECRETS_FILE" default:"secrets.lic"`
	Passphrase        string        `envconfig:"PASSPHRASE"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"5m"`
	SweepInterval     time.Duration `envconfig:"SWEEP_INTERVAL" default:"5m"`
	StaleAfter        time.Duration `envconfig:"STALE_AFTER" default:"10m"`
}

// StoreConfig contains persistence configuration.
type StoreConfig struct {
	Path string `default:"data/licensor.db"`
}

// TelemetryConfig selects where telemetry goes.
type TelemetryConfig struct {
	TraceExporter string `envconfig:"TRACE_EXPORTER" default:"stdout"`
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

// Validate checks cross-field constraints the struct tags cannot express.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Licensing.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.Licensing.StaleAfter < c.Licensing.HeartbeatInterval {
		return fmt.Errorf("stale threshold %s must not be below the heartbeat interval %s",
			c.Licensing.StaleAfter, c.Licensing.HeartbeatInterval)
	}
	if c.Licensing.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	if c.Security.RateLimit.Enabled {
		if c.Security.RateLimit.RPS <= 0 {
			return fmt.Errorf("rate limit rps must be positive")
		}
		if c.Security.RateLimit.Burst < 1 {
			return fmt.Errorf("rate limit burst must be at least 1")
		}
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store path must not be empty")
	}
	switch c.Telemetry.TraceExporter {
	case "stdout", "none":
	default:
		return fmt.Errorf("unsupported trace exporter %q", c.Telemetry.TraceExporter)
	}
	return nil
}
