package blurbsync

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Backend names the remote store implementation.
type Backend string

const (
	// BackendHTTP talks to a blurb server over its JSON API.
	BackendHTTP Backend = "http"
	// BackendRedis keeps blurbs in a Redis hash.
	BackendRedis Backend = "redis"
)

// duration lets TOML files say polling_delay = "5m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds client configuration.
type Config struct {
	APIKey  string  `toml:"api_key"`
	Host    string  `toml:"host"`
	Port    int     `toml:"port"`
	Secure  bool    `toml:"secure"`
	Backend Backend `toml:"backend"`

	RedisURL    string `toml:"redis_url"`
	RedisPrefix string `toml:"redis_prefix"`

	PollingDelay duration `toml:"polling_delay"`
	HTTPTimeout  duration `toml:"http_timeout"`

	EnvironmentName         string   `toml:"environment_name"`
	DevelopmentEnvironments []string `toml:"development_environments"`
	TestEnvironments        []string `toml:"test_environments"`

	LogLevel    string `toml:"log_level"`
	LogJSON     bool   `toml:"log_json"`
	MetricsAddr string `toml:"metrics_addr"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Host:                    "localhost",
		Port:                    443,
		Secure:                  true,
		Backend:                 BackendHTTP,
		RedisPrefix:             "blurbsync:",
		PollingDelay:            duration{300 * time.Second},
		HTTPTimeout:             duration{5 * time.Second},
		EnvironmentName:         "production",
		DevelopmentEnvironments: []string{"development"},
		TestEnvironments:        []string{"test"},
		LogLevel:                "info",
	}
}

// LoadConfig decodes a TOML file over the defaults and applies environment overrides.
// An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, &ConfigError{Message: "decoding " + path, Cause: err}
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from BLURBSYNC_* environment variables.
func (c *Config) ApplyEnv() error {
	setString := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}

	setString("BLURBSYNC_API_KEY", &c.APIKey)
	setString("BLURBSYNC_HOST", &c.Host)
	setString("BLURBSYNC_REDIS_URL", &c.RedisURL)
	setString("BLURBSYNC_ENV", &c.EnvironmentName)
	setString("BLURBSYNC_LOG_LEVEL", &c.LogLevel)
	setString("BLURBSYNC_METRICS_ADDR", &c.MetricsAddr)

	if v, ok := os.LookupEnv("BLURBSYNC_BACKEND"); ok {
		c.Backend = Backend(v)
	}
	if v, ok := os.LookupEnv("BLURBSYNC_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return &ConfigError{Field: "port", Message: "BLURBSYNC_PORT is not a number", Cause: err}
		}
		c.Port = port
	}
	if v, ok := os.LookupEnv("BLURBSYNC_SECURE"); ok {
		secure, err := strconv.ParseBool(v)
		if err != nil {
			return &ConfigError{Field: "secure", Message: "BLURBSYNC_SECURE is not a boolean", Cause: err}
		}
		c.Secure = secure
	}
	if v, ok := os.LookupEnv("BLURBSYNC_POLLING_DELAY"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return &ConfigError{Field: "polling_delay", Message: "BLURBSYNC_POLLING_DELAY is not a duration", Cause: err}
		}
		c.PollingDelay = duration{d}
	}
	return nil
}

// Validate checks that required fields are present for the chosen backend.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendHTTP:
		if c.APIKey == "" {
			return &ConfigError{Field: "api_key", Message: "required for the http backend"}
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return &ConfigError{Field: "redis_url", Message: "required for the redis backend"}
		}
	default:
		return &ConfigError{Field: "backend", Message: fmt.Sprintf("unknown backend %q", c.Backend)}
	}

	if c.PollingDelay.Duration <= 0 {
		return &ConfigError{Field: "polling_delay", Message: "must be positive"}
	}
	return nil
}

// Development reports whether the environment is a development one.
func (c Config) Development() bool {
	return contains(c.DevelopmentEnvironments, c.EnvironmentName)
}

// Test reports whether the environment is a test one.
func (c Config) Test() bool {
	return contains(c.TestEnvironments, c.EnvironmentName)
}

// Public reports whether published blurbs should be served (any environment
// that is neither development nor test).
func (c Config) Public() bool {
	return !c.Development() && !c.Test()
}

// Polling returns the polling delay.
func (c Config) Polling() time.Duration {
	return c.PollingDelay.Duration
}

// SetPolling sets the polling delay.
func (c *Config) SetPolling(d time.Duration) {
	c.PollingDelay = duration{d}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
