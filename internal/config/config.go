// Package config loads the bridge configuration: an optional YAML file
// plus environment overrides. Credentials only ever come from the
// environment (the host's secret storage), never from the file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Poll interval bounds. The vendor cloud refreshes device telemetry on
// the order of a minute; polling faster just burns the account's rate
// budget.
const (
	DefaultPollInterval = time.Minute
	MinPollInterval     = 30 * time.Second
	MaxPollInterval     = 15 * time.Minute
)

const (
	defaultBaseURL        = "https://aldesiotsuite-aldeswebapi.azurewebsites.net"
	defaultListenAddr     = ":8099"
	defaultRequestTimeout = 30 * time.Second
	defaultCacheTTL       = 30 * time.Second
)

// Config is the bridge's full configuration surface.
type Config struct {
	// Credentials, environment only.
	Username string `yaml:"-"`
	Password string `yaml:"-"`

	BaseURL        string        `yaml:"base_url"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ListenAddr     string        `yaml:"listen_addr"`
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment overrides, then validates it.
func Load(path string) (*Config, error) {
	cfg := &Config{
		BaseURL:        defaultBaseURL,
		PollInterval:   DefaultPollInterval,
		CacheTTL:       defaultCacheTTL,
		RequestTimeout: defaultRequestTimeout,
		ListenAddr:     defaultListenAddr,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.Username = os.Getenv("ALDES_USERNAME")
	cfg.Password = os.Getenv("ALDES_PASSWORD")
	if v := os.Getenv("ALDES_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("ALDES_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid ALDES_POLL_INTERVAL: %w", err)
		}
		cfg.PollInterval = d
	}
	if v := os.Getenv("ALDES_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces required fields and documented ranges.
func (c *Config) Validate() error {
	if c.Username == "" || c.Password == "" {
		return fmt.Errorf("ALDES_USERNAME and ALDES_PASSWORD must be set")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base_url must not be empty")
	}
	if c.PollInterval < MinPollInterval || c.PollInterval > MaxPollInterval {
		return fmt.Errorf("poll_interval %s outside valid range %s..%s",
			c.PollInterval, MinPollInterval, MaxPollInterval)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("cache_ttl must not be negative")
	}
	return nil
}
