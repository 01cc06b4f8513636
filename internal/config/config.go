// Package config handles configuration loading and management for agentcomm.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/davidop/marketing-agent-comm-sub000/internal/appdir"
)

// ConfigEnv overrides the configuration file path.
const ConfigEnv = "AGENTCOMMRC"

// Transport names accepted in the transport field.
const (
	TransportDirect  = "direct"
	TransportPolling = "polling"
)

// Defaults applied by Default and Parse.
const (
	DefaultTimeout         = 30 * time.Second
	DefaultPollInterval    = 1 * time.Second
	DefaultMaxPollFailures = 10
	DefaultUserID          = "user"
	DefaultUserName        = "User"
	DefaultAPIKeyHeader    = "x-api-key"
	DefaultAuthHeader      = "Authorization"
	DefaultTokenScheme     = "Bearer"
)

// UserConfig is the identity activities are posted as.
type UserConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DirectConfig configures the request/response transport.
type DirectConfig struct {
	// Endpoint receives {messages, context, metadata} POST bodies.
	Endpoint string `yaml:"endpoint"`
}

// PollingConfig configures the activity-feed transport.
type PollingConfig struct {
	// BaseURL is the root of the conversations API.
	BaseURL string `yaml:"base_url"`
	// PollInterval is the pause between activity fetches.
	PollInterval time.Duration `yaml:"poll_interval"`
	// MaxPollFailures is the consecutive failure count after which the poll
	// loop gives up. Zero or negative retries forever.
	MaxPollFailures int `yaml:"max_poll_failures"`
}

// AuthConfig describes how requests are authenticated.
type AuthConfig struct {
	APIKey       string `yaml:"api_key"`
	APIKeyHeader string `yaml:"api_key_header"`
	Token        string `yaml:"token"`
	AuthHeader   string `yaml:"auth_header"`
	TokenScheme  string `yaml:"token_scheme"`
	// Keychain reads the API key from the OS credential store when APIKey is empty.
	Keychain bool              `yaml:"keychain"`
	Headers  map[string]string `yaml:"headers"`
}

// RateLimitConfig throttles outbound requests. Zero disables throttling.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// LogConfig mirrors the logging flags.
type LogConfig struct {
	Level      string   `yaml:"level"`
	File       string   `yaml:"file"`
	MaxSizeMB  int      `yaml:"max_size_mb"`
	MaxBackups int      `yaml:"max_backups"`
	Components []string `yaml:"components"`
}

// Config represents the complete agentcomm configuration.
type Config struct {
	Transport string          `yaml:"transport"`
	Timeout   time.Duration   `yaml:"timeout"`
	User      UserConfig      `yaml:"user"`
	Direct    DirectConfig    `yaml:"direct"`
	Polling   PollingConfig   `yaml:"polling"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       LogConfig       `yaml:"log"`
}

// Default returns a configuration with every default filled in.
// It has no endpoint, so it does not validate on its own.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Transport == "" {
		c.Transport = TransportPolling
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.User.ID == "" {
		c.User.ID = DefaultUserID
	}
	if c.User.Name == "" {
		c.User.Name = DefaultUserName
	}
	if c.Polling.PollInterval <= 0 {
		c.Polling.PollInterval = DefaultPollInterval
	}
	if c.Auth.APIKeyHeader == "" {
		c.Auth.APIKeyHeader = DefaultAPIKeyHeader
	}
	if c.Auth.AuthHeader == "" {
		c.Auth.AuthHeader = DefaultAuthHeader
	}
	if c.Auth.TokenScheme == "" {
		c.Auth.TokenScheme = DefaultTokenScheme
	}
	if c.RateLimit.Burst < 1 {
		c.RateLimit.Burst = 1
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// DefaultConfigPath returns the configuration file path: $AGENTCOMMRC if
// set, otherwise config.yaml in the data directory.
func DefaultConfigPath() string {
	if envPath := os.Getenv(ConfigEnv); envPath != "" {
		return envPath
	}
	path, err := appdir.ConfigPath()
	if err != nil {
		return appdir.ConfigFileName
	}
	return path
}

// Load reads and parses the configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse expands ${VAR} references and parses YAML configuration data.
// The max_poll_failures default only applies when the key is absent, so an
// explicit 0 keeps retrying forever.
func Parse(data []byte) (*Config, error) {
	expanded := []byte(ExpandEnv(string(data)))

	var probe struct {
		Polling map[string]any `yaml:"polling"`
	}
	if err := yaml.Unmarshal(expanded, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if _, ok := probe.Polling["max_poll_failures"]; !ok {
		cfg.Polling.MaxPollFailures = DefaultMaxPollFailures
	}
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	cfg.applyDefaults()
	return cfg, nil
}

// Validate checks that the selected transport has a usable endpoint.
func (c *Config) Validate() error {
	var errs []error

	switch c.Transport {
	case TransportDirect:
		if err := checkURL("direct.endpoint", c.Direct.Endpoint); err != nil {
			errs = append(errs, err)
		}
	case TransportPolling:
		if err := checkURL("polling.base_url", c.Polling.BaseURL); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("transport: unknown value %q (want %s or %s)", c.Transport, TransportDirect, TransportPolling))
	}

	if c.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("rate_limit.requests_per_second: must not be negative"))
	}
	return errors.Join(errs...)
}

func checkURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s: required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s: scheme must be http or https, got %q", field, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s: missing host", field)
	}
	return nil
}

// Endpoint returns the URL of the selected transport.
func (c *Config) Endpoint() string {
	if c.Transport == TransportDirect {
		return c.Direct.Endpoint
	}
	return c.Polling.BaseURL
}

// Redacted returns a copy with credentials masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	out.Auth.APIKey = redact(c.Auth.APIKey)
	out.Auth.Token = redact(c.Auth.Token)
	if len(c.Auth.Headers) > 0 {
		out.Auth.Headers = make(map[string]string, len(c.Auth.Headers))
		for k, v := range c.Auth.Headers {
			out.Auth.Headers[k] = v
		}
	}
	out.Log.Components = append([]string(nil), c.Log.Components...)
	return &out
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
