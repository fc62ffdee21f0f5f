package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models adgate.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		// AllowAnonymous routes unauthenticated callers to a fixed
		// tenant/principal. Development only.
		AllowAnonymous     bool   `yaml:"allow_anonymous"`
		AnonymousTenant    string `yaml:"anonymous_tenant"`
		AnonymousPrincipal string `yaml:"anonymous_principal"`
	} `yaml:"auth"`
	Invoke struct {
		TimeoutSeconds int `yaml:"timeout_seconds"`
	} `yaml:"invoke"`
	Webhooks struct {
		IntervalSeconds int `yaml:"interval_seconds"`
		TimeoutSeconds  int `yaml:"timeout_seconds"`
		MaxAttempts     int `yaml:"max_attempts"`
		BackoffSeconds  int `yaml:"backoff_seconds"`
		// InsecureAllowPrivate disables the private-address destination
		// check. Development only; never enable in production.
		InsecureAllowPrivate bool `yaml:"insecure_allow_private"`
	} `yaml:"webhooks"`
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	cfg.Server.Addr = ":8080"
	cfg.Server.BasePath = "/v0"
	cfg.Invoke.TimeoutSeconds = 60
	cfg.Webhooks.IntervalSeconds = 2
	cfg.Webhooks.TimeoutSeconds = 10
	cfg.Webhooks.MaxAttempts = 5
	cfg.Webhooks.BackoffSeconds = 2
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Invoke.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.invoke.timeout_seconds must be positive")
	}
	if c.Webhooks.MaxAttempts <= 0 {
		return fmt.Errorf("config.webhooks.max_attempts must be positive")
	}
	if c.Webhooks.IntervalSeconds <= 0 {
		return fmt.Errorf("config.webhooks.interval_seconds must be positive")
	}
	if c.Webhooks.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.webhooks.timeout_seconds must be positive")
	}
	if c.Webhooks.BackoffSeconds <= 0 {
		return fmt.Errorf("config.webhooks.backoff_seconds must be positive")
	}
	if c.Auth.AllowAnonymous && c.Auth.AnonymousTenant == "" {
		return fmt.Errorf("config.auth.anonymous_tenant required when allow_anonymous is set")
	}
	return nil
}

// InvokeTimeout is the bound applied around each capability call.
func (c *Config) InvokeTimeout() time.Duration {
	return time.Duration(c.Invoke.TimeoutSeconds) * time.Second
}

// FromYAML parses and validates config from raw YAML bytes, applying defaults
// for unset sections.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults when the config file does not exist.
func LoadOptional(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}
