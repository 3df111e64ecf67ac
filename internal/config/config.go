package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config models mechline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret            string `yaml:"jwt_secret"`
		AllowLegacyHeader    bool   `yaml:"allow_legacy_header"`
		DevLoginEnabled      bool   `yaml:"dev_login_enabled"`
		TokenLifetimeMinutes int    `yaml:"token_lifetime_minutes"`
	} `yaml:"auth"`
	Lifecycle struct {
		// Transitions restricts status changes when non-empty: each key maps a
		// status to the set of statuses reachable from it. Terminal statuses
		// are always terminal regardless of this table.
		Transitions map[string][]string `yaml:"transitions"`
	} `yaml:"lifecycle"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes an audit-event sink endpoint.
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Enabled *bool             `yaml:"enabled"`
	Headers map[string]string `yaml:"headers"`
}

var validStatuses = map[string]bool{
	"open":            true,
	"assigned":        true,
	"in_progress":     true,
	"waiting_parts":   true,
	"waiting_vendor":  true,
	"completed":       true,
	"approved_closed": true,
	"cancelled":       true,
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Auth.TokenLifetimeMinutes < 0 {
		return fmt.Errorf("config.auth.token_lifetime_minutes must be >= 0")
	}
	for from, tos := range c.Lifecycle.Transitions {
		if !validStatuses[from] {
			return fmt.Errorf("config.lifecycle.transitions has unknown status %s", from)
		}
		for _, to := range tos {
			if !validStatuses[to] {
				return fmt.Errorf("transitions from %s reference unknown status %s", from, to)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
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

// LoadOptional returns the default config if the file does not exist.
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

const defaultTemplate = `server:
  addr: 127.0.0.1:8430
  base_path: /v1

auth:
  jwt_secret: ""
  allow_legacy_header: false
  dev_login_enabled: false
  token_lifetime_minutes: 480

lifecycle:
  # Empty means any non-terminal status may move to any other status,
  # subject to role guards. Uncomment to enforce a transition table.
  transitions: {}
`
