package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models testpool.yml.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	RateLimits struct {
		Login         Window `yaml:"login"`
		PasswordReset Window `yaml:"password_reset"`
		SessionStart  Window `yaml:"session_start"`
	} `yaml:"rate_limits"`
	Webhooks []Webhook `yaml:"webhooks"`
}

// Window is a fixed-window rate limit budget.
type Window struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Per         time.Duration `yaml:"per"`
}

type Webhook struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	for name, w := range map[string]Window{
		"login":          c.RateLimits.Login,
		"password_reset": c.RateLimits.PasswordReset,
		"session_start":  c.RateLimits.SessionStart,
	} {
		if w.MaxAttempts <= 0 {
			return fmt.Errorf("config.rate_limits.%s.max_attempts must be positive", name)
		}
		if w.Per <= 0 {
			return fmt.Errorf("config.rate_limits.%s.per must be positive", name)
		}
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "testpool.yml")
}

// Default returns the built-in defaults, used when no config file exists.
func Default() *Config {
	var cfg Config
	cfg.Server.Addr = ":8080"
	cfg.RateLimits.Login = Window{MaxAttempts: 5, Per: 15 * time.Minute}
	cfg.RateLimits.PasswordReset = Window{MaxAttempts: 3, Per: time.Hour}
	cfg.RateLimits.SessionStart = Window{MaxAttempts: 10, Per: time.Minute}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Rate limit
// windows missing from the file fall back to the defaults.
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
