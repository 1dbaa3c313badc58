// Package config loads the guestops configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config stores connection and behavior settings for guest operations.
type Config struct {
	VCenter VCenterConfig `yaml:"vcenter"`
	Guest   GuestConfig   `yaml:"guest"`
	SSH     SSHConfig     `yaml:"ssh"`
	Process ProcessConfig `yaml:"process"`
}

// VCenterConfig is the vSphere endpoint and login.
type VCenterConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Insecure skips TLS certificate verification, for lab setups with
	// self-signed certificates.
	Insecure bool `yaml:"insecure"`
}

// GuestConfig is the in-guest login used for guest operations.
type GuestConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// SSHConfig is the direct SSH route to a guest, used instead of the
// vSphere guest operations API when a host is set.
type SSHConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	KeyFile  string `yaml:"keyFile"`
}

// ProcessConfig tunes exit-code polling.
type ProcessConfig struct {
	TimeoutSeconds  int `yaml:"timeoutSeconds"`
	IntervalSeconds int `yaml:"intervalSeconds"`
}

// Default returns a config with polling defaults filled in.
func Default() *Config {
	return &Config{
		Process: ProcessConfig{
			TimeoutSeconds:  60,
			IntervalSeconds: 1,
		},
	}
}

// Load reads a YAML config file and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that exactly one guest route is configured and polling
// values are sane.
func (c *Config) Validate() error {
	hasVCenter := c.VCenter.URL != ""
	hasSSH := c.SSH.Host != ""
	if !hasVCenter && !hasSSH {
		return fmt.Errorf("either vcenter.url or ssh.host must be set")
	}
	if hasVCenter && hasSSH {
		return fmt.Errorf("vcenter.url and ssh.host are mutually exclusive")
	}
	if hasVCenter && c.VCenter.Username == "" {
		return fmt.Errorf("vcenter.username is required")
	}
	if hasSSH && c.SSH.User == "" {
		return fmt.Errorf("ssh.user is required")
	}
	if c.Process.TimeoutSeconds <= 0 {
		return fmt.Errorf("process.timeoutSeconds must be positive")
	}
	if c.Process.IntervalSeconds <= 0 {
		return fmt.Errorf("process.intervalSeconds must be positive")
	}
	return nil
}

// Timeout returns the exit-code polling budget.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Process.TimeoutSeconds) * time.Second
}

// Interval returns the delay between exit-code polls.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Process.IntervalSeconds) * time.Second
}
