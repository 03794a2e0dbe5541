package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.commhist/config.toml.
type Config struct {
	DefaultProfile    string `toml:"default_profile"`
	ResolverPolicy    string `toml:"resolver_policy"`
	ReconcileSchedule string `toml:"reconcile_schedule"`
}

// Resolver policy values accepted in config.toml.
const (
	PolicyDisabled  = "disabled"
	PolicyOnDemand  = "on-demand"
	PolicyImmediate = "immediate"
)

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.ResolverPolicy {
	case "", PolicyDisabled, PolicyOnDemand, PolicyImmediate:
		return nil
	}
	return fmt.Errorf("invalid resolver_policy %q", c.ResolverPolicy)
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
