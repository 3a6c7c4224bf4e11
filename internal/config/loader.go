package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand ${VAR} environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults loads config, applies FEEDMUX_* overrides, and fills
// default values. A missing file yields a pure defaults+env config so
// container deployments can run fileless.
func LoadWithDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = &Config{}
	} else if err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg, nil
}

// LoadAndValidate loads config, applies overrides and defaults, and validates.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides maps a small set of environment variables onto config
// fields so containers can adjust capacity without editing the file.
//
//	FEEDMUX_BIND_PORT        -> publisher.bind_port
//	FEEDMUX_MAX_CONNECTIONS  -> pool.max_connections
//	FEEDMUX_MAX_SYMBOLS      -> pool.max_symbols_per_connection
//	FEEDMUX_LOG_LEVEL        -> log.level
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FEEDMUX_BIND_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Publisher.BindPort = n
		}
	}
	if v := os.Getenv("FEEDMUX_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pool.MaxConnections = n
		}
	}
	if v := os.Getenv("FEEDMUX_MAX_SYMBOLS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pool.MaxSymbolsPerConnection = n
		}
	}
	if v := os.Getenv("FEEDMUX_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}
