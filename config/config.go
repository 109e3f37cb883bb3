// Package config loads the process-level settings for the demo
// rudp-server and rudp-client commands from a YAML file, the same
// shape and library the teacher's own demo loaders use.
package config

import (
	"os"

	"gopkg.in/yaml.v2"
)

// AppConfig holds the knobs the demo binaries need beyond what's
// negotiated on the wire per session.
type AppConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	RemoteAddr string `yaml:"remote_addr"`
	PoolSize   int    `yaml:"pool_size"`
	Debug      bool   `yaml:"debug"`
}

// Default returns the settings the demo binaries fall back to when no
// config file is given.
func Default() AppConfig {
	return AppConfig{
		ListenAddr: ":9899",
		PoolSize:   256,
	}
}

// ReadConfig reads path as YAML into an AppConfig, starting from
// Default() so a partial file only overrides what it sets.
func ReadConfig(path string) (AppConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
