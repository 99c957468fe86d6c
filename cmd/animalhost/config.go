package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"
	"github.com/zero-day-ai/pluginhost"
	"github.com/zero-day-ai/pluginhost/registry"
	"gopkg.in/yaml.v3"
)

// Config is the host configuration file.
//
//	plugin_dir: /usr/lib/animalhost
//	policy: 'name != "Snail"'
//	disabled: [Cat]
//	log_level: debug
//	registry:
//	  endpoints: ["localhost:2379"]
//	  namespace: zoo
type Config struct {
	// PluginDir is scanned for plugin libraries. Empty disables the loader.
	PluginDir string `yaml:"plugin_dir"`

	// Policy is a CEL expression every plugin must satisfy before loading.
	Policy string `yaml:"policy"`

	// Disabled lists plugin names that are never loaded.
	Disabled []string `yaml:"disabled"`

	// Registry announces loaded plugins to etcd when endpoints are set.
	Registry *registry.Config `yaml:"registry"`

	// LogLevel is one of debug, info, warn, error.
	// Default: "info"
	LogLevel string `yaml:"log_level"`
}

// loadConfig reads the config file at path. An empty path yields the zero Config.
func loadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	defer pluginhost.CloseWithLog(f, nil, path)

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// applyFlags overrides config values with flags the user set explicitly.
func (c *Config) applyFlags(opts *hostOptions, flags *pflag.FlagSet) {
	if flags.Changed("plugin-dir") || c.PluginDir == "" {
		c.PluginDir = opts.pluginDir
	}
	if flags.Changed("policy") || c.Policy == "" {
		c.Policy = opts.policy
	}
	if flags.Changed("log-level") || c.LogLevel == "" {
		c.LogLevel = opts.logLevel
	}
}

func (c Config) level() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return level, pluginhost.NewValidationError("animalhost", fmt.Errorf("invalid log level %q: %w", c.LogLevel, err))
	}
	return level, nil
}
