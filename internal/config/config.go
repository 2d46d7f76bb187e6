// Package config loads FastSearch configuration from YAML with
// environment overrides.
//
// Resolution order: explicit path > FASTSEARCH_CONFIG > the default
// path (~/.config/fastsearch/config.yaml) > built-in defaults. Loaded
// values are merged over defaults, so partial files are fine.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Default paths and environment variables.
const (
	DefaultSocketPath = "/tmp/fastsearch.sock"
	DefaultPIDPath    = "/tmp/fastsearch.pid"
	DefaultDBPath     = "fastsearch.db"

	EnvConfig = "FASTSEARCH_CONFIG"
	EnvDB     = "FASTSEARCH_DB"
)

// KeepLoaded policies for model slots.
const (
	KeepAlways   = "always"
	KeepOnDemand = "on_demand"
	KeepDisabled = "disabled"
)

// Eviction policies.
const (
	EvictLRU  = "lru"
	EvictFIFO = "fifo"
)

// Canonical slot names.
const (
	SlotEmbedder = "embedder"
	SlotReranker = "reranker"
)

// DaemonConfig configures the RPC server.
type DaemonConfig struct {
	SocketPath string `yaml:"socket_path"`
	PIDPath    string `yaml:"pid_path"`
	LogLevel   string `yaml:"log_level"`
}

// ModelConfig configures a single model slot.
type ModelConfig struct {
	// Name identifies the model to load (e.g. "BAAI/bge-base-en-v1.5").
	Name string `yaml:"name"`
	// KeepLoaded is the slot policy: always, on_demand or disabled.
	KeepLoaded string `yaml:"keep_loaded"`
	// IdleTimeoutSeconds unloads on_demand slots after this idle time; 0 = never.
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`
	// MemoryEstimateMB is the static memory estimate used for budgeting.
	MemoryEstimateMB int `yaml:"memory_estimate_mb"`
}

// MemoryConfig bounds the sum of loaded model estimates.
type MemoryConfig struct {
	MaxRAMMB       int    `yaml:"max_ram_mb"`
	EvictionPolicy string `yaml:"eviction_policy"`
}

// Config is the complete FastSearch configuration.
type Config struct {
	Daemon DaemonConfig           `yaml:"daemon"`
	Models map[string]ModelConfig `yaml:"models"`
	Memory MemoryConfig           `yaml:"memory"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			SocketPath: DefaultSocketPath,
			PIDPath:    DefaultPIDPath,
			LogLevel:   "INFO",
		},
		Models: map[string]ModelConfig{
			SlotEmbedder: {
				Name:               "BAAI/bge-base-en-v1.5",
				KeepLoaded:         KeepAlways,
				IdleTimeoutSeconds: 0,
				MemoryEstimateMB:   450,
			},
			SlotReranker: {
				Name:               "cross-encoder/ms-marco-MiniLM-L-6-v2",
				KeepLoaded:         KeepOnDemand,
				IdleTimeoutSeconds: 300,
				MemoryEstimateMB:   90,
			},
		},
		Memory: MemoryConfig{
			MaxRAMMB:       4000,
			EvictionPolicy: EvictLRU,
		},
	}
}

// DefaultPath returns the default config file path
// (~/.config/fastsearch/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "fastsearch", "config.yaml")
	}
	return filepath.Join(home, ".config", "fastsearch", "config.yaml")
}

// Load resolves and loads the configuration.
// A missing file is not an error: defaults are returned.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero values left by partial YAML files.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Daemon.SocketPath == "" {
		c.Daemon.SocketPath = def.Daemon.SocketPath
	}
	if c.Daemon.PIDPath == "" {
		c.Daemon.PIDPath = def.Daemon.PIDPath
	}
	if c.Daemon.LogLevel == "" {
		c.Daemon.LogLevel = def.Daemon.LogLevel
	}
	if c.Memory.MaxRAMMB == 0 {
		c.Memory.MaxRAMMB = def.Memory.MaxRAMMB
	}
	if c.Memory.EvictionPolicy == "" {
		c.Memory.EvictionPolicy = def.Memory.EvictionPolicy
	}
	if c.Models == nil {
		c.Models = def.Models
		return
	}
	for slot, m := range c.Models {
		if m.KeepLoaded == "" {
			m.KeepLoaded = KeepOnDemand
		}
		if m.MemoryEstimateMB == 0 {
			if d, ok := def.Models[slot]; ok {
				m.MemoryEstimateMB = d.MemoryEstimateMB
			} else {
				// Conservative estimate for unknown slots.
				m.MemoryEstimateMB = 500
			}
		}
		c.Models[slot] = m
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Memory.MaxRAMMB <= 0 {
		return fmt.Errorf("memory.max_ram_mb must be positive, got %d", c.Memory.MaxRAMMB)
	}
	switch c.Memory.EvictionPolicy {
	case EvictLRU, EvictFIFO:
	default:
		return fmt.Errorf("memory.eviction_policy must be lru or fifo, got %q", c.Memory.EvictionPolicy)
	}
	for slot, m := range c.Models {
		switch m.KeepLoaded {
		case KeepAlways, KeepOnDemand, KeepDisabled:
		default:
			return fmt.Errorf("models.%s.keep_loaded must be always, on_demand or disabled, got %q", slot, m.KeepLoaded)
		}
		if m.IdleTimeoutSeconds < 0 {
			return fmt.Errorf("models.%s.idle_timeout_seconds must be non-negative", slot)
		}
	}
	return nil
}

// DBPath resolves the default store path, honoring FASTSEARCH_DB.
func DBPath() string {
	if p := os.Getenv(EnvDB); p != "" {
		return p
	}
	return DefaultDBPath
}

// WriteDefault writes the default configuration to path, creating
// parent directories. Returns the path written.
func WriteDefault(path string) (string, error) {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write config: %w", err)
	}
	return path, nil
}

// Dump renders the configuration as YAML.
func (c *Config) Dump() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	return string(data), nil
}
