// Package config loads the toolbridge core's YAML configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/toolbridge/core/internal/coreerr"
)

// Config is the top-level configuration document.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Plugins     PluginsConfig     `yaml:"plugins"`
	Template    TemplateConfig    `yaml:"template"`
	Distributed DistributedConfig `yaml:"distributed"`
	FileFetcher FileFetcherConfig `yaml:"file_fetcher"`
}

// ServerConfig configures the HTTP/websocket listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoggingConfig configures the ambient logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PluginsConfig configures the plugin runtime.
type PluginsConfig struct {
	Paths []string `yaml:"paths"`
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
	Watch bool     `yaml:"watch"`
}

// TemplateConfig configures the template engine's limits.
type TemplateConfig struct {
	MaxDepth        int      `yaml:"max_depth"`
	MaxPlaceholders int      `yaml:"max_placeholders"`
	RegexCacheSize  int      `yaml:"regex_cache_size"`
	EnvPrefixes     []string `yaml:"env_prefixes"`
	CycleDetection  *bool    `yaml:"cycle_detection"`
}

// DistributedConfig configures the distributed tool channel.
type DistributedConfig struct {
	SharedKey      string `yaml:"shared_key"`
	DefaultTimeout string `yaml:"default_timeout"`
}

// FileFetcherConfig configures the three-layer file fetcher.
type FileFetcherConfig struct {
	CacheDir      string `yaml:"cache_dir"`
	MaxCacheBytes int64  `yaml:"max_cache_bytes"`
}

// Default returns a Config populated with the spec's default values.
func Default() *Config {
	cycleOn := true
	return &Config{
		Server:  ServerConfig{Host: "0.0.0.0", Port: 8080},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Plugins: PluginsConfig{},
		Template: TemplateConfig{
			MaxDepth:        10,
			MaxPlaceholders: 100,
			RegexCacheSize:  200,
			EnvPrefixes:     []string{"Tar", "Var", "ENV_"},
			CycleDetection:  &cycleOn,
		},
		Distributed: DistributedConfig{DefaultTimeout: "30s"},
		FileFetcher: FileFetcherConfig{CacheDir: "./cache", MaxCacheBytes: 0},
	}
}

// Load reads and parses a YAML config file, applying defaults for anything
// left unset, then validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindInvalidConfig, "read config file", err, map[string]any{"path": path})
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, coreerr.Wrap(coreerr.KindInvalidConfig, "parse config file", err, map[string]any{"path": path})
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fails fast on missing required fields.
func (c *Config) Validate() error {
	if c.Server.Port == 0 {
		return coreerr.New(coreerr.KindMissingRequiredConfig, "server.port is required", nil)
	}
	if c.Distributed.SharedKey == "" {
		return coreerr.New(coreerr.KindMissingRequiredConfig, "distributed.shared_key is required", nil)
	}
	if c.FileFetcher.CacheDir == "" {
		return coreerr.New(coreerr.KindMissingRequiredConfig, "file_fetcher.cache_dir is required", nil)
	}
	return nil
}

// Addr returns the host:port listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
