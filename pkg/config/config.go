// Package config loads the cellexpr server configuration from defaults, an
// optional YAML file and environment variables, in increasing precedence.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Engine EngineConfig `yaml:"engine"`
	Log    LogConfig    `yaml:"log"`

	// ArraysDir is a directory of schema files registered at startup.
	ArraysDir string `yaml:"arrays_dir"`
}

// ServerConfig holds the listen addresses.
type ServerConfig struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// StoreConfig selects the storage backend. An empty Path keeps everything in
// memory.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// EngineConfig tunes the query engine.
type EngineConfig struct {
	CacheSize           int `yaml:"cache_size"`
	MaxExpressionLength int `yaml:"max_expression_length"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			HTTPPort: 8787,
			GRPCPort: 8788,
		},
		Engine: EngineConfig{
			CacheSize:           512,
			MaxExpressionLength: 16 * 1024,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "logfmt",
		},
	}
}

// Load reads the YAML file at path and fills every unset field from Default.
// An empty path returns the defaults.
//
// A field the file sets to its zero value ("", 0) counts as unset and takes
// the default too. Zero is never a setting of its own here: the engine reads
// a zero cache size or expression limit as its default and ports must be
// positive.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML configuration document over the defaults, with the
// same zero-value rule as Load.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	if err := mergo.Merge(&cfg, Default()); err != nil {
		return Config{}, fmt.Errorf("apply config defaults: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables looked up with
// getenv: HOST, PORT, GRPC_PORT, STORE_PATH, ARRAYS_DIR, LOG_LEVEL and
// LOG_FORMAT. Unset or empty variables leave the field alone.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	c.Server.Host = envOrDefault(getenv, "HOST", c.Server.Host)
	c.Store.Path = envOrDefault(getenv, "STORE_PATH", c.Store.Path)
	c.ArraysDir = envOrDefault(getenv, "ARRAYS_DIR", c.ArraysDir)
	c.Log.Level = envOrDefault(getenv, "LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOrDefault(getenv, "LOG_FORMAT", c.Log.Format)

	var err error
	if c.Server.HTTPPort, err = envInt(getenv, "PORT", c.Server.HTTPPort); err != nil {
		return err
	}
	if c.Server.GRPCPort, err = envInt(getenv, "GRPC_PORT", c.Server.GRPCPort); err != nil {
		return err
	}
	return nil
}

// Validate reports the first unusable setting.
func (c *Config) Validate() error {
	ports := []struct {
		name string
		port int
	}{
		{"http_port", c.Server.HTTPPort},
		{"grpc_port", c.Server.GRPCPort},
	}
	for _, p := range ports {
		if p.port <= 0 || p.port > 65535 {
			return fmt.Errorf("server.%s %d is out of range", p.name, p.port)
		}
	}
	if c.Server.HTTPPort == c.Server.GRPCPort {
		return fmt.Errorf("server.http_port and server.grpc_port must differ (both %d)", c.Server.HTTPPort)
	}
	if c.Engine.CacheSize < 0 {
		return fmt.Errorf("engine.cache_size must not be negative")
	}
	if c.Engine.MaxExpressionLength < 0 {
		return fmt.Errorf("engine.max_expression_length must not be negative")
	}
	if _, err := levelOption(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "logfmt", "json":
	default:
		return fmt.Errorf("log.format %q must be logfmt or json", c.Log.Format)
	}
	return nil
}

// HTTPAddr returns the REST listen address.
func (c *Config) HTTPAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.HTTPPort))
}

// GRPCAddr returns the gRPC listen address.
func (c *Config) GRPCAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.GRPCPort))
}

func envOrDefault(getenv func(string) string, key, fallback string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(getenv func(string) string, key string, fallback int) (int, error) {
	v := getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}
