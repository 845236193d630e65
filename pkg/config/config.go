// Package config provides hierarchical configuration management.
// Priority: defaults < system < user < project < env
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all riskflow configuration.
type Config struct {
	Version int `yaml:"version"`

	Engine    EngineConfig    `yaml:"engine"`
	Cache     CacheConfig     `yaml:"cache"`
	Messaging MessagingConfig `yaml:"messaging"`
	Server    ServerConfig    `yaml:"server"`
	Models    ModelsConfig    `yaml:"models"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// EngineConfig controls the invocation engine.
type EngineConfig struct {
	MaxPending          int64         `yaml:"max_pending"` // queue-depth rejection threshold
	EnableNotifications bool          `yaml:"enable_notifications"`
	EnableCallback      bool          `yaml:"enable_callback"`
	CallbackTTL         time.Duration `yaml:"callback_ttl"`
	SampleSeed          int64         `yaml:"sample_seed"` // 0 = time-based
}

// CacheConfig selects and configures the cache/store backend.
type CacheConfig struct {
	Backend string        `yaml:"backend"` // redis | duckdb | memory
	Redis   RedisConfig   `yaml:"redis"`
	DuckDB  DuckDBConfig  `yaml:"duckdb"`
	Timeout time.Duration `yaml:"timeout"`
}

// RedisConfig for the low-latency cache backend.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// DuckDBConfig for the durable relational backend.
type DuckDBConfig struct {
	Path string `yaml:"path"`
}

// MessagingConfig for outbound publishing.
type MessagingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ServerConfig for the HTTP server.
type ServerConfig struct {
	Port         int      `yaml:"port"`
	Host         string   `yaml:"host"`
	MaxBodyBytes int64    `yaml:"max_body_bytes"`
	CORSOrigins  []string `yaml:"cors_origins"`
	APIKeys      []string `yaml:"api_keys"`
}

// ModelsConfig locates model definitions.
type ModelsConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// TelemetryConfig for optional tracing.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	riskflowDir := filepath.Join(homeDir, ".riskflow")

	return &Config{
		Version: 1,
		Engine: EngineConfig{
			MaxPending:  1024,
			CallbackTTL: time.Hour,
		},
		Cache: CacheConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Address: "localhost:6379",
				Prefix:  "riskflow:",
			},
			DuckDB: DuckDBConfig{
				Path: filepath.Join(riskflowDir, "riskflow.db"),
			},
			Timeout: 5 * time.Second,
		},
		Messaging: MessagingConfig{
			Enabled: false,
			Address: "localhost:6379",
		},
		Server: ServerConfig{
			Port:         8080,
			Host:         "localhost",
			MaxBodyBytes: 1 << 20,
			CORSOrigins:  []string{"*"},
		},
		Models: ModelsConfig{
			Dir:   filepath.Join(riskflowDir, "models"),
			Watch: true,
		},
		Telemetry: TelemetryConfig{
			Enabled: false,
		},
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case "redis", "duckdb", "memory":
	default:
		return fmt.Errorf("cache.backend %q: must be redis, duckdb or memory", c.Cache.Backend)
	}
	if c.Engine.MaxPending <= 0 {
		return fmt.Errorf("engine.max_pending must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Models.Dir == "" {
		return fmt.Errorf("models.dir missing")
	}
	return nil
}

// Manager handles configuration loading and merging.
type Manager struct {
	mu     sync.RWMutex
	config *Config
	paths  []string // Paths that were loaded
}

// NewManager creates a new configuration manager.
func NewManager() *Manager {
	return &Manager{
		config: Default(),
	}
}

// Load loads configuration from all sources in priority order.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Start with defaults
	m.config = Default()

	// Load from paths in order (later overrides earlier)
	paths := m.getConfigPaths()
	for _, path := range paths {
		if err := m.loadFile(path); err != nil {
			// Ignore missing files, but surface errors for existing files
			if !os.IsNotExist(err) {
				return err
			}
		} else {
			m.paths = append(m.paths, path)
		}
	}

	// Override with environment variables
	m.loadEnv()

	return m.config.Validate()
}

// getConfigPaths returns config file paths in priority order.
func (m *Manager) getConfigPaths() []string {
	var paths []string

	// System config
	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/riskflow/config.yaml")
	}

	// User config
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".riskflow", "config.yaml"))
	}

	// Project config (current directory)
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".riskflow.yaml"))
	}

	return paths
}

// loadFile loads a single config file and merges it.
func (m *Manager) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var partial Config
	if err := yaml.Unmarshal(data, &partial); err != nil {
		return err
	}

	// Merge non-zero values
	m.merge(&partial)
	return nil
}

// merge merges non-zero values from src into config.
func (m *Manager) merge(src *Config) {
	// Engine
	if src.Engine.MaxPending != 0 {
		m.config.Engine.MaxPending = src.Engine.MaxPending
	}
	if src.Engine.EnableNotifications {
		m.config.Engine.EnableNotifications = true
	}
	if src.Engine.EnableCallback {
		m.config.Engine.EnableCallback = true
	}
	if src.Engine.CallbackTTL != 0 {
		m.config.Engine.CallbackTTL = src.Engine.CallbackTTL
	}
	if src.Engine.SampleSeed != 0 {
		m.config.Engine.SampleSeed = src.Engine.SampleSeed
	}

	// Cache
	if src.Cache.Backend != "" {
		m.config.Cache.Backend = src.Cache.Backend
	}
	if src.Cache.Redis.Address != "" {
		m.config.Cache.Redis.Address = src.Cache.Redis.Address
	}
	if src.Cache.Redis.Password != "" {
		m.config.Cache.Redis.Password = src.Cache.Redis.Password
	}
	if src.Cache.Redis.DB != 0 {
		m.config.Cache.Redis.DB = src.Cache.Redis.DB
	}
	if src.Cache.Redis.Prefix != "" {
		m.config.Cache.Redis.Prefix = src.Cache.Redis.Prefix
	}
	if src.Cache.DuckDB.Path != "" {
		m.config.Cache.DuckDB.Path = src.Cache.DuckDB.Path
	}
	if src.Cache.Timeout != 0 {
		m.config.Cache.Timeout = src.Cache.Timeout
	}

	// Messaging
	if src.Messaging.Enabled {
		m.config.Messaging.Enabled = true
	}
	if src.Messaging.Address != "" {
		m.config.Messaging.Address = src.Messaging.Address
	}
	if src.Messaging.Password != "" {
		m.config.Messaging.Password = src.Messaging.Password
	}
	if src.Messaging.DB != 0 {
		m.config.Messaging.DB = src.Messaging.DB
	}

	// Server
	if src.Server.Port != 0 {
		m.config.Server.Port = src.Server.Port
	}
	if src.Server.Host != "" {
		m.config.Server.Host = src.Server.Host
	}
	if src.Server.MaxBodyBytes != 0 {
		m.config.Server.MaxBodyBytes = src.Server.MaxBodyBytes
	}
	if len(src.Server.CORSOrigins) > 0 {
		m.config.Server.CORSOrigins = src.Server.CORSOrigins
	}
	if len(src.Server.APIKeys) > 0 {
		m.config.Server.APIKeys = src.Server.APIKeys
	}

	// Models
	if src.Models.Dir != "" {
		m.config.Models.Dir = src.Models.Dir
	}
	if src.Models.Watch {
		m.config.Models.Watch = true
	}

	// Telemetry
	if src.Telemetry.Enabled {
		m.config.Telemetry.Enabled = true
	}
	if src.Telemetry.Endpoint != "" {
		m.config.Telemetry.Endpoint = src.Telemetry.Endpoint
	}
}

// loadEnv loads configuration from environment variables.
func (m *Manager) loadEnv() {
	// RISKFLOW_CACHE_BACKEND
	if v := os.Getenv("RISKFLOW_CACHE_BACKEND"); v != "" {
		m.config.Cache.Backend = v
	}

	// RISKFLOW_REDIS_ADDRESS
	if v := os.Getenv("RISKFLOW_REDIS_ADDRESS"); v != "" {
		m.config.Cache.Redis.Address = v
	}

	// RISKFLOW_PORT
	if v := os.Getenv("RISKFLOW_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			m.config.Server.Port = port
		}
	}

	// RISKFLOW_MODELS_DIR
	if v := os.Getenv("RISKFLOW_MODELS_DIR"); v != "" {
		m.config.Models.Dir = v
	}
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetPaths returns the paths that were loaded.
func (m *Manager) GetPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paths
}

// Save writes the current config to the user config file.
func (m *Manager) Save() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	configDir := filepath.Join(home, ".riskflow")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(m.config)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(configDir, "config.yaml"), data, 0644)
}
