package config

import (
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Cache.Backend != "memory" {
		t.Errorf("default backend = %q, want memory", cfg.Cache.Backend)
	}
	if cfg.Engine.MaxPending != 1024 {
		t.Errorf("default max_pending = %d, want 1024", cfg.Engine.MaxPending)
	}
	if cfg.Engine.CallbackTTL != time.Hour {
		t.Errorf("default callback_ttl = %v, want 1h", cfg.Engine.CallbackTTL)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Models.Dir == "" {
		t.Error("default models dir missing")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Cache.Backend = "etcd" }},
		{"non-positive max pending", func(c *Config) { c.Engine.MaxPending = 0 }},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"missing models dir", func(c *Config) { c.Models.Dir = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate must fail")
			}
		})
	}
}

func TestMergeOverridesNonZero(t *testing.T) {
	m := NewManager()
	m.merge(&Config{
		Engine: EngineConfig{MaxPending: 64, SampleSeed: 7},
		Cache:  CacheConfig{Backend: "redis", Redis: RedisConfig{Address: "redis:6379"}},
		Server: ServerConfig{Port: 9090},
	})

	cfg := m.Get()
	if cfg.Engine.MaxPending != 64 || cfg.Engine.SampleSeed != 7 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Cache.Backend != "redis" || cfg.Cache.Redis.Address != "redis:6379" {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	// Untouched values keep their defaults.
	if cfg.Cache.Redis.Prefix != "riskflow:" {
		t.Errorf("prefix = %q, want default preserved", cfg.Cache.Redis.Prefix)
	}
	if cfg.Engine.CallbackTTL != time.Hour {
		t.Errorf("callback_ttl = %v, want default preserved", cfg.Engine.CallbackTTL)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RISKFLOW_CACHE_BACKEND", "duckdb")
	t.Setenv("RISKFLOW_PORT", "9001")
	t.Setenv("RISKFLOW_MODELS_DIR", "/srv/models")

	m := NewManager()
	m.loadEnv()

	cfg := m.Get()
	if cfg.Cache.Backend != "duckdb" {
		t.Errorf("backend = %q, want duckdb", cfg.Cache.Backend)
	}
	if cfg.Server.Port != 9001 {
		t.Errorf("port = %d, want 9001", cfg.Server.Port)
	}
	if cfg.Models.Dir != "/srv/models" {
		t.Errorf("models dir = %q, want /srv/models", cfg.Models.Dir)
	}
}
