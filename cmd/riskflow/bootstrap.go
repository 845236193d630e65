package main

import (
	"fmt"
	"log"

	"github.com/riskflow/riskflow/pkg/cache"
	"github.com/riskflow/riskflow/pkg/config"
	"github.com/riskflow/riskflow/pkg/engine"
	"github.com/riskflow/riskflow/pkg/messaging"
)

// newStore builds the cache/store backend selected in configuration. The
// choice happens once here; the engine never branches on backend.
func newStore(cfg *config.Config, logger *log.Logger) (cache.Store, error) {
	switch cfg.Cache.Backend {
	case "redis":
		rc := cache.DefaultRedisConfig(cfg.Cache.Redis.Address)
		rc.Password = cfg.Cache.Redis.Password
		rc.Database = cfg.Cache.Redis.DB
		if cfg.Cache.Redis.Prefix != "" {
			rc.Prefix = cfg.Cache.Redis.Prefix
		}
		if cfg.Cache.Timeout > 0 {
			rc.Timeout = cfg.Cache.Timeout
		}
		return cache.NewRedisStore(rc)
	case "duckdb":
		return cache.NewDuckDBStore(cfg.Cache.DuckDB.Path)
	case "memory":
		return cache.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

// newPublisher builds the outbound publisher, a noop when messaging is
// disabled.
func newPublisher(cfg *config.Config) (messaging.Publisher, error) {
	if !cfg.Messaging.Enabled {
		return messaging.NewNoopPublisher(), nil
	}
	return messaging.NewRedisPublisher(cfg.Messaging.Address, cfg.Messaging.Password, cfg.Messaging.DB, cfg.Cache.Timeout)
}

// newRegistry loads the model-definition directory against the compiled
// rule library.
func newRegistry(cfg *config.Config, lib *engine.Library, logger *log.Logger) (*engine.Registry, error) {
	registry := engine.NewRegistry(cfg.Models.Dir, lib, logger)
	if err := registry.Load(); err != nil {
		return nil, err
	}
	if cfg.Models.Watch {
		if err := registry.Watch(); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func engineOptions(cfg *config.Config) engine.Options {
	return engine.Options{
		MaxPending:          cfg.Engine.MaxPending,
		EnableOutbound:      cfg.Messaging.Enabled,
		EnableNotifications: cfg.Engine.EnableNotifications,
		EnableCallback:      cfg.Engine.EnableCallback,
		CallbackTTL:         cfg.Engine.CallbackTTL,
		SampleSeed:          cfg.Engine.SampleSeed,
	}
}
