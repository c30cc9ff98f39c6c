package cache

import (
	"context"
	"fmt"
	"log/slog"

	"sparkwise/internal/domain"
	"sparkwise/internal/infra/config"
)

// Backend is a cache that holds resources until closed.
type Backend interface {
	domain.Cache
	Close() error
}

// New builds the configured backend. The response and agent layers share
// one backend; their keys never collide because each layer hashes a
// different tuple.
func New(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) (Backend, error) {
	switch cfg.Backend {
	case "memory", "":
		logger.Info("cache backend ready", "backend", "memory")
		return NewMemoryCache(cfg.CleanupInterval), nil
	case "redis":
		c, err := NewRedisCache(ctx, cfg.RedisURL, cfg.KeyPrefix)
		if err != nil {
			return nil, err
		}
		logger.Info("cache backend ready", "backend", "redis", "key_prefix", cfg.KeyPrefix)
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported cache backend %q", cfg.Backend)
	}
}
