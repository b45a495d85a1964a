package state

import (
	"context"

	"github.com/adityaadpandey/ephemeral-relay/internals/config"
	appmetrics "github.com/adityaadpandey/ephemeral-relay/internals/metrics"
	"go.uber.org/zap"
)

// Open selects the room store for the process lifetime. Without a Redis URL,
// or when Redis cannot be reached, the in-memory store is used; there is no
// later attempt to switch back.
func Open(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) Store {
	store := open(ctx, cfg, logger)
	appmetrics.RecordBackend(store.Backend())
	return store
}

func open(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) Store {
	if cfg.URL == "" {
		logger.Warn("REDIS_URL not set; using in-memory room store")
		return NewMemoryStore(logger)
	}

	store, err := NewRedisStore(ctx, cfg.URL, cfg.DialTimeout, cfg.OpTimeout, logger)
	if err != nil {
		logger.Warn("Redis unavailable, falling back to in-memory room store", zap.Error(err))
		return NewMemoryStore(logger)
	}
	return store
}
