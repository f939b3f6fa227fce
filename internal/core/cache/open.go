package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quotaguard/quotaguard/internal/config"
	"github.com/quotaguard/quotaguard/internal/observability"
)

const (
	backendMemory = "memory"
	backendRedis  = "redis"
)

// Open builds the configured backend. The returned close function releases
// backend connections and is never nil.
func Open(ctx context.Context, cfg config.CacheConfig, logger observability.Logger) (*Cache, func() error, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger = observability.OrNop(logger)

	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = backendMemory
	}

	switch backend {
	case backendMemory:
		provider, err := NewMemoryProvider(cfg.Capacity)
		if err != nil {
			return nil, nil, err
		}
		return New(provider, logger), func() error { return nil }, nil
	case backendRedis:
		timeout := cfg.Redis.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  timeout,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		})

		// An unreachable redis degrades to cache bypass rather than failing startup.
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			logger.Warn("Redis cache backend unreachable, cache reads will miss",
				zap.String("addr", cfg.Redis.Addr),
				zap.Error(err))
		}

		provider, err := NewRedisProvider(client, cfg.Redis.KeyPrefix)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return New(provider, logger), provider.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported cache backend: %s", cfg.Backend)
	}
}
