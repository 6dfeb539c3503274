package database

import (
	"context"
	"fmt"

	"github.com/radiusdt/affiliate-attribution/internal/cache"
	"github.com/radiusdt/affiliate-attribution/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisDB holds the client behind the attribution cache.
type RedisDB struct {
	Client *redis.Client
	logger *zap.Logger
}

// NewRedisDB connects and pings Redis.
func NewRedisDB(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisDB, error) {
	client := redis.NewClient(redisOptions(cfg))

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("connected to Redis",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
		zap.Int("pool_size", cfg.PoolSize),
	)

	return &RedisDB{
		Client: client,
		logger: logger,
	}, nil
}

// redisOptions applies one timeout to dial, read and write. A cache call that
// outlives it fails, and conversions fail closed on that error.
func redisOptions(cfg config.RedisConfig) *redis.Options {
	return &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.PoolSize / 10,
	}
}

// Cache returns the attribution cache on this client.
func (r *RedisDB) Cache() *cache.RedisCache {
	return cache.NewRedisCache(r.Client)
}

func (r *RedisDB) Close() error {
	if r.Client != nil {
		r.logger.Info("closing Redis connection")
		return r.Client.Close()
	}
	return nil
}

// Health pings Redis.
func (r *RedisDB) Health(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}
