package server

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tp-checklist/offline-hub/internal/cache"
	"github.com/tp-checklist/offline-hub/internal/config"
)

// NewStorage 根据 StorageBackend 构建桶存储，并返回进程退出时需要调用的清理函数。
func NewStorage(ctx context.Context, cfg *config.Config) (cache.Storage, func() error, error) {
	noop := func() error { return nil }
	if cfg == nil {
		return nil, noop, fmt.Errorf("config is nil")
	}

	switch cfg.Global.StorageBackend {
	case config.BackendMemory:
		return cache.NewMemoryStorage(), noop, nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, noop, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		storage, err := cache.NewRedisStorage(client, cfg.Redis.Prefix)
		if err != nil {
			client.Close()
			return nil, noop, err
		}
		return storage, client.Close, nil
	case config.BackendDisk, "":
		storage, err := cache.NewDiskStorage(cfg.Global.StoragePath)
		if err != nil {
			return nil, noop, err
		}
		return storage, noop, nil
	default:
		return nil, noop, fmt.Errorf("unsupported storage backend: %s", cfg.Global.StorageBackend)
	}
}
