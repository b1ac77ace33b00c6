package edge

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/akmlabs5/loanledger-edge/internal/cache"
)

// OpenStorage builds the cache backend selected by cfg.Storage.
func OpenStorage(cfg Config) (cache.Storage, error) {
	switch cfg.Storage.Driver {
	case "", DriverMemory:
		return cache.NewMemory(), nil
	case DriverSQLite:
		return cache.NewSQLiteStorage(cfg.Storage.DSN)
	case DriverPostgres:
		return cache.NewPostgresStorage(cfg.Storage.DSN)
	case DriverRedis:
		rc := cfg.Storage.Redis
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		s, err := cache.NewRedisStorage(client, rc.Prefix)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("connect redis %s: %w", rc.Addr, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", cfg.Storage.Driver)
	}
}
