// Package bootstrap holds the process wiring shared by every
// entrypoint under cmd/: opening the store, building provider
// adapters, and dialing Redis. Each cmd/ binary still owns its own
// startup sequencing and shutdown behavior.
package bootstrap

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/ideaforge/engine/config"
	"github.com/ideaforge/engine/internal/provider"
	"github.com/ideaforge/engine/internal/store"
)

// OpenStore connects to Postgres and returns a ready *store.Store.
func OpenStore(ctx context.Context, cfg config.PostgresConfig, logger *log.Logger) (*store.Store, error) {
	st, err := store.New(ctx, cfg.Normalize(), logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

// OpenRedis dials Redis and verifies connectivity with a ping.
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr(), Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// BuildAdapters constructs the enabled LLM provider adapters, per §4.2.
func BuildAdapters(cfg config.LLMConfig) ([]provider.Adapter, error) {
	return provider.BuildAdapters(cfg)
}
