// Package xcache is a typed facade over gocache backends. Callers depend on
// the Cache interface and pick the backend (memory, redis, two-level) by
// configuration.
package xcache

import (
	"context"
	"fmt"
	"time"

	cachelib "github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	gocache_store "github.com/eko/gocache/store/go_cache/v4"
	gocache "github.com/patrickmn/go-cache"
	redis "github.com/redis/go-redis/v9"

	"github.com/formahq/forma/internal/log"
	redis_store "github.com/formahq/forma/internal/pkg/xcache/redis"
)

// Cache is the typed cache interface exposed to the rest of the engine:
// Get(ctx, key), Set(ctx, key, value, options...), Delete(ctx, key),
// Invalidate(ctx, options...), Clear(ctx), GetType().
type Cache[T any] = cachelib.CacheInterface[T]

// SetterCache additionally exposes GetWithTTL and the codec.
type SetterCache[T any] = cachelib.SetterCacheInterface[T]

// NewMemory creates an in-memory cache backed by patrickmn/go-cache.
func NewMemory[T any](client *gocache.Cache, options ...Option) SetterCache[T] {
	st := gocache_store.NewGoCache(client, options...)
	return cachelib.New[T](st)
}

// NewMemoryWithOptions builds the go-cache client with the given default
// expiration and cleanup interval.
func NewMemoryWithOptions[T any](defaultExpiration, cleanupInterval time.Duration, options ...Option) SetterCache[T] {
	return NewMemory[T](gocache.New(defaultExpiration, cleanupInterval), options...)
}

// NewRedis creates a redis-backed cache.
func NewRedis[T any](client redis_store.ClientInterface, options ...Option) SetterCache[T] {
	return cachelib.New[T](redis_store.NewStore[T](client, options...))
}

// NewTwoLevel chains a memory cache in front of a redis cache.
func NewTwoLevel[T any](memory, redis SetterCache[T]) Cache[T] {
	return cachelib.NewChain[T](memory, redis)
}

// NewFromConfig builds a typed cache from the given Config. An empty or
// unknown mode yields a noop cache so callers never need nil checks.
func NewFromConfig[T any](cfg Config) Cache[T] {
	if cfg.Mode == "" {
		return NewNoop[T]()
	}

	memExpiration := defaultIfZero(cfg.Memory.Expiration, 5*time.Minute)
	memCleanup := defaultIfZero(cfg.Memory.CleanupInterval, 10*time.Minute)
	mem := NewMemoryWithOptions[T](memExpiration, memCleanup, store.WithExpiration(memExpiration))

	var rds SetterCache[T]

	if cfg.Redis.Addr != "" && cfg.Mode != ModeMemory {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		if err := client.Ping(context.Background()).Err(); err != nil {
			panic(fmt.Errorf("failed to ping redis: %w", err))
		}

		redisExpiration := defaultIfZero(cfg.Redis.Expiration, 30*time.Minute)
		rds = NewRedis[T](client, store.WithExpiration(redisExpiration))
	}

	switch cfg.Mode {
	case ModeTwoLevel:
		if rds != nil {
			log.Info(context.Background(), "using two-level cache")
			return NewTwoLevel[T](mem, rds)
		}

		return mem
	case ModeRedis:
		if rds == nil {
			panic(fmt.Errorf("redis cache config is invalid: addr is required"))
		}

		log.Info(context.Background(), "using redis cache")

		return rds
	case ModeMemory:
		log.Info(context.Background(), "using memory cache")
		return mem
	default:
		log.Info(context.Background(), "cache disabled")
		return NewNoop[T]()
	}
}

func defaultIfZero(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}

	return d
}
