// Package redis implements a typed gocache store over go-redis. Values are
// stored as JSON so the cache survives process restarts and is inspectable.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lib_store "github.com/eko/gocache/lib/v4/store"
	redis "github.com/redis/go-redis/v9"
)

// ClientInterface is the subset of go-redis used by the store.
type ClientInterface interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	FlushAll(ctx context.Context) *redis.StatusCmd
}

// StoreType identifies the backend in cache metrics and logs.
const StoreType = "redis"

// Store is a typed redis store: values of type T round-trip through JSON.
type Store[T any] struct {
	client  ClientInterface
	options *lib_store.Options
}

// NewStore creates a typed redis store.
func NewStore[T any](client ClientInterface, options ...lib_store.Option) *Store[T] {
	return &Store[T]{
		client:  client,
		options: lib_store.ApplyOptions(options...),
	}
}

func keyString(key any) (string, error) {
	s, ok := key.(string)
	if !ok {
		return "", fmt.Errorf("redis store: expected string key, got %T", key)
	}

	return s, nil
}

// Get returns the typed value stored at key.
func (s *Store[T]) Get(ctx context.Context, key any) (any, error) {
	var result T

	k, err := keyString(key)
	if err != nil {
		return result, lib_store.NotFoundWithCause(err)
	}

	raw, err := s.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		return result, lib_store.NotFoundWithCause(err)
	}

	if err != nil {
		return result, err
	}

	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		var zero T
		return zero, err
	}

	return result, nil
}

// GetWithTTL returns the typed value stored at key and its remaining TTL.
func (s *Store[T]) GetWithTTL(ctx context.Context, key any) (any, time.Duration, error) {
	var result T

	k, err := keyString(key)
	if err != nil {
		return result, 0, lib_store.NotFoundWithCause(err)
	}

	raw, err := s.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		return result, 0, lib_store.NotFoundWithCause(err)
	}

	if err != nil {
		return result, 0, err
	}

	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		var zero T
		return zero, 0, err
	}

	ttl, err := s.client.TTL(ctx, k).Result()
	if err != nil {
		var zero T
		return zero, 0, err
	}

	return result, ttl, nil
}

// Set stores the value at key, honoring the expiration option.
func (s *Store[T]) Set(ctx context.Context, key any, value any, options ...lib_store.Option) error {
	opts := lib_store.ApplyOptionsWithDefault(s.options, options...)

	k, err := keyString(key)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return s.client.Set(ctx, k, string(raw), opts.Expiration).Err()
}

// Delete removes the value at key.
func (s *Store[T]) Delete(ctx context.Context, key any) error {
	k, err := keyString(key)
	if err != nil {
		return err
	}

	return s.client.Del(ctx, k).Err()
}

// Invalidate drops all data. Tag-scoped invalidation is not supported.
func (s *Store[T]) Invalidate(ctx context.Context, options ...lib_store.InvalidateOption) error {
	return s.client.FlushAll(ctx).Err()
}

// Clear resets all data in the store.
func (s *Store[T]) Clear(ctx context.Context) error {
	return s.client.FlushAll(ctx).Err()
}

// GetType returns the store type.
func (s *Store[T]) GetType() string {
	return StoreType
}
