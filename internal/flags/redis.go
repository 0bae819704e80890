package flags

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs the flag store with Redis so signals are visible across
// server instances and across browser tabs hitting different backends.
// Redis TTLs enforce the expiry window server-side; ExpiresAt is still stored
// in the payload so readers can compare timestamps the same way as with the
// in-memory store.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed flag store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Set(ctx context.Context, f Flag) error {
	data, ttl, err := encodeFlag(f)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, f.Key(), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set flag %s: %w", f.Kind, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, userID string, kind Kind, scope string) (*Flag, error) {
	data, err := s.client.Get(ctx, key(userID, kind, scope)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flag %s: %w", kind, err)
	}

	var f Flag
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode flag %s: %w", kind, err)
	}
	if f.Expired(time.Now()) {
		// Redis TTL should have removed it already; treat as absent either way.
		return nil, ErrNotFound
	}
	return &f, nil
}

func (s *RedisStore) SetNX(ctx context.Context, f Flag) (bool, error) {
	data, ttl, err := encodeFlag(f)
	if err != nil {
		return false, err
	}
	ok, err := s.client.SetNX(ctx, f.Key(), data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to setnx flag %s: %w", f.Kind, err)
	}
	return ok, nil
}

func (s *RedisStore) Clear(ctx context.Context, userID string, kind Kind, scope string) error {
	if err := s.client.Del(ctx, key(userID, kind, scope)).Err(); err != nil {
		return fmt.Errorf("failed to clear flag %s: %w", kind, err)
	}
	return nil
}

func (s *RedisStore) ClearAll(ctx context.Context, userID string) error {
	pattern := "qbflags:" + userID + ":*"

	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan flags for user: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to clear flags for user: %w", err)
	}
	return nil
}

func encodeFlag(f Flag) ([]byte, time.Duration, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode flag %s: %w", f.Kind, err)
	}

	// Flags without an expiry still get a generous TTL so abandoned signals
	// cannot accumulate forever.
	ttl := 24 * time.Hour
	if !f.ExpiresAt.IsZero() {
		ttl = time.Until(f.ExpiresAt)
		if ttl <= 0 {
			ttl = time.Millisecond
		}
	}
	return data, ttl, nil
}
