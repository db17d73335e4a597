// Package kv wraps the shared KV store in the six primitive groups the
// queue core is allowed to use. No other internal package issues
// go-redis commands; the cmd binaries only build the client and hand
// it to New, and everything else goes through the *Store handle.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a thin adapter over a Redis connection. Every key a caller
// passes is relative; Store prepends the configured prefix.
type Store struct {
	client *redis.Client
	prefix string
}

// New wraps an existing Redis client. The caller owns the client's
// lifecycle (including Close).
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "queue"
	}
	return &Store{client: client, prefix: prefix}
}

// Client exposes the underlying connection for health checks and
// shutdown; no other package should issue commands against it directly.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Key namespaces a logical key name under the store's prefix.
func (s *Store) Key(name string) string {
	return s.prefix + ":" + name
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// --- 1. string get / set-with-TTL / delete ---

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, s.Key(key)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kv get %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) SetTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.Key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.Key(key)).Err(); err != nil {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// --- 2. ordered-list push-head / push-tail / pop-tail / remove-value / length ---

func (s *Store) PushHead(ctx context.Context, key, value string) error {
	if err := s.client.LPush(ctx, s.Key(key), value).Err(); err != nil {
		return fmt.Errorf("kv push-head %s: %w", key, err)
	}
	return nil
}

func (s *Store) PushTail(ctx context.Context, key, value string) error {
	if err := s.client.RPush(ctx, s.Key(key), value).Err(); err != nil {
		return fmt.Errorf("kv push-tail %s: %w", key, err)
	}
	return nil
}

// PopTail pops the tail element, returning ErrNotFound when the list is
// empty. Claim paths use this so enqueue-at-head + pop-at-tail drains
// FIFO within a priority band.
func (s *Store) PopTail(ctx context.Context, key string) (string, error) {
	v, err := s.client.RPop(ctx, s.Key(key)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kv pop-tail %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) RemoveValue(ctx context.Context, key, value string) error {
	if err := s.client.LRem(ctx, s.Key(key), 0, value).Err(); err != nil {
		return fmt.Errorf("kv remove-value %s: %w", key, err)
	}
	return nil
}

func (s *Store) ListLen(ctx context.Context, key string) (int64, error) {
	n, err := s.client.LLen(ctx, s.Key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("kv list-len %s: %w", key, err)
	}
	return n, nil
}

// --- 3. sorted-set add / remove / range-by-score / members-in-rank-range / cardinality ---

func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := s.client.ZAdd(ctx, s.Key(key), redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("kv zadd %s: %w", key, err)
	}
	return nil
}

func (s *Store) ZRem(ctx context.Context, key, member string) error {
	if err := s.client.ZRem(ctx, s.Key(key), member).Err(); err != nil {
		return fmt.Errorf("kv zrem %s: %w", key, err)
	}
	return nil
}

// ZRangeByScore returns members with score in [min, max].
func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	members, err := s.client.ZRangeByScore(ctx, s.Key(key), &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("kv zrangebyscore %s: %w", key, err)
	}
	return members, nil
}

// ZRangeByRank returns members whose rank falls in [start, stop] (0-based,
// ascending score order, inclusive, -1 meaning last).
func (s *Store) ZRangeByRank(ctx context.Context, key string, start, stop int64) ([]string, error) {
	members, err := s.client.ZRange(ctx, s.Key(key), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("kv zrange %s: %w", key, err)
	}
	return members, nil
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, s.Key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("kv zcard %s: %w", key, err)
	}
	return n, nil
}

// --- 4. unordered-set add / remove / members / contains ---

func (s *Store) SAdd(ctx context.Context, key, member string) error {
	if err := s.client.SAdd(ctx, s.Key(key), member).Err(); err != nil {
		return fmt.Errorf("kv sadd %s: %w", key, err)
	}
	return nil
}

func (s *Store) SRem(ctx context.Context, key, member string) error {
	if err := s.client.SRem(ctx, s.Key(key), member).Err(); err != nil {
		return fmt.Errorf("kv srem %s: %w", key, err)
	}
	return nil
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.Key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("kv smembers %s: %w", key, err)
	}
	return members, nil
}

func (s *Store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.Key(key), member).Result()
	if err != nil {
		return false, fmt.Errorf("kv sismember %s: %w", key, err)
	}
	return ok, nil
}

// --- 5. hashmap set / get / get-all / delete-field ---

func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	if err := s.client.HSet(ctx, s.Key(key), field, value).Err(); err != nil {
		return fmt.Errorf("kv hset %s: %w", key, err)
	}
	return nil
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.client.HGet(ctx, s.Key(key), field).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kv hget %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, s.Key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("kv hgetall %s: %w", key, err)
	}
	return m, nil
}

func (s *Store) HDel(ctx context.Context, key, field string) error {
	if err := s.client.HDel(ctx, s.Key(key), field).Err(); err != nil {
		return fmt.Errorf("kv hdel %s: %w", key, err)
	}
	return nil
}

// --- 6. append-only log append, server-assigned sequence number ---

// LogAppend appends fields to the stream at key, returning the
// server-assigned entry id.
func (s *Store) LogAppend(ctx context.Context, key string, fields map[string]interface{}) (string, error) {
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.Key(key),
		Values: fields,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("kv log-append %s: %w", key, err)
	}
	return id, nil
}

// Expire refreshes a key's TTL without reading or rewriting its value.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, s.Key(key), ttl).Err(); err != nil {
		return fmt.Errorf("kv expire %s: %w", key, err)
	}
	return nil
}
