package kvcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore provides a Redis-backed implementation of Store.
// Expiry is delegated to Redis via PX/EX on SET.
type RedisStore struct {
	mu      sync.Mutex
	client  *redis.Client
	options *redis.Options
	logger  *slog.Logger
	prefix  string
	closed  bool
}

// NewRedisStore returns a new RedisStore with given options. Keys are stored
// under prefix.
func NewRedisStore(opts *redis.Options, prefix string, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client:  redis.NewClient(opts),
		options: opts,
		logger:  logger,
		prefix:  prefix,
	}
}

// conn returns the current client.
func (s *RedisStore) conn() *redis.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// reconnect swaps failed for a fresh client unless another caller already
// did, and returns the client to retry on. It reports false once the store
// is closed.
func (s *RedisStore) reconnect(failed *redis.Client, cause error) (*redis.Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	if s.client == failed {
		s.logger.Warn("kvcache reconnecting to Redis", "error", cause)
		_ = failed.Close()
		s.client = redis.NewClient(s.options)
	}
	return s.client, true
}

// do runs op on the current client and retries it once on a fresh client
// after a connection-level failure. A missing key is not a failure.
func (s *RedisStore) do(ctx context.Context, op func(*redis.Client) error) error {
	client := s.conn()
	err := op(client)
	if err == nil || errors.Is(err, redis.Nil) || ctx.Err() != nil {
		return err
	}
	next, ok := s.reconnect(client, err)
	if !ok {
		return err
	}
	return op(next)
}

// Ping reports whether Redis answers.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.conn().Ping(ctx).Err()
}

// Get decodes the value stored at key into dst.
func (s *RedisStore) Get(ctx context.Context, key string, dst interface{}) (bool, error) {
	var data []byte
	err := s.do(ctx, func(c *redis.Client) (err error) {
		data, err = c.Get(ctx, s.prefix+key).Bytes()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kvcache: get %s: %w", key, err)
	}
	if dst == nil {
		return true, nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("kvcache: decode %s: %w", key, err)
	}
	return true, nil
}

// Set stores value at key with the given TTL.
func (s *RedisStore) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kvcache: encode %s: %w", key, err)
	}
	err = s.do(ctx, func(c *redis.Client) error {
		return c.Set(ctx, s.prefix+key, data, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("kvcache: set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key from the store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	err := s.do(ctx, func(c *redis.Client) error {
		return c.Del(ctx, s.prefix+key).Err()
	})
	if err != nil {
		return fmt.Errorf("kvcache: delete %s: %w", key, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
