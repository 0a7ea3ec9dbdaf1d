package kvcache

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidTTL is returned by Set when ttl is not positive.
var ErrInvalidTTL = errors.New("kvcache: ttl must be positive")

// Store maps string keys to JSON-encodable values with a per-entry TTL.
//
// Entries are never served once their TTL has elapsed. Values are encoded on
// Set and decoded into dst on Get, so callers never share memory with the cache.
type Store interface {
	Get(ctx context.Context, key string, dst interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}
