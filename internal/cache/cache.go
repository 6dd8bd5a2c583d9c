// Package cache provides a byte-oriented cache used to memoize expensive
// aggregate queries. The Redis implementation fails soft: if Redis is down
// the caller just recomputes, it never blocks a request.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache stores opaque payloads under string keys.
type Cache interface {
	// Get returns the cached payload and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores the payload with the given TTL. Failures are swallowed.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Redis is a Cache backed by a Redis server.
type Redis struct {
	client *redis.Client
	log    *zap.Logger
}

var _ Cache = (*Redis)(nil)

// NewRedis builds a Redis cache. It does not ping; a dead server degrades
// to cache misses.
func NewRedis(cfg Config, log *zap.Logger) *Redis {
	if log == nil {
		log = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Redis{client: client, log: log}
}

// Get fetches a payload; any Redis error counts as a miss.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	return val, true
}

// Set stores a payload; errors are logged and dropped.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		r.log.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// Close releases the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Nop is a Cache that stores nothing. Used when no Redis is configured.
type Nop struct{}

var _ Cache = Nop{}

// Get always misses.
func (Nop) Get(context.Context, string) ([]byte, bool) { return nil, false }

// Set drops the payload.
func (Nop) Set(context.Context, string, []byte, time.Duration) {}
