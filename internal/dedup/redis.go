// Package dedup remembers processed webhook events in Redis.
package dedup

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/storefront/internal/domain/payment"
)

const keyPrefix = "storefront:webhook:"

// DefaultTTL covers the processor's retry window.
const DefaultTTL = 72 * time.Hour

type store interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

var _ payment.DedupStore = (*RedisStore)(nil)

// RedisStore keeps processed event ids with a TTL.
type RedisStore struct {
	rdb store
	ttl time.Duration
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Connect opens a client and verifies the server answers.
func Connect(ctx context.Context, opts Options) (*RedisStore, *redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, errors.Wrap(err, "ping redis")
	}
	return NewRedisStore(rdb, opts.TTL), rdb, nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb store, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

// Seen reports whether eventID was marked within the TTL.
func (s *RedisStore) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, keyPrefix+eventID).Result()
	if err != nil {
		return false, errors.Wrapf(err, "check event %q", eventID)
	}
	return n > 0, nil
}

// Mark records eventID as processed.
func (s *RedisStore) Mark(ctx context.Context, eventID string) error {
	if err := s.rdb.Set(ctx, keyPrefix+eventID, 1, s.ttl).Err(); err != nil {
		return errors.Wrapf(err, "mark event %q", eventID)
	}
	return nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
