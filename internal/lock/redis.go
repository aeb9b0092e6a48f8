package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/vanshika/votetrace/internal/logging"
)

const (
	redisKeyPrefix     = "votetrace:lock:"
	redisRetryInterval = 100 * time.Millisecond
)

// RedisLocker serializes keys across processes with redislock. Held locks are refreshed
// at half their TTL until released.
type RedisLocker struct {
	locker *redislock.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisLocker wraps an existing redis client.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	return &RedisLocker{
		locker: redislock.New(client),
		ttl:    ttl,
		logger: logging.OrDiscard(logger).With("component", "redis-lock"),
	}
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	name := redisKeyPrefix + key
	lk, err := r.locker.Obtain(ctx, name, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(redisRetryInterval),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrNotObtained, key)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}

	refreshCtx, stop := context.WithCancel(context.Background())
	go r.refresh(refreshCtx, lk, key)

	return func() {
		stop()
		releaseCtx, cancel := context.WithTimeout(context.Background(), r.ttl)
		defer cancel()
		if err := lk.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			r.logger.Warn("failed to release lock", "key", key, "error", err)
		}
	}, nil
}

func (r *RedisLocker) refresh(ctx context.Context, lk *redislock.Lock, key string) {
	ticker := time.NewTicker(r.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lk.Refresh(ctx, r.ttl, nil); err != nil {
				if ctx.Err() == nil {
					r.logger.Warn("failed to refresh lock", "key", key, "error", err)
				}
				return
			}
		}
	}
}

var _ Locker = (*RedisLocker)(nil)
