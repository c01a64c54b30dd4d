package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/warp/lot-engine/fifo"
)

// RedisLocker implements fifo.Locker with one redislock lock per key.
// Keys are obtained in sorted order; a partial set is released before
// returning an error. Held locks are refreshed every TTL/2 until released,
// so a long rebuild does not lose its positions.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	retry  time.Duration
	prefix string
	logger zerolog.Logger
}

var _ fifo.Locker = (*RedisLocker)(nil)

// LockerOption configures a RedisLocker.
type LockerOption func(*RedisLocker)

// WithLockTTL sets how long a lock lives without a refresh.
func WithLockTTL(ttl time.Duration) LockerOption {
	return func(l *RedisLocker) { l.ttl = ttl }
}

// WithRetryInterval sets the wait between attempts on a held key.
func WithRetryInterval(d time.Duration) LockerOption {
	return func(l *RedisLocker) { l.retry = d }
}

// WithLockerLogger sets the logger for refresh failures.
func WithLockerLogger(logger zerolog.Logger) LockerOption {
	return func(l *RedisLocker) { l.logger = logger }
}

// NewRedisLocker builds a locker over a go-redis client.
func NewRedisLocker(client *redis.Client, opts ...LockerOption) *RedisLocker {
	l := &RedisLocker{
		client: redislock.New(client),
		ttl:    30 * time.Second,
		retry:  25 * time.Millisecond,
		prefix: "fifo:lock:",
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock implements fifo.Locker. It waits until ctx is done; callers bound
// the wait with a deadline.
func (l *RedisLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = fifo.SortedKeys(keys)
	held := make([]*redislock.Lock, 0, len(keys))
	releaseAll := func() {
		// Release must not depend on the caller's (possibly cancelled) ctx.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			if err := held[i].Release(rctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				l.logger.Warn().Err(err).Str("key", held[i].Key()).Msg("cache.lock.release_failed")
			}
		}
	}

	opts := &redislock.Options{RetryStrategy: redislock.LinearBackoff(l.retry)}
	for _, k := range keys {
		lock, err := l.client.Obtain(ctx, l.prefix+k, l.ttl, opts)
		if err != nil {
			releaseAll()
			if errors.Is(err, redislock.ErrNotObtained) {
				return nil, fmt.Errorf("lock %s: %w", k, fifo.ErrLockNotObtained)
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("lock %s: %w", k, ctxErr)
			}
			return nil, fmt.Errorf("lock %s: %w", k, err)
		}
		held = append(held, lock)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.keepAlive(held, stop)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			releaseAll()
		})
	}, nil
}

func (l *RedisLocker) keepAlive(held []*redislock.Lock, stop <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			for _, lock := range held {
				if err := lock.Refresh(ctx, l.ttl, nil); err != nil {
					l.logger.Error().Err(err).Str("key", lock.Key()).Msg("cache.lock.refresh_failed")
				}
			}
			cancel()
		}
	}
}
