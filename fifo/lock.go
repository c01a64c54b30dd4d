/*
lock.go - Per-position locking

PURPOSE:
  Operations on the same (location, item) must not interleave between
  reading available lots and writing the decrements. Every mutating engine
  operation locks all positions it touches before opening its transaction.

DEADLOCK AVOIDANCE:
  Keys are de-duplicated and acquired in sorted order, so two transfers
  moving stock in opposite directions cannot wait on each other.

IMPLEMENTATIONS:
  LocalLocker: In-process keyed mutexes (single replica)
  cache.RedisLocker: Redis locks via bsm/redislock (many replicas)
*/
package fifo

import (
	"context"
	"sort"
	"sync"
)

// Locker acquires exclusive locks over a set of keys.
type Locker interface {
	// Lock blocks until every key is held or ctx is done. The returned
	// function releases all keys.
	Lock(ctx context.Context, keys ...string) (func(), error)
}

// SortedKeys de-duplicates and sorts lock keys.
func SortedKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func pairKeys(pairs ...PairKey) []string {
	keys := make([]string, len(pairs))
	for i, p := range pairs {
		keys[i] = "pair:" + p.String()
	}
	return keys
}

// =============================================================================
// LOCAL LOCKER
// =============================================================================

// LocalLocker is a keyed mutex. Entries are reference counted and dropped
// when nobody holds or waits for them.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker returns an empty keyed mutex.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*slot)}
}

// Lock implements Locker.
func (l *LocalLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = SortedKeys(keys)
	held := make([]string, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.release(held[i])
		}
	}
	for _, k := range keys {
		if err := l.acquire(ctx, k); err != nil {
			release()
			return nil, err
		}
		held = append(held, k)
	}
	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (l *LocalLocker) acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.unref(key, s)
		return ctx.Err()
	}
}

func (l *LocalLocker) release(key string) {
	l.mu.Lock()
	s := l.slots[key]
	l.mu.Unlock()
	if s == nil {
		return
	}
	<-s.ch
	l.unref(key, s)
}

func (l *LocalLocker) unref(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
