package locker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

// ErrNotObtained is returned when a lock could not be acquired in time.
var ErrNotObtained = errors.New("lock not obtained")

// Locker hands out mutual exclusion per key. The returned func releases it.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// RedisLocker serializes across processes with a redsync mutex.
type RedisLocker struct {
	rs         *redsync.Redsync
	tries      int
	retryDelay time.Duration
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{
		rs:         redsync.New(goredis.NewPool(client)),
		tries:      40,
		retryDelay: 50 * time.Millisecond,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	m := l.rs.NewMutex(key,
		redsync.WithExpiry(ttl),
		redsync.WithTries(l.tries),
		redsync.WithRetryDelay(l.retryDelay),
	)
	if err := m.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotObtained, key, err)
	}
	return func() {
		if _, err := m.UnlockContext(context.Background()); err != nil {
			log.Warnf("[Locker] Failed to release %s: %v", key, err)
		}
	}, nil
}

// LocalLocker is an in-process keyed mutex. Entries are dropped once no
// goroutine holds or waits for them.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localEntry
}

type localEntry struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localEntry)}
}

// Lock ignores ttl: a local holder cannot vanish without releasing.
func (l *LocalLocker) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	_ = ttl
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e, false)
		return nil, ErrNotObtained
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, e, true) })
	}, nil
}

func (l *LocalLocker) release(key string, e *localEntry, held bool) {
	if held {
		<-e.ch
	}
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}
