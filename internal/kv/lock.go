package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotAcquired is returned when a lock stays contended through all
// retries.
var ErrLockNotAcquired = errors.New("kv: lock not acquired")

// releaseScript deletes the lock only when the stored owner token matches,
// so a holder whose TTL expired cannot release a lock someone else now owns.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Locker hands out distributed locks backed by the shared KV store.
type Locker struct {
	client     *redis.Client
	ttl        time.Duration
	maxRetries int
}

// NewLocker creates a locker. ttl bounds how long a crashed holder can block
// others; maxRetries bounds how long a contender waits.
func NewLocker(client *redis.Client, ttl time.Duration, maxRetries int) *Locker {
	if client == nil {
		panic("kv: nil client")
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Locker{client: client, ttl: ttl, maxRetries: maxRetries}
}

// Lock is a held distributed lock. Release it exactly once.
type Lock struct {
	client *redis.Client
	key    string
	token  string
}

// Acquire takes the lock at key, retrying with exponential backoff while
// contended. The stored value is a random owner token checked on release.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lock, error) {
	token := uuid.NewString()
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("kv: acquire %s: %w", key, err)
		}
		if ok {
			return &Lock{client: l.client, key: key, token: token}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLockNotAcquired, key)
}

// Release frees the lock if this holder still owns it. Releasing a lock
// that expired and was re-acquired by someone else is a no-op.
func (lk *Lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, lk.client, []string{lk.key}, lk.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("kv: release %s: %w", lk.key, err)
	}
	return nil
}

// WithLock runs fn while holding the named lock, releasing it on exit.
func (l *Locker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lock, err := l.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = lock.Release(releaseCtx)
	}()
	return fn(ctx)
}
