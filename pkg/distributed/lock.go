package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNotAcquired = errors.New("lock held by another owner")
	ErrNotHeld     = errors.New("lock was not held by this owner")
)

// Deletes the key only when it still carries our value.
var unlockScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Extends the TTL only when the key still carries our value.
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// DistributedLock is a redis SET NX lock with background renewal.
type DistributedLock struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration

	stopRenew chan struct{}
	stopOnce  sync.Once
}

func NewDistributedLock(client *redis.Client, key string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		client:    client,
		key:       key,
		value:     uuid.New().String(),
		ttl:       ttl,
		stopRenew: make(chan struct{}),
	}
}

func (l *DistributedLock) Key() string { return l.key }

// Lock blocks until the lock is acquired, timeout elapses (30s when zero)
// or ctx is done.
func (l *DistributedLock) Lock(ctx context.Context, timeout time.Duration) error {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)

	for {
		err := l.TryLock(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("lock acquisition timeout: %w", ErrNotAcquired)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// TryLock acquires the lock without blocking. It returns ErrNotAcquired
// when another owner holds it.
func (l *DistributedLock) TryLock(ctx context.Context) error {
	acquired, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to try lock: %w", err)
	}
	if !acquired {
		return ErrNotAcquired
	}
	go l.renew()
	return nil
}

// Unlock releases the lock. Calling it more than once is safe.
func (l *DistributedLock) Unlock(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stopRenew) })

	result, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Int64()
	if err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}
	if result == 0 {
		return ErrNotHeld
	}
	return nil
}

// renew extends the TTL at half-life until Unlock or until the key is lost.
func (l *DistributedLock) renew() {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			held, err := renewScript.Run(ctx, l.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil || held == 0 {
				return
			}
		case <-l.stopRenew:
			return
		}
	}
}

// LockManager hands out prefixed locks.
type LockManager struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewLockManager(client *redis.Client, prefix string, ttl time.Duration) *LockManager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &LockManager{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (lm *LockManager) AcquireLock(key string) *DistributedLock {
	return NewDistributedLock(lm.client, lm.prefix+key, lm.ttl)
}

// TryLock acquires key or returns ErrNotAcquired.
func (lm *LockManager) TryLock(ctx context.Context, key string) (*DistributedLock, error) {
	lock := lm.AcquireLock(key)
	if err := lock.TryLock(ctx); err != nil {
		return nil, err
	}
	return lock, nil
}
