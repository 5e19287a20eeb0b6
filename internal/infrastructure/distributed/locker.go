package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"carebridge/internal/core/domain"
	"carebridge/pkg/distributed"

	"go.uber.org/zap"
)

// Locker adapts the redis lock manager to the core's Locker port.
type Locker struct {
	manager *distributed.LockManager
	logger  *zap.SugaredLogger
}

func NewLocker(manager *distributed.LockManager, logger *zap.SugaredLogger) *Locker {
	return &Locker{manager: manager, logger: logger}
}

func (l *Locker) TryLock(ctx context.Context, key string) (func(), error) {
	lock, err := l.manager.TryLock(ctx, key)
	if err != nil {
		if errors.Is(err, distributed.ErrNotAcquired) {
			return nil, fmt.Errorf("%s: %w", key, domain.ErrLockNotAcquired)
		}
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := lock.Unlock(ctx); err != nil && !errors.Is(err, distributed.ErrNotHeld) {
				l.logger.Warnw("failed to release lock", "key", lock.Key(), "error", err)
			}
		})
	}, nil
}

// MemoryLocker is the single-instance Locker.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]bool)}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, fmt.Errorf("%s: %w", key, domain.ErrLockNotAcquired)
	}
	l.held[key] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}
