package batch

import (
	"context"
	"sync"
	"time"
)

// FlushFunc processes one batch in arrival order.
type FlushFunc[T any] func(ctx context.Context, items []T) error

// Batcher collects items and flushes them when the batch fills up or the
// interval elapses, whichever comes first.
type Batcher[T any] struct {
	batchSize     int
	batchInterval time.Duration
	flush         FlushFunc[T]
	onError       func(error)

	mu      sync.Mutex
	pending []T
	stopped bool

	flushChan chan struct{}
	stopChan  chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
}

// NewBatcher creates a batcher and starts its flush loop.
func NewBatcher[T any](batchSize int, batchInterval time.Duration, flush FlushFunc[T], onError func(error)) *Batcher[T] {
	if batchSize <= 0 {
		batchSize = 1
	}
	b := &Batcher[T]{
		batchSize:     batchSize,
		batchInterval: batchInterval,
		flush:         flush,
		onError:       onError,
		pending:       make([]T, 0, batchSize),
		flushChan:     make(chan struct{}, 1),
		stopChan:      make(chan struct{}),
		done:          make(chan struct{}),
	}

	go b.run()

	return b
}

// Add queues an item. It returns false once the batcher is stopped.
func (b *Batcher[T]) Add(item T) bool {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return false
	}
	b.pending = append(b.pending, item)
	shouldFlush := len(b.pending) >= b.batchSize
	b.mu.Unlock()

	if shouldFlush {
		select {
		case b.flushChan <- struct{}{}:
		default:
		}
	}
	return true
}

// Flush immediately processes all pending items
func (b *Batcher[T]) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	items := b.pending
	b.pending = make([]T, 0, b.batchSize)
	b.mu.Unlock()

	return b.flush(ctx, items)
}

func (b *Batcher[T]) run() {
	defer close(b.done)
	ticker := time.NewTicker(b.batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flushLogged()
		case <-b.flushChan:
			b.flushLogged()
		case <-b.stopChan:
			b.flushLogged()
			return
		}
	}
}

func (b *Batcher[T]) flushLogged() {
	if err := b.Flush(context.Background()); err != nil && b.onError != nil {
		b.onError(err)
	}
}

// Stop refuses new items, flushes what is queued and waits for the flush
// loop to exit.
func (b *Batcher[T]) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopped = true
		b.mu.Unlock()
		close(b.stopChan)
	})
	<-b.done
}

// PendingCount returns the number of queued items
func (b *Batcher[T]) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
