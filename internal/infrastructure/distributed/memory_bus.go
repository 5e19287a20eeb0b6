package distributed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"carebridge/internal/core/ports"

	"github.com/google/uuid"
)

// MemoryBus is a single-process EventBus. Handlers run synchronously on
// the publishing goroutine, in subscription order.
type MemoryBus struct {
	mu     sync.RWMutex
	topics map[string]map[int]func(ports.BusEvent)
	order  map[string][]int
	nextID int
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		topics: make(map[string]map[int]func(ports.BusEvent)),
		order:  make(map[string][]int),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, topic, name string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus closed")
	}
	handlers := make([]func(ports.BusEvent), 0, len(b.order[topic]))
	for _, id := range b.order[topic] {
		if h, ok := b.topics[topic][id]; ok {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	event := ports.BusEvent{
		ID:        uuid.New().String(),
		Topic:     topic,
		Name:      name,
		Sender:    "memory",
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
	for _, h := range handlers {
		h(event)
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topic string, handler func(ports.BusEvent)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus closed")
	}

	id := b.nextID
	b.nextID++
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[int]func(ports.BusEvent))
	}
	b.topics[topic][id] = handler
	b.order[topic] = append(b.order[topic], id)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.topics[topic], id)
			ids := b.order[topic]
			for i, v := range ids {
				if v == id {
					b.order[topic] = append(ids[:i:i], ids[i+1:]...)
					break
				}
			}
		})
	}, nil
}

// Subscribers counts the live handlers on topic.
func (b *MemoryBus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.topics = make(map[string]map[int]func(ports.BusEvent))
	b.order = make(map[string][]int)
	return nil
}
