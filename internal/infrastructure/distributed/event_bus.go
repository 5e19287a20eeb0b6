package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"carebridge/internal/core/ports"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "carebridge:events:"

// EventBus provides topic-scoped publish/subscribe across instances on top
// of redis pub/sub. Every subscriber, including ones on the publishing
// instance, receives every event.
type EventBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
}

// NewEventBus creates a new event bus
func NewEventBus(
	client *redis.Client,
	instanceID string,
	logger *zap.SugaredLogger,
) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
		subs:       make(map[*redis.PubSub]struct{}),
	}
}

// Publish publishes an event to the topic
func (eb *EventBus) Publish(ctx context.Context, topic, name string, payload []byte) error {
	event := ports.BusEvent{
		ID:        uuid.New().String(),
		Topic:     topic,
		Name:      name,
		Sender:    eb.instanceID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, channelPrefix+topic, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"topic", topic,
		"name", name,
		"event_id", event.ID,
	)
	return nil
}

// Subscribe calls handler for each event on topic until cancel is called
// or ctx is done. It returns once the subscription is confirmed by redis,
// so events published afterwards are not missed.
func (eb *EventBus) Subscribe(ctx context.Context, topic string, handler func(ports.BusEvent)) (func(), error) {
	eb.mu.Lock()
	if eb.closed {
		eb.mu.Unlock()
		return nil, fmt.Errorf("event bus closed")
	}
	eb.mu.Unlock()

	pubsub := eb.client.Subscribe(ctx, channelPrefix+topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	eb.mu.Lock()
	eb.subs[pubsub] = struct{}{}
	eb.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			eb.mu.Lock()
			delete(eb.subs, pubsub)
			eb.mu.Unlock()
			if err := pubsub.Close(); err != nil {
				eb.logger.Debugw("failed to close subscription", "topic", topic, "error", err)
			}
		})
	}

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event ports.BusEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					eb.logger.Warnw("failed to unmarshal event",
						"error", err,
						"payload", msg.Payload,
					)
					continue
				}
				handler(event)
			}
		}
	}()

	return cancel, nil
}

// Close closes every open subscription
func (eb *EventBus) Close() error {
	eb.mu.Lock()
	eb.closed = true
	subs := eb.subs
	eb.subs = make(map[*redis.PubSub]struct{})
	eb.mu.Unlock()

	var firstErr error
	for ps := range subs {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
