package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"carebridge/internal/core/ports"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var errBusClosed = errors.New("websocket bus closed")

// WebSocketBus is a client-side EventBus that talks to a carebridge server
// through the /ws bridge. It lets a remote participant run the same
// signaling channel as an in-cluster one.
type WebSocketBus struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]map[int]func(ports.BusEvent)
	nextID   int
	pending  map[string]chan error
	closed   bool
	done     chan struct{}

	writeTimeout time.Duration
	logger       *zap.SugaredLogger
}

// DialBus connects to url (ws:// or wss://) with token as bearer credential.
func DialBus(ctx context.Context, url, token string, logger *zap.SugaredLogger) (*WebSocketBus, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("websocket bridge rejected token: %w", err)
		}
		return nil, fmt.Errorf("failed to dial websocket bridge: %w", err)
	}

	b := &WebSocketBus{
		conn:         conn,
		handlers:     make(map[string]map[int]func(ports.BusEvent)),
		pending:      make(map[string]chan error),
		done:         make(chan struct{}),
		writeTimeout: 10 * time.Second,
		logger:       logger,
	}
	go b.readLoop()
	return b, nil
}

func (b *WebSocketBus) Publish(ctx context.Context, topic, name string, payload []byte) error {
	msg := BridgeMessage{Type: MsgPublish, Topic: topic, Name: name}
	if len(payload) > 0 {
		if json.Valid(payload) {
			msg.Payload = json.RawMessage(payload)
		} else {
			msg.Payload, _ = json.Marshal(string(payload))
		}
	}
	return b.write(ctx, msg)
}

func (b *WebSocketBus) Subscribe(ctx context.Context, topic string, handler func(ports.BusEvent)) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errBusClosed
	}
	first := len(b.handlers[topic]) == 0
	id := b.nextID
	b.nextID++
	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[int]func(ports.BusEvent))
	}
	b.handlers[topic][id] = handler
	var ack chan error
	if first {
		ack = make(chan error, 1)
		b.pending[topic] = ack
	}
	b.mu.Unlock()

	cancel := b.canceller(topic, id)

	if first {
		if err := b.write(ctx, BridgeMessage{Type: MsgSubscribe, Topic: topic}); err != nil {
			cancel()
			return nil, err
		}
		select {
		case err := <-ack:
			if err != nil {
				cancel()
				return nil, fmt.Errorf("subscribe %s: %w", topic, err)
			}
		case <-b.done:
			cancel()
			return nil, errBusClosed
		case <-ctx.Done():
			cancel()
			return nil, ctx.Err()
		}
	}
	return cancel, nil
}

func (b *WebSocketBus) canceller(topic string, id int) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers[topic], id)
			last := len(b.handlers[topic]) == 0
			if last {
				delete(b.handlers, topic)
				delete(b.pending, topic)
			}
			closed := b.closed
			b.mu.Unlock()

			if last && !closed {
				ctx, cancel := context.WithTimeout(context.Background(), b.writeTimeout)
				defer cancel()
				if err := b.write(ctx, BridgeMessage{Type: MsgUnsubscribe, Topic: topic}); err != nil {
					b.logger.Debugw("failed to unsubscribe", "topic", topic, "error", err)
				}
			}
		})
	}
}

func (b *WebSocketBus) write(ctx context.Context, msg BridgeMessage) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return errBusClosed
	}

	deadline := time.Now().Add(b.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	b.conn.SetWriteDeadline(deadline)
	return b.conn.WriteJSON(msg)
}

func (b *WebSocketBus) readLoop() {
	defer b.shutdown()
	for {
		var msg BridgeMessage
		if err := b.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Infow("websocket bridge read failed", "error", err)
			}
			return
		}

		switch msg.Type {
		case MsgEvent:
			b.dispatch(msg)
		case MsgSubscribed:
			b.resolve(msg.Topic, nil)
		case MsgError:
			if !b.resolve(msg.Topic, errors.New(msg.Message)) {
				b.logger.Warnw("websocket bridge error", "topic", msg.Topic, "message", msg.Message)
			}
		}
	}
}

func (b *WebSocketBus) resolve(topic string, err error) bool {
	b.mu.Lock()
	ack, ok := b.pending[topic]
	delete(b.pending, topic)
	b.mu.Unlock()
	if ok {
		ack <- err
	}
	return ok
}

func (b *WebSocketBus) dispatch(msg BridgeMessage) {
	event := ports.BusEvent{
		ID:        msg.ID,
		Topic:     msg.Topic,
		Name:      msg.Name,
		Sender:    msg.Sender,
		Timestamp: msg.Timestamp,
		Payload:   []byte(msg.Payload),
	}

	b.mu.Lock()
	handlers := make([]func(ports.BusEvent), 0, len(b.handlers[msg.Topic]))
	for _, h := range b.handlers[msg.Topic] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}

func (b *WebSocketBus) shutdown() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	b.mu.Unlock()
}

func (b *WebSocketBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	b.writeMu.Lock()
	b.conn.SetWriteDeadline(time.Now().Add(b.writeTimeout))
	err := b.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	b.writeMu.Unlock()

	b.shutdown()
	if cerr := b.conn.Close(); err == nil {
		err = cerr
	}
	return err
}
