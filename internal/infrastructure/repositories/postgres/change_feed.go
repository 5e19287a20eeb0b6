package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"carebridge/internal/core/domain"
	"carebridge/internal/core/ports"
	"carebridge/pkg/retry"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type changeNotification struct {
	CartID string `json:"cart_id"`
	LineID string `json:"line_id"`
	Op     string `json:"op"`
}

// ChangeFeed turns cart_lines NOTIFY messages into per-cart change
// callbacks. One dedicated connection LISTENs for the whole process and is
// re-established with backoff when it drops.
type ChangeFeed struct {
	pool    *pgxpool.Pool
	backoff retry.Config
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	subs    map[domain.CartID]map[int]func(domain.CartChange)
	nextID  int
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewChangeFeed(pool *pgxpool.Pool, logger *zap.SugaredLogger) *ChangeFeed {
	backoff := retry.DefaultConfig()
	backoff.InitialDelay = 500 * time.Millisecond
	backoff.MaxDelay = 30 * time.Second
	return &ChangeFeed{
		pool:    pool,
		backoff: backoff,
		logger:  logger,
		subs:    make(map[domain.CartID]map[int]func(domain.CartChange)),
		done:    make(chan struct{}),
	}
}

func (f *ChangeFeed) Subscribe(ctx context.Context, cartID domain.CartID, handler func(domain.CartChange)) (ports.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, domain.ErrSubscriptionClosed
	}
	if !f.started {
		f.started = true
		listenCtx, cancel := context.WithCancel(context.Background())
		f.cancel = cancel
		go f.run(listenCtx)
	}

	id := f.nextID
	f.nextID++
	if f.subs[cartID] == nil {
		f.subs[cartID] = make(map[int]func(domain.CartChange))
	}
	f.subs[cartID][id] = handler
	return &feedSubscription{feed: f, cartID: cartID, id: id}, nil
}

// Subscribers counts the handlers registered for cartID.
func (f *ChangeFeed) Subscribers(cartID domain.CartID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[cartID])
}

func (f *ChangeFeed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	started := f.started
	f.subs = make(map[domain.CartID]map[int]func(domain.CartChange))
	f.mu.Unlock()

	if started {
		f.cancel()
		<-f.done
	}
	return nil
}

func (f *ChangeFeed) run(ctx context.Context) {
	defer close(f.done)
	for attempt := 0; ; attempt++ {
		err := f.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		delay := retry.Delay(f.backoff, attempt)
		f.logger.Warnw("cart change listener dropped, reconnecting",
			"error", err,
			"retry_in", delay,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (f *ChangeFeed) listen(ctx context.Context) error {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	pc := conn.Hijack()
	defer pc.Close(context.Background())

	if _, err := pc.Exec(ctx, "LISTEN "+CartChangeChannel); err != nil {
		return fmt.Errorf("listen %s: %w", CartChangeChannel, err)
	}
	f.logger.Infow("listening for cart changes", "channel", CartChangeChannel)

	for {
		n, err := pc.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var msg changeNotification
		if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil {
			f.logger.Warnw("malformed cart change notification", "payload", n.Payload, "error", err)
			continue
		}
		f.dispatch(domain.CartChange{
			CartID:    domain.CartID(msg.CartID),
			LineID:    domain.LineID(msg.LineID),
			Operation: strings.ToLower(msg.Op),
		})
	}
}

func (f *ChangeFeed) dispatch(change domain.CartChange) {
	f.mu.Lock()
	handlers := make([]func(domain.CartChange), 0, len(f.subs[change.CartID]))
	for _, h := range f.subs[change.CartID] {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(change)
	}
}

type feedSubscription struct {
	feed   *ChangeFeed
	cartID domain.CartID
	id     int
	once   sync.Once
}

func (s *feedSubscription) Close() error {
	s.once.Do(func() {
		s.feed.mu.Lock()
		defer s.feed.mu.Unlock()
		delete(s.feed.subs[s.cartID], s.id)
		if len(s.feed.subs[s.cartID]) == 0 {
			delete(s.feed.subs, s.cartID)
		}
	})
	return nil
}
