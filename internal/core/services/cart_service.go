package services

import (
	"context"
	"sync"
	"time"

	"carebridge/internal/core/domain"
	"carebridge/internal/core/ports"

	"go.uber.org/zap"
)

// CartEvent is pushed to cart watchers: a fresh view or a warning toast.
type CartEvent struct {
	View    *CartView
	Warning string
}

type CartServiceConfig struct {
	Debounce    time.Duration
	IdleTimeout time.Duration
}

// CartService keeps one CartSession per open cart. All sessions share the
// rate catalog and evict themselves after IdleTimeout without callers or
// watchers.
type CartService struct {
	deps   CartSessionDeps
	cfg    CartServiceConfig
	logger *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[domain.CartID]*cartEntry
	closed   bool
}

type cartEntry struct {
	session  *CartSession
	lastUsed time.Time
	watchers map[int]func(CartEvent)
	nextID   int
	unwatch  func()
}

// NewCartService builds the service. deps.Notifier is ignored: warnings
// go to the cart's watchers and the log.
func NewCartService(deps CartSessionDeps, cfg CartServiceConfig, logger *zap.SugaredLogger) *CartService {
	s := &CartService{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[domain.CartID]*cartEntry),
	}
	deps.Notifier = s
	s.deps = deps
	return s
}

// Open returns the cart's session, loading it on first use.
func (s *CartService) Open(ctx context.Context, cartID domain.CartID) (*CartSession, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, domain.ErrSessionEnded
	}
	if e, ok := s.sessions[cartID]; ok {
		e.lastUsed = time.Now()
		s.mu.Unlock()
		return e.session, nil
	}
	session := NewCartSession(cartID, s.deps, CartSessionConfig{Debounce: s.cfg.Debounce}, s.logger)
	e := &cartEntry{session: session, lastUsed: time.Now(), watchers: make(map[int]func(CartEvent))}
	s.sessions[cartID] = e
	s.mu.Unlock()

	e.unwatch = session.Watch(func(v CartView) {
		s.fanout(cartID, CartEvent{View: &v})
	})
	if err := session.Open(ctx); err != nil {
		s.evict(cartID, e)
		return nil, err
	}
	s.logger.Infow("cart session opened", "cart_id", cartID)
	return session, nil
}

func (s *CartService) View(ctx context.Context, cartID domain.CartID) (CartView, error) {
	session, err := s.Open(ctx, cartID)
	if err != nil {
		return CartView{}, err
	}
	return session.View(), nil
}

func (s *CartService) SelectSpeed(ctx context.Context, cartID domain.CartID, key domain.GroupKey, speed domain.ShippingSpeed) (CartView, error) {
	session, err := s.Open(ctx, cartID)
	if err != nil {
		return CartView{}, err
	}
	if err := session.SelectSpeed(ctx, key, speed); err != nil {
		return CartView{}, err
	}
	return session.View(), nil
}

func (s *CartService) Refresh(ctx context.Context, cartID domain.CartID) (CartView, error) {
	session, err := s.Open(ctx, cartID)
	if err != nil {
		return CartView{}, err
	}
	if err := session.Refresh(ctx); err != nil {
		return CartView{}, err
	}
	return session.View(), nil
}

// Watch streams events of an open cart until cancel is called.
func (s *CartService) Watch(ctx context.Context, cartID domain.CartID, fn func(CartEvent)) (cancel func(), err error) {
	if _, err := s.Open(ctx, cartID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[cartID]
	if !ok {
		return nil, domain.ErrSessionEnded
	}
	id := e.nextID
	e.nextID++
	e.watchers[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(e.watchers, id)
			e.lastUsed = time.Now()
		})
	}, nil
}

// Warn implements ports.Notifier.
func (s *CartService) Warn(_ context.Context, cartID domain.CartID, message string) {
	s.logger.Warnw("cart warning", "cart_id", cartID, "message", message)
	s.fanout(cartID, CartEvent{Warning: message})
}

func (s *CartService) fanout(cartID domain.CartID, ev CartEvent) {
	s.mu.Lock()
	e, ok := s.sessions[cartID]
	var fns []func(CartEvent)
	if ok {
		for _, fn := range e.watchers {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Sessions reports how many carts are open.
func (s *CartService) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// EvictIdle closes sessions unused for IdleTimeout that have no watchers.
func (s *CartService) EvictIdle(now time.Time) int {
	if s.cfg.IdleTimeout <= 0 {
		return 0
	}
	s.mu.Lock()
	var idle []*cartEntry
	var ids []domain.CartID
	for id, e := range s.sessions {
		if len(e.watchers) == 0 && now.Sub(e.lastUsed) >= s.cfg.IdleTimeout {
			idle = append(idle, e)
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for i, e := range idle {
		s.evict(ids[i], e)
	}
	return len(idle)
}

// Run evicts idle sessions until ctx is done.
func (s *CartService) Run(ctx context.Context) {
	interval := s.cfg.IdleTimeout / 2
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.EvictIdle(now); n > 0 {
				s.logger.Debugw("evicted idle cart sessions", "count", n)
			}
		}
	}
}

func (s *CartService) evict(cartID domain.CartID, e *cartEntry) {
	s.mu.Lock()
	if s.sessions[cartID] == e {
		delete(s.sessions, cartID)
	}
	s.mu.Unlock()

	if e.unwatch != nil {
		e.unwatch()
	}
	if err := e.session.Close(); err != nil {
		s.logger.Warnw("failed to close cart session", "cart_id", cartID, "error", err)
	}
}

// Close closes every session.
func (s *CartService) Close() error {
	s.mu.Lock()
	s.closed = true
	entries := s.sessions
	s.sessions = make(map[domain.CartID]*cartEntry)
	s.mu.Unlock()

	for id, e := range entries {
		s.evict(id, e)
	}
	return nil
}

var _ ports.Notifier = (*CartService)(nil)
