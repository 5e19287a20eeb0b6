package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"carebridge/internal/core/domain"
	"carebridge/internal/core/ports"

	"go.uber.org/zap"
)

const DefaultDebounceWindow = 500 * time.Millisecond

// RealtimeReconciler turns a burst of row changes for one cart into a
// single refresh fired after the feed has been quiet for the debounce
// window.
type RealtimeReconciler struct {
	feed      ports.CartChangeFeed
	window    time.Duration
	onRefresh func(domain.CartID)
	logger    *zap.SugaredLogger

	mu     sync.Mutex
	cartID domain.CartID
	sub    ports.Subscription
	timer  *time.Timer
	gen    uint64
	armed  uint64
	closed bool
}

func NewRealtimeReconciler(feed ports.CartChangeFeed, window time.Duration, onRefresh func(domain.CartID), logger *zap.SugaredLogger) *RealtimeReconciler {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &RealtimeReconciler{
		feed:      feed,
		window:    window,
		onRefresh: onRefresh,
		logger:    logger,
	}
}

// SetCart replaces the subscription with one for cartID. The previous
// subscription and any pending refresh are cancelled first.
func (r *RealtimeReconciler) SetCart(ctx context.Context, cartID domain.CartID) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return domain.ErrSubscriptionClosed
	}
	r.gen++
	gen := r.gen
	old := r.detachLocked()
	r.cartID = cartID
	r.mu.Unlock()

	r.closeSub(old)

	sub, err := r.feed.Subscribe(ctx, cartID, func(change domain.CartChange) {
		r.handle(gen, cartID, change)
	})
	if err != nil {
		return fmt.Errorf("subscribe to cart %s changes: %w", cartID, err)
	}

	r.mu.Lock()
	if r.gen != gen || r.closed {
		r.mu.Unlock()
		r.closeSub(sub)
		return nil
	}
	r.sub = sub
	r.mu.Unlock()

	r.logger.Debugw("subscribed to cart changes", "cart_id", cartID)
	return nil
}

// CartID returns the cart currently watched.
func (r *RealtimeReconciler) CartID() domain.CartID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cartID
}

// Close cancels the subscription and any pending refresh. Safe to call
// more than once.
func (r *RealtimeReconciler) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.gen++
	old := r.detachLocked()
	r.mu.Unlock()

	return r.closeSub(old)
}

func (r *RealtimeReconciler) handle(gen uint64, cartID domain.CartID, change domain.CartChange) {
	if change.CartID != "" && change.CartID != cartID {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	// Stop cannot recall a callback already waiting on r.mu; the arm
	// number makes that callback a no-op.
	r.armed++
	seq := r.armed
	r.timer = time.AfterFunc(r.window, func() { r.fire(gen, seq, cartID) })
}

func (r *RealtimeReconciler) fire(gen, seq uint64, cartID domain.CartID) {
	r.mu.Lock()
	if gen != r.gen || seq != r.armed {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.mu.Unlock()

	r.logger.Debugw("cart changed, refreshing", "cart_id", cartID)
	r.onRefresh(cartID)
}

func (r *RealtimeReconciler) detachLocked() ports.Subscription {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	sub := r.sub
	r.sub = nil
	return sub
}

func (r *RealtimeReconciler) closeSub(sub ports.Subscription) error {
	if sub == nil {
		return nil
	}
	if err := sub.Close(); err != nil {
		r.logger.Warnw("failed to close cart change subscription", "error", err)
		return &domain.TeardownError{Step: "unsubscribe", Err: err}
	}
	return nil
}
