package services

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"carebridge/internal/core/domain"
	"carebridge/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestReconciler_CoalescesBurstIntoOneRefresh(t *testing.T) {
	store := memory.NewMemoryCartStore()
	var refreshes atomic.Int32
	r := NewRealtimeReconciler(store, 100*time.Millisecond, func(domain.CartID) { refreshes.Add(1) }, zap.NewNop().Sugar())
	defer r.Close()
	require.NoError(t, r.SetCart(context.Background(), "cart-1"))

	for i := 0; i < 5; i++ {
		store.PutLine(domain.CartLine{ID: domain.LineID(fmt.Sprintf("line-%d", i)), CartID: "cart-1", PharmacyID: "X", Quantity: 1})
		time.Sleep(10 * time.Millisecond)
	}

	assert.Eventually(t, func() bool { return refreshes.Load() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, int32(1), refreshes.Load())
}

func TestReconciler_IgnoresOtherCarts(t *testing.T) {
	store := memory.NewMemoryCartStore()
	var refreshes atomic.Int32
	r := NewRealtimeReconciler(store, 20*time.Millisecond, func(domain.CartID) { refreshes.Add(1) }, zap.NewNop().Sugar())
	defer r.Close()
	require.NoError(t, r.SetCart(context.Background(), "cart-1"))

	store.PutLine(domain.CartLine{ID: "x", CartID: "cart-2", PharmacyID: "X", Quantity: 1})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), refreshes.Load())
}

func TestReconciler_CartSwitchCancelsPendingRefresh(t *testing.T) {
	store := memory.NewMemoryCartStore()
	refreshed := make(chan domain.CartID, 4)
	r := NewRealtimeReconciler(store, 50*time.Millisecond, func(id domain.CartID) { refreshed <- id }, zap.NewNop().Sugar())
	defer r.Close()
	require.NoError(t, r.SetCart(context.Background(), "cart-1"))

	store.PutLine(domain.CartLine{ID: "a", CartID: "cart-1", PharmacyID: "X", Quantity: 1})
	require.NoError(t, r.SetCart(context.Background(), "cart-2"))
	assert.Equal(t, domain.CartID("cart-2"), r.CartID())

	// The old subscription is gone too.
	store.PutLine(domain.CartLine{ID: "b", CartID: "cart-1", PharmacyID: "X", Quantity: 1})
	store.PutLine(domain.CartLine{ID: "c", CartID: "cart-2", PharmacyID: "X", Quantity: 1})

	select {
	case id := <-refreshed:
		assert.Equal(t, domain.CartID("cart-2"), id)
	case <-time.After(time.Second):
		t.Fatal("expected a refresh for cart-2")
	}
	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, refreshed)
}

func TestReconciler_CloseDropsPendingRefresh(t *testing.T) {
	store := memory.NewMemoryCartStore()
	var refreshes atomic.Int32
	r := NewRealtimeReconciler(store, 30*time.Millisecond, func(domain.CartID) { refreshes.Add(1) }, zap.NewNop().Sugar())
	require.NoError(t, r.SetCart(context.Background(), "cart-1"))

	store.PutLine(domain.CartLine{ID: "a", CartID: "cart-1", PharmacyID: "X", Quantity: 1})
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), refreshes.Load())
	assert.ErrorIs(t, r.SetCart(context.Background(), "cart-1"), domain.ErrSubscriptionClosed)
}

func TestReconciler_SupersededTimerCallbackDoesNotRefresh(t *testing.T) {
	store := memory.NewMemoryCartStore()
	var refreshes atomic.Int32
	r := NewRealtimeReconciler(store, time.Hour, func(domain.CartID) { refreshes.Add(1) }, zap.NewNop().Sugar())
	defer r.Close()
	require.NoError(t, r.SetCart(context.Background(), "cart-1"))

	store.PutLine(domain.CartLine{ID: "a", CartID: "cart-1", PharmacyID: "X", Quantity: 1})
	r.mu.Lock()
	gen, first := r.gen, r.armed
	r.mu.Unlock()
	store.PutLine(domain.CartLine{ID: "b", CartID: "cart-1", PharmacyID: "X", Quantity: 1})

	// A callback from the first arm that already started before the
	// re-arm must not refresh.
	r.fire(gen, first, "cart-1")
	assert.Equal(t, int32(0), refreshes.Load())

	r.mu.Lock()
	latest := r.armed
	r.mu.Unlock()
	require.Equal(t, first+1, latest)
	r.fire(gen, latest, "cart-1")
	assert.Equal(t, int32(1), refreshes.Load())
}
