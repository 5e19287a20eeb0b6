package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"carebridge/internal/core/domain"
	"carebridge/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type cartFixture struct {
	store   *memory.MemoryCartStore
	rates   *memory.MemoryRateSource
	service *CartService
}

func newCartFixture(t *testing.T, cfg CartServiceConfig) *cartFixture {
	t.Helper()
	store := memory.NewMemoryCartStore()
	rates := memory.NewMemoryRateSource()
	rates.SetRates("X", domain.RateTable{domain.SpeedGround: money("5.00"), domain.Speed2Day: money("12.00")})
	rates.SetRates("Y", domain.RateTable{domain.SpeedOvernight: money("30.00")})

	catalog := NewRateCatalog(rates, catalogConfig(), zap.NewNop().Sugar())
	service := NewCartService(CartSessionDeps{Store: store, Feed: store, Catalog: catalog}, cfg, zap.NewNop().Sugar())
	t.Cleanup(func() { service.Close() })
	return &cartFixture{store: store, rates: rates, service: service}
}

func (f *cartFixture) put(lines ...domain.CartLine) {
	for _, l := range lines {
		f.store.PutLine(l)
	}
}

func TestCartService_OpenNormalizesAndGroups(t *testing.T) {
	f := newCartFixture(t, CartServiceConfig{Debounce: 20 * time.Millisecond})
	f.put(
		line("1", "pat-1", "X", 2, domain.SpeedOvernight),
		line("2", "pat-1", "X", 1, domain.SpeedGround),
		line("3", "", "Y", 1, domain.SpeedGround),
	)

	view, err := f.service.View(context.Background(), "cart-1")
	require.NoError(t, err)
	require.Len(t, view.Groups, 2)

	byKey := map[domain.GroupKey]GroupView{}
	for _, g := range view.Groups {
		byKey[g.Key] = g
	}
	patient := byKey[domain.GroupKey{Patient: "pat-1", Pharmacy: "X"}]
	assert.Equal(t, domain.SpeedGround, patient.Speed)
	assert.True(t, patient.RatesKnown)
	assert.Equal(t, []domain.ShippingSpeed{domain.SpeedGround, domain.Speed2Day}, patient.EnabledSpeeds)
	assert.True(t, money("3.00").Equal(patient.Subtotal()))
	cost, ok := patient.ShippingCost()
	require.True(t, ok)
	assert.True(t, money("5.00").Equal(cost))

	practice := byKey[domain.GroupKey{Patient: domain.PracticePatient, Pharmacy: "Y"}]
	assert.Equal(t, domain.SpeedOvernight, practice.Speed)
	assert.Equal(t, 1, f.service.Sessions())
}

func TestCartService_SelectSpeed(t *testing.T) {
	f := newCartFixture(t, CartServiceConfig{})
	f.put(line("1", "pat-1", "X", 1, domain.SpeedGround), line("2", "pat-1", "X", 1, domain.SpeedGround))
	key := domain.GroupKey{Patient: "pat-1", Pharmacy: "X"}
	ctx := context.Background()

	view, err := f.service.SelectSpeed(ctx, "cart-1", key, domain.Speed2Day)
	require.NoError(t, err)
	require.Len(t, view.Groups, 1)
	assert.Equal(t, domain.Speed2Day, view.Groups[0].Speed)

	_, err = f.service.SelectSpeed(ctx, "cart-1", key, domain.SpeedOvernight)
	assert.ErrorIs(t, err, domain.ErrSpeedNotEnabled)

	_, err = f.service.SelectSpeed(ctx, "cart-1", key, "teleport")
	assert.ErrorIs(t, err, domain.ErrUnknownSpeed)

	_, err = f.service.SelectSpeed(ctx, "cart-1", domain.GroupKey{Patient: "pat-2", Pharmacy: "X"}, domain.SpeedGround)
	assert.ErrorIs(t, err, domain.ErrLineNotFound)

	_, err = f.service.SelectSpeed(ctx, "cart-1", domain.GroupKey{Patient: "pat-1", Pharmacy: "Z"}, domain.SpeedGround)
	assert.ErrorIs(t, err, domain.ErrRatesNotLoaded)
}

func TestCartService_WatchReceivesRealtimeViewsAndWarnings(t *testing.T) {
	f := newCartFixture(t, CartServiceConfig{Debounce: 20 * time.Millisecond})
	f.put(line("1", "pat-1", "X", 1, domain.SpeedGround))

	var mu sync.Mutex
	var views []CartView
	var warnings []string
	cancel, err := f.service.Watch(context.Background(), "cart-1", func(ev CartEvent) {
		mu.Lock()
		defer mu.Unlock()
		if ev.View != nil {
			views = append(views, *ev.View)
		}
		if ev.Warning != "" {
			warnings = append(warnings, ev.Warning)
		}
	})
	require.NoError(t, err)
	defer cancel()

	// A line added elsewhere with a speed the pharmacy does not offer.
	f.put(line("2", "pat-1", "X", 1, domain.SpeedOvernight))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		if len(views) == 0 {
			return false
		}
		last := views[len(views)-1]
		return len(last.Groups) == 1 && len(last.Groups[0].Lines) == 2 && last.Groups[0].Speed == domain.SpeedGround
	}, 2*time.Second, 10*time.Millisecond)

	f.service.Warn(context.Background(), "cart-1", softWarningMessage)
	mu.Lock()
	assert.Equal(t, []string{softWarningMessage}, warnings)
	mu.Unlock()
}

func TestCartService_WriteFailureWarnsWatchers(t *testing.T) {
	f := newCartFixture(t, CartServiceConfig{Debounce: time.Minute})
	f.put(line("1", "pat-1", "X", 1, domain.SpeedGround))

	var mu sync.Mutex
	var warnings []string
	cancel, err := f.service.Watch(context.Background(), "cart-1", func(ev CartEvent) {
		mu.Lock()
		defer mu.Unlock()
		if ev.Warning != "" {
			warnings = append(warnings, ev.Warning)
		}
	})
	require.NoError(t, err)
	defer cancel()

	f.store.FailUpdates(errors.New("connection reset"))
	f.put(line("2", "pat-2", "X", 1, domain.SpeedOvernight))

	view, err := f.service.Refresh(context.Background(), "cart-1")
	require.NoError(t, err)
	// The cart stays usable with the uncorrected line.
	require.Len(t, view.Groups, 2)

	mu.Lock()
	assert.Equal(t, []string{softWarningMessage}, warnings)
	mu.Unlock()

	// Same version again: no retry, no second warning.
	_, err = f.service.Refresh(context.Background(), "cart-1")
	require.NoError(t, err)
	mu.Lock()
	assert.Len(t, warnings, 1)
	mu.Unlock()
}

func TestCartService_EvictIdleKeepsWatchedCarts(t *testing.T) {
	f := newCartFixture(t, CartServiceConfig{IdleTimeout: time.Minute})
	f.put(line("1", "", "X", 1, domain.SpeedGround))
	f.put(domain.CartLine{ID: "9", CartID: "cart-2", PharmacyID: "X", Quantity: 1, UnitPrice: money("1"), ShippingSpeed: domain.SpeedGround})
	ctx := context.Background()

	_, err := f.service.View(ctx, "cart-1")
	require.NoError(t, err)
	cancel, err := f.service.Watch(ctx, "cart-2", func(CartEvent) {})
	require.NoError(t, err)
	assert.Equal(t, 2, f.service.Sessions())

	assert.Equal(t, 0, f.service.EvictIdle(time.Now()))
	assert.Equal(t, 1, f.service.EvictIdle(time.Now().Add(2*time.Minute)))
	assert.Equal(t, 1, f.service.Sessions())

	cancel()
	cancel()
	assert.Equal(t, 1, f.service.EvictIdle(time.Now().Add(2*time.Minute)))
	assert.Equal(t, 0, f.service.Sessions())
}

func TestCartService_ClosedServiceRejectsOpen(t *testing.T) {
	f := newCartFixture(t, CartServiceConfig{})
	f.put(line("1", "", "X", 1, domain.SpeedGround))

	_, err := f.service.View(context.Background(), "cart-1")
	require.NoError(t, err)
	require.NoError(t, f.service.Close())

	assert.Equal(t, 0, f.service.Sessions())
	_, err = f.service.View(context.Background(), "cart-1")
	assert.ErrorIs(t, err, domain.ErrSessionEnded)
}
