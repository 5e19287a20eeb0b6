package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"carebridge/internal/core/domain"
	"carebridge/internal/infrastructure/repositories/memory"
	"carebridge/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func catalogConfig() RateCatalogConfig {
	return RateCatalogConfig{
		TTL:         time.Minute,
		Concurrency: 2,
		Retry:       retry.Config{Enabled: true, MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	}
}

func TestRateCatalog_LoadsOnlyStalePharmacies(t *testing.T) {
	source := memory.NewMemoryRateSource()
	source.SetRates("X", domain.RateTable{domain.SpeedGround: money("5")})
	source.SetRates("Y", domain.RateTable{domain.Speed2Day: money("9"), domain.SpeedGround: money("0")})
	catalog := NewRateCatalog(source, catalogConfig(), zap.NewNop().Sugar())

	assert.False(t, catalog.Loaded())
	require.NoError(t, catalog.Load(context.Background(), []domain.PharmacyID{"X", "Y", "X", ""}))
	assert.True(t, catalog.Loaded())
	assert.Equal(t, 1, source.Calls("X"))

	speeds, ok := catalog.EnabledSpeeds("Y")
	require.True(t, ok)
	assert.Equal(t, []domain.ShippingSpeed{domain.Speed2Day}, speeds)

	require.NoError(t, catalog.Load(context.Background(), []domain.PharmacyID{"X"}))
	assert.Equal(t, 1, source.Calls("X"))

	catalog.Invalidate("X")
	require.NoError(t, catalog.Load(context.Background(), []domain.PharmacyID{"X"}))
	assert.Equal(t, 2, source.Calls("X"))
}

func TestRateCatalog_FailedFetchLeavesPharmacyUnloaded(t *testing.T) {
	source := memory.NewMemoryRateSource()
	source.SetError("X", errors.New("carrier timeout"))
	catalog := NewRateCatalog(source, catalogConfig(), zap.NewNop().Sugar())

	require.NoError(t, catalog.Load(context.Background(), []domain.PharmacyID{"X"}))
	_, ok := catalog.Rates("X")
	assert.False(t, ok)
	assert.Equal(t, 2, source.Calls("X"))

	source.SetRates("X", domain.RateTable{domain.SpeedGround: money("5")})
	require.NoError(t, catalog.Load(context.Background(), []domain.PharmacyID{"X"}))
	_, ok = catalog.Rates("X")
	assert.True(t, ok)
}

func TestRateCatalog_SnapshotIsACopy(t *testing.T) {
	source := memory.NewMemoryRateSource()
	source.SetRates("X", domain.RateTable{domain.SpeedGround: money("5")})
	catalog := NewRateCatalog(source, catalogConfig(), zap.NewNop().Sugar())
	require.NoError(t, catalog.Load(context.Background(), []domain.PharmacyID{"X"}))

	snap := catalog.Snapshot()
	snap["X"][domain.SpeedOvernight] = money("50")

	speeds, _ := catalog.EnabledSpeeds("X")
	assert.Equal(t, []domain.ShippingSpeed{domain.SpeedGround}, speeds)
}

func TestRateCatalog_NotifiesLoadingChanges(t *testing.T) {
	source := memory.NewMemoryRateSource()
	source.SetRates("X", domain.RateTable{domain.SpeedGround: money("5")})
	catalog := NewRateCatalog(source, catalogConfig(), zap.NewNop().Sugar())

	var seen []bool
	cancel := catalog.Subscribe(func() { seen = append(seen, catalog.Loading()) })
	require.NoError(t, catalog.Load(context.Background(), []domain.PharmacyID{"X"}))
	cancel()

	assert.Equal(t, []bool{true, false}, seen)
	assert.False(t, catalog.Loading())
}

func TestRateCatalog_CancelledLoadReturnsError(t *testing.T) {
	source := memory.NewMemoryRateSource()
	catalog := NewRateCatalog(source, catalogConfig(), zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, catalog.Load(ctx, []domain.PharmacyID{"X"}))
}
