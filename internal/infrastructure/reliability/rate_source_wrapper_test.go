package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"carebridge/internal/core/domain"
	"carebridge/internal/infrastructure/repositories/memory"
	"carebridge/pkg/circuitbreaker"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingObserver struct{ states []string }

func (o *recordingObserver) BreakerStateChanged(name, state string) {
	o.states = append(o.states, name+":"+state)
}

func TestRateSourceWrapper_OpensPerPharmacy(t *testing.T) {
	source := memory.NewMemoryRateSource()
	source.SetRates("ph-ok", domain.RateTable{domain.SpeedGround: decimal.NewFromInt(5)})
	source.SetError("ph-down", errors.New("carrier unavailable"))

	observer := &recordingObserver{}
	w := NewRateSourceWrapper(source, circuitbreaker.Config{
		FailureThreshold:    2,
		SuccessThreshold:    1,
		Timeout:             time.Hour,
		MaxRequestsHalfOpen: 1,
	}, observer, zap.NewNop().Sugar())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := w.FetchRates(ctx, "ph-down")
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateOpen, w.State("ph-down"))

	_, err := w.FetchRates(ctx, "ph-down")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 2, source.Calls("ph-down"))

	table, err := w.FetchRates(ctx, "ph-ok")
	require.NoError(t, err)
	assert.True(t, table[domain.SpeedGround].Equal(decimal.NewFromInt(5)))
	assert.Equal(t, circuitbreaker.StateClosed, w.State("ph-ok"))

	assert.Equal(t, []string{"ph-down:open"}, observer.states)
}
