package reliability

import (
	"context"
	"sync"

	"carebridge/internal/core/domain"
	"carebridge/internal/core/ports"
	"carebridge/pkg/circuitbreaker"

	"go.uber.org/zap"
)

// BreakerObserver is told when a pharmacy's breaker changes state.
type BreakerObserver interface {
	BreakerStateChanged(name string, state string)
}

// RateSourceWrapper guards a RateSource with one circuit breaker per
// pharmacy, so a carrier outage for one pharmacy fails fast without
// affecting the others.
type RateSourceWrapper struct {
	source   ports.RateSource
	config   circuitbreaker.Config
	observer BreakerObserver
	logger   *zap.SugaredLogger

	mu       sync.RWMutex
	breakers map[domain.PharmacyID]*circuitbreaker.CircuitBreaker
}

func NewRateSourceWrapper(
	source ports.RateSource,
	config circuitbreaker.Config,
	observer BreakerObserver,
	logger *zap.SugaredLogger,
) *RateSourceWrapper {
	return &RateSourceWrapper{
		source:   source,
		config:   config,
		observer: observer,
		logger:   logger,
		breakers: make(map[domain.PharmacyID]*circuitbreaker.CircuitBreaker),
	}
}

func (w *RateSourceWrapper) breaker(pharmacy domain.PharmacyID) *circuitbreaker.CircuitBreaker {
	w.mu.RLock()
	cb, ok := w.breakers[pharmacy]
	w.mu.RUnlock()
	if ok {
		return cb
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if cb, ok := w.breakers[pharmacy]; ok {
		return cb
	}
	cb = circuitbreaker.New(w.config)
	cb.OnStateChange(func(from, to circuitbreaker.State) {
		w.logger.Infow("rate source circuit breaker state changed",
			"pharmacy_id", pharmacy,
			"from", from.String(),
			"to", to.String(),
		)
		if w.observer != nil {
			w.observer.BreakerStateChanged(string(pharmacy), to.String())
		}
	})
	w.breakers[pharmacy] = cb
	return cb
}

// FetchRates returns circuitbreaker.ErrOpen while the pharmacy's breaker
// is open.
func (w *RateSourceWrapper) FetchRates(ctx context.Context, pharmacy domain.PharmacyID) (domain.RateTable, error) {
	return circuitbreaker.Do(ctx, w.breaker(pharmacy), func() (domain.RateTable, error) {
		return w.source.FetchRates(ctx, pharmacy)
	})
}

// State reports the breaker state of one pharmacy.
func (w *RateSourceWrapper) State(pharmacy domain.PharmacyID) circuitbreaker.State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if cb, ok := w.breakers[pharmacy]; ok {
		return cb.GetState()
	}
	return circuitbreaker.StateClosed
}

var _ ports.RateSource = (*RateSourceWrapper)(nil)
