package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"carebridge/internal/core/domain"
	"carebridge/internal/core/ports"
	"carebridge/pkg/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const softWarningMessage = "Some shipping speeds couldn't be updated; your cart is still valid."

type SkipReason string

const (
	SkipNone             SkipReason = ""
	SkipEmptyCart        SkipReason = "empty_cart"
	SkipRatesNotLoaded   SkipReason = "rates_not_loaded"
	SkipAlreadyProcessed SkipReason = "already_processed"
	SkipLocked           SkipReason = "locked"
)

type Correction struct {
	Group   domain.GroupKey
	LineIDs []domain.LineID
	From    domain.ShippingSpeed
	To      domain.ShippingSpeed
}

type NormalizationResult struct {
	Version  domain.CartVersion
	Skipped  SkipReason
	Applied  []Correction
	Failed   []error
	Deferred []domain.GroupKey
}

// Writes counts every correction write issued, successful or not.
func (r NormalizationResult) Writes() int {
	return len(r.Applied) + len(r.Failed)
}

// NormalizationObserver receives pass outcomes, typically for metrics.
type NormalizationObserver interface {
	ObserveNormalization(result NormalizationResult)
}

// NormalizationEngine brings each shipment group's speed into its
// pharmacy's enabled set, at most once per cart version.
//
// The version gate breaks the write -> change feed -> refetch -> rewrite
// loop: the per-version done flag and the per-group normalized set are
// reset only when the version string changes.
type NormalizationEngine struct {
	cartID   domain.CartID
	store    ports.CartStore
	notifier ports.Notifier
	locker   ports.Locker
	observer NormalizationObserver
	logger   *zap.SugaredLogger

	runMu sync.Mutex

	mu         sync.Mutex
	version    domain.CartVersion
	done       bool
	normalized map[domain.GroupKey]bool
}

type NormalizationOption func(*NormalizationEngine)

// WithLocker serializes passes for the same cart version across replicas.
func WithLocker(l ports.Locker) NormalizationOption {
	return func(e *NormalizationEngine) { e.locker = l }
}

func WithNormalizationObserver(o NormalizationObserver) NormalizationOption {
	return func(e *NormalizationEngine) { e.observer = o }
}

func NewNormalizationEngine(
	cartID domain.CartID,
	store ports.CartStore,
	notifier ports.Notifier,
	logger *zap.SugaredLogger,
	opts ...NormalizationOption,
) *NormalizationEngine {
	e := &NormalizationEngine{
		cartID:     cartID,
		store:      store,
		notifier:   notifier,
		logger:     logger,
		normalized: make(map[domain.GroupKey]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run evaluates one cart snapshot against one rate snapshot. Passes never
// overlap; a second caller waits for the first to finish.
func (e *NormalizationEngine) Run(ctx context.Context, lines []domain.CartLine, rates RateView) NormalizationResult {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	version := domain.ComputeCartVersion(lines)
	result := NormalizationResult{Version: version}

	e.mu.Lock()
	if version == e.version && e.done {
		e.mu.Unlock()
		result.Skipped = SkipAlreadyProcessed
		return result
	}
	if version != e.version {
		e.version = version
		e.done = false
		e.normalized = make(map[domain.GroupKey]bool)
	}
	e.mu.Unlock()

	switch {
	case len(lines) == 0:
		result.Skipped = SkipEmptyCart
		return result
	case rates == nil || !rates.Loaded():
		result.Skipped = SkipRatesNotLoaded
		return result
	}

	if e.locker != nil {
		unlock, err := e.locker.TryLock(ctx, e.lockKey(version))
		if err != nil {
			if !errors.Is(err, domain.ErrLockNotAcquired) {
				e.logger.Warnw("normalization lock failed", "cart_id", e.cartID, "error", err)
			}
			result.Skipped = SkipLocked
			return result
		}
		defer unlock()
	}

	ctx, span := tracing.TraceCart(ctx, "normalize", string(e.cartID))
	defer span.End()
	span.SetAttributes(attribute.Int("cart.lines", len(lines)))

	corrections, deferred := e.plan(GroupLines(lines), rates)
	result.Deferred = deferred

	for _, c := range corrections {
		if err := ctx.Err(); err != nil {
			break
		}

		// Mark before the write so an interrupted pass never retries the
		// same group for this version.
		e.mu.Lock()
		e.normalized[c.Group] = true
		e.mu.Unlock()

		if err := e.store.UpdateShippingSpeed(ctx, e.cartID, c.LineIDs, c.To); err != nil {
			failure := &domain.NormalizationWriteFailure{Group: c.Group, Speed: c.To, Err: err}
			result.Failed = append(result.Failed, failure)
			tracing.RecordError(ctx, failure)
			e.logger.Warnw("shipping speed correction failed",
				"cart_id", e.cartID,
				"group", c.Group.String(),
				"to", c.To,
				"error", err,
			)
			continue
		}

		result.Applied = append(result.Applied, c)
		e.logger.Infow("shipping speed corrected",
			"cart_id", e.cartID,
			"group", c.Group.String(),
			"from", c.From,
			"to", c.To,
			"lines", len(c.LineIDs),
		)
	}

	if len(result.Failed) > 0 && e.notifier != nil {
		e.notifier.Warn(ctx, e.cartID, softWarningMessage)
	}

	e.mu.Lock()
	if len(deferred) == 0 && ctx.Err() == nil && e.version == version {
		e.done = true
	}
	e.mu.Unlock()

	if e.observer != nil {
		e.observer.ObserveNormalization(result)
	}
	return result
}

// plan lists the corrections for groups not yet normalized for the current
// version. Groups whose pharmacy has no rate data are deferred and left
// unmarked so a later pass picks them up once rates arrive.
func (e *NormalizationEngine) plan(groups []domain.ShipmentGroup, rates RateView) ([]Correction, []domain.GroupKey) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		corrections []Correction
		deferred    []domain.GroupKey
	)
	for _, g := range groups {
		if e.normalized[g.Key] {
			continue
		}

		enabled, ok := rates.EnabledSpeeds(g.Key.Pharmacy)
		if !ok || len(enabled) == 0 {
			deferred = append(deferred, g.Key)
			continue
		}

		target := g.Speed
		if !containsSpeed(enabled, target) {
			target = enabled[0]
		}

		var invalid []domain.LineID
		for _, l := range g.Lines {
			if !containsSpeed(enabled, l.ShippingSpeed) {
				invalid = append(invalid, l.ID)
			}
		}
		if len(invalid) == 0 {
			e.normalized[g.Key] = true
			continue
		}

		corrections = append(corrections, Correction{
			Group:   g.Key,
			LineIDs: invalid,
			From:    g.Speed,
			To:      target,
		})
	}
	return corrections, deferred
}

// Version returns the cart version the engine last evaluated and whether
// that version is fully processed.
func (e *NormalizationEngine) Version() (domain.CartVersion, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version, e.done
}

func (e *NormalizationEngine) lockKey(version domain.CartVersion) string {
	sum := sha256.Sum256([]byte(version))
	return fmt.Sprintf("carebridge:normalize:%s:%s", e.cartID, hex.EncodeToString(sum[:8]))
}

func containsSpeed(speeds []domain.ShippingSpeed, s domain.ShippingSpeed) bool {
	for _, v := range speeds {
		if v == s {
			return true
		}
	}
	return false
}
