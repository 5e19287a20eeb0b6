package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"carebridge/internal/core/domain"
	"carebridge/internal/core/ports"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// GroupView is one shipment group as shown in the cart.
type GroupView struct {
	Key           domain.GroupKey
	Lines         []domain.CartLine
	Speed         domain.ShippingSpeed
	EnabledSpeeds []domain.ShippingSpeed
	Rates         domain.RateTable
	RatesKnown    bool
}

// Subtotal sums quantity times unit price over the group's lines.
func (g GroupView) Subtotal() decimal.Decimal {
	total := decimal.Zero
	for _, l := range g.Lines {
		total = total.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return total
}

// ShippingCost is the rate of the group's current speed, if offered.
func (g GroupView) ShippingCost() (decimal.Decimal, bool) {
	cost, ok := g.Rates[g.Speed]
	if !ok || !cost.IsPositive() {
		return decimal.Zero, false
	}
	return cost, true
}

type CartView struct {
	CartID       domain.CartID
	Version      domain.CartVersion
	Groups       []GroupView
	RatesLoading bool
	RefreshedAt  time.Time
}

type CartSessionDeps struct {
	Store    ports.CartStore
	Feed     ports.CartChangeFeed
	Catalog  *RateCatalog
	Notifier ports.Notifier
	Locker   ports.Locker
	Observer NormalizationObserver
}

type CartSessionConfig struct {
	Debounce time.Duration
}

// CartSession keeps one open cart consistent: it loads lines, makes sure
// rates for every pharmacy in the cart are known, normalizes speeds and
// refreshes after debounced realtime changes.
type CartSession struct {
	cartID     domain.CartID
	store      ports.CartStore
	catalog    *RateCatalog
	engine     *NormalizationEngine
	reconciler *RealtimeReconciler
	logger     *zap.SugaredLogger

	refreshMu sync.Mutex

	mu          sync.RWMutex
	lines       []domain.CartLine
	refreshedAt time.Time
	life        context.Context
	cancelLife  context.CancelFunc
	unsubRates  func()

	watchMu   sync.Mutex
	watchers  map[int]func(CartView)
	nextWatch int
}

func NewCartSession(cartID domain.CartID, deps CartSessionDeps, cfg CartSessionConfig, logger *zap.SugaredLogger) *CartSession {
	logger = logger.With("cart_id", cartID)

	var opts []NormalizationOption
	if deps.Locker != nil {
		opts = append(opts, WithLocker(deps.Locker))
	}
	if deps.Observer != nil {
		opts = append(opts, WithNormalizationObserver(deps.Observer))
	}

	s := &CartSession{
		cartID:   cartID,
		store:    deps.Store,
		catalog:  deps.Catalog,
		engine:   NewNormalizationEngine(cartID, deps.Store, deps.Notifier, logger, opts...),
		logger:   logger,
		watchers: make(map[int]func(CartView)),
	}
	if deps.Feed != nil {
		s.reconciler = NewRealtimeReconciler(deps.Feed, cfg.Debounce, s.onRemoteChange, logger)
	}
	return s
}

// Open performs the first load and starts following realtime changes.
func (s *CartSession) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.life == nil {
		s.life, s.cancelLife = context.WithCancel(context.WithoutCancel(ctx))
		s.unsubRates = s.catalog.Subscribe(s.notify)
	}
	s.mu.Unlock()

	if err := s.Refresh(ctx); err != nil {
		return err
	}
	if s.reconciler != nil {
		if err := s.reconciler.SetCart(ctx, s.cartID); err != nil {
			s.logger.Warnw("realtime updates unavailable", "error", err)
		}
	}
	return nil
}

// Refresh reloads the cart, loads missing rates and runs a normalization
// pass. Refreshes never overlap.
func (s *CartSession) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	lines, err := s.store.ListLines(ctx, s.cartID)
	if err != nil {
		return fmt.Errorf("list cart lines: %w", err)
	}
	s.setLines(lines)

	if err := s.catalog.Load(ctx, pharmaciesOf(lines)); err != nil {
		return fmt.Errorf("load pharmacy rates: %w", err)
	}
	s.notify()

	result := s.engine.Run(ctx, lines, s.catalog.Snapshot())
	if result.Writes() == 0 {
		return nil
	}

	// The change feed will catch up too; reload so the view reflects the
	// corrected speeds without waiting for it.
	lines, err = s.store.ListLines(ctx, s.cartID)
	if err != nil {
		return fmt.Errorf("reload cart lines: %w", err)
	}
	s.setLines(lines)
	s.notify()
	return nil
}

// SelectSpeed sets a whole group to speed. The speed must be enabled for
// the group's pharmacy.
func (s *CartSession) SelectSpeed(ctx context.Context, key domain.GroupKey, speed domain.ShippingSpeed) error {
	if !speed.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrUnknownSpeed, speed)
	}
	rates, ok := s.catalog.Rates(key.Pharmacy)
	if !ok {
		return domain.ErrRatesNotLoaded
	}
	if !rates.Enabled(speed) {
		return fmt.Errorf("%w: %s at %s", domain.ErrSpeedNotEnabled, speed, key.Pharmacy)
	}

	var ids []domain.LineID
	for _, g := range GroupLines(s.Lines()) {
		if g.Key == key {
			ids = g.LineIDs()
			break
		}
	}
	if len(ids) == 0 {
		return domain.ErrLineNotFound
	}

	if err := s.store.UpdateShippingSpeed(ctx, s.cartID, ids, speed); err != nil {
		return fmt.Errorf("update shipping speed: %w", err)
	}
	s.logger.Infow("shipping speed selected", "group", key.String(), "speed", speed)
	return s.Refresh(ctx)
}

func (s *CartSession) Lines() []domain.CartLine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.CartLine(nil), s.lines...)
}

func (s *CartSession) View() CartView {
	s.mu.RLock()
	lines := append([]domain.CartLine(nil), s.lines...)
	refreshedAt := s.refreshedAt
	s.mu.RUnlock()

	view := CartView{
		CartID:       s.cartID,
		Version:      domain.ComputeCartVersion(lines),
		RatesLoading: s.catalog.Loading(),
		RefreshedAt:  refreshedAt,
	}
	for _, g := range GroupLines(lines) {
		gv := GroupView{Key: g.Key, Lines: g.Lines, Speed: g.Speed}
		if rates, ok := s.catalog.Rates(g.Key.Pharmacy); ok {
			gv.Rates = rates
			gv.EnabledSpeeds = rates.EnabledSpeeds()
			gv.RatesKnown = true
		}
		view.Groups = append(view.Groups, gv)
	}
	return view
}

func (s *CartSession) Watch(fn func(CartView)) (cancel func()) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = fn
	return func() {
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		delete(s.watchers, id)
	}
}

// Close stops realtime updates. Pending refreshes are dropped.
func (s *CartSession) Close() error {
	s.mu.Lock()
	if s.cancelLife != nil {
		s.cancelLife()
	}
	unsub := s.unsubRates
	s.unsubRates = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if s.reconciler != nil {
		return s.reconciler.Close()
	}
	return nil
}

func (s *CartSession) onRemoteChange(cartID domain.CartID) {
	s.mu.RLock()
	life := s.life
	s.mu.RUnlock()
	if life == nil || life.Err() != nil {
		return
	}
	if err := s.Refresh(life); err != nil {
		s.logger.Warnw("realtime refresh failed", "error", err)
	}
}

func (s *CartSession) setLines(lines []domain.CartLine) {
	s.mu.Lock()
	s.lines = lines
	s.refreshedAt = time.Now()
	s.mu.Unlock()
}

func (s *CartSession) notify() {
	s.watchMu.Lock()
	fns := make([]func(CartView), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.watchMu.Unlock()
	if len(fns) == 0 {
		return
	}

	view := s.View()
	for _, fn := range fns {
		fn(view)
	}
}

func pharmaciesOf(lines []domain.CartLine) []domain.PharmacyID {
	out := make([]domain.PharmacyID, 0, len(lines))
	for _, l := range lines {
		out = append(out, l.PharmacyID)
	}
	return out
}
