package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"carebridge/internal/core/domain"
	"carebridge/internal/core/ports"
	"carebridge/pkg/cache"
	"carebridge/pkg/retry"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RateView is the read side of the rate catalog used by normalization and
// the speed selector.
type RateView interface {
	// Loaded reports whether rate data exists for at least one pharmacy.
	Loaded() bool
	// EnabledSpeeds returns the pharmacy's offered speeds in tier order.
	EnabledSpeeds(pharmacy domain.PharmacyID) ([]domain.ShippingSpeed, bool)
}

// RateSnapshot is an immutable RateView.
type RateSnapshot map[domain.PharmacyID]domain.RateTable

func (s RateSnapshot) Loaded() bool {
	return len(s) > 0
}

func (s RateSnapshot) EnabledSpeeds(pharmacy domain.PharmacyID) ([]domain.ShippingSpeed, bool) {
	table, ok := s[pharmacy]
	if !ok {
		return nil, false
	}
	return table.EnabledSpeeds(), true
}

type RateCatalogConfig struct {
	TTL         time.Duration
	Concurrency int
	Retry       retry.Config
}

func DefaultRateCatalogConfig() RateCatalogConfig {
	return RateCatalogConfig{
		TTL:         5 * time.Minute,
		Concurrency: 4,
		Retry:       retry.DefaultConfig(),
	}
}

// RateCatalog holds per-pharmacy rate tables fetched asynchronously from a
// RateSource. It is shared read-only between normalization and the UI and
// only changes by refetching. Stale tables keep being served until a
// refetch succeeds.
type RateCatalog struct {
	source ports.RateSource
	cfg    RateCatalogConfig
	tables *cache.Cache[domain.PharmacyID, domain.RateTable]
	logger *zap.SugaredLogger

	mu          sync.Mutex
	loading     int
	subscribers map[int]func()
	nextSub     int
}

func NewRateCatalog(source ports.RateSource, cfg RateCatalogConfig, logger *zap.SugaredLogger) *RateCatalog {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &RateCatalog{
		source:      source,
		cfg:         cfg,
		tables:      cache.New[domain.PharmacyID, domain.RateTable](cfg.TTL),
		logger:      logger,
		subscribers: make(map[int]func()),
	}
}

// Load fetches rates for every pharmacy that has no fresh table. A failed
// fetch leaves that pharmacy unloaded (or stale) and is logged; Load only
// returns an error when ctx is cancelled.
func (c *RateCatalog) Load(ctx context.Context, pharmacies []domain.PharmacyID) error {
	missing := c.stale(pharmacies)
	if len(missing) == 0 {
		return nil
	}

	c.setLoading(1)
	defer c.setLoading(-1)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for _, pharmacy := range missing {
		pharmacy := pharmacy
		g.Go(func() error {
			table, err := retry.DoWithResult(gctx, c.cfg.Retry, func(ctx context.Context) (domain.RateTable, error) {
				return c.source.FetchRates(ctx, pharmacy)
			})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.Warnw("failed to fetch pharmacy rates",
					"pharmacy_id", pharmacy,
					"error", err,
				)
				return nil
			}
			c.tables.Set(pharmacy, copyTable(table))
			c.logger.Debugw("pharmacy rates loaded",
				"pharmacy_id", pharmacy,
				"speeds", table.EnabledSpeeds(),
			)
			return nil
		})
	}
	return g.Wait()
}

// Invalidate forces the next Load to refetch the pharmacy.
func (c *RateCatalog) Invalidate(pharmacy domain.PharmacyID) {
	table, _, ok := c.tables.Peek(pharmacy)
	if ok {
		c.tables.SetWithTTL(pharmacy, table, -time.Nanosecond)
	}
}

func (c *RateCatalog) Loaded() bool {
	return c.tables.Len() > 0
}

// Loading reports whether a fetch is in flight.
func (c *RateCatalog) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading > 0
}

func (c *RateCatalog) Rates(pharmacy domain.PharmacyID) (domain.RateTable, bool) {
	table, _, ok := c.tables.Peek(pharmacy)
	if !ok {
		return nil, false
	}
	return copyTable(table), true
}

func (c *RateCatalog) EnabledSpeeds(pharmacy domain.PharmacyID) ([]domain.ShippingSpeed, bool) {
	table, _, ok := c.tables.Peek(pharmacy)
	if !ok {
		return nil, false
	}
	return table.EnabledSpeeds(), true
}

// Snapshot copies the current tables.
func (c *RateCatalog) Snapshot() RateSnapshot {
	snap := make(RateSnapshot)
	for _, pharmacy := range c.tables.Keys() {
		if table, ok := c.Rates(pharmacy); ok {
			snap[pharmacy] = table
		}
	}
	return snap
}

// Subscribe registers fn to run whenever loading starts or finishes.
func (c *RateCatalog) Subscribe(fn func()) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subscribers, id)
	}
}

func (c *RateCatalog) stale(pharmacies []domain.PharmacyID) []domain.PharmacyID {
	seen := make(map[domain.PharmacyID]bool, len(pharmacies))
	var out []domain.PharmacyID
	for _, p := range pharmacies {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		if _, fresh, _ := c.tables.Peek(p); !fresh {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *RateCatalog) setLoading(delta int) {
	c.mu.Lock()
	c.loading += delta
	fns := make([]func(), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func copyTable(t domain.RateTable) domain.RateTable {
	out := make(domain.RateTable, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}
