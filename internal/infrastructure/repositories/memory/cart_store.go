package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"carebridge/internal/core/domain"
	"carebridge/internal/core/ports"
)

// MemoryCartStore is a CartStore and CartChangeFeed in one: every mutation
// is pushed to the cart's subscribers after the lock is released.
type MemoryCartStore struct {
	mu        sync.RWMutex
	lines     map[domain.CartID]map[domain.LineID]domain.CartLine
	order     map[domain.LineID]int
	seq       int
	subs      map[domain.CartID]map[int]func(domain.CartChange)
	nextSub   int
	updateErr error
}

func NewMemoryCartStore() *MemoryCartStore {
	return &MemoryCartStore{
		lines: make(map[domain.CartID]map[domain.LineID]domain.CartLine),
		order: make(map[domain.LineID]int),
		subs:  make(map[domain.CartID]map[int]func(domain.CartChange)),
	}
}

func (s *MemoryCartStore) ListLines(_ context.Context, cartID domain.CartID) ([]domain.CartLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.CartLine, 0, len(s.lines[cartID]))
	for _, l := range s.lines[cartID] {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return s.order[out[i].ID] < s.order[out[j].ID] })
	return out, nil
}

func (s *MemoryCartStore) UpdateShippingSpeed(_ context.Context, cartID domain.CartID, lineIDs []domain.LineID, speed domain.ShippingSpeed) error {
	s.mu.Lock()
	if s.updateErr != nil {
		err := s.updateErr
		s.mu.Unlock()
		return err
	}
	var changes []domain.CartChange
	for _, id := range lineIDs {
		l, ok := s.lines[cartID][id]
		if !ok {
			continue
		}
		l.ShippingSpeed = speed
		s.lines[cartID][id] = l
		changes = append(changes, domain.CartChange{CartID: cartID, LineID: id, Operation: "update"})
	}
	s.mu.Unlock()

	if len(lineIDs) > 0 && len(changes) == 0 {
		return domain.ErrLineNotFound
	}
	s.publish(changes...)
	return nil
}

// PutLine inserts or replaces a line.
func (s *MemoryCartStore) PutLine(line domain.CartLine) {
	s.mu.Lock()
	if s.lines[line.CartID] == nil {
		s.lines[line.CartID] = make(map[domain.LineID]domain.CartLine)
	}
	op := "update"
	if _, ok := s.lines[line.CartID][line.ID]; !ok {
		op = "insert"
		s.seq++
		s.order[line.ID] = s.seq
	}
	s.lines[line.CartID][line.ID] = line
	s.mu.Unlock()

	s.publish(domain.CartChange{CartID: line.CartID, LineID: line.ID, Operation: op})
}

func (s *MemoryCartStore) RemoveLine(cartID domain.CartID, id domain.LineID) error {
	s.mu.Lock()
	if _, ok := s.lines[cartID][id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrLineNotFound, id)
	}
	delete(s.lines[cartID], id)
	delete(s.order, id)
	s.mu.Unlock()

	s.publish(domain.CartChange{CartID: cartID, LineID: id, Operation: "delete"})
	return nil
}

// FailUpdates makes every UpdateShippingSpeed return err until cleared
// with nil.
func (s *MemoryCartStore) FailUpdates(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateErr = err
}

func (s *MemoryCartStore) Subscribe(ctx context.Context, cartID domain.CartID, handler func(domain.CartChange)) (ports.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	if s.subs[cartID] == nil {
		s.subs[cartID] = make(map[int]func(domain.CartChange))
	}
	s.subs[cartID][id] = handler
	return &cartSubscription{store: s, cartID: cartID, id: id}, nil
}

func (s *MemoryCartStore) publish(changes ...domain.CartChange) {
	for _, change := range changes {
		s.mu.RLock()
		handlers := make([]func(domain.CartChange), 0, len(s.subs[change.CartID]))
		for _, h := range s.subs[change.CartID] {
			handlers = append(handlers, h)
		}
		s.mu.RUnlock()
		for _, h := range handlers {
			h(change)
		}
	}
}

type cartSubscription struct {
	store  *MemoryCartStore
	cartID domain.CartID
	id     int
	once   sync.Once
}

func (c *cartSubscription) Close() error {
	c.once.Do(func() {
		c.store.mu.Lock()
		defer c.store.mu.Unlock()
		delete(c.store.subs[c.cartID], c.id)
	})
	return nil
}

// MemoryRateSource serves fixed rate tables.
type MemoryRateSource struct {
	mu     sync.RWMutex
	tables map[domain.PharmacyID]domain.RateTable
	errs   map[domain.PharmacyID]error
	calls  map[domain.PharmacyID]int
}

func NewMemoryRateSource() *MemoryRateSource {
	return &MemoryRateSource{
		tables: make(map[domain.PharmacyID]domain.RateTable),
		errs:   make(map[domain.PharmacyID]error),
		calls:  make(map[domain.PharmacyID]int),
	}
}

func (r *MemoryRateSource) SetRates(pharmacy domain.PharmacyID, table domain.RateTable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables[pharmacy] = table
	delete(r.errs, pharmacy)
}

// SetError makes fetches for pharmacy fail with err.
func (r *MemoryRateSource) SetError(pharmacy domain.PharmacyID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[pharmacy] = err
}

func (r *MemoryRateSource) Calls(pharmacy domain.PharmacyID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.calls[pharmacy]
}

func (r *MemoryRateSource) FetchRates(ctx context.Context, pharmacy domain.PharmacyID) (domain.RateTable, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[pharmacy]++
	if err := r.errs[pharmacy]; err != nil {
		return nil, err
	}
	table, ok := r.tables[pharmacy]
	if !ok {
		return nil, fmt.Errorf("no rates for pharmacy %s", pharmacy)
	}
	out := make(domain.RateTable, len(table))
	for k, v := range table {
		out[k] = v
	}
	return out, nil
}
