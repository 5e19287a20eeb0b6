package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"carebridge/internal/core/domain"
	"carebridge/internal/core/ports"
)

type MemoryVisitRepository struct {
	visits map[domain.SessionID]*domain.Visit
	mu     sync.RWMutex
}

func NewMemoryVisitRepository() ports.VisitRepository {
	return &MemoryVisitRepository{
		visits: make(map[domain.SessionID]*domain.Visit),
	}
}

func (r *MemoryVisitRepository) Create(ctx context.Context, visit *domain.Visit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.visits[visit.ID]; exists {
		return fmt.Errorf("visit already exists: %s", visit.ID)
	}
	for _, v := range r.visits {
		if v.Channel == visit.Channel {
			return fmt.Errorf("channel already in use: %s", visit.Channel)
		}
	}

	stored := *visit
	r.visits[visit.ID] = &stored
	return nil
}

func (r *MemoryVisitRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.Visit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	visit, exists := r.visits[id]
	if !exists {
		return nil, domain.ErrVisitNotFound
	}

	out := *visit
	return &out, nil
}

func (r *MemoryVisitRepository) ListActive(ctx context.Context) ([]*domain.Visit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []*domain.Visit
	for _, visit := range r.visits {
		if visit.Active() {
			v := *visit
			active = append(active, &v)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt.After(active[j].CreatedAt) })
	return active, nil
}

func (r *MemoryVisitRepository) MarkEnded(ctx context.Context, id domain.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	visit, exists := r.visits[id]
	if !exists {
		return domain.ErrVisitNotFound
	}
	if !visit.Active() {
		return domain.ErrVisitEnded
	}
	now := time.Now()
	visit.EndedAt = &now
	return nil
}

// VisitLogEntry is one recorded join or leave.
type VisitLogEntry struct {
	Session domain.Session
	Event   string
	At      time.Time
}

// MemoryVisitLog keeps join/leave bookkeeping in memory.
type MemoryVisitLog struct {
	mu      sync.Mutex
	entries []VisitLogEntry
}

func NewMemoryVisitLog() *MemoryVisitLog {
	return &MemoryVisitLog{}
}

func (l *MemoryVisitLog) RecordJoined(_ context.Context, session domain.Session) error {
	l.record(session, "joined")
	return nil
}

func (l *MemoryVisitLog) RecordLeft(_ context.Context, session domain.Session) error {
	l.record(session, "left")
	return nil
}

func (l *MemoryVisitLog) record(session domain.Session, event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, VisitLogEntry{Session: session, Event: event, At: time.Now()})
}

func (l *MemoryVisitLog) Entries() []VisitLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]VisitLogEntry(nil), l.entries...)
}
