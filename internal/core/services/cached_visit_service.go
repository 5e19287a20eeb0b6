package services

import (
	"context"
	"time"

	"carebridge/internal/core/domain"
	"carebridge/internal/core/ports"
	"carebridge/pkg/cache"
)

// CachedVisitService wraps VisitService with a read-through visit cache.
// Ticket issuance reads the visit on every join, which this absorbs.
type CachedVisitService struct {
	ports.VisitService
	visits *cache.Cache[domain.SessionID, *domain.Visit]
}

// NewCachedVisitService creates a new cached visit service
func NewCachedVisitService(base ports.VisitService, ttl time.Duration) *CachedVisitService {
	return &CachedVisitService{
		VisitService: base,
		visits:       cache.New[domain.SessionID, *domain.Visit](ttl),
	}
}

func (s *CachedVisitService) GetVisit(ctx context.Context, id domain.SessionID) (*domain.Visit, error) {
	if visit, ok := s.visits.Get(id); ok {
		return visit, nil
	}
	visit, err := s.VisitService.GetVisit(ctx, id)
	if err != nil {
		return nil, err
	}
	s.visits.Set(id, visit)
	return visit, nil
}

// IssueTicket refuses ended visits from the cache before reaching the
// repository.
func (s *CachedVisitService) IssueTicket(ctx context.Context, id domain.SessionID, role domain.Role, displayName string) (*domain.VisitTicket, error) {
	if visit, ok := s.visits.Get(id); ok && !visit.Active() {
		return nil, domain.ErrVisitEnded
	}
	return s.VisitService.IssueTicket(ctx, id, role, displayName)
}

func (s *CachedVisitService) EndVisit(ctx context.Context, id domain.SessionID) error {
	err := s.VisitService.EndVisit(ctx, id)
	s.visits.Delete(id)
	return err
}
