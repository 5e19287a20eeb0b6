package ports

import (
	"context"

	"carebridge/internal/core/domain"
)

type VisitRepository interface {
	Create(ctx context.Context, visit *domain.Visit) error
	GetByID(ctx context.Context, id domain.SessionID) (*domain.Visit, error)
	ListActive(ctx context.Context) ([]*domain.Visit, error)
	MarkEnded(ctx context.Context, id domain.SessionID) error
}

// PresenceRegistry tracks who is connected to a media room.
type PresenceRegistry interface {
	Register(ctx context.Context, channel string, p domain.Presence) error
	Unregister(ctx context.Context, channel string, uid domain.UID) error
	List(ctx context.Context, channel string) ([]domain.Presence, error)
}
