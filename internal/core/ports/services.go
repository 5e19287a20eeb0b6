package ports

import (
	"context"

	"carebridge/internal/core/domain"
)

// VisitService manages the lifecycle of telehealth visits and hands out the
// tickets participants join with.
type VisitService interface {
	CreateVisit(ctx context.Context, createdBy, patientID string) (*domain.Visit, error)
	GetVisit(ctx context.Context, id domain.SessionID) (*domain.Visit, error)
	ListVisits(ctx context.Context) ([]*domain.Visit, error)
	// IssueTicket mints a fresh UID and visit token for role. Every call
	// yields a new seat, so a reconnecting participant re-enters the
	// waiting room.
	IssueTicket(ctx context.Context, id domain.SessionID, role domain.Role, displayName string) (*domain.VisitTicket, error)
	EndVisit(ctx context.Context, id domain.SessionID) error
	Participants(ctx context.Context, id domain.SessionID) ([]domain.Presence, error)
}

// RoomController closes the media room of an ended visit.
type RoomController interface {
	CloseRoom(channel string)
}
