package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"carebridge/internal/core/domain"
	"carebridge/internal/core/ports"
	"carebridge/pkg/utils"
	"carebridge/pkg/validation"

	"go.uber.org/zap"
)

// VisitObserver receives visit lifecycle counts.
type VisitObserver interface {
	VisitCreated()
	VisitEnded(duration time.Duration)
	TicketIssued(role domain.Role)
}

type visitService struct {
	visits   ports.VisitRepository
	presence ports.PresenceRegistry
	auth     AuthService
	rooms    ports.RoomController
	observer VisitObserver
	appID    string
	tokenTTL time.Duration
	logger   *zap.SugaredLogger
	now      func() time.Time
}

// VisitServiceOption customizes a visit service.
type VisitServiceOption func(*visitService)

// WithRoomController closes the media room when a visit ends.
func WithRoomController(rooms ports.RoomController) VisitServiceOption {
	return func(s *visitService) { s.rooms = rooms }
}

func WithVisitObserver(observer VisitObserver) VisitServiceOption {
	return func(s *visitService) { s.observer = observer }
}

func NewVisitService(
	visits ports.VisitRepository,
	presence ports.PresenceRegistry,
	auth AuthService,
	appID string,
	tokenTTL time.Duration,
	logger *zap.SugaredLogger,
	opts ...VisitServiceOption,
) ports.VisitService {
	s := &visitService{
		visits:   visits,
		presence: presence,
		auth:     auth,
		appID:    appID,
		tokenTTL: tokenTTL,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *visitService) CreateVisit(ctx context.Context, createdBy, patientID string) (*domain.Visit, error) {
	if err := validation.ValidateNonEmptyString(createdBy, "created_by"); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if patientID != "" {
		if err := validation.ValidateIdentifier(patientID, "patient_id"); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
	}

	visit := &domain.Visit{
		ID:        domain.SessionID(utils.GenerateVisitID()),
		Channel:   utils.GenerateChannelName(),
		AppID:     s.appID,
		CreatedBy: createdBy,
		PatientID: patientID,
		CreatedAt: s.now().UTC(),
	}
	if err := s.visits.Create(ctx, visit); err != nil {
		return nil, fmt.Errorf("failed to create visit: %w", err)
	}

	if s.observer != nil {
		s.observer.VisitCreated()
	}
	s.logger.Infow("visit created",
		"visit_id", visit.ID,
		"channel", visit.Channel,
		"created_by", createdBy,
	)
	return visit, nil
}

func (s *visitService) GetVisit(ctx context.Context, id domain.SessionID) (*domain.Visit, error) {
	return s.visits.GetByID(ctx, id)
}

func (s *visitService) ListVisits(ctx context.Context) ([]*domain.Visit, error) {
	return s.visits.ListActive(ctx)
}

func (s *visitService) IssueTicket(ctx context.Context, id domain.SessionID, role domain.Role, displayName string) (*domain.VisitTicket, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: invalid role %q", domain.ErrInvalidInput, role)
	}
	displayName = strings.TrimSpace(utils.SanitizeString(displayName))
	if err := validation.ValidateDisplayName(displayName); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	visit, err := s.visits.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !visit.Active() {
		return nil, domain.ErrVisitEnded
	}

	session := domain.Session{
		ID:          visit.ID,
		Channel:     visit.Channel,
		AppID:       visit.AppID,
		UID:         domain.UID(utils.GenerateUID(string(role))),
		Role:        role,
		DisplayName: displayName,
	}
	if role == domain.RolePatient {
		session.PatientID = visit.PatientID
	}

	token, expiresAt, err := s.auth.GenerateVisitToken(session, s.tokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign visit token: %w", err)
	}
	session.Token = token

	if s.observer != nil {
		s.observer.TicketIssued(role)
	}
	s.logger.Infow("visit ticket issued",
		"visit_id", visit.ID,
		"uid", session.UID,
		"role", role,
	)
	return &domain.VisitTicket{Session: session, ExpiresAt: expiresAt}, nil
}

func (s *visitService) EndVisit(ctx context.Context, id domain.SessionID) error {
	visit, err := s.visits.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.visits.MarkEnded(ctx, id); err != nil {
		return err
	}

	if s.rooms != nil {
		s.rooms.CloseRoom(visit.Channel)
	}
	if s.observer != nil {
		s.observer.VisitEnded(s.now().Sub(visit.CreatedAt))
	}
	s.logger.Infow("visit ended", "visit_id", id, "channel", visit.Channel)
	return nil
}

func (s *visitService) Participants(ctx context.Context, id domain.SessionID) ([]domain.Presence, error) {
	visit, err := s.visits.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.presence.List(ctx, visit.Channel)
}
