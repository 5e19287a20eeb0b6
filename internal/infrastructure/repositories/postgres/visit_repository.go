package postgres

import (
	"context"
	"errors"
	"fmt"

	"carebridge/internal/core/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type VisitRepository struct {
	pool *pgxpool.Pool
}

func NewVisitRepository(pool *pgxpool.Pool) *VisitRepository {
	return &VisitRepository{pool: pool}
}

func (r *VisitRepository) Create(ctx context.Context, visit *domain.Visit) error {
	return traced(ctx, "insert", "visits", func(ctx context.Context) error {
		return r.create(ctx, visit)
	})
}

func (r *VisitRepository) create(ctx context.Context, visit *domain.Visit) error {
	query := `
		INSERT INTO visits (id, channel, app_id, created_by, patient_id, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
	`
	_, err := r.pool.Exec(ctx, query,
		string(visit.ID),
		visit.Channel,
		visit.AppID,
		visit.CreatedBy,
		visit.PatientID,
		visit.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create visit: %w", err)
	}
	return nil
}

func (r *VisitRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.Visit, error) {
	var out *domain.Visit
	err := traced(ctx, "select", "visits", func(ctx context.Context) error {
		var err error
		out, err = r.getByID(ctx, id)
		return err
	})
	return out, err
}

func (r *VisitRepository) getByID(ctx context.Context, id domain.SessionID) (*domain.Visit, error) {
	query := `
		SELECT id, channel, app_id, created_by, COALESCE(patient_id, ''), created_at, ended_at
		FROM visits
		WHERE id = $1
	`
	visit, err := scanVisit(r.pool.QueryRow(ctx, query, string(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrVisitNotFound
		}
		return nil, fmt.Errorf("failed to get visit: %w", err)
	}
	return visit, nil
}

func (r *VisitRepository) ListActive(ctx context.Context) ([]*domain.Visit, error) {
	var out []*domain.Visit
	err := traced(ctx, "select", "visits", func(ctx context.Context) error {
		var err error
		out, err = r.listActive(ctx)
		return err
	})
	return out, err
}

func (r *VisitRepository) listActive(ctx context.Context) ([]*domain.Visit, error) {
	query := `
		SELECT id, channel, app_id, created_by, COALESCE(patient_id, ''), created_at, ended_at
		FROM visits
		WHERE ended_at IS NULL
		ORDER BY created_at DESC
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list visits: %w", err)
	}
	defer rows.Close()

	var visits []*domain.Visit
	for rows.Next() {
		visit, err := scanVisit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan visit: %w", err)
		}
		visits = append(visits, visit)
	}
	return visits, rows.Err()
}

func (r *VisitRepository) MarkEnded(ctx context.Context, id domain.SessionID) error {
	return traced(ctx, "update", "visits", func(ctx context.Context) error {
		return r.markEnded(ctx, id)
	})
}

func (r *VisitRepository) markEnded(ctx context.Context, id domain.SessionID) error {
	tag, err := r.pool.Exec(ctx, `UPDATE visits SET ended_at = NOW() WHERE id = $1 AND ended_at IS NULL`, string(id))
	if err != nil {
		return fmt.Errorf("failed to end visit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM visits WHERE id = $1)`, string(id)).Scan(&exists); err != nil {
			return fmt.Errorf("failed to end visit: %w", err)
		}
		if !exists {
			return domain.ErrVisitNotFound
		}
		return domain.ErrVisitEnded
	}
	return nil
}

func scanVisit(row pgx.Row) (*domain.Visit, error) {
	var id string
	v := &domain.Visit{}
	if err := row.Scan(&id, &v.Channel, &v.AppID, &v.CreatedBy, &v.PatientID, &v.CreatedAt, &v.EndedAt); err != nil {
		return nil, err
	}
	v.ID = domain.SessionID(id)
	return v, nil
}

// VisitLog records participant join/leave times in visit_participants.
type VisitLog struct {
	pool *pgxpool.Pool
}

func NewVisitLog(pool *pgxpool.Pool) *VisitLog {
	return &VisitLog{pool: pool}
}

func (l *VisitLog) RecordJoined(ctx context.Context, session domain.Session) error {
	return traced(ctx, "upsert", "visit_participants", func(ctx context.Context) error {
		return l.recordJoined(ctx, session)
	})
}

func (l *VisitLog) recordJoined(ctx context.Context, session domain.Session) error {
	query := `
		INSERT INTO visit_participants (visit_id, uid, role, patient_id, display_name, joined_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NOW())
		ON CONFLICT (visit_id, uid) DO UPDATE SET joined_at = EXCLUDED.joined_at, left_at = NULL
	`
	_, err := l.pool.Exec(ctx, query,
		string(session.ID),
		string(session.UID),
		string(session.Role),
		session.PatientID,
		session.DisplayName,
	)
	if err != nil {
		return fmt.Errorf("failed to record join: %w", err)
	}
	return nil
}

func (l *VisitLog) RecordLeft(ctx context.Context, session domain.Session) error {
	return traced(ctx, "update", "visit_participants", func(ctx context.Context) error {
		return l.recordLeft(ctx, session)
	})
}

func (l *VisitLog) recordLeft(ctx context.Context, session domain.Session) error {
	_, err := l.pool.Exec(ctx,
		`UPDATE visit_participants SET left_at = NOW() WHERE visit_id = $1 AND uid = $2`,
		string(session.ID), string(session.UID),
	)
	if err != nil {
		return fmt.Errorf("failed to record leave: %w", err)
	}
	return nil
}
