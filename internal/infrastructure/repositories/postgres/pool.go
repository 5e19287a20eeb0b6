package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"carebridge/internal/core/domain"
	"carebridge/pkg/tracing"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

type PoolConfig struct {
	URL               string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	HealthCheckPeriod time.Duration
}

// NewPool opens and pings a pgx connection pool.
func NewPool(ctx context.Context, cfg PoolConfig, logger *zap.SugaredLogger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Infow("connected to Postgres",
		"host", poolCfg.ConnConfig.Host,
		"database", poolCfg.ConnConfig.Database,
		"max_conns", poolCfg.MaxConns,
	)
	return pool, nil
}

// traced runs one statement inside a db span. Domain outcomes such as a
// missing row leave the span ok.
func traced(ctx context.Context, operation, table string, fn func(context.Context) error) error {
	ctx, span := tracing.TraceDatabaseOperation(ctx, operation, table)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	tracing.MeasureDuration(ctx, start, operation)
	switch {
	case err == nil,
		errors.Is(err, domain.ErrVisitNotFound),
		errors.Is(err, domain.ErrVisitEnded),
		errors.Is(err, domain.ErrLineNotFound):
		tracing.SetSpanStatus(ctx, codes.Ok, "")
	default:
		tracing.RecordError(ctx, err)
	}
	return err
}
