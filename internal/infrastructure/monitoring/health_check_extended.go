package monitoring

import (
	"context"
	"errors"
	"time"

	"carebridge/internal/core/ports"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

var errCheckFailed = errors.New("check failed")

func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		return true, client.Ping(ctx).Err()
	}, interval, timeout)
}

func (h *HealthChecker) AddPostgresCheck(pool *pgxpool.Pool, interval, timeout time.Duration) {
	h.AddCheck("postgres", func(ctx context.Context) (bool, error) {
		return true, pool.Ping(ctx)
	}, interval, timeout)
}

// AddRepositoryCheck lists active visits to prove the visit store answers.
func (h *HealthChecker) AddRepositoryCheck(repo ports.VisitRepository, interval, timeout time.Duration) {
	h.AddCheck("visit_repository", func(ctx context.Context) (bool, error) {
		_, err := repo.ListActive(ctx)
		return err == nil, err
	}, interval, timeout)
}

// IsReady reports whether every check passes.
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == statusHealthy
}
