package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"carebridge/internal/core/domain"
	"carebridge/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// endedVisitTTL keeps ended visits readable for a day before they expire.
const endedVisitTTL = 24 * time.Hour

type RedisVisitRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisVisitRepository(client *redis.Client) ports.VisitRepository {
	return &RedisVisitRepository{
		client: client,
		prefix: "carebridge:visit:",
	}
}

func (r *RedisVisitRepository) visitKey(id domain.SessionID) string {
	return r.prefix + string(id)
}

func (r *RedisVisitRepository) channelKey(channel string) string {
	return r.prefix + "channel:" + channel
}

func (r *RedisVisitRepository) activeVisitsKey() string {
	return r.prefix + "active"
}

func (r *RedisVisitRepository) Create(ctx context.Context, visit *domain.Visit) error {
	data, err := json.Marshal(visit)
	if err != nil {
		return fmt.Errorf("failed to marshal visit: %w", err)
	}

	// The channel claim keeps two visits from sharing a media room.
	claimed, err := r.client.SetNX(ctx, r.channelKey(visit.Channel), string(visit.ID), 0).Result()
	if err != nil {
		return fmt.Errorf("failed to claim channel in Redis: %w", err)
	}
	if !claimed {
		return fmt.Errorf("channel already in use: %s", visit.Channel)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.visitKey(visit.ID), data, 0)
	if visit.Active() {
		pipe.SAdd(ctx, r.activeVisitsKey(), string(visit.ID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.client.Del(ctx, r.channelKey(visit.Channel))
		return fmt.Errorf("failed to store visit in Redis: %w", err)
	}
	return nil
}

func (r *RedisVisitRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.Visit, error) {
	data, err := r.client.Get(ctx, r.visitKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrVisitNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get visit from Redis: %w", err)
	}

	var visit domain.Visit
	if err := json.Unmarshal([]byte(data), &visit); err != nil {
		return nil, fmt.Errorf("failed to unmarshal visit: %w", err)
	}
	return &visit, nil
}

func (r *RedisVisitRepository) ListActive(ctx context.Context) ([]*domain.Visit, error) {
	ids, err := r.client.SMembers(ctx, r.activeVisitsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get active visits from Redis: %w", err)
	}

	var visits []*domain.Visit
	for _, id := range ids {
		visit, err := r.GetByID(ctx, domain.SessionID(id))
		if err != nil {
			// Skip visits that no longer exist
			continue
		}
		if visit.Active() {
			visits = append(visits, visit)
		}
	}
	sort.Slice(visits, func(i, j int) bool { return visits[i].CreatedAt.After(visits[j].CreatedAt) })
	return visits, nil
}

func (r *RedisVisitRepository) MarkEnded(ctx context.Context, id domain.SessionID) error {
	visit, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !visit.Active() {
		return domain.ErrVisitEnded
	}

	now := time.Now()
	visit.EndedAt = &now
	data, err := json.Marshal(visit)
	if err != nil {
		return fmt.Errorf("failed to marshal visit: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.visitKey(id), data, endedVisitTTL)
	pipe.SRem(ctx, r.activeVisitsKey(), string(id))
	pipe.Del(ctx, r.channelKey(visit.Channel))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to end visit in Redis: %w", err)
	}
	return nil
}
