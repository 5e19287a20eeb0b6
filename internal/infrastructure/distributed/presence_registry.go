package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"carebridge/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const presenceTTL = 5 * time.Minute

// PresenceRegistry records which participants are connected to a visit
// channel across every instance. Entries expire unless refreshed, so a
// crashed instance does not leave ghosts behind.
type PresenceRegistry struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	prefix     string
}

func NewPresenceRegistry(
	client *redis.Client,
	instanceID string,
	logger *zap.SugaredLogger,
) *PresenceRegistry {
	return &PresenceRegistry{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
		prefix:     "carebridge:presence:",
	}
}

// Register adds or refreshes p in channel.
func (r *PresenceRegistry) Register(ctx context.Context, channel string, p domain.Presence) error {
	p.InstanceID = r.instanceID
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.participantKey(channel, p.UID), data, presenceTTL)
	pipe.SAdd(ctx, r.channelKey(channel), string(p.UID))
	pipe.Expire(ctx, r.channelKey(channel), 2*presenceTTL)
	pipe.SAdd(ctx, r.instanceKey(), channel+"|"+string(p.UID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register presence: %w", err)
	}
	return nil
}

func (r *PresenceRegistry) Unregister(ctx context.Context, channel string, uid domain.UID) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.participantKey(channel, uid))
	pipe.SRem(ctx, r.channelKey(channel), string(uid))
	pipe.SRem(ctx, r.instanceKey(), channel+"|"+string(uid))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to unregister presence: %w", err)
	}
	return nil
}

// List returns the live participants of channel, oldest first. Expired
// members are pruned from the channel set as they are found.
func (r *PresenceRegistry) List(ctx context.Context, channel string) ([]domain.Presence, error) {
	uids, err := r.client.SMembers(ctx, r.channelKey(channel)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get channel participants: %w", err)
	}

	var out []domain.Presence
	for _, uid := range uids {
		data, err := r.client.Get(ctx, r.participantKey(channel, domain.UID(uid))).Result()
		if err == redis.Nil {
			r.client.SRem(ctx, r.channelKey(channel), uid)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get participant: %w", err)
		}
		var p domain.Presence
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			r.logger.Warnw("failed to unmarshal presence", "channel", channel, "uid", uid, "error", err)
			continue
		}
		out = append(out, p)
	}
	sortPresence(out)
	return out, nil
}

// Cleanup drops every entry this instance registered, e.g. on shutdown.
func (r *PresenceRegistry) Cleanup(ctx context.Context) error {
	members, err := r.client.SMembers(ctx, r.instanceKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to get instance presence: %w", err)
	}
	for _, m := range members {
		var channel, uid string
		for i := len(m) - 1; i >= 0; i-- {
			if m[i] == '|' {
				channel, uid = m[:i], m[i+1:]
				break
			}
		}
		if err := r.Unregister(ctx, channel, domain.UID(uid)); err != nil {
			r.logger.Warnw("failed to unregister presence during cleanup", "channel", channel, "uid", uid, "error", err)
		}
	}
	return r.client.Del(ctx, r.instanceKey()).Err()
}

func (r *PresenceRegistry) participantKey(channel string, uid domain.UID) string {
	return fmt.Sprintf("%s%s:%s", r.prefix, channel, uid)
}

func (r *PresenceRegistry) channelKey(channel string) string {
	return fmt.Sprintf("%schannel:%s", r.prefix, channel)
}

func (r *PresenceRegistry) instanceKey() string {
	return fmt.Sprintf("%sinstance:%s", r.prefix, r.instanceID)
}

// MemoryPresence is the single-instance registry.
type MemoryPresence struct {
	mu       sync.RWMutex
	channels map[string]map[domain.UID]domain.Presence
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{channels: make(map[string]map[domain.UID]domain.Presence)}
}

func (m *MemoryPresence) Register(_ context.Context, channel string, p domain.Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now()
	}
	if m.channels[channel] == nil {
		m.channels[channel] = make(map[domain.UID]domain.Presence)
	}
	m.channels[channel][p.UID] = p
	return nil
}

func (m *MemoryPresence) Unregister(_ context.Context, channel string, uid domain.UID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels[channel], uid)
	if len(m.channels[channel]) == 0 {
		delete(m.channels, channel)
	}
	return nil
}

func (m *MemoryPresence) List(_ context.Context, channel string) ([]domain.Presence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Presence, 0, len(m.channels[channel]))
	for _, p := range m.channels[channel] {
		out = append(out, p)
	}
	sortPresence(out)
	return out, nil
}

func sortPresence(ps []domain.Presence) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].JoinedAt.Equal(ps[j].JoinedAt) {
			return ps[i].JoinedAt.Before(ps[j].JoinedAt)
		}
		return ps[i].UID < ps[j].UID
	})
}
