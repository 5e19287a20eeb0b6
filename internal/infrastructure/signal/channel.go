package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"carebridge/internal/core/domain"
	"carebridge/internal/core/ports"

	"go.uber.org/zap"
)

const (
	EventWaiting     = ports.EventWaiting
	EventAdmitPrefix = ports.EventAdmitPrefix
	EventRollCall    = ports.EventRollCall
)

func SessionTopic(id domain.SessionID) string {
	return ports.SessionTopic(id)
}

func AdmittedEvent(uid domain.UID) string {
	return ports.AdmittedEvent(uid)
}

// WaitingPayload travels with a waiting event.
type WaitingPayload struct {
	UID         domain.UID `json:"uid"`
	DisplayName string     `json:"display_name,omitempty"`
	JoinedAt    time.Time  `json:"joined_at"`
}

// Channel implements ports.SignalingChannel on top of an EventBus. The
// provider side accumulates waiting patients; the patient side watches for
// its own admission. Delivery is at-least-once, so every event is applied
// idempotently by UID.
type Channel struct {
	bus     ports.EventBus
	session domain.Session
	topic   string
	logger  *zap.SugaredLogger

	mu        sync.Mutex
	waiting   map[domain.UID]domain.WaitingPatient
	admitted  map[domain.UID]bool
	self      bool
	announced *WaitingPayload
	subs      map[int]func()
	nextSub   int
	closed    bool

	unsubscribe func()
	cancel      context.CancelFunc
}

// NewChannel subscribes to the session topic. The subscription outlives ctx
// cancellation only through Close. A provider channel asks waiting patients
// to announce themselves again, so patients who arrived first are seen.
func NewChannel(ctx context.Context, bus ports.EventBus, session domain.Session, logger *zap.SugaredLogger) (*Channel, error) {
	c := &Channel{
		bus:      bus,
		session:  session,
		topic:    SessionTopic(session.ID),
		logger:   logger.With("session_id", session.ID, "uid", session.UID),
		waiting:  make(map[domain.UID]domain.WaitingPatient),
		admitted: make(map[domain.UID]bool),
		subs:     make(map[int]func()),
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	unsubscribe, err := bus.Subscribe(subCtx, c.topic, c.handle)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", c.topic, err)
	}
	c.unsubscribe = unsubscribe
	c.cancel = cancel

	if session.IsProvider() {
		if err := bus.Publish(ctx, c.topic, EventRollCall, nil); err != nil {
			c.logger.Warnw("failed to request waiting room roll call", "error", err)
		}
	}
	return c, nil
}

func (c *Channel) EmitWaiting(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrSessionEnded
	}
	if c.announced != nil {
		c.mu.Unlock()
		return nil
	}
	payload := WaitingPayload{UID: c.session.UID, DisplayName: c.session.DisplayName, JoinedAt: time.Now().UTC()}
	c.mu.Unlock()

	if err := c.publishWaiting(ctx, payload); err != nil {
		return err
	}

	c.mu.Lock()
	c.announced = &payload
	c.mu.Unlock()
	return nil
}

func (c *Channel) publishWaiting(ctx context.Context, payload WaitingPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return &domain.SignalingDeliveryFailure{Event: EventWaiting, Err: err}
	}
	if err := c.bus.Publish(ctx, c.topic, EventWaiting, data); err != nil {
		return &domain.SignalingDeliveryFailure{Event: EventWaiting, Err: err}
	}
	return nil
}

func (c *Channel) EmitAdmitted(ctx context.Context, uid domain.UID) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return domain.ErrSessionEnded
	}

	name := AdmittedEvent(uid)
	if err := c.bus.Publish(ctx, c.topic, name, nil); err != nil {
		return &domain.SignalingDeliveryFailure{Event: name, Err: err}
	}
	return nil
}

// WaitingPatients returns the patients not yet admitted, earliest first.
func (c *Channel) WaitingPatients() []domain.WaitingPatient {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.WaitingPatient, 0, len(c.waiting))
	for _, p := range c.waiting {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UID < out[j].UID
	})
	return out
}

func (c *Channel) IsAdmitted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

func (c *Channel) Subscribe(fn func()) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.subs = make(map[int]func())
	c.mu.Unlock()

	c.unsubscribe()
	c.cancel()
	return nil
}

func (c *Channel) handle(event ports.BusEvent) {
	switch {
	case event.Name == EventWaiting:
		c.handleWaiting(event)
	case event.Name == EventRollCall:
		c.handleRollCall()
	default:
		if uid, ok := ports.AdmittedUID(event.Name); ok {
			c.handleAdmitted(uid)
			return
		}
		c.logger.Debugw("ignoring unknown signaling event", "event", event.Name)
	}
}

func (c *Channel) handleWaiting(event ports.BusEvent) {
	if !c.session.IsProvider() {
		return
	}
	var payload WaitingPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil || payload.UID == "" {
		c.logger.Warnw("malformed waiting event", "event_id", event.ID, "error", err)
		return
	}

	c.mu.Lock()
	if c.closed || c.admitted[payload.UID] {
		c.mu.Unlock()
		return
	}
	if _, dup := c.waiting[payload.UID]; dup {
		c.mu.Unlock()
		return
	}
	joinedAt := payload.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = time.UnixMilli(event.Timestamp).UTC()
	}
	c.waiting[payload.UID] = domain.WaitingPatient{UID: payload.UID, DisplayName: payload.DisplayName, JoinedAt: joinedAt}
	c.mu.Unlock()

	c.logger.Infow("patient waiting", "patient_uid", payload.UID)
	c.notify()
}

func (c *Channel) handleAdmitted(uid domain.UID) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	changed := false
	if !c.admitted[uid] {
		c.admitted[uid] = true
		if _, ok := c.waiting[uid]; ok {
			delete(c.waiting, uid)
			changed = true
		}
	}
	if uid == c.session.UID && !c.self {
		c.self = true
		changed = true
	}
	c.mu.Unlock()

	if changed {
		c.notify()
	}
}

// handleRollCall re-announces a patient that is still waiting.
func (c *Channel) handleRollCall() {
	if c.session.IsProvider() {
		return
	}
	c.mu.Lock()
	if c.closed || c.self || c.announced == nil {
		c.mu.Unlock()
		return
	}
	payload := *c.announced
	c.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.publishWaiting(ctx, payload); err != nil {
			c.logger.Warnw("failed to answer roll call", "error", err)
		}
	}()
}

func (c *Channel) notify() {
	c.mu.Lock()
	fns := make([]func(), 0, len(c.subs))
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, c.subs[id])
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
