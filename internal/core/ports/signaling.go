package ports

import (
	"context"
	"strings"

	"carebridge/internal/core/domain"
)

// Waiting-room event names carried on a session topic.
const (
	EventWaiting     = "waiting"
	EventAdmitPrefix = "admitted:"
	EventRollCall    = "rollcall"
)

// SessionTopic is the bus topic carrying one session's waiting-room events.
func SessionTopic(id domain.SessionID) string {
	return "session:" + string(id)
}

// AdmittedEvent is the event name that admits uid.
func AdmittedEvent(uid domain.UID) string {
	return EventAdmitPrefix + string(uid)
}

// AdmittedUID reports which uid an admitted event admits.
func AdmittedUID(name string) (domain.UID, bool) {
	if !strings.HasPrefix(name, EventAdmitPrefix) || len(name) == len(EventAdmitPrefix) {
		return "", false
	}
	return domain.UID(strings.TrimPrefix(name, EventAdmitPrefix)), true
}

// SignalingChannel is the application-level side channel of one session.
type SignalingChannel interface {
	// EmitWaiting announces the local participant in the waiting room. At
	// most once per join.
	EmitWaiting(ctx context.Context) error
	// EmitAdmitted admits uid. Fire-and-forget for the provider.
	EmitAdmitted(ctx context.Context, uid domain.UID) error
	WaitingPatients() []domain.WaitingPatient
	// IsAdmitted is level-triggered: once true it stays true.
	IsAdmitted() bool
	Subscribe(fn func()) (cancel func())
	Close() error
}

// BusEvent is the envelope carried by the EventBus.
type BusEvent struct {
	ID        string `json:"id"`
	Topic     string `json:"topic"`
	Name      string `json:"name"`
	Sender    string `json:"sender,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Payload   []byte `json:"payload,omitempty"`
}

// EventBus is a generic topic-scoped publish/subscribe primitive with
// at-least-once delivery.
type EventBus interface {
	Publish(ctx context.Context, topic, name string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler func(BusEvent)) (cancel func(), err error)
	Close() error
}
