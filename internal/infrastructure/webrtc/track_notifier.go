package webrtc

import (
	"context"
	"encoding/json"
	"fmt"

	"carebridge/internal/core/domain"
	"carebridge/internal/core/ports"
)

// BusTrackNotifier carries the SFU's track announcements and the
// participants' mute states on the room's media topic.
type BusTrackNotifier struct {
	bus ports.EventBus
}

func NewBusTrackNotifier(bus ports.EventBus) *BusTrackNotifier {
	return &BusTrackNotifier{bus: bus}
}

func (n *BusTrackNotifier) WatchTracks(ctx context.Context, channel string, fn func()) (func(), error) {
	return n.bus.Subscribe(ctx, MediaTopic(channel), func(event ports.BusEvent) {
		if event.Name == TracksChangedEvent {
			fn()
		}
	})
}

func (n *BusTrackNotifier) PublishTrackState(ctx context.Context, channel string, state domain.TrackState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal track state: %w", err)
	}
	return n.bus.Publish(ctx, MediaTopic(channel), TrackStateEvent, data)
}

// WatchTrackStates delivers well-formed mute announcements; malformed ones
// are dropped.
func (n *BusTrackNotifier) WatchTrackStates(ctx context.Context, channel string, fn func(domain.TrackState)) (func(), error) {
	return n.bus.Subscribe(ctx, MediaTopic(channel), func(event ports.BusEvent) {
		if event.Name != TrackStateEvent {
			return
		}
		var state domain.TrackState
		if err := json.Unmarshal(event.Payload, &state); err != nil || state.UID == "" {
			return
		}
		if state.Kind != domain.TrackAudio && state.Kind != domain.TrackVideo {
			return
		}
		fn(state)
	})
}
