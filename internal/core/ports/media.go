package ports

import (
	"context"

	"carebridge/internal/core/domain"
)

// MediaEngine owns one realtime media connection and the local capture
// tracks. An instance belongs to exactly one SessionController.
type MediaEngine interface {
	// Join establishes the media connection. Transport rejections are
	// returned as *domain.ConnectionError.
	Join(ctx context.Context, channel, token string, uid domain.UID) error
	// PublishTracks acquires the local camera and microphone and starts
	// sending. Requires a completed Join.
	PublishTracks(ctx context.Context) error
	ToggleMic()
	ToggleCamera()
	// Leave is idempotent and safe before Join completes.
	Leave(ctx context.Context) error
	LocalTracks() domain.LocalTracks
	RemoteParticipants() []domain.RemoteParticipant
	// OnChange registers fn to run after any local or remote media change.
	OnChange(fn func()) (cancel func())
}

// Negotiator exchanges an SDP offer for an answer with the media server.
type Negotiator interface {
	Negotiate(ctx context.Context, req NegotiationRequest) (NegotiationAnswer, error)
}

type NegotiationRequest struct {
	AppID   string
	Channel string
	Token   string
	UID     domain.UID
	SDP     string
}

type NegotiationAnswer struct {
	SDP string
}

// TrackNotifier tells a joined engine that the remote track set of a
// channel changed and a renegotiation is needed.
type TrackNotifier interface {
	WatchTracks(ctx context.Context, channel string, fn func()) (cancel func(), err error)
	// PublishTrackState tells the room that a local track was muted or
	// unmuted.
	PublishTrackState(ctx context.Context, channel string, state domain.TrackState) error
	WatchTrackStates(ctx context.Context, channel string, fn func(domain.TrackState)) (cancel func(), err error)
}
