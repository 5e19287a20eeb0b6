package domain

import "time"

type SessionID string

// UID is the participant identity assigned for one join. A reconnecting
// participant gets a new UID.
type UID string

type Role string

const (
	RoleProvider Role = "provider"
	RolePatient  Role = "patient"
)

func (r Role) Valid() bool {
	return r == RoleProvider || r == RolePatient
}

type SessionState string

const (
	StateIdle    SessionState = "idle"
	StateJoining SessionState = "joining"
	StateWaiting SessionState = "waiting"
	StateActive  SessionState = "active"
	StateEnded   SessionState = "ended"
	// StateFailed is the idle/error state after a failed join.
	StateFailed SessionState = "failed"
)

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// TrackState announces that a participant enabled or disabled one of its
// local tracks.
type TrackState struct {
	UID     UID       `json:"uid"`
	Kind    TrackKind `json:"kind"`
	Enabled bool      `json:"enabled"`
}

// Session describes one participant's seat in a visit. It is created by the
// caller before the controller starts.
type Session struct {
	ID          SessionID
	Channel     string
	AppID       string
	Token       string
	UID         UID
	Role        Role
	PatientID   string
	DisplayName string
}

func (s Session) IsProvider() bool {
	return s.Role == RoleProvider
}

// VideoHandle is a non-owning reference to an inbound video stream.
type VideoHandle interface {
	ID() string
	StreamID() string
}

type RemoteParticipant struct {
	UID          UID
	AudioEnabled bool
	VideoEnabled bool
	Video        VideoHandle
}

type WaitingPatient struct {
	UID         UID
	DisplayName string
	JoinedAt    time.Time
}

type LocalTracks struct {
	Published     bool
	MicEnabled    bool
	CameraEnabled bool
}

// SessionView is the snapshot handed to the rendering layer.
type SessionView struct {
	SessionID       SessionID
	State           SessionState
	Role            Role
	Local           LocalTracks
	Remote          []RemoteParticipant
	WaitingPatients []WaitingPatient
	Admitted        bool
	Degraded        bool
	EndPending      bool
	Elapsed         string
	LastError       string
}
