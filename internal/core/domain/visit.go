package domain

import "time"

// Visit is one scheduled telehealth call. Its channel is the media room
// every participant joins.
type Visit struct {
	ID        SessionID  `json:"id"`
	Channel   string     `json:"channel"`
	AppID     string     `json:"app_id"`
	CreatedBy string     `json:"created_by"`
	PatientID string     `json:"patient_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

func (v Visit) Active() bool {
	return v.EndedAt == nil
}

// Presence is a participant currently connected to a visit's media room.
type Presence struct {
	UID         UID       `json:"uid"`
	Role        Role      `json:"role"`
	DisplayName string    `json:"display_name,omitempty"`
	InstanceID  string    `json:"instance_id,omitempty"`
	JoinedAt    time.Time `json:"joined_at"`
}

// VisitTicket is what a participant needs to join a visit.
type VisitTicket struct {
	Session   Session   `json:"session"`
	ExpiresAt time.Time `json:"expires_at"`
}
