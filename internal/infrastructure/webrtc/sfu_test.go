package webrtc

import (
	"context"
	"testing"

	"carebridge/internal/core/domain"
	"carebridge/internal/core/ports"
	"carebridge/internal/infrastructure/distributed"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func visitSeat(uid domain.UID, role domain.Role) *domain.Session {
	return &domain.Session{ID: "visit-1", Channel: "chan-1", UID: uid, Role: role}
}

func addForwarder(t *testing.T, s *SFUService, room *Room, publisher domain.UID) string {
	t.Helper()
	trackID := string(publisher) + "-audio"
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		trackID, string(publisher),
	)
	require.NoError(t, err)
	s.mu.Lock()
	room.Forwarders[trackID] = &TrackForwarder{TrackID: trackID, Kind: webrtc.RTPCodecTypeAudio, Publisher: publisher, Track: track}
	s.mu.Unlock()
	return trackID
}

func senders(p *Participant) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.Senders))
	for id := range p.Senders {
		ids = append(ids, id)
	}
	return ids
}

func attach(s *SFUService, room *Room, p *Participant) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.attachForwarders(room, p)
}

func TestSFU_WaitingPatientReceivesNoMediaUntilAdmitted(t *testing.T) {
	bus := distributed.NewMemoryBus()
	s := NewSFUService(SFUConfig{}, nil, bus, nil, nil, zap.NewNop().Sugar())
	t.Cleanup(s.Close)
	ctx := context.Background()

	announcements := 0
	stop, err := bus.Subscribe(ctx, MediaTopic("chan-1"), func(event ports.BusEvent) {
		if event.Name == TracksChangedEvent {
			announcements++
		}
	})
	require.NoError(t, err)
	defer stop()

	room := s.room("chan-1")
	provider, _, err := s.participant(room, visitSeat("dr", domain.RoleProvider))
	require.NoError(t, err)
	patient, _, err := s.participant(room, visitSeat("pat", domain.RolePatient))
	require.NoError(t, err)
	providerTrack := addForwarder(t, s, room, "dr")
	patientTrack := addForwarder(t, s, room, "pat")

	attach(s, room, patient)
	attach(s, room, provider)
	assert.Empty(t, senders(patient), "waiting patient must not receive the provider")
	assert.Empty(t, senders(provider), "provider must not receive a waiting patient")

	// Admissions for someone else leave the patient waiting.
	require.NoError(t, bus.Publish(ctx, ports.SessionTopic("visit-1"), ports.AdmittedEvent("other"), nil))
	attach(s, room, patient)
	assert.Empty(t, senders(patient))

	require.NoError(t, bus.Publish(ctx, ports.SessionTopic("visit-1"), ports.AdmittedEvent("pat"), nil))
	assert.Equal(t, 2, announcements)

	attach(s, room, patient)
	attach(s, room, provider)
	assert.Equal(t, []string{providerTrack}, senders(patient))
	assert.Equal(t, []string{patientTrack}, senders(provider))

	// A redelivered admission is not announced again.
	require.NoError(t, bus.Publish(ctx, ports.SessionTopic("visit-1"), ports.AdmittedEvent("pat"), nil))
	assert.Equal(t, 2, announcements)
}

func TestSFU_ClosedRoomForgetsAdmissions(t *testing.T) {
	bus := distributed.NewMemoryBus()
	s := NewSFUService(SFUConfig{}, nil, bus, nil, nil, zap.NewNop().Sugar())
	t.Cleanup(s.Close)
	ctx := context.Background()

	room := s.room("chan-1")
	_, _, err := s.participant(room, visitSeat("pat", domain.RolePatient))
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, ports.SessionTopic("visit-1"), ports.AdmittedEvent("pat"), nil))
	s.mu.RLock()
	assert.True(t, room.Admitted["pat"])
	s.mu.RUnlock()

	s.CloseRoom("chan-1")
	assert.Zero(t, s.Rooms())

	// With the room gone its subscription is dropped; an admission for the
	// old session must not resurrect it.
	require.NoError(t, bus.Publish(ctx, ports.SessionTopic("visit-1"), ports.AdmittedEvent("pat"), nil))
	assert.Zero(t, s.Rooms())

	next := s.room("chan-1")
	_, _, err = s.participant(next, visitSeat("pat", domain.RolePatient))
	require.NoError(t, err)
	s.mu.RLock()
	assert.False(t, next.cleared("pat"))
	s.mu.RUnlock()

	require.NoError(t, bus.Publish(ctx, ports.SessionTopic("visit-1"), ports.AdmittedEvent("pat"), nil))
	s.mu.RLock()
	assert.True(t, next.cleared("pat"))
	s.mu.RUnlock()
}
