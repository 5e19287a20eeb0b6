package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"carebridge/internal/core/domain"
	"carebridge/internal/core/ports"
	"carebridge/pkg/optimize"
	"carebridge/pkg/tracing"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// TracksChangedEvent is published on MediaTopic(channel) whenever the set
// of forwarded tracks in a room changes.
const TracksChangedEvent = "tracks"

// TrackStateEvent carries a domain.TrackState when a participant mutes or
// unmutes a local track.
const TrackStateEvent = "track_state"

// MediaTopic is the event bus topic carrying media room notifications.
func MediaTopic(channel string) string {
	return "media:" + channel
}

// SFUConfig WebRTC configuration
type SFUConfig struct {
	AppID      string
	ICEServers []webrtc.ICEServer
	PortRange  PortRange
	// NegotiationTimeout bounds ICE gathering for one answer.
	NegotiationTimeout time.Duration
}

// TokenValidator checks a visit token presented on negotiation.
type TokenValidator interface {
	ValidateVisitToken(token string) (*domain.Session, error)
}

// RoomObserver receives room size changes, typically for metrics.
type RoomObserver interface {
	RoomSize(channel string, participants int)
	TrackForwarded(kind string)
}

// SFUService is a selective forwarding unit with one room per visit
// channel. Every participant offers; the SFU answers with the tracks of
// everyone else in the room.
type SFUService struct {
	config   SFUConfig
	tokens   TokenValidator
	bus      ports.EventBus
	presence ports.PresenceRegistry
	observer RoomObserver
	visits   ports.VisitLog

	rooms map[string]*Room
	mu    sync.RWMutex

	logger *zap.SugaredLogger
}

// Room is one visit's media room. Patients exchange media only once the
// provider's admission for them has been seen on the session topic.
type Room struct {
	Channel      string
	Participants map[domain.UID]*Participant
	Forwarders   map[string]*TrackForwarder
	Admitted     map[domain.UID]bool
	CreatedAt    time.Time

	watching bool
	unwatch  func()
}

// cleared reports whether uid may send and receive media. Caller holds the
// service lock.
func (r *Room) cleared(uid domain.UID) bool {
	if p, ok := r.Participants[uid]; ok && p.Role == domain.RoleProvider {
		return true
	}
	return r.Admitted[uid]
}

// Participant is one connected client of a room.
type Participant struct {
	UID       domain.UID
	Role      domain.Role
	Name      string
	Session   domain.Session
	PC        *webrtc.PeerConnection
	Senders   map[string]*webrtc.RTPSender
	CreatedAt time.Time
	mu        sync.Mutex
	logged    atomic.Bool
}

// TrackForwarder fans one published track out to the room.
type TrackForwarder struct {
	TrackID   string
	Kind      webrtc.RTPCodecType
	Publisher domain.UID
	SSRC      webrtc.SSRC
	Track     *webrtc.TrackLocalStaticRTP
}

func NewSFUService(
	config SFUConfig,
	tokens TokenValidator,
	bus ports.EventBus,
	presence ports.PresenceRegistry,
	observer RoomObserver,
	logger *zap.SugaredLogger,
) *SFUService {
	if config.NegotiationTimeout <= 0 {
		config.NegotiationTimeout = 10 * time.Second
	}
	return &SFUService{
		config:   config,
		tokens:   tokens,
		bus:      bus,
		presence: presence,
		observer: observer,
		rooms:    make(map[string]*Room),
		logger:   logger,
	}
}

// SetVisitLog records joins and leaves of negotiated participants. The
// log must not block; wrap slow stores in a batching log.
func (s *SFUService) SetVisitLog(visits ports.VisitLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visits = visits
}

func (s *SFUService) visitLog() ports.VisitLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.visits
}

// Negotiate answers a participant's offer. The first offer creates the
// participant; later offers renegotiate its existing connection.
func (s *SFUService) Negotiate(ctx context.Context, req ports.NegotiationRequest) (answer ports.NegotiationAnswer, err error) {
	ctx, span := tracing.TraceMedia(ctx, "negotiate", req.Channel, string(req.UID))
	defer func() {
		if err != nil {
			tracing.RecordError(ctx, err)
		}
		span.End()
	}()

	session, err := s.authorize(req)
	if err != nil {
		return ports.NegotiationAnswer{}, err
	}

	room := s.room(req.Channel)
	p, created, err := s.participant(room, session)
	if err != nil {
		return ports.NegotiationAnswer{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.PC.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: req.SDP}); err != nil {
		if created {
			s.handlePeerDisconnect(req.Channel, p.UID)
		}
		return ports.NegotiationAnswer{}, fmt.Errorf("invalid offer: %w", err)
	}

	s.attachForwarders(room, p)

	sdpAnswer, err := p.PC.CreateAnswer(nil)
	if err != nil {
		return ports.NegotiationAnswer{}, fmt.Errorf("failed to create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(p.PC)
	if err := p.PC.SetLocalDescription(sdpAnswer); err != nil {
		return ports.NegotiationAnswer{}, fmt.Errorf("failed to set local description: %w", err)
	}

	timer := time.NewTimer(s.config.NegotiationTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		s.logger.Warnw("ICE gathering timed out, answering with partial candidates", "channel", req.Channel, "uid", p.UID)
	case <-ctx.Done():
		return ports.NegotiationAnswer{}, ctx.Err()
	}

	if created {
		s.logger.Infow("participant joined room",
			"channel", req.Channel,
			"uid", p.UID,
			"role", p.Role,
		)
		if s.presence != nil {
			if err := s.presence.Register(ctx, req.Channel, domain.Presence{UID: p.UID, Role: p.Role, DisplayName: p.Name}); err != nil {
				s.logger.Warnw("failed to register presence", "channel", req.Channel, "uid", p.UID, "error", err)
			}
		}
		if visits := s.visitLog(); visits != nil {
			if err := visits.RecordJoined(ctx, p.Session); err != nil {
				s.logger.Warnw("failed to record visit join", "channel", req.Channel, "uid", p.UID, "error", err)
			}
			p.logged.Store(true)
		}
	}
	return ports.NegotiationAnswer{SDP: p.PC.LocalDescription().SDP}, nil
}

func (s *SFUService) authorize(req ports.NegotiationRequest) (*domain.Session, error) {
	if s.config.AppID != "" && req.AppID != s.config.AppID {
		return nil, fmt.Errorf("%w: unknown app id", domain.ErrInvalidVisitToken)
	}
	session, err := s.tokens.ValidateVisitToken(req.Token)
	if err != nil {
		return nil, err
	}
	if session.Channel != req.Channel || session.UID != req.UID {
		return nil, fmt.Errorf("%w: token not issued for this channel", domain.ErrInvalidVisitToken)
	}
	return session, nil
}

func (s *SFUService) room(channel string) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[channel]
	if !ok {
		room = &Room{
			Channel:      channel,
			Participants: make(map[domain.UID]*Participant),
			Forwarders:   make(map[string]*TrackForwarder),
			Admitted:     make(map[domain.UID]bool),
			CreatedAt:    time.Now(),
		}
		s.rooms[channel] = room
	}
	return room
}

func (s *SFUService) participant(room *Room, session *domain.Session) (*Participant, bool, error) {
	s.mu.RLock()
	p, ok := room.Participants[session.UID]
	s.mu.RUnlock()
	if ok {
		return p, false, nil
	}

	pc, err := newPeerConnection(s.config.ICEServers, s.config.PortRange)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create peer connection: %w", err)
	}
	p = &Participant{
		UID:       session.UID,
		Role:      session.Role,
		Name:      session.DisplayName,
		Session:   *session,
		PC:        pc,
		Senders:   make(map[string]*webrtc.RTPSender),
		CreatedAt: time.Now(),
	}
	pc.OnTrack(s.handlePublisherTrack(room.Channel, p.UID))
	pc.OnConnectionStateChange(s.handleConnectionState(room.Channel, p.UID))

	s.mu.Lock()
	if existing, ok := room.Participants[session.UID]; ok {
		s.mu.Unlock()
		pc.Close()
		return existing, false, nil
	}
	room.Participants[session.UID] = p
	if _, ok := s.rooms[room.Channel]; !ok {
		s.rooms[room.Channel] = room
	}
	size := len(room.Participants)
	watch := !room.watching
	room.watching = true
	s.mu.Unlock()

	if watch {
		s.watchAdmissions(room, session.ID)
	}
	if s.observer != nil {
		s.observer.RoomSize(room.Channel, size)
	}
	return p, true, nil
}

// watchAdmissions follows the session topic so the room learns which
// patients the provider has let in.
func (s *SFUService) watchAdmissions(room *Room, id domain.SessionID) {
	if s.bus == nil {
		return
	}
	unwatch, err := s.bus.Subscribe(context.Background(), ports.SessionTopic(id), s.handleSessionEvent(room.Channel))
	if err != nil {
		s.logger.Warnw("failed to watch admissions", "channel", room.Channel, "error", err)
		return
	}

	s.mu.Lock()
	if current, ok := s.rooms[room.Channel]; !ok || current != room {
		s.mu.Unlock()
		unwatch()
		return
	}
	room.unwatch = unwatch
	s.mu.Unlock()
}

func (s *SFUService) handleSessionEvent(channel string) func(ports.BusEvent) {
	return func(event ports.BusEvent) {
		uid, ok := ports.AdmittedUID(event.Name)
		if !ok {
			return
		}
		s.mu.Lock()
		room, ok := s.rooms[channel]
		if !ok || room.Admitted[uid] {
			s.mu.Unlock()
			return
		}
		room.Admitted[uid] = true
		s.mu.Unlock()

		s.logger.Infow("patient admitted to media room", "channel", channel, "uid", uid)
		s.announceTracks(channel)
	}
}

// attachForwarders adds every other cleared participant's tracks the
// participant does not receive yet. A patient still waiting receives
// nothing. Caller holds p.mu.
func (s *SFUService) attachForwarders(room *Room, p *Participant) {
	s.mu.RLock()
	if !room.cleared(p.UID) {
		s.mu.RUnlock()
		return
	}
	forwarders := make([]*TrackForwarder, 0, len(room.Forwarders))
	for _, f := range room.Forwarders {
		if f.Publisher != p.UID && room.cleared(f.Publisher) {
			forwarders = append(forwarders, f)
		}
	}
	publishers := make(map[domain.UID]*Participant, len(room.Participants))
	for uid, other := range room.Participants {
		publishers[uid] = other
	}
	s.mu.RUnlock()

	sort.Slice(forwarders, func(i, j int) bool { return forwarders[i].TrackID < forwarders[j].TrackID })
	for _, f := range forwarders {
		if _, ok := p.Senders[f.TrackID]; ok {
			continue
		}
		sender, err := p.PC.AddTrack(f.Track)
		if err != nil {
			s.logger.Warnw("failed to add track to participant",
				"uid", p.UID,
				"track_id", f.TrackID,
				"error", err,
			)
			continue
		}
		p.Senders[f.TrackID] = sender
		go s.relayRTCP(sender, f, publishers[f.Publisher])
	}
}

// handlePublisherTrack handles incoming tracks from a participant
func (s *SFUService) handlePublisherTrack(channel string, uid domain.UID) func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
	return func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.logger.Infow("participant started streaming track",
			"channel", channel,
			"uid", uid,
			"track_id", track.ID(),
			"codec", track.Codec().MimeType,
		)

		// Stream id carries the publisher's uid to subscribers.
		trackID := fmt.Sprintf("%s-%s", uid, track.ID())
		localTrack, err := webrtc.NewTrackLocalStaticRTP(track.Codec().RTPCodecCapability, trackID, string(uid))
		if err != nil {
			s.logger.Errorw("failed to create local track for forwarding",
				"uid", uid,
				"track_id", track.ID(),
				"error", err,
			)
			return
		}

		forwarder := &TrackForwarder{
			TrackID:   trackID,
			Kind:      track.Kind(),
			Publisher: uid,
			SSRC:      track.SSRC(),
			Track:     localTrack,
		}

		s.mu.Lock()
		room, ok := s.rooms[channel]
		if ok {
			room.Forwarders[trackID] = forwarder
		}
		s.mu.Unlock()
		if !ok {
			return
		}

		if s.observer != nil {
			s.observer.TrackForwarded(track.Kind().String())
		}
		s.announceTracks(channel)

		go s.processRTCP(channel, uid, receiver)
		s.forwardTrack(channel, forwarder, track)
		s.removeForwarder(channel, trackID)
	}
}

// forwardTrack copies RTP packets from the publisher to the local track
// shared by every subscriber until the publisher's track ends.
func (s *SFUService) forwardTrack(channel string, forwarder *TrackForwarder, track *webrtc.TrackRemote) {
	packetBuffer := optimize.Packets.Get()
	defer optimize.Packets.Put(packetBuffer)
	rtpPacket := &rtp.Packet{}
	var packetCount uint64

	for {
		n, _, err := track.Read(packetBuffer)
		if err != nil {
			s.logger.Debugw("publisher track ended",
				"channel", channel,
				"track_id", forwarder.TrackID,
				"error", err,
			)
			return
		}

		if err := rtpPacket.Unmarshal(packetBuffer[:n]); err != nil {
			s.logger.Warnw("error unmarshaling RTP packet",
				"track_id", forwarder.TrackID,
				"error", err,
			)
			continue
		}

		if err := forwarder.Track.WriteRTP(rtpPacket); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			s.logger.Warnw("error writing RTP packet to local track",
				"track_id", forwarder.TrackID,
				"error", err,
			)
		}

		packetCount++
		if packetCount%1000 == 0 {
			s.logger.Debugw("forwarding RTP packets",
				"track_id", forwarder.TrackID,
				"sequence", rtpPacket.SequenceNumber,
				"packets_forwarded", packetCount,
			)
		}
	}
}

// relayRTCP reads RTCP from a subscriber's sender and passes keyframe
// requests on to the publisher.
func (s *SFUService) relayRTCP(sender *webrtc.RTPSender, f *TrackForwarder, publisher *Participant) {
	if publisher != nil && f.Kind == webrtc.RTPCodecTypeVideo {
		s.requestKeyframe(publisher, f)
	}
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			switch packet.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				if publisher != nil {
					s.requestKeyframe(publisher, f)
				}
			}
		}
	}
}

func (s *SFUService) requestKeyframe(publisher *Participant, f *TrackForwarder) {
	err := publisher.PC.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(f.SSRC)}})
	if err != nil {
		s.logger.Debugw("failed to request keyframe", "publisher", publisher.UID, "error", err)
	}
}

// processRTCP drains receiver reports from a publisher and logs loss.
func (s *SFUService) processRTCP(channel string, uid domain.UID, receiver *webrtc.RTPReceiver) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			switch p := packet.(type) {
			case *rtcp.SenderReport:
				s.logger.Debugw("received sender report",
					"channel", channel,
					"uid", uid,
					"packet_count", p.PacketCount,
					"octet_count", p.OctetCount,
				)
			case *rtcp.TransportLayerNack:
				s.logger.Debugw("received NACK",
					"channel", channel,
					"uid", uid,
					"nacks", len(p.Nacks),
				)
			}
		}
	}
}

// handleConnectionState handles connection state changes
func (s *SFUService) handleConnectionState(channel string, uid domain.UID) func(webrtc.PeerConnectionState) {
	return func(state webrtc.PeerConnectionState) {
		s.logger.Infow("participant connection state changed",
			"channel", channel,
			"uid", uid,
			"connection_state", state.String(),
		)

		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			s.handlePeerDisconnect(channel, uid)
		}
	}
}

// handlePeerDisconnect removes a participant and its forwarded tracks.
func (s *SFUService) handlePeerDisconnect(channel string, uid domain.UID) {
	s.mu.Lock()
	room, ok := s.rooms[channel]
	if !ok {
		s.mu.Unlock()
		return
	}
	p, ok := room.Participants[uid]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(room.Participants, uid)
	var removed []string
	for trackID, f := range room.Forwarders {
		if f.Publisher == uid {
			delete(room.Forwarders, trackID)
			removed = append(removed, trackID)
		}
	}
	others := make([]*Participant, 0, len(room.Participants))
	for _, other := range room.Participants {
		others = append(others, other)
	}
	size := len(room.Participants)
	var unwatch func()
	if size == 0 {
		delete(s.rooms, channel)
		unwatch = room.unwatch
	}
	s.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	if p.PC != nil {
		p.PC.Close()
	}
	for _, other := range others {
		s.detachTracks(other, removed)
	}

	if s.presence != nil {
		if err := s.presence.Unregister(context.Background(), channel, uid); err != nil {
			s.logger.Warnw("failed to unregister presence", "channel", channel, "uid", uid, "error", err)
		}
	}
	if visits := s.visitLog(); visits != nil && p.logged.Load() {
		if err := visits.RecordLeft(context.Background(), p.Session); err != nil {
			s.logger.Warnw("failed to record visit leave", "channel", channel, "uid", uid, "error", err)
		}
	}
	if s.observer != nil {
		s.observer.RoomSize(channel, size)
	}
	s.logger.Infow("participant left room", "channel", channel, "uid", uid, "remaining", size)
	if len(removed) > 0 {
		s.announceTracks(channel)
	}
}

func (s *SFUService) removeForwarder(channel, trackID string) {
	s.mu.Lock()
	room, ok := s.rooms[channel]
	if !ok {
		s.mu.Unlock()
		return
	}
	if _, ok := room.Forwarders[trackID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(room.Forwarders, trackID)
	others := make([]*Participant, 0, len(room.Participants))
	for _, other := range room.Participants {
		others = append(others, other)
	}
	s.mu.Unlock()

	for _, other := range others {
		s.detachTracks(other, []string{trackID})
	}
	s.announceTracks(channel)
}

func (s *SFUService) detachTracks(p *Participant, trackIDs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range trackIDs {
		sender, ok := p.Senders[id]
		if !ok {
			continue
		}
		delete(p.Senders, id)
		if err := p.PC.RemoveTrack(sender); err != nil {
			s.logger.Debugw("failed to remove track", "uid", p.UID, "track_id", id, "error", err)
		}
	}
}

// announceTracks tells the room's clients to renegotiate.
func (s *SFUService) announceTracks(channel string) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(context.Background(), MediaTopic(channel), TracksChangedEvent, nil); err != nil {
		s.logger.Warnw("failed to announce track change", "channel", channel, "error", err)
	}
}

// Kick disconnects a participant, e.g. when the visit ends.
func (s *SFUService) Kick(channel string, uid domain.UID) {
	s.handlePeerDisconnect(channel, uid)
}

// CloseRoom disconnects everyone in channel.
func (s *SFUService) CloseRoom(channel string) {
	s.mu.RLock()
	room, ok := s.rooms[channel]
	var uids []domain.UID
	if ok {
		for uid := range room.Participants {
			uids = append(uids, uid)
		}
	}
	s.mu.RUnlock()

	for _, uid := range uids {
		s.handlePeerDisconnect(channel, uid)
	}
}

// RoomParticipants lists the uids connected to channel.
func (s *SFUService) RoomParticipants(channel string) []domain.UID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[channel]
	if !ok {
		return nil
	}
	uids := make([]domain.UID, 0, len(room.Participants))
	for uid := range room.Participants {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

// Rooms counts open rooms.
func (s *SFUService) Rooms() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// Close disconnects every room.
func (s *SFUService) Close() {
	s.mu.RLock()
	channels := make([]string, 0, len(s.rooms))
	for ch := range s.rooms {
		channels = append(channels, ch)
	}
	s.mu.RUnlock()
	for _, ch := range channels {
		s.CloseRoom(ch)
	}
}
