package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"carebridge/internal/core/domain"
	"carebridge/internal/core/ports"
	"carebridge/pkg/optimize"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"go.uber.org/zap"
)

// EngineConfig configures a participant-side media engine.
type EngineConfig struct {
	AppID      string
	ICEServers []webrtc.ICEServer
	PortRange  PortRange
	// RemoteSlots is the number of receive-only transceivers offered per
	// kind, bounding how many remote participants can be rendered.
	RemoteSlots int
	// RecordDir, when set, receives one IVF/Ogg file per remote track.
	RecordDir string
}

type PortRange struct {
	Min uint16
	Max uint16
}

type engineState int

const (
	engineIdle engineState = iota
	engineJoining
	engineJoined
	engineClosed
)

// Engine is a pion-backed MediaEngine. It offers to the media server
// through a Negotiator and renegotiates whenever the room's track set
// changes.
type Engine struct {
	cfg        EngineConfig
	negotiator ports.Negotiator
	notifier   ports.TrackNotifier
	devices    CaptureDevices
	logger     *zap.SugaredLogger

	negMu      sync.Mutex
	announceMu sync.Mutex

	mu        sync.Mutex
	state     engineState
	pc        *webrtc.PeerConnection
	channel   string
	token     string
	uid       domain.UID
	life      context.Context
	cancel    context.CancelFunc
	stopWatch func()
	local     domain.LocalTracks
	audio     *localTrack
	video     *localTrack
	remote    map[domain.UID]*remoteParticipant
	muted     map[trackKey]bool

	listenMu     sync.Mutex
	listeners    map[int]func()
	nextListener int
}

type remoteParticipant struct {
	audio *webrtc.TrackRemote
	video *webrtc.TrackRemote
}

type trackKey struct {
	uid  domain.UID
	kind domain.TrackKind
}

func NewEngine(cfg EngineConfig, negotiator ports.Negotiator, notifier ports.TrackNotifier, devices CaptureDevices, logger *zap.SugaredLogger) *Engine {
	if cfg.RemoteSlots <= 0 {
		cfg.RemoteSlots = 4
	}
	return &Engine{
		cfg:        cfg,
		negotiator: negotiator,
		notifier:   notifier,
		devices:    devices,
		logger:     logger,
		remote:     make(map[domain.UID]*remoteParticipant),
		muted:      make(map[trackKey]bool),
		listeners:  make(map[int]func()),
	}
}

// Join creates the peer connection and completes the first offer/answer
// exchange. Transport failures come back as *domain.ConnectionError.
func (e *Engine) Join(ctx context.Context, channel, token string, uid domain.UID) error {
	e.mu.Lock()
	switch e.state {
	case engineClosed:
		e.mu.Unlock()
		return domain.ErrEngineClosed
	case engineJoining, engineJoined:
		e.mu.Unlock()
		return domain.ErrAlreadyJoined
	}
	e.state = engineJoining
	e.channel, e.token, e.uid = channel, token, uid
	e.life, e.cancel = context.WithCancel(context.Background())
	life := e.life
	e.mu.Unlock()

	fail := func(err error) error {
		e.mu.Lock()
		if e.state == engineJoining {
			e.state = engineIdle
		}
		pc, stop := e.pc, e.stopWatch
		e.pc, e.stopWatch = nil, nil
		e.mu.Unlock()
		if stop != nil {
			stop()
		}
		if pc != nil {
			pc.Close()
		}
		return &domain.ConnectionError{Channel: channel, Op: "join", Err: err}
	}

	pc, err := newPeerConnection(e.cfg.ICEServers, e.cfg.PortRange)
	if err != nil {
		return fail(fmt.Errorf("failed to create peer connection: %w", err))
	}
	for i := 0; i < e.cfg.RemoteSlots; i++ {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
				pc.Close()
				return fail(fmt.Errorf("failed to add %s transceiver: %w", kind, err))
			}
		}
	}
	pc.OnTrack(e.handleRemoteTrack)
	pc.OnConnectionStateChange(e.handleConnectionState)

	e.mu.Lock()
	if e.state == engineClosed {
		e.mu.Unlock()
		pc.Close()
		return domain.ErrEngineClosed
	}
	e.pc = pc
	e.mu.Unlock()

	if e.notifier != nil {
		if stop := e.watch(life, channel); stop != nil {
			e.mu.Lock()
			e.stopWatch = stop
			e.mu.Unlock()
		}
	}

	if err := e.negotiate(ctx); err != nil {
		return fail(err)
	}

	e.mu.Lock()
	if e.state == engineClosed {
		e.mu.Unlock()
		return domain.ErrEngineClosed
	}
	e.state = engineJoined
	e.mu.Unlock()

	e.logger.Infow("joined media channel", "channel", channel, "uid", uid)
	e.notify()
	return nil
}

// PublishTracks opens the microphone and camera and sends them. When only
// one device opens, the call proceeds with it and the other device's
// *domain.DeviceError is returned.
func (e *Engine) PublishTracks(ctx context.Context) error {
	e.mu.Lock()
	switch {
	case e.state == engineClosed:
		e.mu.Unlock()
		return domain.ErrEngineClosed
	case e.state != engineJoined:
		e.mu.Unlock()
		return domain.ErrNotJoined
	case e.local.Published:
		e.mu.Unlock()
		return nil
	}
	pc, uid := e.pc, e.uid
	e.mu.Unlock()

	audio, audioErr := e.openTrack(pc, uid, domain.TrackAudio, e.devices.Microphone)
	video, videoErr := e.openTrack(pc, uid, domain.TrackVideo, e.devices.Camera)
	if audio == nil && video == nil {
		return firstErr(audioErr, videoErr)
	}

	if err := e.negotiate(ctx); err != nil {
		audio.close()
		video.close()
		return &domain.ConnectionError{Channel: e.channel, Op: "publish", Err: err}
	}

	e.mu.Lock()
	if e.state == engineClosed {
		e.mu.Unlock()
		audio.close()
		video.close()
		return domain.ErrEngineClosed
	}
	e.audio, e.video = audio, video
	e.local = domain.LocalTracks{
		Published:     true,
		MicEnabled:    audio != nil,
		CameraEnabled: video != nil,
	}
	// Started under e.mu so a concurrent Leave either sees no tracks or
	// closes pumps that are already running.
	audio.start(e.logger)
	video.start(e.logger)
	e.mu.Unlock()

	e.logger.Infow("local tracks published", "audio", audio != nil, "video", video != nil)
	e.announce(domain.TrackAudio, domain.TrackVideo)
	e.notify()

	return firstErr(audioErr, videoErr)
}

func (e *Engine) ToggleMic() {
	e.toggle(domain.TrackAudio)
}

func (e *Engine) ToggleCamera() {
	e.toggle(domain.TrackVideo)
}

func (e *Engine) toggle(kind domain.TrackKind) {
	e.mu.Lock()
	track := e.audio
	if kind == domain.TrackVideo {
		track = e.video
	}
	enabled := false
	if track != nil {
		enabled = !track.enabled.Load()
		track.enabled.Store(enabled)
	} else if e.state == engineJoined {
		e.logger.Warnw("cannot toggle missing device", "kind", kind)
	}
	if kind == domain.TrackAudio {
		e.local.MicEnabled = enabled
	} else {
		e.local.CameraEnabled = enabled
	}
	e.mu.Unlock()
	if track != nil {
		e.announce(kind)
	}
	e.notify()
}

// watch subscribes to the room's track announcements and mute states and
// returns a func that cancels both, or nil when neither is available.
func (e *Engine) watch(life context.Context, channel string) func() {
	var stops []func()
	stop, err := e.notifier.WatchTracks(life, channel, e.onTracksChanged)
	if err != nil {
		e.logger.Warnw("track notifications unavailable", "channel", channel, "error", err)
	} else {
		stops = append(stops, stop)
	}
	stop, err = e.notifier.WatchTrackStates(life, channel, e.handleTrackState)
	if err != nil {
		e.logger.Warnw("mute notifications unavailable", "channel", channel, "error", err)
	} else {
		stops = append(stops, stop)
	}
	if len(stops) == 0 {
		return nil
	}
	return func() {
		for _, stop := range stops {
			stop()
		}
	}
}

// announce publishes the current enabled state of the given local tracks.
// Each send reads the state at send time, so overlapping announcements
// settle on the latest toggle.
func (e *Engine) announce(kinds ...domain.TrackKind) {
	e.mu.Lock()
	if e.notifier == nil || e.state != engineJoined {
		e.mu.Unlock()
		return
	}
	life, channel, uid := e.life, e.channel, e.uid
	e.mu.Unlock()

	go func() {
		e.announceMu.Lock()
		defer e.announceMu.Unlock()
		for _, kind := range kinds {
			e.mu.Lock()
			track := e.trackOf(kind)
			e.mu.Unlock()
			if track == nil {
				continue
			}
			state := domain.TrackState{UID: uid, Kind: kind, Enabled: track.enabled.Load()}
			if err := e.notifier.PublishTrackState(life, channel, state); err != nil && life.Err() == nil {
				e.logger.Warnw("failed to announce track state", "kind", kind, "error", err)
			}
		}
	}()
}

func (e *Engine) trackOf(kind domain.TrackKind) *localTrack {
	if kind == domain.TrackVideo {
		return e.video
	}
	return e.audio
}

func (e *Engine) handleTrackState(state domain.TrackState) {
	e.mu.Lock()
	if state.UID == e.uid || e.state == engineClosed {
		e.mu.Unlock()
		return
	}
	key := trackKey{uid: state.UID, kind: state.Kind}
	if e.muted[key] == !state.Enabled {
		e.mu.Unlock()
		return
	}
	if state.Enabled {
		delete(e.muted, key)
	} else {
		e.muted[key] = true
	}
	e.mu.Unlock()

	e.logger.Debugw("remote track state changed", "remote_uid", state.UID, "kind", state.Kind, "enabled", state.Enabled)
	e.notify()
}

// Leave closes the connection and stops capture. It is idempotent and safe
// to call while Join is still in flight.
func (e *Engine) Leave(ctx context.Context) error {
	e.mu.Lock()
	if e.state == engineClosed {
		e.mu.Unlock()
		return nil
	}
	e.state = engineClosed
	pc, audio, video, stop, cancel := e.pc, e.audio, e.video, e.stopWatch, e.cancel
	e.pc, e.audio, e.video, e.stopWatch = nil, nil, nil, nil
	e.local = domain.LocalTracks{}
	e.remote = make(map[domain.UID]*remoteParticipant)
	e.muted = make(map[trackKey]bool)
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stop != nil {
		stop()
	}
	audio.close()
	video.close()

	var err error
	if pc != nil {
		if cerr := pc.Close(); cerr != nil {
			err = fmt.Errorf("failed to close peer connection: %w", cerr)
		}
	}
	e.logger.Infow("left media channel", "channel", e.channel)
	e.notify()
	return err
}

func (e *Engine) LocalTracks() domain.LocalTracks {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.local
}

// RemoteParticipants lists participants with at least one live track,
// sorted by uid. A track counts as enabled while it is live and its owner
// has not announced it muted.
func (e *Engine) RemoteParticipants() []domain.RemoteParticipant {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]domain.RemoteParticipant, 0, len(e.remote))
	for uid, p := range e.remote {
		rp := domain.RemoteParticipant{
			UID:          uid,
			AudioEnabled: p.audio != nil && !e.muted[trackKey{uid: uid, kind: domain.TrackAudio}],
			VideoEnabled: p.video != nil && !e.muted[trackKey{uid: uid, kind: domain.TrackVideo}],
		}
		if p.video != nil {
			rp.Video = p.video
		}
		out = append(out, rp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

func (e *Engine) OnChange(fn func()) func() {
	e.listenMu.Lock()
	defer e.listenMu.Unlock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = fn
	return func() {
		e.listenMu.Lock()
		defer e.listenMu.Unlock()
		delete(e.listeners, id)
	}
}

// negotiate runs one offer/answer round trip. Rounds never overlap.
func (e *Engine) negotiate(ctx context.Context) error {
	e.negMu.Lock()
	defer e.negMu.Unlock()

	e.mu.Lock()
	pc := e.pc
	req := ports.NegotiationRequest{AppID: e.cfg.AppID, Channel: e.channel, Token: e.token, UID: e.uid}
	e.mu.Unlock()
	if pc == nil {
		return domain.ErrNotJoined
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	}

	req.SDP = pc.LocalDescription().SDP
	answer, err := e.negotiator.Negotiate(ctx, req)
	if err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

func (e *Engine) onTracksChanged() {
	e.mu.Lock()
	joined := e.state == engineJoined
	life := e.life
	e.mu.Unlock()
	if !joined {
		return
	}

	go func() {
		if err := e.negotiate(life); err != nil && life.Err() == nil {
			e.logger.Warnw("renegotiation failed", "channel", e.channel, "error", err)
		}
	}()
	// Someone new may have arrived without our mute states.
	e.announce(domain.TrackAudio, domain.TrackVideo)
}

func (e *Engine) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	uid := domain.UID(track.StreamID())

	e.mu.Lock()
	if uid == e.uid || e.state == engineClosed {
		e.mu.Unlock()
		return
	}
	p, ok := e.remote[uid]
	if !ok {
		p = &remoteParticipant{}
		e.remote[uid] = p
	}
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		p.audio = track
	} else {
		p.video = track
	}
	pc := e.pc
	e.mu.Unlock()

	e.logger.Infow("remote track added",
		"remote_uid", uid,
		"kind", track.Kind().String(),
		"codec", track.Codec().MimeType,
	)
	e.notify()

	if track.Kind() == webrtc.RTPCodecTypeVideo && pc != nil {
		if err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}); err != nil {
			e.logger.Debugw("failed to request keyframe", "remote_uid", uid, "error", err)
		}
	}
	go e.consumeRemote(uid, track)
}

// consumeRemote drains a remote track until it ends, then drops it from the
// participant list.
func (e *Engine) consumeRemote(uid domain.UID, track *webrtc.TrackRemote) {
	e.drain(uid, track.Codec(), func() (*rtp.Packet, error) {
		pkt, _, err := track.ReadRTP()
		return pkt, err
	})

	e.mu.Lock()
	if p, ok := e.remote[uid]; ok {
		if p.audio == track {
			p.audio = nil
		}
		if p.video == track {
			p.video = nil
		}
		if p.audio == nil && p.video == nil {
			delete(e.remote, uid)
		}
	}
	e.mu.Unlock()

	e.logger.Infow("remote track ended", "remote_uid", uid, "kind", track.Kind().String())
	e.notify()
}

type rtpSink interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// drain reads packets until read fails. Recording starts with the first
// packet after the local tracks are published, so nothing is written while
// the participant is still waiting to be admitted.
func (e *Engine) drain(uid domain.UID, codec webrtc.RTPCodecParameters, read func() (*rtp.Packet, error)) {
	var sink rtpSink
	record := e.cfg.RecordDir != ""
	for {
		pkt, err := read()
		if err != nil {
			break
		}
		if record && sink == nil && e.published() {
			sink = e.openRecorder(uid, codec)
			record = sink != nil
		}
		if sink != nil {
			if err := sink.WriteRTP(pkt); err != nil {
				e.logger.Warnw("recording stopped", "remote_uid", uid, "error", err)
				sink.Close()
				sink, record = nil, false
			}
		}
	}
	if sink != nil {
		sink.Close()
	}
}

func (e *Engine) published() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == engineJoined && e.local.Published
}

func (e *Engine) openRecorder(uid domain.UID, codec webrtc.RTPCodecParameters) rtpSink {
	if err := os.MkdirAll(e.cfg.RecordDir, 0o755); err != nil {
		e.logger.Warnw("failed to create record dir", "dir", e.cfg.RecordDir, "error", err)
		return nil
	}
	base := filepath.Join(e.cfg.RecordDir, fmt.Sprintf("%s-%s-%d", e.channel, uid, time.Now().Unix()))

	var (
		sink rtpSink
		err  error
	)
	switch codec.MimeType {
	case webrtc.MimeTypeOpus:
		sink, err = oggwriter.New(base+".ogg", codec.ClockRate, codec.Channels)
	case webrtc.MimeTypeVP8:
		sink, err = ivfwriter.New(base + ".ivf")
	default:
		return nil
	}
	if err != nil {
		e.logger.Warnw("failed to open recorder", "remote_uid", uid, "error", err)
		return nil
	}
	return sink
}

func (e *Engine) handleConnectionState(state webrtc.PeerConnectionState) {
	e.logger.Infow("peer connection state changed", "channel", e.channel, "connection_state", state.String())
	if state != webrtc.PeerConnectionStateFailed {
		return
	}

	e.mu.Lock()
	e.remote = make(map[domain.UID]*remoteParticipant)
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) openTrack(pc *webrtc.PeerConnection, uid domain.UID, kind domain.TrackKind, open func() (Source, error)) (*localTrack, error) {
	src, err := open()
	if err != nil {
		var devErr *domain.DeviceError
		if !errors.As(err, &devErr) {
			err = &domain.DeviceError{Kind: kind, Err: err}
		}
		e.logger.Warnw("capture device unavailable", "kind", kind, "error", err)
		return nil, err
	}

	track, err := webrtc.NewTrackLocalStaticSample(src.Codec(), string(kind), string(uid))
	if err != nil {
		src.Close()
		return nil, &domain.DeviceError{Kind: kind, Err: err}
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		src.Close()
		return nil, &domain.DeviceError{Kind: kind, Err: err}
	}

	// Read incoming RTCP so interceptors keep working.
	go func() {
		buf := optimize.Packets.Get()
		defer optimize.Packets.Put(buf)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	lt := &localTrack{kind: kind, track: track, sender: sender, source: src}
	lt.enabled.Store(true)
	return lt, nil
}

func (e *Engine) notify() {
	e.listenMu.Lock()
	fns := make([]func(), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.listenMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// localTrack pumps samples from a capture source into a sample track.
// Disabled tracks keep reading the source but send nothing.
type localTrack struct {
	kind    domain.TrackKind
	track   *webrtc.TrackLocalStaticSample
	sender  *webrtc.RTPSender
	source  Source
	enabled atomic.Bool

	mu     sync.Mutex
	closed bool
	stop   chan struct{}
	done   chan struct{}
}

// start launches the pump once. It is a no-op after close.
func (t *localTrack) start(logger *zap.SugaredLogger) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.stop != nil {
		return
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.run(logger, t.stop, t.done)
}

func (t *localTrack) run(logger *zap.SugaredLogger, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		sample, err := t.source.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warnw("capture source failed", "kind", t.kind, "error", err)
			}
			return
		}
		if t.enabled.Load() {
			if err := t.track.WriteSample(sample); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				logger.Debugw("failed to write sample", "kind", t.kind, "error", err)
			}
		}
		select {
		case <-stop:
			return
		case <-time.After(sample.Duration):
		}
	}
}

func (t *localTrack) close() {
	if t == nil {
		return
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	stop, done := t.stop, t.done
	t.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	t.source.Close()
}

func newPeerConnection(iceServers []webrtc.ICEServer, portRange PortRange) (*webrtc.PeerConnection, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	settingEngine := webrtc.SettingEngine{}
	if portRange.Min > 0 && portRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(portRange.Min, portRange.Max); err != nil {
			return nil, err
		}
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   iceServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
