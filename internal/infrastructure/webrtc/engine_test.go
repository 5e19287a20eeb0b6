package webrtc

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"carebridge/internal/core/domain"
	"carebridge/internal/core/ports"
	"carebridge/internal/infrastructure/distributed"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeTrackNotifier struct {
	mu        sync.Mutex
	onStates  func(domain.TrackState)
	published []domain.TrackState
}

func (n *fakeTrackNotifier) WatchTracks(ctx context.Context, channel string, fn func()) (func(), error) {
	return func() {}, nil
}

func (n *fakeTrackNotifier) PublishTrackState(ctx context.Context, channel string, state domain.TrackState) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.published = append(n.published, state)
	return nil
}

func (n *fakeTrackNotifier) WatchTrackStates(ctx context.Context, channel string, fn func(domain.TrackState)) (func(), error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onStates = fn
	return func() {}, nil
}

func (n *fakeTrackNotifier) emit(state domain.TrackState) {
	n.mu.Lock()
	fn := n.onStates
	n.mu.Unlock()
	fn(state)
}

func (n *fakeTrackNotifier) states() []domain.TrackState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.TrackState(nil), n.published...)
}

type fakeSource struct {
	mu     sync.Mutex
	nexts  int
	closes int
}

func (s *fakeSource) Codec() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

func (s *fakeSource) Next() (media.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nexts++
	return media.Sample{Data: []byte{0x01}, Duration: time.Millisecond}, nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSource) counts() (nexts, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nexts, s.closes
}

// joinedEngine returns an engine that believes it joined chan-1 as uid.
func joinedEngine(t *testing.T, uid domain.UID, notifier ports.TrackNotifier) *Engine {
	t.Helper()
	e := NewEngine(EngineConfig{AppID: "app"}, nil, notifier, FileDevices{}, zap.NewNop().Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	e.state = engineJoined
	e.channel, e.uid = "chan-1", uid
	e.life, e.cancel = ctx, cancel
	return e
}

func TestEngine_RemoteMuteStateUpdatesParticipantFlags(t *testing.T) {
	notifier := &fakeTrackNotifier{}
	e := joinedEngine(t, "pat", notifier)
	require.NotNil(t, e.watch(e.life, "chan-1"))

	e.mu.Lock()
	e.remote["dr"] = &remoteParticipant{audio: &webrtc.TrackRemote{}, video: &webrtc.TrackRemote{}}
	e.mu.Unlock()

	changes := 0
	cancel := e.OnChange(func() { changes++ })
	defer cancel()

	notifier.emit(domain.TrackState{UID: "dr", Kind: domain.TrackAudio, Enabled: false})
	remote := e.RemoteParticipants()
	require.Len(t, remote, 1)
	assert.False(t, remote[0].AudioEnabled)
	assert.True(t, remote[0].VideoEnabled)
	assert.Equal(t, 1, changes)

	// Repeats and our own announcements change nothing.
	notifier.emit(domain.TrackState{UID: "dr", Kind: domain.TrackAudio, Enabled: false})
	notifier.emit(domain.TrackState{UID: "pat", Kind: domain.TrackVideo, Enabled: false})
	assert.Equal(t, 1, changes)

	notifier.emit(domain.TrackState{UID: "dr", Kind: domain.TrackVideo, Enabled: false})
	notifier.emit(domain.TrackState{UID: "dr", Kind: domain.TrackAudio, Enabled: true})
	remote = e.RemoteParticipants()
	require.Len(t, remote, 1)
	assert.True(t, remote[0].AudioEnabled)
	assert.False(t, remote[0].VideoEnabled)
	assert.Equal(t, 3, changes)

	require.NoError(t, e.Leave(context.Background()))
	e.mu.Lock()
	assert.Empty(t, e.muted)
	e.mu.Unlock()
}

func TestEngine_ToggleAnnouncesTrackState(t *testing.T) {
	notifier := &fakeTrackNotifier{}
	e := joinedEngine(t, "pat", notifier)
	audio := &localTrack{kind: domain.TrackAudio, source: &fakeSource{}}
	audio.enabled.Store(true)
	e.audio = audio

	e.ToggleMic()
	require.Eventually(t, func() bool { return len(notifier.states()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.TrackState{UID: "pat", Kind: domain.TrackAudio, Enabled: false}, notifier.states()[0])
	assert.False(t, e.LocalTracks().MicEnabled)

	e.ToggleMic()
	require.Eventually(t, func() bool { return len(notifier.states()) == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, notifier.states()[1].Enabled)

	// No camera, nothing to announce.
	e.ToggleCamera()
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, notifier.states(), 2)
}

func TestBusTrackNotifier_TrackStatesRoundTrip(t *testing.T) {
	bus := distributed.NewMemoryBus()
	n := NewBusTrackNotifier(bus)
	ctx := context.Background()

	var got []domain.TrackState
	tracksChanged := 0
	stopStates, err := n.WatchTrackStates(ctx, "chan-1", func(s domain.TrackState) { got = append(got, s) })
	require.NoError(t, err)
	defer stopStates()
	stopTracks, err := n.WatchTracks(ctx, "chan-1", func() { tracksChanged++ })
	require.NoError(t, err)
	defer stopTracks()

	want := domain.TrackState{UID: "dr", Kind: domain.TrackVideo, Enabled: false}
	require.NoError(t, n.PublishTrackState(ctx, "chan-1", want))
	require.NoError(t, bus.Publish(ctx, MediaTopic("chan-1"), TrackStateEvent, []byte(`{"uid":"dr","kind":"screen"}`)))
	require.NoError(t, bus.Publish(ctx, MediaTopic("chan-1"), TrackStateEvent, []byte(`not json`)))
	require.NoError(t, bus.Publish(ctx, MediaTopic("chan-1"), TracksChangedEvent, nil))

	assert.Equal(t, []domain.TrackState{want}, got)
	assert.Equal(t, 1, tracksChanged)
}

func TestEngine_RecordsOnlyAfterLocalTracksArePublished(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rec")
	e := joinedEngine(t, "pat", nil)
	e.cfg.RecordDir = dir
	opus := webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}}

	packets := func(n int) func() (*rtp.Packet, error) {
		seq := uint16(0)
		return func() (*rtp.Packet, error) {
			if int(seq) == n {
				return nil, io.EOF
			}
			seq++
			return &rtp.Packet{Header: rtp.Header{SequenceNumber: seq, Timestamp: uint32(seq) * 960}, Payload: []byte{0x01}}, nil
		}
	}

	e.drain("dr", opus, packets(3))
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "waiting participant must not record")

	e.mu.Lock()
	e.local.Published = true
	e.mu.Unlock()
	e.drain("dr", opus, packets(3))
	files, err := filepath.Glob(filepath.Join(dir, "chan-1-dr-*.ogg"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestLocalTrack_StartAfterCloseNeverPumps(t *testing.T) {
	src := &fakeSource{}
	track := &localTrack{kind: domain.TrackAudio, source: src}

	track.close()
	track.start(zap.NewNop().Sugar())
	time.Sleep(20 * time.Millisecond)

	nexts, closes := src.counts()
	assert.Zero(t, nexts)
	assert.Equal(t, 1, closes)
}

func TestLocalTrack_CloseStopsRunningPumpOnce(t *testing.T) {
	src := &fakeSource{}
	track := &localTrack{kind: domain.TrackAudio, source: src}

	track.start(zap.NewNop().Sugar())
	track.start(zap.NewNop().Sugar())
	require.Eventually(t, func() bool {
		nexts, _ := src.counts()
		return nexts > 0
	}, time.Second, time.Millisecond)

	track.close()
	nexts, closes := src.counts()
	assert.Equal(t, 1, closes)

	track.close()
	time.Sleep(20 * time.Millisecond)
	after, closes := src.counts()
	assert.Equal(t, nexts, after, "pump kept reading after close")
	assert.Equal(t, 1, closes)
}
