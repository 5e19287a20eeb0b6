// Command visit-agent joins a visit as a headless participant. It plays
// media files as camera and microphone, optionally records remote tracks,
// and as provider can admit waiting patients automatically.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"carebridge/internal/core/domain"
	"carebridge/internal/core/services"
	signalbridge "carebridge/internal/infrastructure/signal"
	webrtcinfra "carebridge/internal/infrastructure/webrtc"
	"carebridge/pkg/config"
	"carebridge/pkg/logger"
	"carebridge/pkg/validation"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "carebridge server base URL")
	token := flag.String("token", os.Getenv("CAREBRIDGE_VISIT_TOKEN"), "visit token issued for this participant")
	configPath := flag.String("config", "", "path to config.yaml for media and ICE settings")
	audio := flag.String("audio", "", "Ogg/Opus file played as the microphone")
	video := flag.String("video", "", "IVF (VP8) file played as the camera")
	record := flag.String("record", "", "directory receiving one file per remote track")
	autoAdmit := flag.Bool("auto-admit", false, "provider only: admit every waiting patient")
	duration := flag.Duration("duration", 0, "end the call after this long (0 runs until interrupted)")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(2)
		}
		cfg = loaded
	}

	zapLogger := logger.New(cfg.Logging.Level, "console")
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if *token == "" {
		log.Fatal("a visit token is required (-token or CAREBRIDGE_VISIT_TOKEN)")
	}
	session, err := services.SessionFromVisitToken(*token)
	if err != nil {
		log.Fatalw("unusable visit token", "error", err)
	}
	log = log.With("session_id", session.ID, "uid", session.UID, "role", session.Role)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	wsURL, err := bridgeURL(*server)
	if err != nil {
		log.Fatalw("invalid server URL", "error", err)
	}
	bus, err := signalbridge.DialBus(ctx, wsURL, session.Token, log)
	if err != nil {
		log.Fatalw("failed to connect to signaling bridge", "error", err)
	}
	defer bus.Close()

	channel, err := signalbridge.NewChannel(ctx, bus, *session, log)
	if err != nil {
		log.Fatalw("failed to open signaling channel", "error", err)
	}

	mediaFiles := webrtcinfra.FileDevices{
		AudioPath: firstNonEmpty(*audio, cfg.Media.AudioFile),
		VideoPath: firstNonEmpty(*video, cfg.Media.VideoFile),
		Loop:      cfg.Media.Loop,
	}
	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}
	engine := webrtcinfra.NewEngine(webrtcinfra.EngineConfig{
		AppID:       session.AppID,
		ICEServers:  iceServers,
		PortRange:   webrtcinfra.PortRange{Min: cfg.WebRTC.PortRange.Min, Max: cfg.WebRTC.PortRange.Max},
		RemoteSlots: cfg.WebRTC.RemoteSlots,
		RecordDir:   firstNonEmpty(*record, cfg.WebRTC.RecordDir),
	},
		webrtcinfra.NewHTTPNegotiator(*server, cfg.WebRTC.NegotiationTimeout),
		webrtcinfra.NewBusTrackNotifier(bus),
		mediaFiles,
		log,
	)

	done := make(chan struct{})
	controller := services.NewSessionController(*session, engine, channel, log,
		services.WithNavigation(func() { close(done) }),
	)

	unwatch := controller.Watch(viewLogger(ctx, controller, log, *autoAdmit && session.IsProvider()))
	defer unwatch()

	if err := controller.Start(ctx); err != nil {
		log.Errorw("failed to start session", "error", err)
		closeController(controller, log)
		os.Exit(1)
	}

	var timeout <-chan time.Time
	if *duration > 0 {
		timeout = time.After(*duration)
	}

	select {
	case <-ctx.Done():
		log.Info("interrupted, leaving visit")
	case <-timeout:
		log.Infow("call duration reached", "duration", *duration)
	case <-done:
		log.Info("session ended")
		return
	}

	if session.IsProvider() {
		if err := controller.RequestEnd(); err == nil {
			endCtx, endCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer endCancel()
			if err := controller.ConfirmEnd(endCtx); err != nil {
				log.Warnw("failed to end call cleanly", "error", err)
			}
			return
		}
	}
	closeController(controller, log)
}

// viewLogger logs state transitions and, when admit is set, admits each
// waiting patient once.
func viewLogger(ctx context.Context, c *services.SessionController, log *zap.SugaredLogger, admit bool) func(domain.SessionView) {
	var mu sync.Mutex
	var last domain.SessionState
	admitted := make(map[domain.UID]bool)
	return func(v domain.SessionView) {
		mu.Lock()
		defer mu.Unlock()
		if v.State != last {
			log.Infow("session state changed", "from", last, "to", v.State, "error", v.LastError)
			last = v.State
		}
		if !admit {
			return
		}
		for _, p := range v.WaitingPatients {
			if admitted[p.UID] {
				continue
			}
			admitted[p.UID] = true
			uid, name := p.UID, p.DisplayName
			// Watch callbacks must not block the controller.
			go func() {
				if err := c.Admit(ctx, uid); err != nil {
					log.Warnw("failed to admit patient", "patient_uid", uid, "error", err)
					return
				}
				log.Infow("patient admitted", "patient_uid", uid, "name", name)
			}()
		}
	}
}

func closeController(c *services.SessionController, log *zap.SugaredLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		log.Warnw("failed to leave cleanly", "error", err)
	}
}

// bridgeURL turns the server base URL into the /ws endpoint.
func bridgeURL(base string) (string, error) {
	if err := validation.ValidateURL(base); err != nil {
		return "", err
	}
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	return u.String(), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
