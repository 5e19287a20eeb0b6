package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"carebridge/internal/core/domain"
	"carebridge/internal/core/ports"
	"carebridge/internal/infrastructure/webrtc"
	"carebridge/pkg/tracing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Bridge message types.
const (
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgPublish     = "publish"
	MsgSubscribed  = "subscribed"
	MsgEvent       = "event"
	MsgError       = "error"
)

// BridgeMessage is the JSON frame exchanged on /ws.
type BridgeMessage struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Name      string          `json:"name,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ID        string          `json:"id,omitempty"`
	Sender    string          `json:"sender,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// TokenValidator resolves a visit token to the participant seat it grants.
type TokenValidator interface {
	ValidateVisitToken(token string) (*domain.Session, error)
}

// ConnectionObserver is told how many bridge connections are open.
type ConnectionObserver interface {
	BridgeConnections(n int)
}

type BridgeConfig struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	AllowedOrigins []string
	// MaxMessageSize caps one inbound frame in bytes; 0 means 64 KiB.
	MaxMessageSize int64
	// MessagesPerSecond limits inbound frames per connection; 0 disables.
	MessagesPerSecond float64
	MessageBurst      int
}

// WebSocketServer bridges browser participants onto the event bus. A
// connection may only touch the session and media topics of the visit its
// token was issued for.
type WebSocketServer struct {
	bus      ports.EventBus
	tokens   TokenValidator
	observer ConnectionObserver
	upgrader websocket.Upgrader

	connections map[string]*bridgeConn
	mu          sync.RWMutex

	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
	sendBuffer   int
	maxMessage   int64
	msgRate      rate.Limit
	msgBurst     int

	logger *zap.SugaredLogger
}

type bridgeConn struct {
	id      string
	session domain.Session
	conn    *websocket.Conn
	send    chan BridgeMessage
	subs    map[string]func()
	limiter *rate.Limiter
}

func NewWebSocketServer(bus ports.EventBus, tokens TokenValidator, observer ConnectionObserver, cfg BridgeConfig, logger *zap.SugaredLogger) *WebSocketServer {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 * 1024
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = int(cfg.MessagesPerSecond) + 1
	}

	s := &WebSocketServer{
		bus:          bus,
		tokens:       tokens,
		observer:     observer,
		connections:  make(map[string]*bridgeConn),
		pingInterval: cfg.PingInterval,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		sendBuffer:   cfg.SendBuffer,
		maxMessage:   cfg.MaxMessageSize,
		msgRate:      rate.Limit(cfg.MessagesPerSecond),
		msgBurst:     cfg.MessageBurst,
		logger:       logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return s
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(o, "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set["*"] || set[strings.TrimRight(origin, "/")]
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	session, err := s.tokens.ValidateVisitToken(bearerToken(r))
	if err != nil {
		s.logger.Warnw("rejected websocket connection", "error", err, "remote_addr", r.RemoteAddr)
		http.Error(w, domain.ErrInvalidVisitToken.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	bc := &bridgeConn{
		id:      uuid.New().String(),
		session: *session,
		conn:    conn,
		send:    make(chan BridgeMessage, s.sendBuffer),
		subs:    make(map[string]func()),
	}
	if s.msgRate > 0 {
		bc.limiter = rate.NewLimiter(s.msgRate, s.msgBurst)
	}
	s.register(bc)
	defer s.unregister(bc)

	log := s.logger.With("conn_id", bc.id, "session_id", session.ID, "uid", session.UID, "role", session.Role)
	log.Infow("participant connected via WebSocket")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadLimit(s.maxMessage)
	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan BridgeMessage, 10)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var msg BridgeMessage
			if err := conn.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.readTimeout))
			select {
			case messageChan <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case msg := <-messageChan:
			if bc.limiter != nil && !bc.limiter.Allow() {
				s.write(bc, BridgeMessage{Type: MsgError, Topic: msg.Topic, Message: "rate limit exceeded"})
				continue
			}
			if err := s.handleMessage(ctx, bc, msg); err != nil {
				log.Infow("error handling bridge message", "type", msg.Type, "error", err)
				s.write(bc, BridgeMessage{Type: MsgError, Topic: msg.Topic, Message: err.Error()})
			}

		case out := <-bc.send:
			if err := s.write(bc, out); err != nil {
				log.Infow("error writing to participant", "error", err)
				return
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Infow("error sending ping", "error", err)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Infow("error reading message from participant", "error", err)
			}
			log.Infow("participant disconnected")
			return
		}
	}
}

func (s *WebSocketServer) write(bc *bridgeConn, msg BridgeMessage) error {
	bc.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return bc.conn.WriteJSON(msg)
}

func (s *WebSocketServer) handleMessage(ctx context.Context, bc *bridgeConn, msg BridgeMessage) error {
	switch msg.Type {
	case MsgSubscribe:
		return s.handleSubscribe(ctx, bc, msg.Topic)
	case MsgUnsubscribe:
		if cancel, ok := bc.subs[msg.Topic]; ok {
			cancel()
			delete(bc.subs, msg.Topic)
		}
		return nil
	case MsgPublish:
		return s.handlePublish(ctx, bc, msg)
	case "":
		return fmt.Errorf("message type is required")
	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

func (s *WebSocketServer) handleSubscribe(ctx context.Context, bc *bridgeConn, topic string) error {
	if err := authorizeTopic(bc.session, topic); err != nil {
		return err
	}
	if _, ok := bc.subs[topic]; ok {
		return nil
	}

	cancel, err := s.bus.Subscribe(ctx, topic, func(event ports.BusEvent) {
		select {
		case bc.send <- eventMessage(event):
		default:
			s.logger.Warnw("dropping event for slow participant", "conn_id", bc.id, "topic", event.Topic, "event", event.Name)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	bc.subs[topic] = cancel
	return s.write(bc, BridgeMessage{Type: MsgSubscribed, Topic: topic})
}

func (s *WebSocketServer) handlePublish(ctx context.Context, bc *bridgeConn, msg BridgeMessage) error {
	if err := authorizePublish(bc.session, msg); err != nil {
		return err
	}
	ctx, span := tracing.TraceSignal(ctx, msg.Name, msg.Topic)
	defer span.End()
	if err := s.bus.Publish(ctx, msg.Topic, msg.Name, []byte(msg.Payload)); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	return nil
}

func eventMessage(event ports.BusEvent) BridgeMessage {
	msg := BridgeMessage{
		Type:      MsgEvent,
		Topic:     event.Topic,
		Name:      event.Name,
		ID:        event.ID,
		Sender:    event.Sender,
		Timestamp: event.Timestamp,
	}
	if len(event.Payload) > 0 {
		if json.Valid(event.Payload) {
			msg.Payload = json.RawMessage(event.Payload)
		} else {
			msg.Payload, _ = json.Marshal(string(event.Payload))
		}
	}
	return msg
}

func authorizeTopic(session domain.Session, topic string) error {
	switch topic {
	case SessionTopic(session.ID), webrtc.MediaTopic(session.Channel):
		return nil
	case "":
		return fmt.Errorf("topic is required")
	}
	return fmt.Errorf("topic %q not permitted for this visit", topic)
}

// authorizePublish allows patients to announce only themselves and
// reserves admissions and roll calls for the provider. On the media topic a
// client may only announce its own track states; track changes come from
// the SFU alone.
func authorizePublish(session domain.Session, msg BridgeMessage) error {
	if msg.Topic == webrtc.MediaTopic(session.Channel) {
		return authorizeTrackState(session, msg)
	}
	if msg.Topic != SessionTopic(session.ID) {
		return fmt.Errorf("publishing to %q not permitted", msg.Topic)
	}
	switch {
	case msg.Name == EventWaiting:
		if session.IsProvider() {
			return fmt.Errorf("providers do not wait")
		}
		var payload WaitingPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("invalid waiting payload: %w", err)
		}
		if payload.UID != session.UID {
			return fmt.Errorf("uid mismatch: expected %s, got %s", session.UID, payload.UID)
		}
		return nil
	case strings.HasPrefix(msg.Name, EventAdmitPrefix), msg.Name == EventRollCall:
		if !session.IsProvider() {
			return domain.ErrNotProvider
		}
		return nil
	}
	return fmt.Errorf("unknown event: %s", msg.Name)
}

func authorizeTrackState(session domain.Session, msg BridgeMessage) error {
	if msg.Name != webrtc.TrackStateEvent {
		return fmt.Errorf("publishing %q on the media topic not permitted", msg.Name)
	}
	var state domain.TrackState
	if err := json.Unmarshal(msg.Payload, &state); err != nil {
		return fmt.Errorf("invalid track state payload: %w", err)
	}
	if state.UID != session.UID {
		return fmt.Errorf("uid mismatch: expected %s, got %s", session.UID, state.UID)
	}
	return nil
}

func (s *WebSocketServer) register(bc *bridgeConn) {
	s.mu.Lock()
	s.connections[bc.id] = bc
	n := len(s.connections)
	s.mu.Unlock()
	if s.observer != nil {
		s.observer.BridgeConnections(n)
	}
}

func (s *WebSocketServer) unregister(bc *bridgeConn) {
	for topic, cancel := range bc.subs {
		cancel()
		delete(bc.subs, topic)
	}
	s.mu.Lock()
	delete(s.connections, bc.id)
	n := len(s.connections)
	s.mu.Unlock()
	if s.observer != nil {
		s.observer.BridgeConnections(n)
	}
}

// ConnectionCount reports the open bridge connections.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": s.ConnectionCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
