package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"carebridge/internal/core/domain"
	"carebridge/internal/core/ports"
	"carebridge/pkg/tracing"

	"go.uber.org/zap"
)

// SessionObserver receives lifecycle events, typically for metrics.
type SessionObserver interface {
	SessionStarted(role domain.Role)
	SessionEnded(role domain.Role, duration time.Duration)
	JoinFailed(role domain.Role)
	PatientAdmitted()
}

type SessionOption func(*SessionController)

// WithNavigation sets the hook run last during teardown.
func WithNavigation(fn func()) SessionOption {
	return func(c *SessionController) { c.navigate = fn }
}

func WithSessionObserver(o SessionObserver) SessionOption {
	return func(c *SessionController) { c.observer = o }
}

func WithCallTimer(t *CallTimer) SessionOption {
	return func(c *SessionController) { c.timer = t }
}

// SessionController drives one participant through a visit: join, the
// waiting room for patients, publishing, and teardown. It owns its
// MediaEngine and SignalingChannel.
type SessionController struct {
	session   domain.Session
	engine    ports.MediaEngine
	signaling ports.SignalingChannel
	timer     *CallTimer
	observer  SessionObserver
	navigate  func()
	logger    *zap.SugaredLogger

	mu         sync.Mutex
	state      domain.SessionState
	started    bool
	joined     bool
	published  bool
	publishing bool
	degraded   bool
	endPending bool
	lastErr    error
	life       context.Context
	cancelLife context.CancelFunc
	unsubs     []func()

	watchMu   sync.Mutex
	watchers  map[int]func(domain.SessionView)
	nextWatch int

	teardownOnce sync.Once
	teardownErr  error
}

func NewSessionController(
	session domain.Session,
	engine ports.MediaEngine,
	signaling ports.SignalingChannel,
	logger *zap.SugaredLogger,
	opts ...SessionOption,
) *SessionController {
	c := &SessionController{
		session:   session,
		engine:    engine,
		signaling: signaling,
		logger:    logger.With("session_id", session.ID, "uid", session.UID, "role", session.Role),
		state:     domain.StateIdle,
		watchers:  make(map[int]func(domain.SessionView)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timer == nil {
		c.timer = NewCallTimer()
	}
	return c
}

// Start joins the channel and, for a provider, publishes immediately. A
// patient announces itself in the waiting room and publishes only once
// admitted. ctx bounds the whole session; cancelling it abandons pending
// continuations but does not tear down, use Close for that.
func (c *SessionController) Start(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.state == domain.StateEnded:
		c.mu.Unlock()
		return domain.ErrSessionEnded
	case c.started:
		c.mu.Unlock()
		return domain.ErrSessionStarted
	}
	c.started = true
	c.state = domain.StateJoining
	c.life, c.cancelLife = context.WithCancel(ctx)
	life := c.life
	c.unsubs = append(c.unsubs,
		c.engine.OnChange(c.notify),
		c.signaling.Subscribe(c.onSignal),
	)
	c.mu.Unlock()

	c.timer.OnTick(func(string) { c.notify() })
	c.notify()

	joinCtx, span := tracing.TraceSession(life, "join", string(c.session.ID), string(c.session.Role))
	err := c.engine.Join(joinCtx, c.session.Channel, c.session.Token, c.session.UID)
	if err != nil {
		tracing.RecordError(joinCtx, err)
	}
	span.End()

	c.mu.Lock()
	if life.Err() != nil {
		c.mu.Unlock()
		return domain.ErrSessionEnded
	}
	if err != nil {
		var connErr *domain.ConnectionError
		if !errors.As(err, &connErr) {
			err = &domain.ConnectionError{Channel: c.session.Channel, Op: "join", Err: err}
		}
		c.state = domain.StateFailed
		c.lastErr = err
		c.mu.Unlock()

		c.logger.Errorw("failed to join visit", "channel", c.session.Channel, "error", err)
		if c.observer != nil {
			c.observer.JoinFailed(c.session.Role)
		}
		c.notify()
		return err
	}
	c.joined = true
	c.mu.Unlock()

	c.timer.Start()
	c.logger.Infow("joined visit", "channel", c.session.Channel)
	if c.observer != nil {
		c.observer.SessionStarted(c.session.Role)
	}

	if c.session.IsProvider() {
		c.publish(life)
		return nil
	}

	if err := c.signaling.EmitWaiting(life); err != nil {
		c.logger.Warnw("failed to announce in waiting room", "error", err)
		c.setError(&domain.SignalingDeliveryFailure{Event: "waiting", Err: err})
	}

	c.mu.Lock()
	if life.Err() != nil {
		c.mu.Unlock()
		return nil
	}
	c.state = domain.StateWaiting
	c.mu.Unlock()
	c.notify()

	// Admission may already have been observed while we were announcing.
	c.onSignal()
	return nil
}

// Admit lets a waiting patient in. The provider does not wait for the
// patient to act on it.
func (c *SessionController) Admit(ctx context.Context, uid domain.UID) error {
	if !c.session.IsProvider() {
		return domain.ErrNotProvider
	}
	c.mu.Lock()
	ended := c.state == domain.StateEnded
	c.mu.Unlock()
	if ended {
		return domain.ErrSessionEnded
	}

	if err := c.signaling.EmitAdmitted(ctx, uid); err != nil {
		failure := &domain.SignalingDeliveryFailure{Event: "admitted:" + string(uid), Err: err}
		c.logger.Warnw("failed to admit patient", "patient_uid", uid, "error", err)
		c.setError(failure)
		return failure
	}

	c.logger.Infow("patient admitted", "patient_uid", uid)
	if c.observer != nil {
		c.observer.PatientAdmitted()
	}
	return nil
}

func (c *SessionController) ToggleMic() {
	if c.isActive() {
		c.engine.ToggleMic()
	}
}

func (c *SessionController) ToggleCamera() {
	if c.isActive() {
		c.engine.ToggleCamera()
	}
}

// RequestEnd opens the end-call confirmation step.
func (c *SessionController) RequestEnd() error {
	c.mu.Lock()
	if c.state == domain.StateEnded {
		c.mu.Unlock()
		return domain.ErrSessionEnded
	}
	c.endPending = true
	c.mu.Unlock()
	c.notify()
	return nil
}

func (c *SessionController) CancelEnd() {
	c.mu.Lock()
	changed := c.endPending
	c.endPending = false
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

// ConfirmEnd ends the call after RequestEnd.
func (c *SessionController) ConfirmEnd(ctx context.Context) error {
	c.mu.Lock()
	pending := c.endPending
	c.mu.Unlock()
	if !pending {
		return domain.ErrEndNotRequested
	}
	return c.teardown(ctx)
}

// Close is the unmount path. It shares the teardown with ConfirmEnd and
// runs it at most once.
func (c *SessionController) Close(ctx context.Context) error {
	return c.teardown(ctx)
}

func (c *SessionController) State() domain.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// View snapshots everything the rendering layer needs.
func (c *SessionController) View() domain.SessionView {
	c.mu.Lock()
	view := domain.SessionView{
		SessionID:  c.session.ID,
		State:      c.state,
		Role:       c.session.Role,
		Degraded:   c.degraded,
		EndPending: c.endPending,
	}
	if c.lastErr != nil {
		view.LastError = c.lastErr.Error()
	}
	live := c.joined && c.state != domain.StateEnded
	active := c.state == domain.StateActive
	c.mu.Unlock()

	view.Elapsed = c.timer.Formatted()
	view.Admitted = c.session.IsProvider() || c.signaling.IsAdmitted()
	if live {
		view.Local = c.engine.LocalTracks()
	}
	// A patient in the waiting room is not shown the room.
	if active {
		view.Remote = c.engine.RemoteParticipants()
	}
	if c.session.IsProvider() {
		view.WaitingPatients = c.signaling.WaitingPatients()
	}
	return view
}

// Watch registers fn to receive a fresh view after every change.
func (c *SessionController) Watch(fn func(domain.SessionView)) (cancel func()) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	id := c.nextWatch
	c.nextWatch++
	c.watchers[id] = fn
	return func() {
		c.watchMu.Lock()
		defer c.watchMu.Unlock()
		delete(c.watchers, id)
	}
}

func (c *SessionController) onSignal() {
	c.notify()

	if c.session.IsProvider() || !c.signaling.IsAdmitted() {
		return
	}
	c.mu.Lock()
	waiting := c.state == domain.StateWaiting
	life := c.life
	c.mu.Unlock()
	if !waiting {
		return
	}
	go c.publish(life)
}

// publish runs PublishTracks at most once per session. A device failure
// keeps the call going in degraded mode.
func (c *SessionController) publish(life context.Context) {
	c.mu.Lock()
	if c.published || c.publishing || life.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.publishing = true
	c.mu.Unlock()

	ctx, span := tracing.TraceSession(life, "publish", string(c.session.ID), string(c.session.Role))
	err := c.engine.PublishTracks(ctx)
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	span.End()

	c.mu.Lock()
	c.publishing = false
	if life.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.published = true
	c.state = domain.StateActive
	if err != nil {
		c.degraded = true
		c.lastErr = err
	}
	c.mu.Unlock()

	if err != nil {
		var devErr *domain.DeviceError
		if errors.As(err, &devErr) {
			c.logger.Warnw("local device unavailable, continuing degraded", "kind", devErr.Kind, "error", devErr.Err)
		} else {
			c.logger.Errorw("failed to publish local tracks", "error", err)
		}
	} else {
		c.logger.Infow("local tracks published")
	}
	c.notify()
}

// teardown leaves the media channel, stops the timer and then navigates
// away, in that order, exactly once.
func (c *SessionController) teardown(ctx context.Context) error {
	c.teardownOnce.Do(func() {
		c.mu.Lock()
		role := c.session.Role
		joined := c.joined
		c.state = domain.StateEnded
		c.endPending = false
		if c.cancelLife != nil {
			c.cancelLife()
		}
		unsubs := c.unsubs
		c.unsubs = nil
		c.mu.Unlock()

		var errs []error
		if err := c.engine.Leave(ctx); err != nil {
			c.logger.Warnw("failed to leave channel", "error", err)
			errs = append(errs, &domain.TeardownError{Step: "leave", Err: err})
		}
		elapsed := c.timer.Elapsed()
		c.timer.Stop()
		if c.navigate != nil {
			c.navigate()
		}

		for _, unsub := range unsubs {
			unsub()
		}
		if err := c.signaling.Close(); err != nil {
			c.logger.Warnw("failed to close signaling channel", "error", err)
			errs = append(errs, &domain.TeardownError{Step: "signaling", Err: err})
		}

		if joined && c.observer != nil {
			c.observer.SessionEnded(role, elapsed)
		}
		c.logger.Infow("visit ended", "elapsed", FormatElapsed(elapsed))
		c.teardownErr = errors.Join(errs...)
		c.notify()
	})
	return c.teardownErr
}

func (c *SessionController) setError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.notify()
}

func (c *SessionController) isActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == domain.StateActive
}

func (c *SessionController) notify() {
	c.watchMu.Lock()
	fns := make([]func(domain.SessionView), 0, len(c.watchers))
	for _, fn := range c.watchers {
		fns = append(fns, fn)
	}
	c.watchMu.Unlock()
	if len(fns) == 0 {
		return
	}

	view := c.View()
	for _, fn := range fns {
		fn(view)
	}
}
