package services

import (
	"fmt"
	"sync"
	"time"
)

// CallTimer counts elapsed call time from Start to Stop.
type CallTimer struct {
	mu       sync.Mutex
	now      func() time.Time
	interval time.Duration

	running   bool
	startedAt time.Time
	stoppedAt time.Time
	stop      chan struct{}
	done      chan struct{}

	onTick []func(string)
}

func NewCallTimer() *CallTimer {
	return &CallTimer{now: time.Now, interval: time.Second}
}

// NewCallTimerWithClock is used by tests to drive the clock.
func NewCallTimerWithClock(now func() time.Time, interval time.Duration) *CallTimer {
	return &CallTimer{now: now, interval: interval}
}

// Start is a no-op while running.
func (t *CallTimer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.running = true
	t.startedAt = t.now()
	t.stoppedAt = time.Time{}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.tick(t.stop, t.done)
}

// Stop is a no-op when not running.
func (t *CallTimer) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.stoppedAt = t.now()
	stop, done := t.stop, t.done
	t.mu.Unlock()

	close(stop)
	<-done
}

func (t *CallTimer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *CallTimer) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elapsedLocked()
}

func (t *CallTimer) elapsedLocked() time.Duration {
	switch {
	case t.startedAt.IsZero():
		return 0
	case t.running:
		return t.now().Sub(t.startedAt)
	default:
		return t.stoppedAt.Sub(t.startedAt)
	}
}

func (t *CallTimer) Formatted() string {
	return FormatElapsed(t.Elapsed())
}

// OnTick registers fn to receive the formatted elapsed time once per
// interval while the timer runs.
func (t *CallTimer) OnTick(fn func(string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTick = append(t.onTick, fn)
}

func (t *CallTimer) tick(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.mu.Lock()
			formatted := FormatElapsed(t.elapsedLocked())
			handlers := append([]func(string){}, t.onTick...)
			t.mu.Unlock()
			for _, fn := range handlers {
				fn(formatted)
			}
		}
	}
}

// FormatElapsed renders MM:SS, or H:MM:SS from one hour on.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
