package monitoring

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

// CheckFunc reports whether a dependency answers. A false result with a nil
// error is reported as "check failed".
type CheckFunc func(ctx context.Context) (bool, error)

type HealthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
}

type HealthCheck struct {
	Name     string
	Check    CheckFunc
	Interval time.Duration
	Timeout  time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Latency   map[string]string `json:"latency,omitempty"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

// AddCheck registers check. Interval 0 means it runs only on readiness requests.
func (h *HealthChecker) AddCheck(name string, check CheckFunc, interval, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{
		Name:     name,
		Check:    check,
		Interval: interval,
		Timeout:  timeout,
	})
}

func (h *HealthChecker) snapshot() []HealthCheck {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]HealthCheck(nil), h.checks...)
}

// CheckAll runs every check concurrently, each under its own timeout.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	checks := h.snapshot()
	results := make([]error, len(checks))
	took := make([]time.Duration, len(checks))

	var g errgroup.Group
	for i, check := range checks {
		i, check := i, check
		g.Go(func() error {
			start := time.Now()
			results[i] = run(ctx, check)
			took[i] = time.Since(start)
			return nil
		})
	}
	_ = g.Wait()

	status := HealthStatus{
		Status:    statusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(checks)),
		Latency:   make(map[string]string, len(checks)),
	}
	for i, check := range checks {
		status.Latency[check.Name] = took[i].Round(time.Microsecond).String()
		if results[i] != nil {
			status.Status = statusUnhealthy
			status.Checks[check.Name] = results[i].Error()
			continue
		}
		status.Checks[check.Name] = statusHealthy
	}
	return status
}

func run(ctx context.Context, check HealthCheck) error {
	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()
	healthy, err := check.Check(checkCtx)
	if err != nil {
		return err
	}
	if !healthy {
		return errCheckFailed
	}
	return nil
}

// StartBackgroundChecks runs every check that has an interval until ctx is
// done, reporting failures to onFailure.
func (h *HealthChecker) StartBackgroundChecks(ctx context.Context, onFailure func(name string, err error)) {
	for _, check := range h.snapshot() {
		if check.Interval <= 0 {
			continue
		}
		go watch(ctx, check, onFailure)
	}
}

func watch(ctx context.Context, check HealthCheck, onFailure func(name string, err error)) {
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := run(ctx, check); err != nil && onFailure != nil {
				onFailure(check.Name, err)
			}
		}
	}
}
