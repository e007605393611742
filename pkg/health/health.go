// Package health serves liveness and readiness probes.
//
// Every registered check runs in its own goroutine on a fixed interval. A
// check flips to unhealthy after failureThreshold consecutive failures and
// back after successThreshold consecutive passes. Non-critical checks are
// reported in the response body but never fail the probe.
package health

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
)

// CheckFunc returns nil when the checked component is healthy.
type CheckFunc func(ctx context.Context) error

// Probe selects the endpoint a check contributes to.
type Probe int

const (
	Liveness Probe = iota
	Readiness
)

const (
	failureThreshold = 3
	successThreshold = 1
)

type check struct {
	name     string
	timeout  time.Duration
	fn       CheckFunc
	critical bool

	healthy atomic.Bool
	lastErr atomic.Pointer[error]

	// Only touched by the goroutine calling run.
	fails, passes int
}

func (c *check) isHealthy() bool { return c.healthy.Load() }

func (c *check) lastError() error {
	if p := c.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (c *check) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.fn(ctx)
	c.lastErr.Store(&err)
	if err != nil {
		c.passes = 0
		c.fails++
		if c.fails >= failureThreshold {
			c.healthy.Store(false)
		}
		return
	}
	c.fails = 0
	c.passes++
	if c.passes >= successThreshold {
		c.healthy.Store(true)
	}
}

// Health holds the registered checks and the manual readiness flag.
type Health struct {
	ready atomic.Bool

	mu     sync.RWMutex
	checks map[Probe][]*check
	cancel context.CancelFunc
}

// New returns a Health that is not ready until SetReady(true).
func New() *Health {
	return &Health{checks: make(map[Probe][]*check)}
}

// AddLivenessCheck registers a critical liveness check.
func (h *Health) AddLivenessCheck(name string, timeout time.Duration, fn CheckFunc) {
	h.add(Liveness, name, timeout, fn, true)
}

// AddReadinessCheck registers a critical readiness check.
func (h *Health) AddReadinessCheck(name string, timeout time.Duration, fn CheckFunc) {
	h.add(Readiness, name, timeout, fn, true)
}

// AddOptionalCheck registers a readiness check whose failure is reported as
// degraded without taking the service out of rotation.
func (h *Health) AddOptionalCheck(name string, timeout time.Duration, fn CheckFunc) {
	h.add(Readiness, name, timeout, fn, false)
}

func (h *Health) add(p Probe, name string, timeout time.Duration, fn CheckFunc, critical bool) {
	c := &check{name: name, timeout: timeout, fn: fn, critical: critical}
	c.healthy.Store(true)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[p] = append(h.checks[p], c)
}

func (h *Health) snapshot(p Probe) []*check {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.checks[p])
}

// Start runs every check immediately and then on each interval until Stop
// or ctx cancellation.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()

	for _, c := range append(h.snapshot(Liveness), h.snapshot(Readiness)...) {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			c.run(ctx)
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					c.run(ctx)
				}
			}
		}()
	}
}

// Stop cancels the check goroutines. It is safe to call more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// SetReady flips the manual readiness flag, e.g. false during shutdown.
func (h *Health) SetReady(ready bool) { h.ready.Store(ready) }

// IsReady reports the manual flag combined with all critical readiness
// checks.
func (h *Health) IsReady() bool {
	if !h.ready.Load() {
		return false
	}
	for _, c := range h.snapshot(Readiness) {
		if c.critical && !c.isHealthy() {
			return false
		}
	}
	return true
}

// LiveEndpoint serves /livez.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, collect(h.snapshot(Liveness)))
}

// ReadyEndpoint serves /readyz.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	r := collect(h.snapshot(Readiness))
	if !h.ready.Load() {
		r.failed = append(r.failed, result{name: "_readiness", message: "service is not ready"})
	}
	writeReport(w, r)
}

type result struct {
	name    string
	message string
}

type report struct {
	failed   []result
	degraded []result
}

func collect(checks []*check) report {
	var r report
	for _, c := range checks {
		if c.isHealthy() {
			continue
		}
		msg := "check is unhealthy"
		if err := c.lastError(); err != nil {
			msg = err.Error()
		}
		if c.critical {
			r.failed = append(r.failed, result{c.name, msg})
		} else {
			r.degraded = append(r.degraded, result{c.name, msg})
		}
	}
	return r
}

func writeReport(w http.ResponseWriter, r report) {
	status, code := "ok", http.StatusOK
	switch {
	case len(r.failed) > 0:
		status, code = "unhealthy", http.StatusServiceUnavailable
	case len(r.degraded) > 0:
		status = "degraded"
	}

	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.ObjStart()
	e.FieldStart("status")
	e.Str(status)
	if all := append(r.failed, r.degraded...); len(all) > 0 {
		e.FieldStart("checks")
		e.ObjStart()
		for _, res := range all {
			e.FieldStart(res.name)
			e.Str(res.message)
		}
		e.ObjEnd()
	}
	e.ObjEnd()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(e.Bytes())
}
