// Package shutdown provides graceful shutdown utilities including idle monitoring.
package shutdown

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// IdleMonitor tracks activity and fires once the tracked resource has had no
// active work for the configured timeout. New work cancels a pending fire.
//
// It backs both the browser process teardown and the optional server idle
// exit. Use ShutdownChan() to receive the default shutdown signal.
type IdleMonitor struct {
	name            string
	idleTimeout     time.Duration
	logger          *slog.Logger
	isHealthCheckFn func(*http.Request) bool
	onIdle          func()

	mu      sync.Mutex
	active  int64
	last    time.Time
	timer   *time.Timer
	gen     uint64
	stopped bool

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// IdleMonitorConfig configures the idle monitor.
type IdleMonitorConfig struct {
	// Name labels log lines, e.g. "server" or "browser".
	Name string

	// Timeout is the duration of inactivity before OnIdle runs.
	// Set to 0 or negative to disable idle monitoring.
	Timeout time.Duration

	// Logger for idle monitoring events.
	Logger *slog.Logger

	// IsHealthCheck is an optional function to identify health check requests.
	// Health checks do not reset the idle timer.
	// If nil, uses DefaultIsHealthCheck.
	IsHealthCheck func(*http.Request) bool

	// OnIdle runs on its own goroutine when the idle window elapses. If nil,
	// ShutdownChan is closed instead.
	OnIdle func()
}

// NewIdleMonitor creates a new idle monitor.
// If timeout is <= 0, the monitor will be disabled.
func NewIdleMonitor(cfg IdleMonitorConfig) *IdleMonitor {
	isHealthCheck := cfg.IsHealthCheck
	if isHealthCheck == nil {
		isHealthCheck = DefaultIsHealthCheck
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = "server"
	}

	m := &IdleMonitor{
		name:            name,
		idleTimeout:     cfg.Timeout,
		logger:          logger.With("monitor", name),
		isHealthCheckFn: isHealthCheck,
		last:            time.Now(),
		shutdownCh:      make(chan struct{}),
	}
	m.onIdle = cfg.OnIdle
	if m.onIdle == nil {
		m.onIdle = m.signalShutdown
	}
	return m
}

// Start arms the idle timer. Without activity OnIdle runs after the timeout.
// Idle monitoring is disabled if timeout is <= 0.
func (m *IdleMonitor) Start() {
	if m.idleTimeout <= 0 {
		m.logger.Info("idle monitoring disabled")
		return
	}

	m.logger.Info("idle monitoring started", "timeout", m.idleTimeout)
	m.Reset()
}

// IsEnabled returns true if idle monitoring is enabled (timeout > 0).
func (m *IdleMonitor) IsEnabled() bool {
	return m.idleTimeout > 0
}

// Stop disarms the monitor permanently.
func (m *IdleMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopped = true
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Begin records the start of a unit of work and cancels any pending fire.
func (m *IdleMonitor) Begin() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.active++
	m.last = time.Now()
	m.disarmLocked()
}

// End records the end of a unit of work. When the last one ends the idle
// window starts.
func (m *IdleMonitor) End() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active > 0 {
		m.active--
	}
	m.last = time.Now()
	if m.active == 0 {
		m.armLocked()
	}
}

// Reset restarts the idle window if nothing is active.
func (m *IdleMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == 0 {
		m.armLocked()
	}
}

func (m *IdleMonitor) disarmLocked() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *IdleMonitor) armLocked() {
	if m.idleTimeout <= 0 || m.stopped {
		return
	}
	m.disarmLocked()
	gen := m.gen
	m.timer = time.AfterFunc(m.idleTimeout, func() { m.fire(gen) })
}

func (m *IdleMonitor) fire(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.active > 0 || m.stopped {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	idle := time.Since(m.last)
	m.mu.Unlock()

	m.logger.Info("idle timeout reached",
		"idle_time", idle.Round(time.Millisecond),
		"timeout", m.idleTimeout,
	)
	m.onIdle()
}

func (m *IdleMonitor) signalShutdown() {
	m.shutdownOnce.Do(func() { close(m.shutdownCh) })
}

// TrackRequest marks that a request has started.
// Returns a function to call when the request completes.
func (m *IdleMonitor) TrackRequest(r *http.Request) func() {
	// Don't count health checks toward activity
	if m.isHealthCheckFn(r) {
		return func() {} // No-op
	}

	m.Begin()
	var once sync.Once
	return func() { once.Do(m.End) }
}

// Middleware returns HTTP middleware that tracks requests.
func (m *IdleMonitor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		done := m.TrackRequest(r)
		defer done()
		next.ServeHTTP(w, r)
	})
}

// ShutdownChan returns a channel that is closed when idle shutdown is triggered.
// Main should select on this channel alongside SIGTERM to handle idle shutdown.
func (m *IdleMonitor) ShutdownChan() <-chan struct{} {
	return m.shutdownCh
}

// Active returns the current number of active units of work.
func (m *IdleMonitor) Active() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// LastActivity returns when work last began or ended.
func (m *IdleMonitor) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// IdleTime returns how long the monitor has been idle, or zero while work is
// active.
func (m *IdleMonitor) IdleTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active > 0 {
		return 0
	}
	return time.Since(m.last)
}

// DefaultIsHealthCheck returns true if this is a health check request.
// Detects Fly.io health checks by User-Agent and common health check paths.
func DefaultIsHealthCheck(r *http.Request) bool {
	ua := r.Header.Get("User-Agent")
	if strings.Contains(ua, "Fly-HealthCheck") || strings.Contains(ua, "HealthCheck") {
		return true
	}
	switch r.URL.Path {
	case "/health", "/healthz", "/livez", "/readyz", "/metrics":
		return true
	}
	return false
}
