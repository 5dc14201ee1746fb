package browser

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/alita/internal/failure"
	"github.com/jmylchreest/alita/internal/metrics"
	"github.com/jmylchreest/alita/internal/shutdown"
)

const (
	// DefaultIdleTimeout is how long the process survives with no open tabs.
	DefaultIdleTimeout = 10 * time.Second
	// DefaultStartupTimeout bounds a single launch attempt.
	DefaultStartupTimeout = 30 * time.Second
)

// ErrSupervisorClosed is returned after Close.
var ErrSupervisorClosed = errors.New("browser supervisor is closed")

// ProcessState is the lifecycle state of the managed browser process.
type ProcessState string

const (
	StateAbsent      ProcessState = "absent"
	StateStarting    ProcessState = "starting"
	StateReady       ProcessState = "ready"
	StateIdlePending ProcessState = "idle-pending"
)

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	IdleTimeout    time.Duration
	StartupTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Supervisor owns the single browser process. It launches it lazily on the
// first tab request, stops it once no tab has been open for the idle
// timeout, and relaunches it transparently on the next request.
type Supervisor struct {
	engine  Engine
	cfg     SupervisorConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	idle    *shutdown.IdleMonitor

	mu      sync.Mutex
	state   ProcessState
	proc    Process
	launch  *launchAttempt
	active  int
	closed  bool
	started time.Time
}

type launchAttempt struct {
	done chan struct{}
	proc Process
	err  error
}

// NewSupervisor creates a Supervisor. No process is started until the first
// NewTab.
func NewSupervisor(engine Engine, cfg SupervisorConfig) *Supervisor {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Supervisor{
		engine:  engine,
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "browser"),
		metrics: cfg.Metrics,
		state:   StateAbsent,
	}
	s.idle = shutdown.NewIdleMonitor(shutdown.IdleMonitorConfig{
		Name:    "browser",
		Timeout: cfg.IdleTimeout,
		Logger:  cfg.Logger,
		OnIdle:  s.handleIdle,
	})
	return s
}

// State returns the current process state.
func (s *Supervisor) State() ProcessState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ActiveTabs returns the number of open tabs.
func (s *Supervisor) ActiveTabs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewTab opens a tab, launching the process first if needed. Callers that
// arrive while a launch is in progress wait for it. Closing the returned tab
// releases its hold on the process.
func (s *Supervisor) NewTab(ctx context.Context) (Tab, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSupervisorClosed
	}
	s.active++
	s.idle.Begin()
	if s.state == StateIdlePending {
		s.state = StateReady
	}
	s.mu.Unlock()

	proc, err := s.ensure(ctx)
	if err != nil {
		s.done()
		return nil, err
	}

	tab, err := proc.NewTab(ctx)
	if err != nil {
		s.done()
		if ctx.Err() != nil {
			return nil, failure.Wrap(failure.KindCanceled, ctx.Err(), "opening tab")
		}
		return nil, failure.Wrap(failure.KindBrowserUnavailable, err, "opening tab")
	}
	return &trackedTab{Tab: tab, release: s.done}, nil
}

// ensure returns the running process, launching it or joining an in-flight
// launch.
func (s *Supervisor) ensure(ctx context.Context) (Process, error) {
	s.mu.Lock()
	if s.proc != nil {
		p := s.proc
		s.mu.Unlock()
		return p, nil
	}
	attempt := s.launch
	if attempt == nil {
		attempt = &launchAttempt{done: make(chan struct{})}
		s.launch = attempt
		s.state = StateStarting
		go s.runLaunch(attempt)
	}
	s.mu.Unlock()

	select {
	case <-attempt.done:
		if attempt.err != nil {
			return nil, attempt.err
		}
		return attempt.proc, nil
	case <-ctx.Done():
		return nil, failure.Wrap(failure.KindCanceled, ctx.Err(), "waiting for browser start")
	}
}

func (s *Supervisor) runLaunch(attempt *launchAttempt) {
	s.logger.Info("starting browser process")
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StartupTimeout)
	defer cancel()

	type result struct {
		proc Process
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := s.engine.Start(ctx)
		ch <- result{p, err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		res.err = ctx.Err()
		// A process that comes up after the deadline is not handed out.
		go func() {
			if late := <-ch; late.proc != nil {
				_ = late.proc.Stop()
			}
		}()
	}

	s.mu.Lock()
	s.launch = nil
	if res.err == nil && res.proc == nil {
		res.err = errors.New("engine returned no process")
	}

	if res.err != nil || s.closed {
		if res.err == nil {
			_ = res.proc.Stop()
			res.err = ErrSupervisorClosed
		}
		s.state = StateAbsent
		attempt.err = failure.Wrap(failure.KindBrowserUnavailable, res.err, "browser failed to start")
		s.mu.Unlock()

		s.metrics.IncBrowserLaunch(false)
		s.logger.Error("browser process failed to start", "error", res.err, "duration", time.Since(start).Round(time.Millisecond))
		close(attempt.done)
		return
	}

	s.proc = res.proc
	s.started = time.Now()
	if s.active > 0 {
		s.state = StateReady
	} else {
		// Every caller gave up while we were starting.
		s.state = StateIdlePending
		s.idle.Reset()
	}
	attempt.proc = res.proc
	s.mu.Unlock()

	s.metrics.IncBrowserLaunch(true)
	s.metrics.SetBrowserUp(true)
	s.logger.Info("browser process ready", "process_id", res.proc.ID(), "duration", time.Since(start).Round(time.Millisecond))
	close(attempt.done)
}

// done releases one hold on the process.
func (s *Supervisor) done() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active > 0 {
		s.active--
	}
	if s.active == 0 && s.state == StateReady {
		s.state = StateIdlePending
	}
	s.idle.End()
}

// handleIdle runs when the idle window elapses. It re-checks under the lock
// because a tab may have been requested since the timer fired.
func (s *Supervisor) handleIdle() {
	s.mu.Lock()
	if s.active > 0 || s.state != StateIdlePending || s.proc == nil {
		s.mu.Unlock()
		return
	}
	proc := s.proc
	s.proc = nil
	s.state = StateAbsent
	uptime := time.Since(s.started)
	s.mu.Unlock()

	s.logger.Info("stopping idle browser process",
		"process_id", proc.ID(),
		"uptime", uptime.Round(time.Second),
		"idle_timeout", s.cfg.IdleTimeout,
	)
	if err := proc.Stop(); err != nil {
		s.logger.Warn("error stopping browser process", "process_id", proc.ID(), "error", err)
	}
	s.metrics.SetBrowserUp(false)
}

// Close stops the process and refuses further tabs.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	proc := s.proc
	s.proc = nil
	s.state = StateAbsent
	s.mu.Unlock()

	s.idle.Stop()
	if proc == nil {
		return nil
	}
	s.metrics.SetBrowserUp(false)
	return proc.Stop()
}

type trackedTab struct {
	Tab
	release func()
	once    sync.Once
}

func (t *trackedTab) Close() error {
	err := t.Tab.Close()
	t.once.Do(t.release)
	return err
}
