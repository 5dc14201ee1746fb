// Package pool bounds the number of concurrently open browser tabs and
// coalesces concurrent escalations for the same origin into one.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"

	"github.com/jmylchreest/alita/internal/browser"
	"github.com/jmylchreest/alita/internal/failure"
	"github.com/jmylchreest/alita/internal/metrics"
	"github.com/jmylchreest/alita/internal/origin"
)

const (
	// DefaultCapacity is the default number of concurrent tabs.
	DefaultCapacity = 10
	// DefaultQueueTimeout bounds how long a resolution waits for a tab.
	DefaultQueueTimeout = 30 * time.Second
)

// ErrPoolClosed is returned once the pool has been closed.
var ErrPoolClosed = errors.New("tab pool is closed")

// Lease is exclusive ownership of one tab.
type Lease struct {
	ID         string
	Origin     origin.Origin
	Tab        browser.Tab
	AcquiredAt time.Time

	released atomic.Bool
}

// Task runs with a leased tab. ctx is not tied to any single caller.
type Task func(ctx context.Context, lease *Lease) (any, error)

// Config configures a Pool.
type Config struct {
	Capacity     int
	QueueTimeout time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Capacity int      `json:"capacity"`
	Active   int      `json:"active"`
	Waiting  int      `json:"waiting"`
	InFlight []string `json:"in_flight"`
}

type waiter struct {
	ch      chan error
	settled bool
}

type flight struct {
	started time.Time
	leased  bool
}

// Pool hands out tab leases in FIFO order, at most Capacity at a time.
type Pool struct {
	tabs    browser.TabOpener
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	flights singleflight.Group

	closeCtx    context.Context
	closeCancel context.CancelFunc

	mu       sync.Mutex
	active   int
	waiters  []*waiter
	inFlight map[string]*flight
	closed   bool
}

// New creates a Pool opening tabs through tabs.
func New(tabs browser.TabOpener, cfg Config) *Pool {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = DefaultQueueTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		tabs:        tabs,
		cfg:         cfg,
		logger:      cfg.Logger.With("component", "pool"),
		metrics:     cfg.Metrics,
		closeCtx:    ctx,
		closeCancel: cancel,
		inFlight:    make(map[string]*flight),
	}
}

// Do runs task with a leased tab for o. Concurrent calls for the same origin
// attach to the resolution already in flight and receive its result; shared
// reports whether this caller attached rather than led.
//
// The resolution runs on a context owned by the pool, so one caller going
// away does not abort it for the others. Waiting for a tab is bounded by the
// queue timeout.
func (p *Pool) Do(ctx context.Context, o origin.Origin, task Task) (val any, shared bool, err error) {
	key := o.String()
	led := false

	ch := p.flights.DoChan(key, func() (any, error) {
		led = true
		return p.run(key, o, task)
	})

	select {
	case res := <-ch:
		return res.Val, !led, res.Err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !p.leased(key) {
			return nil, false, failure.Wrap(failure.KindPoolExhausted, ctx.Err(), "gave up waiting for a browser tab").WithOrigin(key)
		}
		return nil, false, failure.Wrap(failure.KindCanceled, ctx.Err(), "caller left before the browser resolution finished").WithOrigin(key)
	}
}

func (p *Pool) run(key string, o origin.Origin, task Task) (any, error) {
	ctx, cancel := context.WithCancel(p.closeCtx)
	defer cancel()

	p.mu.Lock()
	p.inFlight[key] = &flight{started: time.Now()}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inFlight, key)
		p.mu.Unlock()
	}()

	slotCtx, slotCancel := context.WithTimeout(ctx, p.cfg.QueueTimeout)
	lease, err := p.acquire(slotCtx, ctx, o)
	slotCancel()
	if err != nil {
		return nil, err
	}
	defer p.Release(lease)

	p.mu.Lock()
	if f := p.inFlight[key]; f != nil {
		f.leased = true
	}
	p.mu.Unlock()

	return task(ctx, lease)
}

func (p *Pool) leased(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.inFlight[key]
	return f != nil && f.leased
}

// Acquire waits for a free slot in FIFO order and opens a tab for o.
func (p *Pool) Acquire(ctx context.Context, o origin.Origin) (*Lease, error) {
	return p.acquire(ctx, ctx, o)
}

func (p *Pool) acquire(slotCtx, tabCtx context.Context, o origin.Origin) (*Lease, error) {
	start := time.Now()
	if err := p.acquireSlot(slotCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, failure.Wrap(failure.KindPoolExhausted, err, "no browser tab became free in time").WithOrigin(o.String())
		}
		if errors.Is(err, ErrPoolClosed) {
			return nil, failure.Wrap(failure.KindBrowserUnavailable, err, "").WithOrigin(o.String())
		}
		return nil, failure.From(err, failure.KindCanceled).WithOrigin(o.String())
	}
	waited := time.Since(start)
	p.metrics.ObservePoolWait(waited)

	tab, err := p.tabs.NewTab(tabCtx)
	if err != nil {
		p.releaseSlot()
		return nil, failure.From(err, failure.KindBrowserUnavailable).WithOrigin(o.String())
	}

	lease := &Lease{
		ID:         ulid.Make().String(),
		Origin:     o,
		Tab:        tab,
		AcquiredAt: time.Now(),
	}
	p.logger.Debug("tab leased",
		"lease_id", lease.ID,
		"origin", o.String(),
		"tab_id", tab.ID(),
		"waited", waited.Round(time.Millisecond),
	)
	return lease, nil
}

// Release closes the lease's tab and frees its slot. Releasing twice is a
// no-op.
func (p *Pool) Release(lease *Lease) {
	if lease == nil || !lease.released.CompareAndSwap(false, true) {
		return
	}
	if err := lease.Tab.Close(); err != nil {
		p.logger.Warn("error closing tab", "lease_id", lease.ID, "error", err)
	}
	p.releaseSlot()

	p.logger.Debug("tab released",
		"lease_id", lease.ID,
		"origin", lease.Origin.String(),
		"held", time.Since(lease.AcquiredAt).Round(time.Millisecond),
	)
}

func (p *Pool) acquireSlot(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if p.active < p.cfg.Capacity && len(p.waiters) == 0 {
		p.active++
		p.reportLocked()
		p.mu.Unlock()
		return nil
	}

	w := &waiter{ch: make(chan error, 1)}
	p.waiters = append(p.waiters, w)
	p.reportLocked()
	p.mu.Unlock()

	select {
	case err := <-w.ch:
		return err
	case <-ctx.Done():
		p.mu.Lock()
		if w.settled {
			// Granted or closed while we were leaving.
			err := <-w.ch
			if err == nil {
				p.handOffLocked()
			}
		} else {
			for i, other := range p.waiters {
				if other == w {
					p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
					break
				}
			}
		}
		p.reportLocked()
		p.mu.Unlock()
		return ctx.Err()
	}
}

func (p *Pool) releaseSlot() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handOffLocked()
	p.reportLocked()
}

// handOffLocked gives a held slot to the longest waiter, or frees it.
func (p *Pool) handOffLocked() {
	if len(p.waiters) > 0 && !p.closed {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w.settled = true
		w.ch <- nil
		return
	}
	if p.active > 0 {
		p.active--
	}
}

func (p *Pool) reportLocked() {
	p.metrics.SetPool(p.active, len(p.waiters))
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Capacity: p.cfg.Capacity,
		Active:   p.active,
		Waiting:  len(p.waiters),
		InFlight: make([]string, 0, len(p.inFlight)),
	}
	for k := range p.inFlight {
		s.InFlight = append(s.InFlight, k)
	}
	sort.Strings(s.InFlight)
	return s
}

// Close cancels in-flight resolutions and fails all waiters.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, w := range p.waiters {
		w.settled = true
		w.ch <- ErrPoolClosed
	}
	p.waiters = nil
	p.reportLocked()
	p.mu.Unlock()

	p.closeCancel()
	p.logger.Info("tab pool closed")
}
