// Package browsertest provides an in-memory browser.Engine for tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	neturl "net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/alita/internal/browser"
	"github.com/jmylchreest/alita/internal/cookies"
)

// Site scripts how a fake tab behaves for one URL. Times are measured from
// the moment Navigate returns.
type Site struct {
	// Gate, when non-nil, blocks Navigate until it is closed.
	Gate chan struct{}
	// NavigateErr fails navigation.
	NavigateErr error
	// LoadDelay is how long until FinalState is reported; before that the
	// document is "loading".
	LoadDelay time.Duration
	// FinalState defaults to complete.
	FinalState browser.ReadyState
	// Appear maps selectors to the delay after which they match.
	Appear map[string]time.Duration
	// HTML is the rendered document.
	HTML string
	// Status is the main document status; zero means no document was seen.
	Status  int
	Headers map[string]string
	// Cookies are what the page sets while rendering. They are added to the
	// tab's own jar alongside any cookies set before navigation.
	Cookies []cookies.Cookie
}

// Engine is a fake browser.Engine. The zero value is not usable; use New.
type Engine struct {
	mu         sync.Mutex
	sites      map[string]*Site
	startErr   error
	startDelay time.Duration

	starts      atomic.Int32
	stops       atomic.Int32
	navigations map[string]int
	openTabs    int
	maxOpen     int
	injected    map[string][]cookies.Cookie
	replays     map[string]*browser.Snapshot
}

// New returns an Engine with no sites.
func New() *Engine {
	return &Engine{
		sites:       make(map[string]*Site),
		navigations: make(map[string]int),
		injected:    make(map[string][]cookies.Cookie),
		replays:     make(map[string]*browser.Snapshot),
	}
}

// Handle registers the behaviour for url.
func (e *Engine) Handle(url string, s *Site) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sites[url] = s
}

// FailStart makes subsequent launches fail with err.
func (e *Engine) FailStart(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startErr = err
}

// SlowStart delays every launch by d.
func (e *Engine) SlowStart(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startDelay = d
}

// Starts returns the number of successful launches.
func (e *Engine) Starts() int { return int(e.starts.Load()) }

// Stops returns the number of stopped processes.
func (e *Engine) Stops() int { return int(e.stops.Load()) }

// Navigations returns how many tabs navigated to url.
func (e *Engine) Navigations(url string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.navigations[url]
}

// TotalNavigations returns the number of navigations across all URLs.
func (e *Engine) TotalNavigations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.navigations {
		n += c
	}
	return n
}

// OpenTabs returns the number of tabs currently open.
func (e *Engine) OpenTabs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openTabs
}

// MaxOpenTabs returns the high-water mark of concurrently open tabs.
func (e *Engine) MaxOpenTabs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxOpen
}

// Injected returns the cookies set on the last tab before navigating to url.
func (e *Engine) Injected(url string) []cookies.Cookie {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.injected[url]
}

// Replay returns the snapshot handed to the last navigation of url.
func (e *Engine) Replay(url string) *browser.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.replays[url]
}

// Start implements browser.Engine.
func (e *Engine) Start(ctx context.Context) (browser.Process, error) {
	e.mu.Lock()
	err, delay := e.startErr, e.startDelay
	e.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	n := e.starts.Add(1)
	return &Process{engine: e, id: fmt.Sprintf("proc-%d", n)}, nil
}

// Process is a fake browser.Process.
type Process struct {
	engine  *Engine
	id      string
	stopped atomic.Bool
	tabSeq  atomic.Int32
}

func (p *Process) ID() string { return p.id }

func (p *Process) NewTab(ctx context.Context) (browser.Tab, error) {
	if p.stopped.Load() {
		return nil, errors.New("process stopped")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e := p.engine
	e.mu.Lock()
	e.openTabs++
	if e.openTabs > e.maxOpen {
		e.maxOpen = e.openTabs
	}
	e.mu.Unlock()
	return &Tab{engine: e, id: fmt.Sprintf("%s-tab-%d", p.id, p.tabSeq.Add(1))}, nil
}

func (p *Process) Stop() error {
	if p.stopped.CompareAndSwap(false, true) {
		p.engine.stops.Add(1)
	}
	return nil
}

// Tab is a fake browser.Tab.
type Tab struct {
	engine *Engine
	id     string

	mu       sync.Mutex
	site     *Site
	loadedAt time.Time
	pending  []cookies.Cookie
	closed   bool
}

// host returns the lower-cased host of raw, or raw itself when unparseable.
func host(raw string) string {
	u, err := neturl.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return raw
	}
	return strings.ToLower(u.Hostname())
}

func (t *Tab) ID() string { return t.id }

func (t *Tab) SetCookies(ctx context.Context, url string, cs []cookies.Cookie) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, cs...)
	return nil
}

func (t *Tab) Navigate(ctx context.Context, url string, replay *browser.Snapshot) error {
	e := t.engine
	e.mu.Lock()
	e.navigations[url]++
	site := e.sites[url]
	t.mu.Lock()
	e.injected[url] = append([]cookies.Cookie(nil), t.pending...)
	t.mu.Unlock()
	e.replays[url] = replay
	e.mu.Unlock()

	if site == nil {
		return fmt.Errorf("net::ERR_NAME_NOT_RESOLVED %s", url)
	}
	if site.Gate != nil {
		select {
		case <-site.Gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if site.NavigateErr != nil {
		return site.NavigateErr
	}

	t.mu.Lock()
	t.site = site
	t.loadedAt = time.Now()
	t.mu.Unlock()
	return nil
}

func (t *Tab) elapsed() (*Site, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.site == nil {
		return nil, 0
	}
	return t.site, time.Since(t.loadedAt)
}

func (t *Tab) ReadyState(ctx context.Context) (browser.ReadyState, error) {
	site, since := t.elapsed()
	if site == nil {
		return browser.ReadyStateLoading, nil
	}
	if since < site.LoadDelay {
		return browser.ReadyStateLoading, nil
	}
	if site.FinalState == browser.ReadyStateUnknown {
		return browser.ReadyStateComplete, nil
	}
	return site.FinalState, nil
}

func (t *Tab) Has(ctx context.Context, selector string) (bool, error) {
	site, since := t.elapsed()
	if site == nil {
		return false, nil
	}
	after, ok := site.Appear[selector]
	return ok && since >= after, nil
}

func (t *Tab) HTML(ctx context.Context) (string, error) {
	site, _ := t.elapsed()
	if site == nil {
		return "", errors.New("no document")
	}
	return site.HTML, nil
}

// Cookies returns the tab's jar for url: cookies the page set, then cookies
// set before navigation that the page did not replace. Each tab has its own
// jar, like a fresh browser context.
func (t *Tab) Cookies(ctx context.Context, url string) ([]cookies.Cookie, error) {
	site, _ := t.elapsed()
	t.mu.Lock()
	defer t.mu.Unlock()

	h := host(url)
	var out []cookies.Cookie
	seen := make(map[string]bool)
	add := func(cs []cookies.Cookie) {
		for _, c := range cs {
			if seen[c.Name] || !c.MatchesHost(h) {
				continue
			}
			seen[c.Name] = true
			out = append(out, c)
		}
	}
	if site != nil {
		add(site.Cookies)
	}
	add(t.pending)
	return out, nil
}

func (t *Tab) Document() (browser.Document, bool) {
	site, _ := t.elapsed()
	if site == nil || site.Status == 0 {
		return browser.Document{}, false
	}
	return browser.Document{StatusCode: site.Status, Headers: site.Headers}, true
}

func (t *Tab) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.engine.mu.Lock()
	t.engine.openTabs--
	t.engine.mu.Unlock()
	return nil
}
