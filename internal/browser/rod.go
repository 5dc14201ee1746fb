package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/alita/internal/cookies"
)

// RodConfig configures the Chromium engine.
type RodConfig struct {
	ChromePath     string
	Headless       bool
	NoSandbox      bool
	ProxyURL       string
	UserAgent      string
	Stealth        bool
	BlockResources bool
}

// RodEngine launches Chromium over the DevTools protocol.
type RodEngine struct {
	cfg    RodConfig
	logger *slog.Logger
}

// NewRodEngine creates a RodEngine.
func NewRodEngine(cfg RodConfig, logger *slog.Logger) *RodEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &RodEngine{cfg: cfg, logger: logger}
}

// Start launches a browser process. ctx bounds the launch only.
func (e *RodEngine) Start(ctx context.Context) (Process, error) {
	l := launcher.New().Context(ctx)

	if e.cfg.ChromePath != "" {
		l = l.Bin(e.cfg.ChromePath)
	}

	l = l.
		Headless(e.cfg.Headless).
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("disable-infobars").
		Set("disable-extensions").
		Set("disable-background-networking").
		Set("disable-background-timer-throttling").
		Set("disable-backgrounding-occluded-windows").
		Set("disable-renderer-backgrounding").
		Set("window-size", "1920,1080").
		Set("lang", "en-US,en")

	if e.cfg.NoSandbox {
		l = l.NoSandbox(true).Set("disable-setuid-sandbox")
	}
	if e.cfg.ProxyURL != "" {
		l = l.Proxy(e.cfg.ProxyURL)
	}

	u, err := l.Launch()
	if err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	id := ulid.Make().String()
	e.logger.Info("browser process started", "process_id", id, "headless", e.cfg.Headless, "pid", l.PID())

	return &rodProcess{
		id:       id,
		browser:  b,
		launcher: l,
		cfg:      e.cfg,
		logger:   e.logger.With("process_id", id),
	}, nil
}

type rodProcess struct {
	id       string
	browser  *rod.Browser
	launcher *launcher.Launcher
	cfg      RodConfig
	logger   *slog.Logger
	stopOnce sync.Once
}

func (p *rodProcess) ID() string { return p.id }

// NewTab opens a page in its own incognito browser context, so each lease
// starts with an empty cookie jar and leaves nothing behind for the next.
func (p *rodProcess) NewTab(ctx context.Context) (Tab, error) {
	incognito, err := p.browser.Context(ctx).Incognito()
	if err != nil {
		return nil, fmt.Errorf("create browser context: %w", err)
	}
	dispose := func() error {
		return proto.TargetDisposeBrowserContext{BrowserContextID: incognito.BrowserContextID}.Call(p.browser)
	}

	page, err := openPage(incognito, p.cfg.Stealth)
	if err != nil {
		_ = dispose()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	// Detach from the opening context; the tab lives until Close.
	page = page.Context(context.Background())

	t := &rodTab{
		id:      ulid.Make().String(),
		page:    page,
		dispose: dispose,
		logger:  p.logger,
		block:   p.cfg.BlockResources,
	}
	if err := t.init(p.cfg.UserAgent); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

func (p *rodProcess) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		err = p.browser.Close()
		p.launcher.Kill()
		p.launcher.Cleanup()
		p.logger.Info("browser process stopped")
	})
	return err
}

type rodTab struct {
	id      string
	page    *rod.Page
	dispose func() error
	logger  *slog.Logger
	block   bool

	cancel context.CancelFunc
	router *rod.HijackRouter

	mu        sync.Mutex
	doc       Document
	docSeen   bool
	replay    *Snapshot
	replayURL string
}

func (t *rodTab) init(userAgent string) error {
	if userAgent != "" {
		err := t.page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent:      userAgent,
			AcceptLanguage: "en-US,en;q=0.9",
		})
		if err != nil {
			return fmt.Errorf("set user agent: %w", err)
		}
	}

	if err := (proto.NetworkEnable{}).Call(t.page); err != nil {
		return fmt.Errorf("enable network domain: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	wait := t.page.Context(ctx).EachEvent(func(e *proto.NetworkResponseReceived) {
		if e.Type != proto.NetworkResourceTypeDocument || e.FrameID != t.page.FrameID || e.Response == nil {
			return
		}
		headers := make(map[string]string, len(e.Response.Headers))
		for k, v := range e.Response.Headers {
			headers[strings.ToLower(k)] = v.String()
		}
		t.mu.Lock()
		t.doc = Document{StatusCode: e.Response.Status, Headers: headers}
		t.docSeen = true
		t.mu.Unlock()
	})
	go wait()

	router := t.page.HijackRequests()
	if err := router.Add("*", "", t.intercept); err != nil {
		return fmt.Errorf("install request interceptor: %w", err)
	}
	t.router = router
	go router.Run()

	return nil
}

func (t *rodTab) intercept(h *rod.Hijack) {
	switch h.Request.Type() {
	case proto.NetworkResourceTypeImage,
		proto.NetworkResourceTypeStylesheet,
		proto.NetworkResourceTypeFont,
		proto.NetworkResourceTypeMedia,
		proto.NetworkResourceTypePing,
		proto.NetworkResourceTypeManifest:
		if t.block {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
	case proto.NetworkResourceTypeDocument:
		if snap := t.takeReplay(h.Request.URL()); snap != nil {
			h.Response.Payload().ResponseCode = snap.StatusCode
			h.Response.SetHeader(replayHeaders(snap.Headers)...)
			h.Response.SetBody(snap.Body)
			t.logger.Debug("replayed snapshot into tab", "tab_id", t.id, "url", h.Request.URL().String())
			return
		}
	}
	h.ContinueRequest(&proto.FetchContinueRequest{})
}

// replayHeaders drops headers describing the wire encoding; the snapshot
// body is already decoded.
func replayHeaders(in map[string]string) []string {
	pairs := make([]string, 0, 2*len(in)+2)
	hasType := false
	for k, v := range in {
		switch strings.ToLower(k) {
		case "content-encoding", "content-length", "transfer-encoding", "connection":
			continue
		case "content-type":
			hasType = true
		}
		pairs = append(pairs, k, v)
	}
	if !hasType {
		pairs = append(pairs, "Content-Type", "text/html; charset=utf-8")
	}
	return pairs
}

func (t *rodTab) takeReplay(u *url.URL) *Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.replay == nil || stripFragment(u.String()) != t.replayURL {
		return nil
	}
	snap := t.replay
	t.replay = nil
	return snap
}

func stripFragment(raw string) string {
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		return raw[:i]
	}
	return raw
}

func (t *rodTab) ID() string { return t.id }

func (t *rodTab) SetCookies(ctx context.Context, target string, cs []cookies.Cookie) error {
	if len(cs) == 0 {
		return nil
	}
	params := make([]*proto.NetworkCookieParam, 0, len(cs))
	for _, c := range cs {
		p := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if c.Domain != "" {
			p.Domain = c.Domain
		} else {
			p.URL = target
		}
		if !c.Expires.IsZero() {
			p.Expires = proto.TimeSinceEpoch(c.Expires.Unix())
		}
		if c.SameSite != "" {
			p.SameSite = proto.NetworkCookieSameSite(c.SameSite)
		}
		params = append(params, p)
	}
	return t.page.Context(ctx).SetCookies(params)
}

func (t *rodTab) Navigate(ctx context.Context, target string, replay *Snapshot) error {
	t.mu.Lock()
	t.replay = replay
	t.replayURL = stripFragment(target)
	t.mu.Unlock()

	return t.page.Context(ctx).Navigate(target)
}

func (t *rodTab) ReadyState(ctx context.Context) (ReadyState, error) {
	res, err := t.page.Context(ctx).Eval(`() => document.readyState`)
	if err != nil {
		return ReadyStateUnknown, err
	}
	return ParseReadyState(res.Value.Str())
}

func (t *rodTab) Has(ctx context.Context, selector string) (bool, error) {
	has, _, err := t.page.Context(ctx).Has(selector)
	return has, err
}

func (t *rodTab) HTML(ctx context.Context) (string, error) {
	return t.page.Context(ctx).HTML()
}

func (t *rodTab) Cookies(ctx context.Context, target string) ([]cookies.Cookie, error) {
	raw, err := t.page.Context(ctx).Cookies([]string{target})
	if err != nil {
		return nil, err
	}
	out := make([]cookies.Cookie, 0, len(raw))
	for _, c := range raw {
		ck := cookies.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: string(c.SameSite),
		}
		if !c.Session && c.Expires > 0 {
			ck.Expires = time.Unix(int64(c.Expires), 0)
		}
		out = append(out, ck)
	}
	return out, nil
}

func (t *rodTab) Document() (Document, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doc, t.docSeen
}

func (t *rodTab) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.router != nil {
		_ = t.router.Stop()
	}
	err := t.page.Close()
	if t.dispose != nil {
		if derr := t.dispose(); err == nil {
			err = derr
		}
	}
	return err
}
