// Package proxy decides, per request, whether a direct fetch is good enough or
// the origin's challenge has to be solved in a browser first.
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jmylchreest/alita/internal/browser"
	"github.com/jmylchreest/alita/internal/cookies"
	"github.com/jmylchreest/alita/internal/failure"
	"github.com/jmylchreest/alita/internal/fetch"
	"github.com/jmylchreest/alita/internal/logging"
	"github.com/jmylchreest/alita/internal/metrics"
	"github.com/jmylchreest/alita/internal/models"
	"github.com/jmylchreest/alita/internal/origin"
	"github.com/jmylchreest/alita/internal/pool"
	"github.com/jmylchreest/alita/internal/resolver"
	"github.com/jmylchreest/alita/internal/selector"
)

const (
	// DefaultWaitTimeout applies when a request carries no wait_timeout.
	DefaultWaitTimeout = 10 * time.Second
	// DefaultHTTPTimeout applies when a request carries no http_timeout.
	DefaultHTTPTimeout = fetch.DefaultTimeout
)

// Config configures a Service.
type Config struct {
	WaitTimeout time.Duration
	HTTPTimeout time.Duration
	// ReadyTarget is the ready-state a rendered document must reach.
	ReadyTarget browser.ReadyState
	// Replay serves the blocked direct response to the tab's first document
	// request instead of fetching it again.
	Replay  bool
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Service is the request orchestrator.
type Service struct {
	fetcher  fetch.Fetcher
	cache    *cookies.Cache
	pool     *pool.Pool
	resolver *resolver.Resolver
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates a Service.
func New(fetcher fetch.Fetcher, cache *cookies.Cache, tabs *pool.Pool, res *resolver.Resolver, cfg Config) *Service {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultHTTPTimeout
	}
	if cfg.ReadyTarget == browser.ReadyStateUnknown {
		cfg.ReadyTarget = browser.ReadyStateComplete
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		fetcher:  fetcher,
		cache:    cache,
		pool:     tabs,
		resolver: res,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "proxy"),
		metrics:  cfg.Metrics,
		now:      time.Now,
	}
}

// plan is a validated request.
type plan struct {
	url         string
	origin      origin.Origin
	block       *selector.Set
	waitFor     string
	wait        time.Duration
	httpTimeout time.Duration
}

func (s *Service) plan(req *models.ProxyRequest) (*plan, error) {
	req.Normalize()
	if req.URL == "" {
		return nil, failure.New(failure.KindInvalidRequest, "url is required")
	}
	o, err := origin.FromURL(req.URL)
	if err != nil {
		return nil, failure.Wrap(failure.KindInvalidRequest, err, "invalid url")
	}

	block, err := selector.Compile(req.BlockElements())
	if err != nil {
		return nil, invalidSelector(err)
	}
	if block.Len() > 0 && req.WaitForElement == "" {
		return nil, failure.New(failure.KindInvalidRequest, "wait_for_element is required with browser_on_elements")
	}
	if req.WaitForElement != "" {
		if _, err := selector.Compile([]string{req.WaitForElement}); err != nil {
			return nil, invalidSelector(err)
		}
	}

	p := &plan{
		url:         req.URL,
		origin:      o,
		block:       block,
		waitFor:     req.WaitForElement,
		wait:        s.cfg.WaitTimeout,
		httpTimeout: s.cfg.HTTPTimeout,
	}
	switch {
	case req.WaitTimeout < 0 || req.WaitTimeout > models.MaxWaitTimeout:
		return nil, failure.New(failure.KindInvalidRequest, "wait_timeout must be in (0, 120] seconds")
	case req.WaitTimeout > 0:
		p.wait = seconds(req.WaitTimeout)
	}
	switch {
	case req.HTTPTimeout < 0:
		return nil, failure.New(failure.KindInvalidRequest, "http_timeout must be positive")
	case req.HTTPTimeout > 0:
		p.httpTimeout = seconds(req.HTTPTimeout)
	}
	return p, nil
}

func invalidSelector(err error) error {
	var se *selector.InvalidSelectorError
	if errors.As(err, &se) {
		return failure.Wrap(failure.KindInvalidRequest, se.Err, "invalid selector "+se.Selector)
	}
	return failure.Wrap(failure.KindInvalidRequest, err, "invalid selector")
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// Handle fetches req.URL directly and escalates to a browser when the response
// matches one of the request's block elements.
func (s *Service) Handle(ctx context.Context, req *models.ProxyRequest) (*models.ProxyResponse, error) {
	p, err := s.plan(req)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithOrigin(ctx, p.origin.String())
	logger := logging.FromContext(ctx, s.logger).With("url", p.url)

	resp, err := s.handle(ctx, p, logger)
	if err != nil {
		return nil, failure.From(err, failure.KindInternal).WithOrigin(p.origin.String())
	}
	return resp, nil
}

func (s *Service) handle(ctx context.Context, p *plan, logger *slog.Logger) (*models.ProxyResponse, error) {
	sess, cached := s.cache.Get(p.origin)
	var jar []cookies.Cookie
	if cached {
		jar = sess.For(p.origin.Host, s.now())
	}

	direct, err := s.fetcher.Fetch(ctx, p.url, jar, p.httpTimeout)
	if err != nil {
		return nil, failure.From(err, failure.KindNetwork)
	}

	matched, blocked := p.block.FirstMatch(direct.Body)
	if !blocked {
		s.mergeDirect(p.origin, direct)
		logger.Debug("direct response accepted", "status", direct.StatusCode, "cached_session", cached)
		return directResponse(direct), nil
	}

	logger.Info("block element matched, escalating to browser",
		"selector", matched,
		"status", direct.StatusCode,
		"cached_session", cached,
	)
	if cached && s.cache.InvalidateSession(sess) {
		logger.Info("cached session no longer passes the challenge")
	}

	return s.escalate(ctx, p, direct, jar, logger)
}

func (s *Service) escalate(ctx context.Context, p *plan, direct *fetch.Response, jar []cookies.Cookie, logger *slog.Logger) (*models.ProxyResponse, error) {
	job := resolver.Job{
		URL:     p.url,
		WaitFor: p.waitFor,
		Budget:  p.wait,
		Target:  s.cfg.ReadyTarget,
		// Later entries win when the tab sets same-named cookies.
		Cookies: append(append([]cookies.Cookie(nil), jar...), cookies.FromResponse(direct.Cookies, p.origin, s.now())...),
	}
	// The snapshot is only valid for the URL it was served from.
	if s.cfg.Replay && direct.URL == p.url {
		job.Replay = &browser.Snapshot{
			StatusCode: direct.StatusCode,
			Headers:    flatten(direct.Header),
			Body:       direct.Body,
		}
	}

	val, shared, err := s.pool.Do(ctx, p.origin, func(fctx context.Context, lease *pool.Lease) (any, error) {
		res, err := s.resolver.Run(fctx, lease.Tab, job)
		if err != nil {
			return nil, err
		}
		if sel, still := p.block.FirstMatch(res.HTML); still {
			return nil, failure.New(failure.KindChallengeUnsolved, "rendered page still matches "+sel)
		}
		s.cache.Put(p.origin, res.Cookies)
		return res, nil
	})
	s.metrics.IncEscalation(shared)
	if err != nil {
		logger.Info("browser escalation failed", "kind", failure.KindOf(err), "shared", shared)
		return nil, err
	}

	res := val.(*resolver.Result)
	if res.URL == p.url {
		logger.Info("served rendered document", "shared", shared, "elapsed", res.Elapsed.Round(time.Millisecond))
		return browserResponse(res), nil
	}

	// Attached to a flight for another page of the same origin: the cookies
	// are fresh but the body is not ours.
	logger.Debug("retrying directly with cookies from a shared resolution", "resolved_url", res.URL)
	return s.refetch(ctx, p)
}

func (s *Service) refetch(ctx context.Context, p *plan) (*models.ProxyResponse, error) {
	sess, ok := s.cache.Get(p.origin)
	if !ok {
		return nil, failure.New(failure.KindChallengeUnsolved, "shared resolution left no session")
	}
	direct, err := s.fetcher.Fetch(ctx, p.url, sess.For(p.origin.Host, s.now()), p.httpTimeout)
	if err != nil {
		return nil, failure.From(err, failure.KindNetwork)
	}
	if sel, still := p.block.FirstMatch(direct.Body); still {
		return nil, failure.New(failure.KindChallengeUnsolved, "still blocked with fresh cookies: "+sel)
	}
	s.mergeDirect(p.origin, direct)
	return directResponse(direct), nil
}

func (s *Service) mergeDirect(o origin.Origin, direct *fetch.Response) {
	if len(direct.Cookies) == 0 {
		return
	}
	s.cache.Merge(o, cookies.FromResponse(direct.Cookies, o, s.now()))
}

func directResponse(r *fetch.Response) *models.ProxyResponse {
	return &models.ProxyResponse{
		StatusCode:  r.StatusCode,
		UsedBrowser: false,
		Headers:     flatten(r.Header),
		Body:        r.Body,
	}
}

// Headers describing the original encoding no longer apply to a serialized DOM.
var staleBrowserHeaders = []string{"content-length", "content-encoding", "transfer-encoding"}

func browserResponse(res *resolver.Result) *models.ProxyResponse {
	out := &models.ProxyResponse{
		StatusCode:  http.StatusOK,
		UsedBrowser: true,
		Headers:     map[string]string{"content-type": "text/html; charset=utf-8"},
		Body:        res.HTML,
	}
	if res.HasDocument {
		if res.Document.StatusCode > 0 {
			out.StatusCode = res.Document.StatusCode
		}
		for k, v := range res.Document.Headers {
			out.Headers[strings.ToLower(k)] = v
		}
		for _, k := range staleBrowserHeaders {
			delete(out.Headers, k)
		}
	}
	return out
}

func flatten(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}
