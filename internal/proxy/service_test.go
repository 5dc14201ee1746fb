package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/alita/internal/browser"
	"github.com/jmylchreest/alita/internal/browser/browsertest"
	"github.com/jmylchreest/alita/internal/cookies"
	"github.com/jmylchreest/alita/internal/failure"
	"github.com/jmylchreest/alita/internal/fetch"
	"github.com/jmylchreest/alita/internal/models"
	"github.com/jmylchreest/alita/internal/origin"
	"github.com/jmylchreest/alita/internal/pool"
	"github.com/jmylchreest/alita/internal/resolver"
)

const (
	challengeHTML = `<html><body><div id="challenge">checking your browser</div></body></html>`
	articleHTML   = `<html><body><article class="post-data">content</article></body></html>`

	pageA = "https://example.com/a"
	pageB = "https://example.com/b"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeFetcher plays an origin protected by a clearance cookie: requests
// without cf_clearance=ok get the challenge page.
type fakeFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	sent  map[string][][]cookies.Cookie
	err   error
	// setCookies are returned on every response.
	setCookies []*http.Cookie
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		calls: make(map[string]int),
		sent:  make(map[string][][]cookies.Cookie),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string, ck []cookies.Cookie, timeout time.Duration) (*fetch.Response, error) {
	f.mu.Lock()
	f.calls[url]++
	f.sent[url] = append(f.sent[url], append([]cookies.Cookie(nil), ck...))
	err := f.err
	set := f.setCookies
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Content-Type", "text/html")
	header.Add("X-Trace", "one")
	header.Add("X-Trace", "two")

	for _, c := range ck {
		if c.Name == "cf_clearance" && c.Value == "ok" {
			return &fetch.Response{StatusCode: 200, Header: header, Body: articleHTML, Cookies: set, URL: url}, nil
		}
	}
	return &fetch.Response{
		StatusCode: 403,
		Header:     header,
		Body:       challengeHTML,
		Cookies:    append([]*http.Cookie{{Name: "__cf_bm", Value: "seed"}}, set...),
		URL:        url,
	}, nil
}

func (f *fakeFetcher) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) LastSent(url string) []cookies.Cookie {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sent[url]
	if len(s) == 0 {
		return nil
	}
	return s[len(s)-1]
}

type harness struct {
	svc     *Service
	eng     *browsertest.Engine
	fetcher *fakeFetcher
	cache   *cookies.Cache
	pool    *pool.Pool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := testLogger()

	eng := browsertest.New()
	sup := browser.NewSupervisor(eng, browser.SupervisorConfig{IdleTimeout: time.Minute, Logger: logger})
	tabs := pool.New(sup, pool.Config{Capacity: 4, QueueTimeout: time.Second, Logger: logger})
	cache := cookies.New(cookies.Config{Logger: logger})
	res := resolver.New(resolver.Config{PollInterval: 5 * time.Millisecond, Logger: logger})
	f := newFakeFetcher()

	t.Cleanup(func() {
		tabs.Close()
		_ = sup.Close()
	})

	return &harness{
		svc:     New(f, cache, tabs, res, Config{Replay: true, Logger: logger}),
		eng:     eng,
		fetcher: f,
		cache:   cache,
		pool:    tabs,
	}
}

// solvable registers a page whose challenge clears in the browser.
func (h *harness) solvable(url string) *browsertest.Site {
	site := &browsertest.Site{
		LoadDelay: 5 * time.Millisecond,
		Appear:    map[string]time.Duration{".post-data": 10 * time.Millisecond},
		HTML:      articleHTML,
		Status:    200,
		Headers:   map[string]string{"content-type": "text/html", "content-encoding": "br"},
		Cookies:   []cookies.Cookie{{Name: "cf_clearance", Value: "ok", Domain: "example.com", Path: "/"}},
	}
	h.eng.Handle(url, site)
	return site
}

func exampleOrigin(t *testing.T) origin.Origin {
	t.Helper()
	o, err := origin.FromURL(pageA)
	require.NoError(t, err)
	return o
}

func guarded(url string) *models.ProxyRequest {
	return &models.ProxyRequest{
		URL:               url,
		BrowserOnElements: []string{"#challenge"},
		WaitForElement:    ".post-data",
		WaitTimeout:       1,
	}
}

func cookieValue(cs []cookies.Cookie, name string) string {
	for _, c := range cs {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

func TestHandle_DirectPassThrough(t *testing.T) {
	h := newHarness(t)
	h.cache.Put(exampleOrigin(t), []cookies.Cookie{{Name: "cf_clearance", Value: "ok"}})

	resp, err := h.svc.Handle(context.Background(), guarded(pageA))
	require.NoError(t, err)

	assert.False(t, resp.UsedBrowser)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, articleHTML, resp.Body)
	assert.Equal(t, "text/html", resp.Headers["content-type"])
	assert.Equal(t, "one, two", resp.Headers["x-trace"])
	assert.Equal(t, 0, h.eng.Starts(), "browser must not start for an unblocked page")
}

func TestHandle_NoBlockElementsNeverEscalates(t *testing.T) {
	h := newHarness(t)

	resp, err := h.svc.Handle(context.Background(), &models.ProxyRequest{URL: pageA})
	require.NoError(t, err)

	assert.False(t, resp.UsedBrowser)
	assert.Equal(t, 403, resp.StatusCode)
	assert.Equal(t, challengeHTML, resp.Body)
	assert.Equal(t, 0, h.eng.Starts())
}

func TestHandle_EscalatesAndCaches(t *testing.T) {
	h := newHarness(t)
	h.solvable(pageA)

	resp, err := h.svc.Handle(context.Background(), guarded(pageA))
	require.NoError(t, err)

	assert.True(t, resp.UsedBrowser)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, articleHTML, resp.Body)
	assert.Equal(t, "text/html", resp.Headers["content-type"])
	assert.NotContains(t, resp.Headers, "content-encoding")

	// The blocked response's cookies are seeded and the response is replayed.
	assert.Equal(t, "seed", cookieValue(h.eng.Injected(pageA), "__cf_bm"))
	replay := h.eng.Replay(pageA)
	require.NotNil(t, replay)
	assert.Equal(t, 403, replay.StatusCode)
	assert.Equal(t, challengeHTML, replay.Body)

	sess, ok := h.cache.Get(exampleOrigin(t))
	require.True(t, ok)
	assert.Equal(t, "ok", cookieValue(sess.Cookies, "cf_clearance"))

	assert.Eventually(t, func() bool { return h.pool.Stats().Active == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, h.eng.OpenTabs())
}

func TestHandle_CachedSessionSkipsBrowser(t *testing.T) {
	h := newHarness(t)
	h.solvable(pageA)

	_, err := h.svc.Handle(context.Background(), guarded(pageA))
	require.NoError(t, err)

	resp, err := h.svc.Handle(context.Background(), guarded(pageB))
	require.NoError(t, err)

	assert.False(t, resp.UsedBrowser)
	assert.Equal(t, articleHTML, resp.Body)
	assert.Equal(t, "ok", cookieValue(h.fetcher.LastSent(pageB), "cf_clearance"))
	assert.Equal(t, 1, h.eng.TotalNavigations())
}

func TestHandle_StaleSessionIsReplaced(t *testing.T) {
	h := newHarness(t)
	h.solvable(pageA)
	o := exampleOrigin(t)
	h.cache.Put(o, []cookies.Cookie{{Name: "cf_clearance", Value: "stale"}})

	resp, err := h.svc.Handle(context.Background(), guarded(pageA))
	require.NoError(t, err)
	assert.True(t, resp.UsedBrowser)

	// Stale cookies go to the tab first; the response's cookies follow.
	injected := h.eng.Injected(pageA)
	require.NotEmpty(t, injected)
	assert.Equal(t, "stale", injected[0].Value)
	assert.Equal(t, "seed", cookieValue(injected, "__cf_bm"))

	sess, ok := h.cache.Get(o)
	require.True(t, ok)
	assert.Equal(t, "ok", cookieValue(sess.Cookies, "cf_clearance"))
	assert.Equal(t, 1, h.eng.Navigations(pageA))
}

func TestHandle_ConcurrentCallersShareOneResolution(t *testing.T) {
	h := newHarness(t)
	site := h.solvable(pageA)
	site.Gate = make(chan struct{})

	const callers = 6
	var wg sync.WaitGroup
	results := make(chan *models.ProxyResponse, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := h.svc.Handle(context.Background(), guarded(pageA))
			if assert.NoError(t, err) {
				results <- resp
			}
		}()
	}

	require.Eventually(t, func() bool { return h.fetcher.Calls(pageA) == callers }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(site.Gate)
	wg.Wait()
	close(results)

	for resp := range results {
		assert.True(t, resp.UsedBrowser)
		assert.Equal(t, articleHTML, resp.Body)
	}
	assert.Equal(t, 1, h.eng.Navigations(pageA))
	assert.Equal(t, 1, h.eng.MaxOpenTabs())
}

func TestHandle_AttachedCallerForOtherPageRefetches(t *testing.T) {
	h := newHarness(t)
	site := h.solvable(pageA)
	site.Gate = make(chan struct{})

	leader := make(chan *models.ProxyResponse, 1)
	go func() {
		resp, err := h.svc.Handle(context.Background(), guarded(pageA))
		assert.NoError(t, err)
		leader <- resp
	}()
	require.Eventually(t, func() bool { return h.eng.Navigations(pageA) == 1 }, time.Second, time.Millisecond)

	follower := make(chan *models.ProxyResponse, 1)
	go func() {
		resp, err := h.svc.Handle(context.Background(), guarded(pageB))
		assert.NoError(t, err)
		follower <- resp
	}()
	require.Eventually(t, func() bool { return h.fetcher.Calls(pageB) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(site.Gate)

	assert.True(t, (<-leader).UsedBrowser)

	resp := <-follower
	assert.False(t, resp.UsedBrowser)
	assert.Equal(t, articleHTML, resp.Body)
	assert.Equal(t, 2, h.fetcher.Calls(pageB))
	assert.Equal(t, 0, h.eng.Navigations(pageB))
}

func TestHandle_StillBlockedAfterRender(t *testing.T) {
	h := newHarness(t)
	site := h.solvable(pageA)
	site.HTML = `<div id="challenge"></div><article class="post-data"></article>`

	_, err := h.svc.Handle(context.Background(), guarded(pageA))
	require.Error(t, err)
	assert.Equal(t, failure.KindChallengeUnsolved, failure.KindOf(err))

	_, ok := h.cache.Get(exampleOrigin(t))
	assert.False(t, ok, "an unsolved challenge must not be cached")
}

func TestHandle_SelectorTimeoutReleasesTab(t *testing.T) {
	h := newHarness(t)
	site := h.solvable(pageA)
	site.Appear = map[string]time.Duration{".post-data": time.Hour}

	req := guarded(pageA)
	req.WaitTimeout = 0.05

	_, err := h.svc.Handle(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, failure.KindSelectorTimeout, failure.KindOf(err))

	var fe *failure.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "https://example.com:443", fe.Origin)

	assert.Eventually(t, func() bool { return h.pool.Stats().Active == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, h.eng.OpenTabs())
}

func TestHandle_NetworkErrorDoesNotEscalate(t *testing.T) {
	h := newHarness(t)
	h.fetcher.err = failure.Wrap(failure.KindNetwork, errors.New("connection refused"), "direct fetch failed")

	_, err := h.svc.Handle(context.Background(), guarded(pageA))
	require.Error(t, err)
	assert.Equal(t, failure.KindNetwork, failure.KindOf(err))
	assert.Equal(t, 0, h.eng.Starts())
}

func TestHandle_DirectCookiesMergeIntoSession(t *testing.T) {
	h := newHarness(t)
	o := exampleOrigin(t)
	h.cache.Put(o, []cookies.Cookie{{Name: "cf_clearance", Value: "ok"}})
	h.fetcher.setCookies = []*http.Cookie{{Name: "visit", Value: "2"}}

	_, err := h.svc.Handle(context.Background(), guarded(pageA))
	require.NoError(t, err)

	sess, ok := h.cache.Get(o)
	require.True(t, ok)
	assert.Equal(t, "ok", cookieValue(sess.Cookies, "cf_clearance"))
	assert.Equal(t, "2", cookieValue(sess.Cookies, "visit"))
}

func TestHandle_InvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		req  models.ProxyRequest
	}{
		{"missing url", models.ProxyRequest{}},
		{"unsupported scheme", models.ProxyRequest{URL: "ftp://example.com"}},
		{"invalid block selector", models.ProxyRequest{URL: pageA, BrowserOnElements: []string{"div["}, WaitForElement: "p"}},
		{"invalid wait selector", models.ProxyRequest{URL: pageA, BrowserOnElements: []string{"#c"}, WaitForElement: "p:::"}},
		{"block without wait", models.ProxyRequest{URL: pageA, IsBlockElement: []string{"#c"}}},
		{"wait timeout too large", models.ProxyRequest{URL: pageA, WaitTimeout: 500}},
		{"negative wait timeout", models.ProxyRequest{URL: pageA, WaitTimeout: -1}},
		{"negative http timeout", models.ProxyRequest{URL: pageA, HTTPTimeout: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			req := tt.req
			_, err := h.svc.Handle(context.Background(), &req)
			require.Error(t, err)
			assert.Equal(t, failure.KindInvalidRequest, failure.KindOf(err))
			assert.Equal(t, http.StatusBadRequest, failure.HTTPStatus(failure.KindOf(err)))
			assert.Equal(t, 0, h.fetcher.Calls(req.URL))
		})
	}
}

func TestHandle_AliasTriggersEscalation(t *testing.T) {
	h := newHarness(t)
	h.solvable(pageA)

	resp, err := h.svc.Handle(context.Background(), &models.ProxyRequest{
		URL:            pageA,
		IsBlockElement: []string{"#challenge"},
		WaitForElement: ".post-data",
	})
	require.NoError(t, err)
	assert.True(t, resp.UsedBrowser)
}
