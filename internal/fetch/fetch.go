// Package fetch performs the cheap, browser-less first attempt at a URL.
package fetch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/jmylchreest/alita/internal/cookies"
	"github.com/jmylchreest/alita/internal/failure"
)

// DefaultUserAgent is shared by the direct client and browser tabs so a
// harvested session is replayed with the same fingerprint it was issued to.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// DefaultTimeout applies when a request does not carry its own.
const DefaultTimeout = 20 * time.Second

// Response is a completed direct fetch. Non-2xx statuses are responses, not
// errors.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       string
	Cookies    []*http.Cookie
	// URL is the final URL after redirects.
	URL string
}

// Fetcher performs a direct GET with the given cookies.
type Fetcher interface {
	Fetch(ctx context.Context, url string, cookies []cookies.Cookie, timeout time.Duration) (*Response, error)
}

// Config configures a Client.
type Config struct {
	UserAgent    string
	ProxyURL     string
	MaxRedirects int
	Logger       *slog.Logger
}

// Client is a Fetcher backed by resty.
type Client struct {
	resty  *resty.Client
	logger *slog.Logger
}

// BrowserHeaders returns the navigation headers a desktop Chrome sends for a
// top-level document load.
func BrowserHeaders(userAgent string) map[string]string {
	return map[string]string{
		"User-Agent":                userAgent,
		"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8",
		"Accept-Language":           "en-US,en;q=0.9",
		"Cache-Control":             "no-cache",
		"Pragma":                    "no-cache",
		"Sec-Ch-Ua":                 `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`,
		"Sec-Ch-Ua-Mobile":          "?0",
		"Sec-Ch-Ua-Platform":        `"Windows"`,
		"Sec-Fetch-Dest":            "document",
		"Sec-Fetch-Mode":            "navigate",
		"Sec-Fetch-Site":            "none",
		"Sec-Fetch-User":            "?1",
		"Upgrade-Insecure-Requests": "1",
	}
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := resty.New().
		SetHeaders(BrowserHeaders(cfg.UserAgent)).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(cfg.MaxRedirects)).
		SetRetryCount(0)

	// Cookies are scoped by the cache per origin; a client-wide jar would leak
	// them across origins and requests.
	r.SetCookieJar(nil)

	if cfg.ProxyURL != "" {
		r.SetProxy(cfg.ProxyURL)
	}

	return &Client{resty: r, logger: cfg.Logger}
}

// Fetch issues a GET for url carrying cookies.
func (c *Client) Fetch(ctx context.Context, url string, ck []cookies.Cookie, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := c.resty.R().SetContext(reqCtx)
	for _, cookie := range ck {
		req.SetCookie(cookie.HTTP())
	}

	start := time.Now()
	resp, err := req.Get(url)
	if err != nil {
		if ctx.Err() != nil {
			return nil, failure.Wrap(failure.KindCanceled, ctx.Err(), "direct fetch canceled")
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, failure.Wrap(failure.KindNetwork, err, "direct fetch timed out after "+timeout.String())
		}
		return nil, failure.Wrap(failure.KindNetwork, err, "direct fetch failed")
	}

	out := &Response{
		StatusCode: resp.StatusCode(),
		Header:     resp.Header(),
		Body:       resp.String(),
		Cookies:    resp.Cookies(),
		URL:        url,
	}
	if raw := resp.RawResponse; raw != nil && raw.Request != nil && raw.Request.URL != nil {
		out.URL = raw.Request.URL.String()
	}

	c.logger.Debug("direct fetch complete",
		"url", url,
		"status", out.StatusCode,
		"bytes", len(out.Body),
		"cookies_sent", len(ck),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return out, nil
}
