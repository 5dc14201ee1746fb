// Package cookies caches browser-obtained sessions per origin so later
// requests can skip the browser.
package cookies

import (
	"net/http"
	"strings"
	"time"

	"github.com/jmylchreest/alita/internal/origin"
)

// Cookie is one cookie as harvested from a browser tab or a Set-Cookie header.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitempty"`
	Secure   bool      `json:"secure"`
	HTTPOnly bool      `json:"http_only"`
	SameSite string    `json:"same_site,omitempty"`
}

type cookieKey struct {
	name, domain, path string
}

func (c Cookie) key() cookieKey {
	return cookieKey{name: c.Name, domain: normalizeDomain(c.Domain), path: normalizePath(c.Path)}
}

// Expired reports whether c has an expiry at or before now. Session cookies
// never expire.
func (c Cookie) Expired(now time.Time) bool {
	return !c.Expires.IsZero() && !c.Expires.After(now)
}

// MatchesHost reports whether c would be sent to host.
func (c Cookie) MatchesHost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	d := normalizeDomain(c.Domain)
	if d == "" {
		return true
	}
	return host == d || strings.HasSuffix(host, "."+d)
}

// HTTP converts c for use on an outgoing request.
func (c Cookie) HTTP() *http.Cookie {
	hc := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Expires:  c.Expires,
		Secure:   c.Secure,
		HttpOnly: c.HTTPOnly,
	}
	switch strings.ToLower(c.SameSite) {
	case "lax":
		hc.SameSite = http.SameSiteLaxMode
	case "strict":
		hc.SameSite = http.SameSiteStrictMode
	case "none":
		hc.SameSite = http.SameSiteNoneMode
	}
	return hc
}

// FromHTTP converts a response cookie. A missing domain is scoped to host,
// and Max-Age takes precedence over Expires.
func FromHTTP(hc *http.Cookie, host string, now time.Time) Cookie {
	c := Cookie{
		Name:     hc.Name,
		Value:    hc.Value,
		Domain:   hc.Domain,
		Path:     hc.Path,
		Expires:  hc.Expires,
		Secure:   hc.Secure,
		HTTPOnly: hc.HttpOnly,
	}
	if c.Domain == "" {
		c.Domain = host
	}
	if c.Path == "" {
		c.Path = "/"
	}
	switch {
	case hc.MaxAge > 0:
		c.Expires = now.Add(time.Duration(hc.MaxAge) * time.Second)
	case hc.MaxAge < 0:
		c.Expires = time.Unix(0, 0)
	}
	switch hc.SameSite {
	case http.SameSiteLaxMode:
		c.SameSite = "Lax"
	case http.SameSiteStrictMode:
		c.SameSite = "Strict"
	case http.SameSiteNoneMode:
		c.SameSite = "None"
	}
	return c
}

// FromResponse converts all Set-Cookie values of a response for o.
func FromResponse(hcs []*http.Cookie, o origin.Origin, now time.Time) []Cookie {
	out := make([]Cookie, 0, len(hcs))
	for _, hc := range hcs {
		if hc == nil || hc.Name == "" {
			continue
		}
		out = append(out, FromHTTP(hc, o.Host, now))
	}
	return out
}

func normalizeDomain(d string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), ".")
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	return p
}
