// Package browser drives a real browser for pages that block the direct
// client, and manages the lifecycle of the browser process.
package browser

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmylchreest/alita/internal/cookies"
)

// ReadyState mirrors document.readyState.
type ReadyState int

const (
	ReadyStateUnknown ReadyState = iota
	ReadyStateLoading
	ReadyStateInteractive
	ReadyStateComplete
)

// ParseReadyState parses a document.readyState value.
func ParseReadyState(s string) (ReadyState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "loading":
		return ReadyStateLoading, nil
	case "interactive":
		return ReadyStateInteractive, nil
	case "complete":
		return ReadyStateComplete, nil
	}
	return ReadyStateUnknown, fmt.Errorf("unknown ready state %q", s)
}

func (r ReadyState) String() string {
	switch r {
	case ReadyStateLoading:
		return "loading"
	case ReadyStateInteractive:
		return "interactive"
	case ReadyStateComplete:
		return "complete"
	}
	return "unknown"
}

// Reached reports whether r is at or past target.
func (r ReadyState) Reached(target ReadyState) bool {
	return r != ReadyStateUnknown && r >= target
}

// Document is the main-frame document response observed by a tab.
type Document struct {
	StatusCode int
	Headers    map[string]string
}

// Snapshot is a response replayed into a tab instead of hitting the network,
// so the challenge the direct client received runs in the browser without a
// second request to the origin.
type Snapshot struct {
	StatusCode int
	Headers    map[string]string
	Body       string
}

// Tab is one isolated browsing context. A Tab is used by a single goroutine.
type Tab interface {
	ID() string
	SetCookies(ctx context.Context, url string, cookies []cookies.Cookie) error
	// Navigate starts loading url. When replay is non-nil it is served for
	// the first document request to url.
	Navigate(ctx context.Context, url string, replay *Snapshot) error
	ReadyState(ctx context.Context) (ReadyState, error)
	Has(ctx context.Context, selector string) (bool, error)
	HTML(ctx context.Context) (string, error)
	Cookies(ctx context.Context, url string) ([]cookies.Cookie, error)
	// Document returns the last main-frame document response, if any.
	Document() (Document, bool)
	Close() error
}

// Process is a running browser.
type Process interface {
	ID() string
	NewTab(ctx context.Context) (Tab, error)
	Stop() error
}

// Engine launches browser processes.
type Engine interface {
	Start(ctx context.Context) (Process, error)
}

// TabOpener hands out tabs on a managed process.
type TabOpener interface {
	NewTab(ctx context.Context) (Tab, error)
}
