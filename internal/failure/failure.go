// Package failure defines the error taxonomy surfaced by the fetch proxy.
//
// Every error that reaches the HTTP surface is a *Error carrying a Kind and
// the origin it relates to, so operators can tell "site down" apart from
// "challenge unsolvable" and "browser capacity exhausted".
package failure

import (
	"context"
	"errors"
	"net/http"
)

// Kind classifies a failure.
type Kind string

const (
	// KindInvalidRequest indicates a malformed request (bad URL, bad selector).
	KindInvalidRequest Kind = "InvalidRequest"
	// KindNetwork indicates the direct fetch or navigation could not reach the site.
	KindNetwork Kind = "NetworkError"
	// KindReadyStateTimeout indicates the document never reached the target ready-state.
	KindReadyStateTimeout Kind = "ReadyStateTimeout"
	// KindSelectorTimeout indicates the wait selector never appeared.
	KindSelectorTimeout Kind = "SelectorTimeout"
	// KindBrowserUnavailable indicates the browser process could not be (re)started.
	KindBrowserUnavailable Kind = "BrowserUnavailable"
	// KindPoolExhausted indicates the caller gave up waiting for a tab lease.
	KindPoolExhausted Kind = "PoolExhaustedTimeout"
	// KindChallengeUnsolved indicates a block selector still matched after escalation.
	KindChallengeUnsolved Kind = "ChallengeUnsolved"
	// KindCanceled indicates the caller went away.
	KindCanceled Kind = "Canceled"
	// KindInternal is anything else.
	KindInternal Kind = "Internal"
)

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Origin  string
	Message string
	Cause   error
}

// New creates an Error without a cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error around cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithOrigin returns a copy of e bound to origin. Errors produced by a shared
// browser resolution are handed to several callers, so they are never mutated.
func (e *Error) WithOrigin(origin string) *Error {
	cp := *e
	cp.Origin = origin
	return &cp
}

// KindOf classifies an arbitrary error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindInternal
}

// From converts err into a *Error, keeping an existing classification.
func From(err error, fallback Kind) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(KindCanceled, err, "request canceled")
	}
	return Wrap(fallback, err, "")
}

// HTTPStatus maps a kind to the status code returned to clients.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindNetwork, KindChallengeUnsolved:
		return http.StatusBadGateway
	case KindReadyStateTimeout, KindSelectorTimeout, KindPoolExhausted:
		return http.StatusGatewayTimeout
	case KindBrowserUnavailable:
		return http.StatusServiceUnavailable
	case KindCanceled:
		// nginx convention for "client closed request"
		return 499
	default:
		return http.StatusInternalServerError
	}
}
