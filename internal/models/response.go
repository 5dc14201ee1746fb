package models

import (
	"errors"

	"github.com/jmylchreest/alita/internal/failure"
	"github.com/jmylchreest/alita/internal/pool"
)

// ProxyResponse is returned for every successful fetch.
type ProxyResponse struct {
	StatusCode  int               `json:"status_code"`
	UsedBrowser bool              `json:"used_browser"`
	Headers     map[string]string `json:"headers"`
	Body        string            `json:"body"`
}

// FetchOutput wraps ProxyResponse for huma.
type FetchOutput struct {
	Body ProxyResponse
}

// ErrorResponse is the body of a failed fetch. It implements huma.StatusError
// so handlers can return it directly.
type ErrorResponse struct {
	Status  int    `json:"-"`
	Kind    string `json:"kind"`
	Origin  string `json:"origin,omitempty"`
	Message string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	return e.Message
}

// GetStatus returns the HTTP status for the error.
func (e *ErrorResponse) GetStatus() int {
	return e.Status
}

// NewErrorResponse classifies err into an ErrorResponse.
func NewErrorResponse(err error) *ErrorResponse {
	kind := failure.KindOf(err)
	resp := &ErrorResponse{
		Status:  failure.HTTPStatus(kind),
		Kind:    string(kind),
		Message: err.Error(),
	}
	var fe *failure.Error
	if errors.As(err, &fe) {
		resp.Origin = fe.Origin
	}
	return resp
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status      string     `json:"status"`
	Version     string     `json:"version"`
	Browser     string     `json:"browser"`
	BrowserTabs int        `json:"browser_tabs"`
	Pool        pool.Stats `json:"pool"`
	CachedSites int        `json:"cached_sites"`
	Uptime      int64      `json:"uptime_seconds"`
}

// HealthOutput wraps HealthResponse for huma.
type HealthOutput struct {
	Body HealthResponse
}
