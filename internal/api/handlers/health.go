package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/alita/internal/browser"
	"github.com/jmylchreest/alita/internal/cookies"
	"github.com/jmylchreest/alita/internal/models"
	"github.com/jmylchreest/alita/internal/pool"
	"github.com/jmylchreest/alita/internal/version"
)

// HealthHandler handles health check requests.
type HealthHandler struct {
	pool    *pool.Pool
	browser *browser.Supervisor
	cache   *cookies.Cache
	started time.Time
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(p *pool.Pool, sup *browser.Supervisor, cache *cookies.Cache) *HealthHandler {
	return &HealthHandler{pool: p, browser: sup, cache: cache, started: time.Now()}
}

// Handle returns the health status.
func (h *HealthHandler) Handle(ctx context.Context) *models.HealthResponse {
	return &models.HealthResponse{
		Status:      "healthy",
		Version:     version.Get().Version,
		Browser:     string(h.browser.State()),
		BrowserTabs: h.browser.ActiveTabs(),
		Pool:        h.pool.Stats(),
		CachedSites: h.cache.Len(),
		Uptime:      int64(time.Since(h.started).Seconds()),
	}
}

// Register adds GET /health to api.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns health status, pool statistics and browser state",
		Tags:        []string{"Health"},
	}, func(ctx context.Context, input *struct{}) (*models.HealthOutput, error) {
		return &models.HealthOutput{Body: *h.Handle(ctx)}, nil
	})
}
