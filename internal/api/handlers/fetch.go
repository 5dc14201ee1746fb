// Package handlers provides HTTP handlers for the fetch proxy API.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/alita/internal/failure"
	"github.com/jmylchreest/alita/internal/logging"
	"github.com/jmylchreest/alita/internal/metrics"
	"github.com/jmylchreest/alita/internal/models"
)

// Fetcher is the orchestrator behind the fetch endpoints.
type Fetcher interface {
	Handle(ctx context.Context, req *models.ProxyRequest) (*models.ProxyResponse, error)
}

// FetchHandler handles fetch requests.
type FetchHandler struct {
	svc     Fetcher
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewFetchHandler creates a new fetch handler.
func NewFetchHandler(svc Fetcher, m *metrics.Metrics, logger *slog.Logger) *FetchHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FetchHandler{svc: svc, metrics: m, logger: logger}
}

// Handle runs one fetch and converts failures into API errors.
func (h *FetchHandler) Handle(ctx context.Context, path string, req *models.ProxyRequest) (*models.FetchOutput, error) {
	start := time.Now()
	resp, err := h.svc.Handle(ctx, req)
	elapsed := time.Since(start)

	if err != nil {
		kind := failure.KindOf(err)
		h.metrics.ObserveRequest(path, string(kind), elapsed)

		logger := logging.FromContext(ctx, h.logger)
		if failure.HTTPStatus(kind) >= http.StatusInternalServerError && kind != failure.KindCanceled {
			logger.Warn("fetch failed", "url", req.URL, "kind", kind, "error", err)
		} else {
			logger.Debug("fetch rejected", "url", req.URL, "kind", kind, "error", err)
		}
		return nil, models.NewErrorResponse(err)
	}

	outcome := "direct"
	if resp.UsedBrowser {
		outcome = "browser"
	}
	h.metrics.ObserveRequest(path, outcome, elapsed)
	return &models.FetchOutput{Body: *resp}, nil
}

// fetchPaths maps each fetch path to its operation ID suffix. "/get" is the
// older POST-only path.
var fetchPaths = []struct {
	path    string
	suffix  string
	getForm bool
}{
	{"/", "Root", true},
	{"/v1/fetch", "", true},
	{"/get", "Legacy", false},
}

// Register adds the fetch operations to api: POST and GET on "/" and
// "/v1/fetch", and POST on "/get".
func (h *FetchHandler) Register(api huma.API) {
	for _, fp := range fetchPaths {
		path := fp.path

		huma.Register(api, huma.Operation{
			OperationID:   "fetchPost" + fp.suffix,
			Method:        http.MethodPost,
			Path:          path,
			Summary:       "Fetch a URL",
			Description:   "Fetches the URL directly and escalates to a browser when the response matches a block element",
			Tags:          []string{"Fetch"},
			DefaultStatus: http.StatusOK,
		}, func(ctx context.Context, input *models.FetchBody) (*models.FetchOutput, error) {
			return h.Handle(ctx, path, &input.Body)
		})

		if !fp.getForm {
			continue
		}
		huma.Register(api, huma.Operation{
			OperationID:   "fetchGet" + fp.suffix,
			Method:        http.MethodGet,
			Path:          path,
			Summary:       "Fetch a URL (query form)",
			Description:   "Same as the POST form with fields as query parameters; arrays are repeated keys",
			Tags:          []string{"Fetch"},
			DefaultStatus: http.StatusOK,
		}, func(ctx context.Context, input *models.FetchQuery) (*models.FetchOutput, error) {
			req := input.Request()
			return h.Handle(ctx, path, &req)
		})
	}
}
