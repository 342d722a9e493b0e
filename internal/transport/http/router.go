// Package httptransport assembles the public HTTP surface: shared middleware,
// health and metrics endpoints, and the document routes.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"docseal/internal/document/handler"
	"docseal/pkg/platform/httputil"
	authmw "docseal/pkg/platform/middleware/auth"
	"docseal/pkg/platform/middleware/metadata"
	"docseal/pkg/platform/middleware/request"
	"docseal/pkg/platform/middleware/requesttime"
)

// HealthCheck reports one dependency's readiness.
type HealthCheck func(ctx context.Context) error

// Deps is everything the router needs.
type Deps struct {
	Documents      *handler.Handler
	Validator      authmw.JWTValidator
	IssueScope     string
	Logger         *slog.Logger
	Latency        request.LatencyObserver
	Gatherer       prometheus.Gatherer
	RequestTimeout time.Duration
	Checks         map[string]HealthCheck
	VerifyLimiter  func(http.Handler) http.Handler
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// NewRouter wires middleware and routes. Intake requires a bearer token when a
// validator is configured; VerifyLimiter, when set, throttles verification.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(request.Recovery(logger))
	r.Use(request.Logger(logger, d.Latency))
	r.Use(metadata.ClientMetadata)
	r.Use(requesttime.Middleware)
	if d.RequestTimeout > 0 {
		r.Use(request.Timeout(d.RequestTimeout))
	}

	r.Get("/health", healthHandler(d.Checks))
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	guards := handler.Guards{Verify: d.VerifyLimiter}
	if d.Validator != nil {
		guards.Issue = authmw.RequireAuth(d.Validator, d.IssueScope, logger)
	}
	r.Group(func(r chi.Router) {
		r.Use(request.RequireJSON)
		d.Documents.Register(r, guards)
	})
	return r
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		status := http.StatusOK
		if len(checks) > 0 {
			resp.Checks = make(map[string]string, len(checks))
		}
		for name, check := range checks {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			err := check(ctx)
			cancel()
			if err != nil {
				resp.Checks[name] = "down"
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "up"
		}
		httputil.WriteJSON(w, status, resp)
	}
}
