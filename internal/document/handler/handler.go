// Package handler exposes document issuance and verification over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"docseal/internal/document/models"
	"docseal/internal/document/service"
	dErrors "docseal/pkg/domain-errors"
	"docseal/pkg/platform/httputil"
	"docseal/pkg/requestcontext"
)

// Service defines the document operations the handler needs.
type Service interface {
	GenerateSecureDocument(ctx context.Context, req models.DocumentRequest) (*service.IssueResult, error)
	OpenEnvelope(ctx context.Context, env models.SealedEnvelope) (*service.OpenResult, error)
	VerifyToken(ctx context.Context, token string) (models.VerificationPayload, error)
}

type validatable interface {
	Validate() error
}

// Handler wires document endpoints to the document service.
type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(svc Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{service: svc, logger: logger}
}

// Guards wrap route groups. Nil guards leave the routes unwrapped.
type Guards struct {
	Issue  func(http.Handler) http.Handler
	Verify func(http.Handler) http.Handler
}

// Register mounts document endpoints. Issue guards intake; verification
// endpoints are open to relying parties and only throttled by Verify.
func (h *Handler) Register(r chi.Router, g Guards) {
	r.Route("/v1/documents", func(r chi.Router) {
		r.With(middlewares(g.Issue)...).Post("/", h.HandleIssue)
		r.Group(func(r chi.Router) {
			r.Use(middlewares(g.Verify)...)
			r.Post("/verify", h.HandleVerify)
			r.Post("/qr/verify", h.HandleVerifyToken)
		})
	})
}

func middlewares(mw func(http.Handler) http.Handler) []func(http.Handler) http.Handler {
	if mw == nil {
		return nil
	}
	return []func(http.Handler) http.Handler{mw}
}

// HandleIssue handles POST /v1/documents.
func (h *Handler) HandleIssue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

	var req IssueRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.GenerateSecureDocument(ctx, req.Parsed())
	if err != nil {
		h.logger.ErrorContext(ctx, "document issuance failed",
			"request_id", requestID,
			"document_type", req.DocumentType,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "document issued",
		"request_id", requestID,
		"envelope_id", result.Envelope.Metadata.EnvelopeID.String(),
		"anchor_status", string(result.Envelope.Metadata.AnchorStatus),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusCreated, FromIssueResult(result))
}

// HandleVerify handles POST /v1/documents/verify. Verification failures are
// a normal outcome and answer 200 with verified=false.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req VerifyEnvelopeRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.OpenEnvelope(ctx, *req.Envelope)
	if dErrors.HasCode(err, dErrors.CodeVerificationFailed) {
		httputil.WriteJSON(w, http.StatusOK, &VerifyResponse{Error: string(dErrors.CodeVerificationFailed)})
		return
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "envelope open failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromOpenResult(result))
}

// HandleVerifyToken handles POST /v1/documents/qr/verify.
func (h *Handler) HandleVerifyToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req VerifyTokenRequest
	if !h.decode(w, r, &req) {
		return
	}

	payload, err := h.service.VerifyToken(ctx, req.Token)
	if dErrors.HasCode(err, dErrors.CodeVerificationFailed) {
		httputil.WriteJSON(w, http.StatusOK, &VerifyTokenResponse{Error: string(dErrors.CodeVerificationFailed)})
		return
	}
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, &VerifyTokenResponse{Valid: true, Payload: &payload})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, req validatable) bool {
	ctx := r.Context()
	if err := httputil.DecodeJSON(r, req); err != nil {
		h.logger.WarnContext(ctx, "invalid request body",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return false
	}
	if err := req.Validate(); err != nil {
		httputil.WriteError(w, err)
		return false
	}
	return true
}
