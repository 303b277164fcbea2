// Package ingest accepts canonical incident events over HTTP and hands them
// to the orchestrator queue.
package ingest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bissquit/devops-guardian/internal/domain"
	"github.com/bissquit/devops-guardian/internal/orchestrator"
	"github.com/bissquit/devops-guardian/internal/pkg/ctxlog"
	"github.com/bissquit/devops-guardian/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// TokenHeader carries the optional shared ingestion token.
const TokenHeader = "X-Guardian-Token"

const maxBodyBytes = 1 << 20

// Submitter queues incident events.
type Submitter interface {
	HandleIncident(ctx context.Context, event domain.IncidentEvent) (*orchestrator.Submission, error)
}

// Handler serves the ingestion endpoint.
type Handler struct {
	submitter Submitter
	limiter   *IPLimiter
	token     string
	validator *validator.Validate
}

// NewHandler creates a new ingestion handler. An empty token accepts
// unauthenticated events; a nil limiter disables rate limiting.
func NewHandler(submitter Submitter, limiter *IPLimiter, token string) *Handler {
	return &Handler{
		submitter: submitter,
		limiter:   limiter,
		token:     token,
		validator: validator.New(),
	}
}

// RegisterRoutes registers the public ingestion route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		if h.limiter != nil {
			r.Use(h.limiter.Middleware)
		}
		r.Post("/incidents", h.CreateIncident)
	})
}

// CreateIncident handles POST /incidents.
func (h *Handler) CreateIncident(w http.ResponseWriter, r *http.Request) {
	if h.token != "" {
		got := r.Header.Get(TokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
			httputil.Error(w, http.StatusUnauthorized, "invalid ingestion token")
			return
		}
	}

	var event domain.IncidentEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&event); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(event); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	submission, err := h.submitter.HandleIncident(r.Context(), event)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	status := http.StatusAccepted
	if submission.Duplicate {
		status = http.StatusOK
	}
	httputil.Success(w, status, submission)
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidEvent):
		httputil.ValidationError(w, err)
	case errors.Is(err, orchestrator.ErrQueueFull):
		w.Header().Set("Retry-After", "30")
		httputil.Error(w, http.StatusServiceUnavailable, "incident queue is full")
	default:
		ctxlog.FromContext(r.Context()).Error("failed to accept incident", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "internal error")
	}
}
