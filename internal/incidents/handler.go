// Package incidents provides the operator HTTP API over incidents, agent runs,
// repository pipelines and remediation memories.
package incidents

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/bissquit/devops-guardian/internal/agents"
	"github.com/bissquit/devops-guardian/internal/domain"
	"github.com/bissquit/devops-guardian/internal/memory"
	"github.com/bissquit/devops-guardian/internal/orchestrator"
	"github.com/bissquit/devops-guardian/internal/pkg/httputil"
	"github.com/bissquit/devops-guardian/internal/scm"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// Recall bounds.
const (
	DefaultSimilarLimit = 2
	MaxSimilarLimit     = 20
)

// IncidentService reads incidents and accepts operator decisions.
type IncidentService interface {
	GetActiveIncidents(ctx context.Context) ([]*domain.Incident, error)
	GetIncident(ctx context.Context, id string) (*domain.Incident, error)
	ListRuns(ctx context.Context, id string) ([]*domain.AgentRun, error)
	Approve(ctx context.Context, id, actor string) error
	Reject(ctx context.Context, id, actor, reason string) error
	RequestVerification(ctx context.Context, id, actor string) error
	Abort(ctx context.Context, id, actor, reason string) (*domain.Incident, error)
}

// PipelineService analyzes and generates repository pipelines.
type PipelineService interface {
	Analyze(ctx context.Context, repo domain.RepoRef) (*agents.PipelineAnalysis, error)
	Generate(ctx context.Context, req agents.GenerateRequest) (*agents.GenerateResult, error)
}

// MemoryService stores and recalls remediation episodes.
type MemoryService interface {
	StoreMemory(ctx context.Context, content string, memType domain.MemoryType, tags []string) (*domain.Memory, error)
	FindSimilar(ctx context.Context, query string, limit int) []domain.ScoredMemory
}

// Handler handles HTTP requests for the incidents module.
type Handler struct {
	incidents IncidentService
	pipelines PipelineService
	memories  MemoryService
	validator *validator.Validate
}

// NewHandler creates a new incidents handler.
func NewHandler(incidents IncidentService, pipelines PipelineService, memories MemoryService) *Handler {
	return &Handler{
		incidents: incidents,
		pipelines: pipelines,
		memories:  memories,
		validator: validator.New(),
	}
}

// RegisterRoutes registers read routes. Paths are flat so they can share the
// /incidents prefix with the public ingestion route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/incidents/active", h.ListActive)
	r.Get("/incidents/{id}", h.GetIncident)
	r.Get("/incidents/{id}/runs", h.ListRuns)
	r.Get("/memories/similar", h.FindSimilar)
}

// RegisterOperatorRoutes registers routes that require operator role.
func (h *Handler) RegisterOperatorRoutes(r chi.Router) {
	r.Post("/incidents/{id}/approve", h.Approve)
	r.Post("/incidents/{id}/reject", h.Reject)
	r.Post("/incidents/{id}/verify", h.Verify)
	r.Post("/incidents/{id}/abort", h.Abort)

	r.Post("/repos/{owner}/{repo}/pipeline", h.GeneratePipeline)
	r.Post("/repos/{owner}/{repo}/pipeline/analyze", h.AnalyzePipeline)

	r.Post("/memories", h.StoreMemory)
}

// RejectRequest represents the request body for rejecting a fix.
type RejectRequest struct {
	Reason string `json:"reason" validate:"max=2000"`
}

// AbortRequest represents the request body for aborting an incident.
type AbortRequest struct {
	Reason string `json:"reason" validate:"max=2000"`
}

// RepoRequest optionally names the credential set for a repository.
type RepoRequest struct {
	CredentialsRef string `json:"credentials_ref" validate:"max=255"`
}

// GeneratePipelineRequest represents the request body for generating a pipeline.
type GeneratePipelineRequest struct {
	Type           string            `json:"type" validate:"required,max=64"`
	Envs           map[string]string `json:"envs" validate:"max=100,dive,keys,required,max=255,endkeys"`
	CredentialsRef string            `json:"credentials_ref" validate:"max=255"`
}

// StoreMemoryRequest represents the request body for storing a memory.
type StoreMemoryRequest struct {
	Content string            `json:"content" validate:"required,max=20000"`
	Type    domain.MemoryType `json:"type" validate:"required,oneof=POSITIVE NEGATIVE"`
	Tags    []string          `json:"tags" validate:"max=32,dive,required,max=128"`
}

// ListActive handles GET /incidents/active.
func (h *Handler) ListActive(w http.ResponseWriter, r *http.Request) {
	incidents, err := h.incidents.GetActiveIncidents(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if incidents == nil {
		incidents = []*domain.Incident{}
	}
	httputil.Success(w, http.StatusOK, incidents)
}

// GetIncident handles GET /incidents/{id}.
func (h *Handler) GetIncident(w http.ResponseWriter, r *http.Request) {
	incident, err := h.incidents.GetIncident(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, incident)
}

// ListRuns handles GET /incidents/{id}/runs.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.incidents.ListRuns(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*domain.AgentRun{}
	}
	httputil.Success(w, http.StatusOK, runs)
}

// Approve handles POST /incidents/{id}/approve.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.incidents.Approve(r.Context(), id, httputil.GetSubject(r.Context())); err != nil {
		h.handleError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusAccepted, map[string]string{"id": id, "decision": "approve"})
}

// Reject handles POST /incidents/{id}/reject.
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req RejectRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.Error(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	if err := h.incidents.Reject(r.Context(), id, httputil.GetSubject(r.Context()), req.Reason); err != nil {
		h.handleError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusAccepted, map[string]string{"id": id, "decision": "reject"})
}

// Verify handles POST /incidents/{id}/verify.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.incidents.RequestVerification(r.Context(), id, httputil.GetSubject(r.Context())); err != nil {
		h.handleError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusAccepted, map[string]string{"id": id, "decision": "verify"})
}

// Abort handles POST /incidents/{id}/abort. The incident fails immediately
// and any stage running for it is cancelled.
func (h *Handler) Abort(w http.ResponseWriter, r *http.Request) {
	var req AbortRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.Error(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	incident, err := h.incidents.Abort(r.Context(), chi.URLParam(r, "id"), httputil.GetSubject(r.Context()), req.Reason)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, incident)
}

// AnalyzePipeline handles POST /repos/{owner}/{repo}/pipeline/analyze.
func (h *Handler) AnalyzePipeline(w http.ResponseWriter, r *http.Request) {
	var req RepoRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.Error(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	analysis, err := h.pipelines.Analyze(r.Context(), repoRef(r, req.CredentialsRef))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, analysis)
}

// GeneratePipeline handles POST /repos/{owner}/{repo}/pipeline.
func (h *Handler) GeneratePipeline(w http.ResponseWriter, r *http.Request) {
	var req GeneratePipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	result, err := h.pipelines.Generate(r.Context(), agents.GenerateRequest{
		Repo: repoRef(r, req.CredentialsRef),
		Type: req.Type,
		Envs: req.Envs,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusCreated, result)
}

// StoreMemory handles POST /memories.
func (h *Handler) StoreMemory(w http.ResponseWriter, r *http.Request) {
	var req StoreMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	m, err := h.memories.StoreMemory(r.Context(), req.Content, req.Type, req.Tags)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusCreated, m)
}

// FindSimilar handles GET /memories/similar?q=...&limit=N.
func (h *Handler) FindSimilar(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		httputil.Error(w, http.StatusBadRequest, "q is required")
		return
	}

	limit := DefaultSimilarLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 0 {
			httputil.Error(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		if parsed > MaxSimilarLimit {
			parsed = MaxSimilarLimit
		}
		limit = parsed
	}

	httputil.Success(w, http.StatusOK, h.memories.FindSimilar(r.Context(), query, limit))
}

func repoRef(r *http.Request, credentialsRef string) domain.RepoRef {
	return domain.RepoRef{
		Owner:          chi.URLParam(r, "owner"),
		Name:           chi.URLParam(r, "repo"),
		CredentialsRef: credentialsRef,
	}
}

var errorMappings = []httputil.ErrorMapping{
	{Error: orchestrator.ErrIncidentNotFound, Status: http.StatusNotFound},
	{Error: orchestrator.ErrInvalidTransition, Status: http.StatusConflict},
	{Error: orchestrator.ErrNotVerified, Status: http.StatusConflict, Message: "latest verification did not pass, request a new verification"},
	{Error: orchestrator.ErrQueueFull, Status: http.StatusServiceUnavailable},
	{Error: agents.ErrInvalidInput, Status: http.StatusBadRequest},
	{Error: scm.ErrNoCredentials, Status: http.StatusPreconditionFailed},
	{Error: scm.ErrNotFound, Status: http.StatusNotFound, Message: "repository not found"},
	{Error: memory.ErrEmptyContent, Status: http.StatusBadRequest},
	{Error: memory.ErrInvalidType, Status: http.StatusBadRequest},
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var failure *agents.Failure
	if errors.As(err, &failure) {
		switch failure.Kind {
		case agents.FailureValidation:
			httputil.Error(w, http.StatusBadRequest, failure.Message)
		case agents.FailureConfiguration:
			httputil.Error(w, http.StatusPreconditionFailed, failure.Message)
		case agents.FailureVerification:
			httputil.Fail(w, http.StatusUnprocessableEntity, httputil.ErrorBody{
				Message: failure.Message,
				Logs:    failure.Logs,
			})
		default:
			httputil.Error(w, http.StatusBadGateway, failure.Message)
		}
		return
	}
	httputil.HandleError(r.Context(), w, err, errorMappings)
}
