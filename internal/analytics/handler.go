package analytics

import (
	"net/http"
	"strconv"

	"github.com/bissquit/devops-guardian/internal/pkg/ctxlog"
	"github.com/bissquit/devops-guardian/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
)

// Query bounds.
const (
	DefaultTrendDays     = 7
	MaxTrendDays         = 90
	DefaultActivityLimit = 5
	MaxActivityLimit     = 50
)

// Handler serves the analytics API.
type Handler struct {
	service *Service
}

// NewHandler creates a new analytics handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers read-only analytics routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/analytics", func(r chi.Router) {
		r.Get("/mttr", h.GetMTTR)
		r.Get("/self-healing", h.GetSelfHealing)
		r.Get("/severity-distribution", h.GetSeverityDistribution)
		r.Get("/agent-performance", h.GetAgentPerformance)
		r.Get("/summary", h.GetSummary)
		r.Get("/trend", h.GetTrend)
		r.Get("/recent-activity", h.GetRecentActivity)
	})
}

// GetMTTR handles GET /analytics/mttr.
func (h *Handler) GetMTTR(w http.ResponseWriter, r *http.Request) {
	mttr, err := h.service.MTTR(r.Context())
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, mttr)
}

// GetSelfHealing handles GET /analytics/self-healing.
func (h *Handler) GetSelfHealing(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.SelfHealing(r.Context())
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, stats)
}

// GetSeverityDistribution handles GET /analytics/severity-distribution.
func (h *Handler) GetSeverityDistribution(w http.ResponseWriter, r *http.Request) {
	counts, err := h.service.SeverityDistribution(r.Context())
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, map[string]interface{}{"distribution": counts})
}

// GetAgentPerformance handles GET /analytics/agent-performance.
func (h *Handler) GetAgentPerformance(w http.ResponseWriter, r *http.Request) {
	performance, err := h.service.AgentPerformance(r.Context())
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, map[string]interface{}{"performance": performance})
}

// GetSummary handles GET /analytics/summary.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.Summary(r.Context())
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, summary)
}

// GetTrend handles GET /analytics/trend?days=N.
func (h *Handler) GetTrend(w http.ResponseWriter, r *http.Request) {
	days, ok := positiveParam(w, r, "days", DefaultTrendDays, MaxTrendDays)
	if !ok {
		return
	}

	trend, err := h.service.Trend(r.Context(), days)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, map[string]interface{}{"days": days, "trend": trend})
}

// GetRecentActivity handles GET /analytics/recent-activity?limit=N.
func (h *Handler) GetRecentActivity(w http.ResponseWriter, r *http.Request) {
	limit, ok := positiveParam(w, r, "limit", DefaultActivityLimit, MaxActivityLimit)
	if !ok {
		return
	}

	activities, err := h.service.RecentActivity(r.Context(), limit)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, map[string]interface{}{"activities": activities})
}

// positiveParam parses an optional positive integer query parameter, capped at max.
func positiveParam(w http.ResponseWriter, r *http.Request, name string, def, max int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 1 {
		httputil.Error(w, http.StatusBadRequest, name+" must be a positive integer")
		return 0, false
	}
	if parsed > max {
		parsed = max
	}
	return parsed, true
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	ctxlog.FromContext(r.Context()).Error("analytics query failed", "error", err)
	httputil.Error(w, http.StatusInternalServerError, "internal error")
}
