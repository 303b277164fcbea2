package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bissquit/devops-guardian/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	resolutions []Resolution
	histories   map[string][][]domain.RunStatus
	severities  []SeverityCount
	runs        []RunCount
	counts      Counts
	created     []Created
	recent      []*domain.Incident

	since      time.Time
	limit      int
	stageAsked string
	err        error
}

func (f *fakeRepo) ListResolutions(context.Context) ([]Resolution, error) {
	return f.resolutions, f.err
}

func (f *fakeRepo) ListStageHistories(_ context.Context, stage string) ([][]domain.RunStatus, error) {
	f.stageAsked = stage
	return f.histories[stage], f.err
}

func (f *fakeRepo) CountBySeverity(context.Context) ([]SeverityCount, error) {
	return f.severities, f.err
}

func (f *fakeRepo) CountRuns(context.Context) ([]RunCount, error) {
	return f.runs, f.err
}

func (f *fakeRepo) CountIncidents(context.Context) (Counts, error) {
	return f.counts, f.err
}

func (f *fakeRepo) ListCreatedSince(_ context.Context, since time.Time) ([]Created, error) {
	f.since = since
	return f.created, f.err
}

func (f *fakeRepo) ListRecent(_ context.Context, limit int) ([]*domain.Incident, error) {
	f.limit = limit
	if len(f.recent) > limit {
		return f.recent[:limit], f.err
	}
	return f.recent, f.err
}

func newTestRouter(repo *fakeRepo, stage string) (http.Handler, *Service) {
	svc := NewService(repo, stage)
	svc.now = func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }

	r := chi.NewRouter()
	NewHandler(svc).RegisterRoutes(r)
	return r, svc
}

func get(t *testing.T, h http.Handler, path string) (int, map[string]json.RawMessage) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestHandler_SelfHealingUsesConfiguredStage(t *testing.T) {
	completed := domain.RunStatusCompleted
	repo := &fakeRepo{histories: map[string][][]domain.RunStatus{
		"Verify": {{completed}, {completed}, {completed}, {domain.RunStatusFailed, completed}},
	}}
	h, _ := newTestRouter(repo, "")

	status, body := get(t, h, "/analytics/self-healing")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Verify", repo.stageAsked)

	var stats SelfHealingStats
	require.NoError(t, json.Unmarshal(body["data"], &stats))
	assert.Equal(t, 25, stats.SelfHealingRate)
	assert.Equal(t, 4, stats.TotalResolved)
}

func TestHandler_Summary(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	resolved := base.Add(10 * time.Minute)
	repo := &fakeRepo{
		counts:      Counts{Total: 4, Resolved: 1, Critical: 2},
		resolutions: []Resolution{{CreatedAt: base, ResolvedAt: &resolved}},
	}
	h, _ := newTestRouter(repo, "")

	status, body := get(t, h, "/analytics/summary")
	require.Equal(t, http.StatusOK, status)

	var summary Summary
	require.NoError(t, json.Unmarshal(body["data"], &summary))
	assert.Equal(t, Summary{TotalIncidents: 4, ResolvedIncidents: 1, CriticalIncidents: 2, AvgMTTR: 600, SuccessRate: 25}, summary)
}

func TestHandler_Trend(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		status   int
		wantDays int
	}{
		{name: "default", query: "", status: http.StatusOK, wantDays: DefaultTrendDays},
		{name: "explicit", query: "?days=3", status: http.StatusOK, wantDays: 3},
		{name: "capped", query: "?days=1000", status: http.StatusOK, wantDays: MaxTrendDays},
		{name: "zero", query: "?days=0", status: http.StatusBadRequest},
		{name: "garbage", query: "?days=abc", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &fakeRepo{}
			h, svc := newTestRouter(repo, "")

			status, body := get(t, h, "/analytics/trend"+tt.query)
			require.Equal(t, tt.status, status)
			if tt.status != http.StatusOK {
				assert.Contains(t, string(body["error"]), "days must be a positive integer")
				return
			}

			var data struct {
				Days  int          `json:"days"`
				Trend []TrendPoint `json:"trend"`
			}
			require.NoError(t, json.Unmarshal(body["data"], &data))
			assert.Equal(t, tt.wantDays, data.Days)
			assert.Len(t, data.Trend, tt.wantDays)
			assert.Equal(t, TrendStart(svc.now(), tt.wantDays), repo.since)
		})
	}
}

func TestHandler_RecentActivity(t *testing.T) {
	repo := &fakeRepo{}
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		repo.recent = append(repo.recent, &domain.Incident{ID: id, Metadata: map[string]any{domain.MetaOwner: "acme", domain.MetaRepo: id}})
	}
	h, _ := newTestRouter(repo, "")

	status, body := get(t, h, "/analytics/recent-activity")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, DefaultActivityLimit, repo.limit)

	var data struct {
		Activities []Activity `json:"activities"`
	}
	require.NoError(t, json.Unmarshal(body["data"], &data))
	require.Len(t, data.Activities, DefaultActivityLimit)
	assert.Equal(t, "acme/a", data.Activities[0].Repo)
}

func TestHandler_DistributionAndPerformance(t *testing.T) {
	repo := &fakeRepo{
		severities: []SeverityCount{{Severity: domain.SeverityCritical, Count: 2}},
		runs:       []RunCount{{AgentName: "PR", Status: domain.RunStatusCompleted, Count: 1}},
	}
	h, _ := newTestRouter(repo, "")

	status, body := get(t, h, "/analytics/severity-distribution")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"distribution":[{"severity":"CRITICAL","count":2}]}`, string(body["data"]))

	status, body = get(t, h, "/analytics/agent-performance")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"performance":{"PR":{"completed":1,"failed":0}}}`, string(body["data"]))

	status, body = get(t, h, "/analytics/mttr")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"average":0,"count":0}`, string(body["data"]))
}

func TestHandler_RepositoryError(t *testing.T) {
	h, _ := newTestRouter(&fakeRepo{err: errors.New("connection refused")}, "")

	for _, path := range []string{
		"/analytics/mttr",
		"/analytics/self-healing",
		"/analytics/severity-distribution",
		"/analytics/agent-performance",
		"/analytics/summary",
		"/analytics/trend",
		"/analytics/recent-activity",
	} {
		status, body := get(t, h, path)
		assert.Equal(t, http.StatusInternalServerError, status, path)
		assert.NotContains(t, string(body["error"]), "connection refused", path)
	}
}
