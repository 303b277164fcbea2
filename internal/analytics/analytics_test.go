package analytics

import (
	"testing"
	"time"

	"github.com/bissquit/devops-guardian/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(t time.Time) *time.Time { return &t }

func TestMeanTimeToResolve(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		resolutions []Resolution
		want        MTTR
	}{
		{name: "empty", want: MTTR{}},
		{
			name:        "unresolved only",
			resolutions: []Resolution{{CreatedAt: base}},
			want:        MTTR{},
		},
		{
			name: "missing resolution time is excluded from sum and count",
			resolutions: []Resolution{
				{CreatedAt: base, ResolvedAt: ptr(base.Add(60 * time.Second))},
				{CreatedAt: base, ResolvedAt: ptr(base.Add(121 * time.Second))},
				{CreatedAt: base},
			},
			want: MTTR{AverageSeconds: 91, Count: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MeanTimeToResolve(tt.resolutions))
		})
	}
}

func TestClassifySelfHealing(t *testing.T) {
	completed := domain.RunStatusCompleted
	failed := domain.RunStatusFailed

	t.Run("three first pass and one retried give 25", func(t *testing.T) {
		stats := ClassifySelfHealing("Verify", [][]domain.RunStatus{
			{completed},
			{completed},
			{completed},
			{failed, completed},
		})

		assert.Equal(t, SelfHealingStats{
			Stage:            "Verify",
			FirstPassSuccess: 3,
			RetriedSuccess:   1,
			TotalResolved:    4,
			SelfHealingRate:  25,
		}, stats)
	})

	t.Run("failures", func(t *testing.T) {
		stats := ClassifySelfHealing("Verify", [][]domain.RunStatus{
			{},
			{failed},
			{failed, failed},
			{failed, failed, completed},
		})

		assert.Equal(t, 0, stats.FirstPassSuccess)
		assert.Equal(t, 1, stats.RetriedSuccess)
		assert.Equal(t, 3, stats.TotalFailed)
		assert.Equal(t, 100, stats.SelfHealingRate)
	})

	t.Run("re-verifications after success are ignored", func(t *testing.T) {
		stats := ClassifySelfHealing("Verify", [][]domain.RunStatus{
			{completed, completed},
			{completed, failed, completed},
			{failed, completed, completed},
		})

		assert.Equal(t, 2, stats.FirstPassSuccess)
		assert.Equal(t, 1, stats.RetriedSuccess)
		assert.Zero(t, stats.TotalFailed)
		assert.Equal(t, 33, stats.SelfHealingRate)
	})

	t.Run("no data", func(t *testing.T) {
		assert.Zero(t, ClassifySelfHealing("Verify", nil).SelfHealingRate)
	})

	t.Run("rounding", func(t *testing.T) {
		stats := ClassifySelfHealing("Verify", [][]domain.RunStatus{
			{completed}, {failed, completed}, {failed, completed},
		})
		assert.Equal(t, 67, stats.SelfHealingRate)
	})
}

func TestPerformance(t *testing.T) {
	got := Performance([]RunCount{
		{AgentName: "RCA", Status: domain.RunStatusCompleted, Count: 4},
		{AgentName: "RCA", Status: domain.RunStatusFailed, Count: 1},
		{AgentName: "Verify", Status: domain.RunStatusWorking, Count: 2},
		{AgentName: "Verify", Status: domain.RunStatusFailed, Count: 3},
	})

	assert.Equal(t, map[string]AgentPerformance{
		"RCA":    {Completed: 4, Failed: 1},
		"Verify": {Failed: 3},
	}, got)
}

func TestNewSummary(t *testing.T) {
	s := NewSummary(Counts{Total: 3, Resolved: 2, Critical: 1}, MTTR{AverageSeconds: 42, Count: 2})

	assert.Equal(t, Summary{
		TotalIncidents:    3,
		ResolvedIncidents: 2,
		CriticalIncidents: 1,
		AvgMTTR:           42,
		SuccessRate:       67,
	}, s)
	assert.Zero(t, NewSummary(Counts{}, MTTR{}).SuccessRate)
}

func TestTrend(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)

	points := Trend([]Created{
		{CreatedAt: time.Date(2026, 3, 8, 1, 0, 0, 0, time.UTC), Status: domain.StatusResolved},
		{CreatedAt: time.Date(2026, 3, 8, 23, 0, 0, 0, time.UTC), Status: domain.StatusFailed},
		{CreatedAt: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), Status: domain.StatusAnalyzing},
		{CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), Status: domain.StatusResolved},
	}, now, 3)

	require.Len(t, points, 3)
	assert.Equal(t, TrendPoint{Date: "2026-03-08", Total: 2, Resolved: 1}, points[0])
	assert.Equal(t, TrendPoint{Date: "2026-03-09"}, points[1])
	assert.Equal(t, TrendPoint{Date: "2026-03-10", Total: 1}, points[2])

	assert.Equal(t, time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC), TrendStart(now, 3))
	assert.Empty(t, Trend(nil, now, 0))
}

func TestNewActivity(t *testing.T) {
	created := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	withRepo := &domain.Incident{
		ID: "inc-1", Title: "Build failed", Severity: domain.SeverityCritical, Status: domain.StatusResolved,
		Source: domain.SourceGitHub, CreatedAt: created,
		Metadata: map[string]any{domain.MetaOwner: "acme", domain.MetaRepo: "web"},
	}

	a := NewActivity(withRepo)
	assert.Equal(t, "acme/web", a.Repo)
	assert.Equal(t, created, a.Timestamp)
	assert.Equal(t, domain.SourceGitHub, a.Source)

	assert.Equal(t, "Unknown", NewActivity(&domain.Incident{ID: "inc-2"}).Repo)
}
