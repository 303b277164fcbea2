package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/bissquit/devops-guardian/internal/domain"
)

// Repository reads the aggregates analytics are computed from.
type Repository interface {
	ListResolutions(ctx context.Context) ([]Resolution, error)
	// ListStageHistories returns, per RESOLVED incident, the statuses of its
	// runs of stage ordered by attempt.
	ListStageHistories(ctx context.Context, stage string) ([][]domain.RunStatus, error)
	CountBySeverity(ctx context.Context) ([]SeverityCount, error)
	CountRuns(ctx context.Context) ([]RunCount, error)
	CountIncidents(ctx context.Context) (Counts, error)
	ListCreatedSince(ctx context.Context, since time.Time) ([]Created, error)
	ListRecent(ctx context.Context, limit int) ([]*domain.Incident, error)
}

// Service computes dashboard statistics.
type Service struct {
	repo  Repository
	stage string
	now   func() time.Time
}

// NewService creates a new analytics service. stage is the run history used
// for self-healing classification.
func NewService(repo Repository, stage string) *Service {
	if stage == "" {
		stage = domain.StageVerify
	}
	return &Service{repo: repo, stage: stage, now: time.Now}
}

// MTTR returns the mean time to resolution.
func (s *Service) MTTR(ctx context.Context) (MTTR, error) {
	resolutions, err := s.repo.ListResolutions(ctx)
	if err != nil {
		return MTTR{}, fmt.Errorf("list resolutions: %w", err)
	}
	return MeanTimeToResolve(resolutions), nil
}

// SelfHealing classifies resolved incidents by their stage history.
func (s *Service) SelfHealing(ctx context.Context) (SelfHealingStats, error) {
	histories, err := s.repo.ListStageHistories(ctx, s.stage)
	if err != nil {
		return SelfHealingStats{}, fmt.Errorf("list %s runs: %w", s.stage, err)
	}
	return ClassifySelfHealing(s.stage, histories), nil
}

// SeverityDistribution counts incidents per severity.
func (s *Service) SeverityDistribution(ctx context.Context) ([]SeverityCount, error) {
	counts, err := s.repo.CountBySeverity(ctx)
	if err != nil {
		return nil, fmt.Errorf("count by severity: %w", err)
	}
	return counts, nil
}

// AgentPerformance counts completed and failed runs per stage.
func (s *Service) AgentPerformance(ctx context.Context) (map[string]AgentPerformance, error) {
	counts, err := s.repo.CountRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	return Performance(counts), nil
}

// Summary returns incident totals with MTTR and success rate.
func (s *Service) Summary(ctx context.Context) (Summary, error) {
	counts, err := s.repo.CountIncidents(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("count incidents: %w", err)
	}
	mttr, err := s.MTTR(ctx)
	if err != nil {
		return Summary{}, err
	}
	return NewSummary(counts, mttr), nil
}

// Trend returns per-day incident counts for the last days days.
func (s *Service) Trend(ctx context.Context, days int) ([]TrendPoint, error) {
	now := s.now()
	created, err := s.repo.ListCreatedSince(ctx, TrendStart(now, days))
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	return Trend(created, now, days), nil
}

// RecentActivity returns the latest incidents, newest first.
func (s *Service) RecentActivity(ctx context.Context, limit int) ([]Activity, error) {
	incidents, err := s.repo.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent incidents: %w", err)
	}
	out := make([]Activity, 0, len(incidents))
	for _, inc := range incidents {
		out = append(out, NewActivity(inc))
	}
	return out, nil
}
