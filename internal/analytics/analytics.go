// Package analytics derives operational statistics from incidents and their
// agent run history.
package analytics

import (
	"math"
	"time"

	"github.com/bissquit/devops-guardian/internal/domain"
)

// Resolution is the lifetime of one resolved incident.
type Resolution struct {
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// MTTR is the mean time to resolution in whole seconds.
type MTTR struct {
	AverageSeconds int64 `json:"average"`
	Count          int   `json:"count"`
}

// MeanTimeToResolve averages resolution time over incidents that have a
// recorded resolution. Others count toward neither the sum nor the count.
func MeanTimeToResolve(resolutions []Resolution) MTTR {
	var (
		sum   float64
		count int
	)
	for _, r := range resolutions {
		if r.ResolvedAt == nil {
			continue
		}
		sum += r.ResolvedAt.Sub(r.CreatedAt).Seconds()
		count++
	}
	if count == 0 {
		return MTTR{}
	}
	return MTTR{AverageSeconds: int64(math.Round(sum / float64(count))), Count: count}
}

// SelfHealingStats classifies resolved incidents by the run history of one stage.
type SelfHealingStats struct {
	Stage            string `json:"stage"`
	FirstPassSuccess int    `json:"first_pass_success"`
	RetriedSuccess   int    `json:"retried_success"`
	TotalFailed      int    `json:"total_failed"`
	TotalResolved    int    `json:"total_resolved"`
	SelfHealingRate  int    `json:"self_healing_rate"`
}

// ClassifySelfHealing buckets each history, ordered by attempt, as a
// first-pass success (one run, COMPLETED), a retried success (several runs,
// last COMPLETED) or a failure. Runs after the first COMPLETED one are
// operator re-verifications and do not count.
func ClassifySelfHealing(stage string, histories [][]domain.RunStatus) SelfHealingStats {
	stats := SelfHealingStats{Stage: stage}
	for _, runs := range histories {
		runs = untilFirstSuccess(runs)
		switch {
		case len(runs) == 1 && runs[0] == domain.RunStatusCompleted:
			stats.FirstPassSuccess++
		case len(runs) > 1 && runs[len(runs)-1] == domain.RunStatusCompleted:
			stats.RetriedSuccess++
		default:
			stats.TotalFailed++
		}
	}

	stats.TotalResolved = stats.FirstPassSuccess + stats.RetriedSuccess
	stats.SelfHealingRate = percent(stats.RetriedSuccess, stats.TotalResolved)
	return stats
}

func untilFirstSuccess(runs []domain.RunStatus) []domain.RunStatus {
	for i, status := range runs {
		if status == domain.RunStatusCompleted {
			return runs[:i+1]
		}
	}
	return runs
}

func percent(part, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(100 * float64(part) / float64(total)))
}

// SeverityCount is the number of incidents at one severity.
type SeverityCount struct {
	Severity domain.Severity `json:"severity"`
	Count    int             `json:"count"`
}

// AgentPerformance counts terminal runs of one stage.
type AgentPerformance struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// RunCount is a grouped count of agent runs.
type RunCount struct {
	AgentName string
	Status    domain.RunStatus
	Count     int
}

// Performance folds grouped run counts into per-agent totals. WORKING runs
// are ignored.
func Performance(counts []RunCount) map[string]AgentPerformance {
	out := make(map[string]AgentPerformance)
	for _, c := range counts {
		p := out[c.AgentName]
		switch c.Status {
		case domain.RunStatusCompleted:
			p.Completed += c.Count
		case domain.RunStatusFailed:
			p.Failed += c.Count
		default:
			continue
		}
		out[c.AgentName] = p
	}
	return out
}

// Counts are incident totals used by the summary.
type Counts struct {
	Total    int
	Resolved int
	Critical int
}

// Summary is the dashboard headline.
type Summary struct {
	TotalIncidents    int   `json:"total_incidents"`
	ResolvedIncidents int   `json:"resolved_incidents"`
	CriticalIncidents int   `json:"critical_incidents"`
	AvgMTTR           int64 `json:"avg_mttr"`
	SuccessRate       int   `json:"success_rate"`
}

// NewSummary combines counts and MTTR.
func NewSummary(counts Counts, mttr MTTR) Summary {
	return Summary{
		TotalIncidents:    counts.Total,
		ResolvedIncidents: counts.Resolved,
		CriticalIncidents: counts.Critical,
		AvgMTTR:           mttr.AverageSeconds,
		SuccessRate:       percent(counts.Resolved, counts.Total),
	}
}

// Created is the creation time and current status of one incident.
type Created struct {
	CreatedAt time.Time
	Status    domain.IncidentStatus
}

// TrendPoint is the number of incidents created on one UTC day.
type TrendPoint struct {
	Date     string `json:"date"`
	Total    int    `json:"total"`
	Resolved int    `json:"resolved"`
}

const dayLayout = "2006-01-02"

// TrendStart returns midnight UTC of the first day in a window of days ending today.
func TrendStart(now time.Time, days int) time.Time {
	today := now.UTC().Truncate(24 * time.Hour)
	return today.AddDate(0, 0, -(days - 1))
}

// Trend buckets incidents per UTC day over the window ending on now's day.
// Days without incidents are present with zero counts.
func Trend(incidents []Created, now time.Time, days int) []TrendPoint {
	if days < 1 {
		return []TrendPoint{}
	}
	start := TrendStart(now, days)

	points := make([]TrendPoint, days)
	index := make(map[string]int, days)
	for i := range points {
		date := start.AddDate(0, 0, i).Format(dayLayout)
		points[i].Date = date
		index[date] = i
	}

	for _, inc := range incidents {
		i, ok := index[inc.CreatedAt.UTC().Format(dayLayout)]
		if !ok {
			continue
		}
		points[i].Total++
		if inc.Status == domain.StatusResolved {
			points[i].Resolved++
		}
	}
	return points
}

// Activity is one row of the recent activity feed.
type Activity struct {
	ID        string                `json:"id"`
	Title     string                `json:"title"`
	Severity  domain.Severity       `json:"severity"`
	Status    domain.IncidentStatus `json:"status"`
	Source    domain.IncidentSource `json:"source"`
	Repo      string                `json:"repo"`
	Timestamp time.Time             `json:"timestamp"`
}

// NewActivity describes an incident for the feed.
func NewActivity(incident *domain.Incident) Activity {
	repo := "Unknown"
	if ref, ok := incident.Repository(); ok {
		repo = ref.FullName()
	}
	return Activity{
		ID:        incident.ID,
		Title:     incident.Title,
		Severity:  incident.Severity,
		Status:    incident.Status,
		Source:    incident.Source,
		Repo:      repo,
		Timestamp: incident.CreatedAt,
	}
}
