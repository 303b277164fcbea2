// Package orchestrator drives incidents through the remediation state machine.
package orchestrator

import (
	"context"
	"time"

	"github.com/bissquit/devops-guardian/internal/domain"
)

// Repository defines durable storage for incidents, agent runs and jobs.
type Repository interface {
	// CreateIncident inserts the incident and its first job atomically.
	// Returns ErrDuplicate when the id or idempotency key already exists.
	CreateIncident(ctx context.Context, incident *domain.Incident, job *Job) error
	GetIncident(ctx context.Context, id string) (*domain.Incident, error)
	GetIncidentByIdempotencyKey(ctx context.Context, key string) (*domain.Incident, error)
	ListActiveIncidents(ctx context.Context) ([]*domain.Incident, error)

	// TransitionStatus moves the incident to next only if its current status
	// may legally do so. Returns ErrInvalidTransition otherwise.
	TransitionStatus(ctx context.Context, id string, next domain.IncidentStatus, message string) (*domain.Incident, error)
	SetPRURL(ctx context.Context, id, url string) error
	AppendMetadata(ctx context.Context, id string, fields map[string]any) error

	// StartAgentRun records a WORKING run with the next attempt number.
	StartAgentRun(ctx context.Context, incidentID, agentName string) (*domain.AgentRun, error)
	FinishAgentRun(ctx context.Context, run *domain.AgentRun) error
	ListAgentRuns(ctx context.Context, incidentID string) ([]*domain.AgentRun, error)
	// FailDanglingRuns closes WORKING runs whose incident has no job in flight.
	FailDanglingRuns(ctx context.Context) (int64, error)

	EnqueueJob(ctx context.Context, job *Job) error
	CountPendingJobs(ctx context.Context) (int, error)
	// ClaimJob takes the oldest runnable job whose incident has nothing in
	// flight. Returns ErrNoJob when there is none.
	ClaimJob(ctx context.Context) (*Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, err error, retryAt *time.Time) error
	// HeartbeatJob extends the lease of a processing job. Returns ErrNoJob
	// when the job is no longer processing.
	HeartbeatJob(ctx context.Context, id string) error
	// RecoverStuckJobs returns processing jobs whose last heartbeat is older
	// than lease to pending.
	RecoverStuckJobs(ctx context.Context, lease time.Duration) (int64, error)
	QueueStats(ctx context.Context) (*QueueStats, error)
}
