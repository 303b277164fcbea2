// Package postgres provides PostgreSQL implementation of the orchestrator repository.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/devops-guardian/internal/domain"
	"github.com/bissquit/devops-guardian/internal/orchestrator"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

const incidentColumns = `
	id, source, severity, title, description, message, metadata, status, status_message,
	pr_url, idempotency_key, created_at, updated_at, resolved_at
`

const runColumns = `
	id, incident_id, agent_name, status, attempt_number, thoughts, output, started_at, completed_at
`

const jobColumns = `
	id, incident_id, kind, payload, status, attempts, COALESCE(last_error, ''), run_after, created_at, started_at, heartbeat_at
`

// Repository implements orchestrator.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// CreateIncident inserts the incident and its first job in one transaction.
func (r *Repository) CreateIncident(ctx context.Context, incident *domain.Incident, job *orchestrator.Job) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	metadata := incident.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	query := `
		INSERT INTO incidents (id, source, severity, title, description, message, metadata, status, status_message, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`
	err = tx.QueryRow(ctx, query,
		incident.ID,
		incident.Source,
		incident.Severity,
		incident.Title,
		incident.Description,
		incident.Message,
		metadata,
		incident.Status,
		incident.StatusMessage,
		incident.IdempotencyKey,
	).Scan(&incident.CreatedAt, &incident.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return orchestrator.ErrDuplicate
		}
		return fmt.Errorf("insert incident: %w", err)
	}

	if err := insertJob(ctx, tx, job); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetIncident retrieves an incident by ID.
func (r *Repository) GetIncident(ctx context.Context, id string) (*domain.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`
	incident, err := scanIncident(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, orchestrator.ErrIncidentNotFound
		}
		return nil, fmt.Errorf("get incident: %w", err)
	}
	return incident, nil
}

// GetIncidentByIdempotencyKey retrieves an incident by its dedup key.
func (r *Repository) GetIncidentByIdempotencyKey(ctx context.Context, key string) (*domain.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE idempotency_key = $1`
	incident, err := scanIncident(r.db.QueryRow(ctx, query, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, orchestrator.ErrIncidentNotFound
		}
		return nil, fmt.Errorf("get incident by idempotency key: %w", err)
	}
	return incident, nil
}

// ListActiveIncidents returns non-terminal incidents, newest first.
func (r *Repository) ListActiveIncidents(ctx context.Context) ([]*domain.Incident, error) {
	query := `
		SELECT ` + incidentColumns + `
		FROM incidents
		WHERE status NOT IN ('RESOLVED', 'FAILED', 'REJECTED')
		ORDER BY created_at DESC
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active incidents: %w", err)
	}
	defer rows.Close()

	incidents := make([]*domain.Incident, 0)
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		incidents = append(incidents, incident)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incidents: %w", err)
	}
	return incidents, nil
}

// TransitionStatus compare-and-sets the status against the legal predecessors of next.
func (r *Repository) TransitionStatus(ctx context.Context, id string, next domain.IncidentStatus, message string) (*domain.Incident, error) {
	predecessors := domain.PredecessorsOf(next)
	from := make([]string, 0, len(predecessors))
	for _, s := range predecessors {
		from = append(from, string(s))
	}

	query := `
		UPDATE incidents
		SET status = $2,
		    status_message = $3,
		    updated_at = NOW(),
		    resolved_at = CASE WHEN $2::text = 'RESOLVED' THEN NOW() ELSE resolved_at END
		WHERE id = $1 AND status = ANY($4::text[])
		RETURNING ` + incidentColumns
	incident, err := scanIncident(r.db.QueryRow(ctx, query, id, string(next), message, from))
	if err == nil {
		return incident, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transition incident: %w", err)
	}

	var current domain.IncidentStatus
	err = r.db.QueryRow(ctx, `SELECT status FROM incidents WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, orchestrator.ErrIncidentNotFound
		}
		return nil, fmt.Errorf("get incident status: %w", err)
	}
	return nil, fmt.Errorf("%w: %s -> %s", orchestrator.ErrInvalidTransition, current, next)
}

// SetPRURL records the pull request opened for an incident.
func (r *Repository) SetPRURL(ctx context.Context, id, url string) error {
	result, err := r.db.Exec(ctx, `UPDATE incidents SET pr_url = $2, updated_at = NOW() WHERE id = $1`, id, url)
	if err != nil {
		return fmt.Errorf("set pr url: %w", err)
	}
	if result.RowsAffected() == 0 {
		return orchestrator.ErrIncidentNotFound
	}
	return nil
}

// AppendMetadata merges fields into the incident metadata.
func (r *Repository) AppendMetadata(ctx context.Context, id string, fields map[string]any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := `UPDATE incidents SET metadata = metadata || $2::jsonb, updated_at = NOW() WHERE id = $1`
	result, err := r.db.Exec(ctx, query, id, string(data))
	if err != nil {
		return fmt.Errorf("append metadata: %w", err)
	}
	if result.RowsAffected() == 0 {
		return orchestrator.ErrIncidentNotFound
	}
	return nil
}

// StartAgentRun records a WORKING run numbered after the stage's previous attempts.
func (r *Repository) StartAgentRun(ctx context.Context, incidentID, agentName string) (*domain.AgentRun, error) {
	query := `
		INSERT INTO agent_runs (incident_id, agent_name, status, attempt_number)
		SELECT $1, $2, 'WORKING', COALESCE(MAX(attempt_number), 0) + 1
		FROM agent_runs
		WHERE incident_id = $1 AND agent_name = $2
		RETURNING id, attempt_number, started_at
	`
	run := &domain.AgentRun{
		IncidentID: incidentID,
		AgentName:  agentName,
		Status:     domain.RunStatusWorking,
	}
	err := r.db.QueryRow(ctx, query, incidentID, agentName).Scan(&run.ID, &run.AttemptNumber, &run.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("start agent run: %w", err)
	}
	return run, nil
}

// FinishAgentRun writes the terminal state of a WORKING run.
func (r *Repository) FinishAgentRun(ctx context.Context, run *domain.AgentRun) error {
	if !run.Status.IsTerminal() {
		return fmt.Errorf("finish agent run %s: status %s is not terminal", run.ID, run.Status)
	}

	completedAt := time.Now().UTC()
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}

	query := `
		UPDATE agent_runs
		SET status = $2, thoughts = $3, output = $4, completed_at = $5
		WHERE id = $1 AND status = 'WORKING'
	`
	result, err := r.db.Exec(ctx, query, run.ID, run.Status, run.Thoughts, run.Output, completedAt)
	if err != nil {
		return fmt.Errorf("finish agent run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("finish agent run %s: run is not working", run.ID)
	}
	return nil
}

// ListAgentRuns returns the run history of an incident in start order.
func (r *Repository) ListAgentRuns(ctx context.Context, incidentID string) ([]*domain.AgentRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM agent_runs
		WHERE incident_id = $1
		ORDER BY started_at, agent_name, attempt_number
	`
	rows, err := r.db.Query(ctx, query, incidentID)
	if err != nil {
		return nil, fmt.Errorf("list agent runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*domain.AgentRun, 0)
	for rows.Next() {
		var run domain.AgentRun
		err := rows.Scan(
			&run.ID,
			&run.IncidentID,
			&run.AgentName,
			&run.Status,
			&run.AttemptNumber,
			&run.Thoughts,
			&run.Output,
			&run.StartedAt,
			&run.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan agent run: %w", err)
		}
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent runs: %w", err)
	}
	return runs, nil
}

// FailDanglingRuns closes WORKING runs whose incident has no job in flight.
func (r *Repository) FailDanglingRuns(ctx context.Context) (int64, error) {
	query := `
		UPDATE agent_runs a
		SET status = 'FAILED',
		    completed_at = NOW(),
		    output = '{"error": "interrupted before completion", "kind": "upstream"}'::jsonb
		WHERE a.status = 'WORKING'
		  AND NOT EXISTS (
		      SELECT 1 FROM incident_jobs j
		      WHERE j.incident_id = a.incident_id AND j.status = 'processing'
		  )
	`
	result, err := r.db.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("fail dangling runs: %w", err)
	}
	return result.RowsAffected(), nil
}

// EnqueueJob adds a pending job.
func (r *Repository) EnqueueJob(ctx context.Context, job *orchestrator.Job) error {
	return insertJob(ctx, r.db, job)
}

// CountPendingJobs returns the number of jobs waiting to run.
func (r *Repository) CountPendingJobs(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM incident_jobs WHERE status = 'pending'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return count, nil
}

// ClaimJob takes the oldest runnable job. Jobs of one incident run in
// creation order and never concurrently.
func (r *Repository) ClaimJob(ctx context.Context) (*orchestrator.Job, error) {
	query := `
		UPDATE incident_jobs
		SET status = 'processing', attempts = attempts + 1, started_at = NOW(), heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = (
			SELECT j.id
			FROM incident_jobs j
			WHERE j.status = 'pending'
			  AND j.run_after <= NOW()
			  AND NOT EXISTS (
			      SELECT 1 FROM incident_jobs p
			      WHERE p.incident_id = j.incident_id AND p.status = 'processing'
			  )
			  AND NOT EXISTS (
			      SELECT 1 FROM incident_jobs e
			      WHERE e.incident_id = j.incident_id AND e.status = 'pending' AND e.created_at < j.created_at
			  )
			ORDER BY j.run_after, j.created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		AND status = 'pending'
		RETURNING ` + jobColumns

	job, err := scanJob(r.db.QueryRow(ctx, query))
	if err != nil {
		// another worker claimed a job of the same incident first
		if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
			return nil, orchestrator.ErrNoJob
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// CompleteJob marks a job as done.
func (r *Repository) CompleteJob(ctx context.Context, id string) error {
	query := `
		UPDATE incident_jobs
		SET status = 'done', finished_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`
	if _, err := r.db.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// FailJob records a job error. With retryAt the job becomes pending again;
// without it the job fails permanently.
func (r *Repository) FailJob(ctx context.Context, id string, jobErr error, retryAt *time.Time) error {
	message := ""
	if jobErr != nil {
		message = jobErr.Error()
	}

	var err error
	if retryAt != nil {
		_, err = r.db.Exec(ctx, `
			UPDATE incident_jobs
			SET status = 'pending', last_error = $2, run_after = $3, started_at = NULL, heartbeat_at = NULL, updated_at = NOW()
			WHERE id = $1
		`, id, message, *retryAt)
	} else {
		_, err = r.db.Exec(ctx, `
			UPDATE incident_jobs
			SET status = 'failed', last_error = $2, finished_at = NOW(), updated_at = NOW()
			WHERE id = $1
		`, id, message)
	}
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// HeartbeatJob extends the lease of a processing job.
func (r *Repository) HeartbeatJob(ctx context.Context, id string) error {
	query := `
		UPDATE incident_jobs
		SET heartbeat_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	result, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("heartbeat job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return orchestrator.ErrNoJob
	}
	return nil
}

// RecoverStuckJobs returns processing jobs whose lease expired to the queue.
// A job without a heartbeat is measured from its start.
func (r *Repository) RecoverStuckJobs(ctx context.Context, lease time.Duration) (int64, error) {
	query := `
		UPDATE incident_jobs
		SET status = 'pending', run_after = NOW(), started_at = NULL, heartbeat_at = NULL, updated_at = NOW(),
		    last_error = 'recovered after interruption'
		WHERE status = 'processing' AND COALESCE(heartbeat_at, started_at) < $1
	`
	result, err := r.db.Exec(ctx, query, time.Now().Add(-lease))
	if err != nil {
		return 0, fmt.Errorf("recover stuck jobs: %w", err)
	}
	return result.RowsAffected(), nil
}

// QueueStats returns job counts by status.
func (r *Repository) QueueStats(ctx context.Context) (*orchestrator.QueueStats, error) {
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM incident_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := &orchestrator.QueueStats{}
	for rows.Next() {
		var status orchestrator.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		switch status {
		case orchestrator.JobStatusPending:
			stats.Pending = count
		case orchestrator.JobStatusProcessing:
			stats.Processing = count
		case orchestrator.JobStatusDone:
			stats.Done = count
		case orchestrator.JobStatusFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertJob(ctx context.Context, q querier, job *orchestrator.Job) error {
	payload := job.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	query := `
		INSERT INTO incident_jobs (incident_id, kind, payload)
		VALUES ($1, $2, $3)
		RETURNING id, status, run_after, created_at
	`
	err := q.QueryRow(ctx, query, job.IncidentID, job.Kind, payload).
		Scan(&job.ID, &job.Status, &job.RunAfter, &job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func scanIncident(row pgx.Row) (*domain.Incident, error) {
	var incident domain.Incident
	err := row.Scan(
		&incident.ID,
		&incident.Source,
		&incident.Severity,
		&incident.Title,
		&incident.Description,
		&incident.Message,
		&incident.Metadata,
		&incident.Status,
		&incident.StatusMessage,
		&incident.PRURL,
		&incident.IdempotencyKey,
		&incident.CreatedAt,
		&incident.UpdatedAt,
		&incident.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	return &incident, nil
}

func scanJob(row pgx.Row) (*orchestrator.Job, error) {
	var job orchestrator.Job
	err := row.Scan(
		&job.ID,
		&job.IncidentID,
		&job.Kind,
		&job.Payload,
		&job.Status,
		&job.Attempts,
		&job.LastError,
		&job.RunAfter,
		&job.CreatedAt,
		&job.StartedAt,
		&job.HeartbeatAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
