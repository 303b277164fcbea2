// Package postgres provides PostgreSQL implementation of the analytics repository.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bissquit/devops-guardian/internal/analytics"
	"github.com/bissquit/devops-guardian/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements analytics.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// ListResolutions returns creation and resolution times of RESOLVED incidents.
func (r *Repository) ListResolutions(ctx context.Context) ([]analytics.Resolution, error) {
	query := `
		SELECT created_at, resolved_at
		FROM incidents
		WHERE status = 'RESOLVED'
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query resolutions: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (analytics.Resolution, error) {
		var res analytics.Resolution
		err := row.Scan(&res.CreatedAt, &res.ResolvedAt)
		return res, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan resolutions: %w", err)
	}
	return out, nil
}

// ListStageHistories returns the ordered run statuses of stage for each
// RESOLVED incident. Incidents without runs of stage yield an empty history.
func (r *Repository) ListStageHistories(ctx context.Context, stage string) ([][]domain.RunStatus, error) {
	query := `
		SELECT COALESCE(
			array_agg(ar.status ORDER BY ar.attempt_number) FILTER (WHERE ar.id IS NOT NULL),
			'{}'
		)
		FROM incidents i
		LEFT JOIN agent_runs ar ON ar.incident_id = i.id AND ar.agent_name = $1
		WHERE i.status = 'RESOLVED'
		GROUP BY i.id
	`
	rows, err := r.db.Query(ctx, query, stage)
	if err != nil {
		return nil, fmt.Errorf("query stage histories: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) ([]domain.RunStatus, error) {
		var statuses []string
		if err := row.Scan(&statuses); err != nil {
			return nil, err
		}
		history := make([]domain.RunStatus, len(statuses))
		for i, s := range statuses {
			history[i] = domain.RunStatus(s)
		}
		return history, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan stage histories: %w", err)
	}
	return out, nil
}

// CountBySeverity groups incidents by severity.
func (r *Repository) CountBySeverity(ctx context.Context) ([]analytics.SeverityCount, error) {
	query := `
		SELECT severity, COUNT(*)
		FROM incidents
		GROUP BY severity
		ORDER BY severity
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query severity counts: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (analytics.SeverityCount, error) {
		var c analytics.SeverityCount
		err := row.Scan(&c.Severity, &c.Count)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan severity counts: %w", err)
	}
	return out, nil
}

// CountRuns groups agent runs by stage and status.
func (r *Repository) CountRuns(ctx context.Context) ([]analytics.RunCount, error) {
	query := `
		SELECT agent_name, status, COUNT(*)
		FROM agent_runs
		GROUP BY agent_name, status
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query run counts: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (analytics.RunCount, error) {
		var c analytics.RunCount
		err := row.Scan(&c.AgentName, &c.Status, &c.Count)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan run counts: %w", err)
	}
	return out, nil
}

// CountIncidents returns total, resolved and critical incident counts.
func (r *Repository) CountIncidents(ctx context.Context) (analytics.Counts, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'RESOLVED'),
			COUNT(*) FILTER (WHERE severity = 'CRITICAL')
		FROM incidents
	`
	var c analytics.Counts
	if err := r.db.QueryRow(ctx, query).Scan(&c.Total, &c.Resolved, &c.Critical); err != nil {
		return analytics.Counts{}, fmt.Errorf("count incidents: %w", err)
	}
	return c, nil
}

// ListCreatedSince returns incidents created at or after since.
func (r *Repository) ListCreatedSince(ctx context.Context, since time.Time) ([]analytics.Created, error) {
	query := `
		SELECT created_at, status
		FROM incidents
		WHERE created_at >= $1
		ORDER BY created_at
	`
	rows, err := r.db.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("query incidents since: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (analytics.Created, error) {
		var c analytics.Created
		err := row.Scan(&c.CreatedAt, &c.Status)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan incidents since: %w", err)
	}
	return out, nil
}

// ListRecent returns the newest incidents.
func (r *Repository) ListRecent(ctx context.Context, limit int) ([]*domain.Incident, error) {
	query := `
		SELECT id, source, severity, title, status, metadata, created_at
		FROM incidents
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent incidents: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Incident, error) {
		var (
			inc      domain.Incident
			metadata []byte
		)
		if err := row.Scan(&inc.ID, &inc.Source, &inc.Severity, &inc.Title, &inc.Status, &metadata, &inc.CreatedAt); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &inc.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		return &inc, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan recent incidents: %w", err)
	}
	return out, nil
}
