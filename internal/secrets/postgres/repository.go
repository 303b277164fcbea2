// Package postgres provides PostgreSQL storage for sealed repository secrets.
package postgres

import (
	"context"
	"fmt"

	"github.com/bissquit/devops-guardian/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements secrets.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Upsert writes sealed values in one transaction.
func (r *Repository) Upsert(ctx context.Context, repo domain.RepoRef, sealed map[string][]byte) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	query := `
		INSERT INTO repository_secrets (owner, repo, name, sealed)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner, repo, name) DO UPDATE SET sealed = EXCLUDED.sealed, updated_at = NOW()
	`
	for name, value := range sealed {
		if _, err := tx.Exec(ctx, query, repo.Owner, repo.Name, name, value); err != nil {
			return fmt.Errorf("upsert secret %s: %w", name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// List returns every sealed value stored for repo.
func (r *Repository) List(ctx context.Context, repo domain.RepoRef) (map[string][]byte, error) {
	rows, err := r.db.Query(ctx,
		`SELECT name, sealed FROM repository_secrets WHERE owner = $1 AND repo = $2`,
		repo.Owner, repo.Name,
	)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()

	sealed := make(map[string][]byte)
	for rows.Next() {
		var name string
		var value []byte
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan secret: %w", err)
		}
		sealed[name] = value
	}
	return sealed, rows.Err()
}
