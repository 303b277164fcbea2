// Package postgres provides a pgvector-backed memory index.
package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bissquit/devops-guardian/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Index implements memory.Index on the memories table using the pgvector
// cosine distance operator.
type Index struct {
	db *pgxpool.Pool
}

// NewIndex creates a new PostgreSQL memory index.
func NewIndex(db *pgxpool.Pool) *Index {
	return &Index{db: db}
}

// Insert stores a memory.
func (i *Index) Insert(ctx context.Context, m *domain.Memory) error {
	query := `
		INSERT INTO memories (id, content, type, tags, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5::vector, $6)
	`
	_, err := i.db.Exec(ctx, query, m.ID, m.Content, m.Type, m.Tags, vectorLiteral(m.Embedding), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// Nearest returns the closest memories by cosine distance.
func (i *Index) Nearest(ctx context.Context, embedding []float32, limit int) ([]domain.ScoredMemory, error) {
	query := `
		SELECT id, content, type, tags, created_at, embedding <=> $1::vector AS distance
		FROM memories
		WHERE vector_dims(embedding) = $3
		ORDER BY distance, created_at
		LIMIT $2
	`
	rows, err := i.db.Query(ctx, query, vectorLiteral(embedding), limit, len(embedding))
	if err != nil {
		return nil, fmt.Errorf("query nearest memories: %w", err)
	}
	defer rows.Close()

	var results []domain.ScoredMemory
	for rows.Next() {
		var sm domain.ScoredMemory
		if err := rows.Scan(&sm.ID, &sm.Content, &sm.Type, &sm.Tags, &sm.CreatedAt, &sm.Distance); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		results = append(results, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	return results, nil
}

// vectorLiteral formats v as a pgvector text literal: [1,2,3].
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
