// Package memory stores remediation episodes and recalls similar ones by embedding distance.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bissquit/devops-guardian/internal/domain"
	"github.com/bissquit/devops-guardian/internal/pkg/ctxlog"
	"github.com/google/uuid"
)

// ErrEmptyContent is returned when storing a memory without content.
var ErrEmptyContent = errors.New("memory content is empty")

// ErrInvalidType is returned for an unknown memory type.
var ErrInvalidType = errors.New("invalid memory type")

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index persists memories and answers nearest-neighbour queries.
// Nearest returns results ordered by non-decreasing distance.
type Index interface {
	Insert(ctx context.Context, m *domain.Memory) error
	Nearest(ctx context.Context, embedding []float32, limit int) ([]domain.ScoredMemory, error)
}

// Store is the memory service used by the RCA stage and the orchestrator.
type Store struct {
	embedder Embedder
	index    Index
	backend  string
}

// NewStore creates a memory store. backend labels metrics.
func NewStore(embedder Embedder, index Index, backend string) *Store {
	return &Store{embedder: embedder, index: index, backend: backend}
}

// StoreMemory embeds content and persists it. Errors propagate to the caller.
func (s *Store) StoreMemory(ctx context.Context, content string, memType domain.MemoryType, tags []string) (*domain.Memory, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	if !memType.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, memType)
	}

	embedding, err := s.embedder.Embed(ctx, content)
	if err != nil {
		recordStore(s.backend, "embed_error")
		return nil, fmt.Errorf("embed memory: %w", err)
	}

	if tags == nil {
		tags = []string{}
	}
	m := &domain.Memory{
		ID:        uuid.NewString(),
		Content:   content,
		Type:      memType,
		Tags:      tags,
		Embedding: embedding,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.index.Insert(ctx, m); err != nil {
		recordStore(s.backend, "error")
		return nil, fmt.Errorf("insert memory: %w", err)
	}

	recordStore(s.backend, "success")
	return m, nil
}

// FindSimilar returns at most limit memories closest to query, ordered by
// non-decreasing distance. Any failure degrades to an empty result.
func (s *Store) FindSimilar(ctx context.Context, query string, limit int) []domain.ScoredMemory {
	if limit <= 0 || strings.TrimSpace(query) == "" {
		return []domain.ScoredMemory{}
	}

	logger := ctxlog.FromContext(ctx)

	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		logger.Warn("memory recall degraded: embed failed", "error", err)
		recordRecall(s.backend, "error", 0)
		return []domain.ScoredMemory{}
	}

	results, err := s.index.Nearest(ctx, embedding, limit)
	if err != nil {
		logger.Warn("memory recall degraded: query failed", "error", err)
		recordRecall(s.backend, "error", 0)
		return []domain.ScoredMemory{}
	}

	if results == nil {
		results = []domain.ScoredMemory{}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Distance < results[j].Distance
	})
	if len(results) > limit {
		results = results[:limit]
	}

	recordRecall(s.backend, "success", len(results))
	return results
}
