// Package chromem provides an embedded memory index backed by chromem-go.
package chromem

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/devops-guardian/internal/domain"
	"github.com/philippgille/chromem-go"
)

const (
	metaType      = "type"
	metaTags      = "tags"
	metaCreatedAt = "created_at"
)

// Config configures the embedded index.
type Config struct {
	// Path enables persistence; empty keeps the index in memory.
	Path       string
	Compress   bool
	Collection string
}

// Index implements memory.Index. Embeddings are always supplied by the
// caller, so the collection's embedding function is never invoked.
type Index struct {
	collection *chromem.Collection
}

// NewIndex opens or creates the collection.
func NewIndex(config Config) (*Index, error) {
	if config.Collection == "" {
		config.Collection = "memories"
	}

	var db *chromem.DB
	if config.Path != "" {
		var err error
		db, err = chromem.NewPersistentDB(config.Path, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("open chromem db %s: %w", config.Path, err)
		}
	} else {
		db = chromem.NewDB()
	}

	collection, err := db.GetOrCreateCollection(config.Collection, nil, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("get or create collection %s: %w", config.Collection, err)
	}
	return &Index{collection: collection}, nil
}

func noEmbedding(_ context.Context, _ string) ([]float32, error) {
	return nil, errors.New("embeddings must be precomputed")
}

// Insert stores a memory.
func (i *Index) Insert(ctx context.Context, m *domain.Memory) error {
	doc := chromem.Document{
		ID:      m.ID,
		Content: m.Content,
		Metadata: map[string]string{
			metaType:      string(m.Type),
			metaTags:      strings.Join(m.Tags, ","),
			metaCreatedAt: m.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
		Embedding: m.Embedding,
	}
	if err := i.collection.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("add memory: %w", err)
	}
	return nil
}

// Nearest returns the closest memories. Distance is 1 - cosine similarity.
func (i *Index) Nearest(ctx context.Context, embedding []float32, limit int) ([]domain.ScoredMemory, error) {
	// chromem requires nResults <= document count
	count := i.collection.Count()
	if count == 0 {
		return []domain.ScoredMemory{}, nil
	}
	if limit > count {
		limit = count
	}

	found, err := i.collection.QueryEmbedding(ctx, embedding, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}

	results := make([]domain.ScoredMemory, 0, len(found))
	for _, r := range found {
		createdAt, _ := time.Parse(time.RFC3339Nano, r.Metadata[metaCreatedAt])
		var tags []string
		if t := r.Metadata[metaTags]; t != "" {
			tags = strings.Split(t, ",")
		}
		results = append(results, domain.ScoredMemory{
			Memory: domain.Memory{
				ID:        r.ID,
				Content:   r.Content,
				Type:      domain.MemoryType(r.Metadata[metaType]),
				Tags:      tags,
				CreatedAt: createdAt,
			},
			Distance: 1 - float64(r.Similarity),
		})
	}
	return results, nil
}
