// Package qdrant provides a memory index backed by a Qdrant server.
package qdrant

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/devops-guardian/internal/domain"
	"github.com/qdrant/go-client/qdrant"
)

const (
	payloadContent   = "content"
	payloadType      = "type"
	payloadTags      = "tags"
	payloadCreatedAt = "created_at"
)

// Config configures the Qdrant connection.
type Config struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	VectorSize uint64
}

// Index implements memory.Index.
type Index struct {
	client     *qdrant.Client
	collection string
}

// NewIndex connects to Qdrant and ensures the collection exists.
func NewIndex(ctx context.Context, config Config) (*Index, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		APIKey: config.APIKey,
		UseTLS: config.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}

	exists, err := client.CollectionExists(ctx, config.Collection)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check collection %s: %w", config.Collection, err)
	}
	if !exists {
		err = client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: config.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     config.VectorSize,
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("create collection %s: %w", config.Collection, err)
		}
		slog.Info("created qdrant collection", "collection", config.Collection, "vector_size", config.VectorSize)
	}

	return &Index{client: client, collection: config.Collection}, nil
}

// Close releases the gRPC connection.
func (i *Index) Close() error {
	return i.client.Close()
}

// Insert stores a memory.
func (i *Index) Insert(ctx context.Context, m *domain.Memory) error {
	tags := make([]*qdrant.Value, 0, len(m.Tags))
	for _, t := range m.Tags {
		tags = append(tags, stringValue(t))
	}

	_, err := i.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: i.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(m.ID),
			Vectors: qdrant.NewVectors(m.Embedding...),
			Payload: map[string]*qdrant.Value{
				payloadContent:   stringValue(m.Content),
				payloadType:      stringValue(string(m.Type)),
				payloadTags:      {Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: tags}}},
				payloadCreatedAt: stringValue(m.CreatedAt.UTC().Format(time.RFC3339Nano)),
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("upsert memory: %w", err)
	}
	return nil
}

// Nearest returns the closest memories. Distance is 1 - cosine score.
func (i *Index) Nearest(ctx context.Context, embedding []float32, limit int) ([]domain.ScoredMemory, error) {
	points, err := i.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: i.collection,
		Query:          qdrant.NewQuery(embedding...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}

	results := make([]domain.ScoredMemory, 0, len(points))
	for _, p := range points {
		payload := p.GetPayload()
		createdAt, _ := time.Parse(time.RFC3339Nano, payload[payloadCreatedAt].GetStringValue())

		var tags []string
		for _, v := range payload[payloadTags].GetListValue().GetValues() {
			tags = append(tags, v.GetStringValue())
		}

		results = append(results, domain.ScoredMemory{
			Memory: domain.Memory{
				ID:        p.GetId().GetUuid(),
				Content:   payload[payloadContent].GetStringValue(),
				Type:      domain.MemoryType(payload[payloadType].GetStringValue()),
				Tags:      tags,
				CreatedAt: createdAt,
			},
			Distance: 1 - float64(p.GetScore()),
		})
	}
	return results, nil
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}
