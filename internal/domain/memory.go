package domain

import "time"

// MemoryType marks whether an episode should be repeated or avoided.
type MemoryType string

// Memory types.
const (
	MemoryPositive MemoryType = "POSITIVE"
	MemoryNegative MemoryType = "NEGATIVE"
)

// IsValid checks if the memory type is valid.
func (t MemoryType) IsValid() bool {
	return t == MemoryPositive || t == MemoryNegative
}

// Memory is a stored remediation episode. Entries are never mutated.
type Memory struct {
	ID        string     `json:"id"`
	Content   string     `json:"content"`
	Type      MemoryType `json:"type"`
	Tags      []string   `json:"tags"`
	Embedding []float32  `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
}

// ScoredMemory is a recall result. Lower distance means more similar.
type ScoredMemory struct {
	Memory
	Distance float64 `json:"distance"`
}
