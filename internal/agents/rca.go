package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/bissquit/devops-guardian/internal/domain"
	"github.com/bissquit/devops-guardian/internal/llm"
	"github.com/bissquit/devops-guardian/internal/pkg/ctxlog"
	"github.com/bissquit/devops-guardian/internal/scm"
)

const (
	defaultConfidence = 0.95
	maxStructureNames = 20
	maxManifestChars  = 1000
	maxMetadataChars  = 4000
)

// manifestCandidates are read, in this order, when present in the repository root.
var manifestCandidates = []string{"package.json", "requirements.txt", "Dockerfile", "go.mod", "pom.xml"}

var confidencePattern = regexp.MustCompile(`(?i)confidence\W{0,5}(0(?:\.\d+)?|1(?:\.0+)?)\b`)

// MemoryRecaller recalls similar past episodes.
type MemoryRecaller interface {
	FindSimilar(ctx context.Context, query string, limit int) []domain.ScoredMemory
}

// RCA performs root-cause analysis with memory and repository context.
type RCA struct {
	generator    llm.Generator
	memory       MemoryRecaller
	connector    scm.Connector
	similarLimit int
}

// NewRCA creates the RCA stage. memory and connector may be nil.
func NewRCA(generator llm.Generator, memory MemoryRecaller, connector scm.Connector, similarLimit int) *RCA {
	if similarLimit <= 0 {
		similarLimit = 2
	}
	return &RCA{generator: generator, memory: memory, connector: connector, similarLimit: similarLimit}
}

// Name returns the stage name.
func (a *RCA) Name() string { return domain.StageRCA }

// Execute analyzes the incident. Context fetch failures only narrow the prompt.
func (a *RCA) Execute(ctx context.Context, in Input) Result {
	if in.Incident == nil {
		return Fail(fmt.Errorf("%w: nil incident", ErrInvalidInput))
	}
	if a.generator == nil {
		return Fail(ConfigurationError("generation client is not configured"))
	}

	memories := a.recall(ctx, in.Incident)
	repoContext := a.repositoryContext(ctx, in.Incident)

	gen, err := a.generator.Generate(ctx, buildRCAPrompt(in.Incident, memories, repoContext))
	if err != nil {
		return Fail(err)
	}

	var thoughts *string
	if !gen.Fallback && gen.Reasoning != "" {
		r := gen.Reasoning
		thoughts = &r
	}

	memoryIDs := make([]string, 0, len(memories))
	for _, m := range memories {
		memoryIDs = append(memoryIDs, m.ID)
	}

	return Success(map[string]any{
		"analysis":   gen.Text,
		"confidence": parseConfidence(gen.Text),
		"model":      gen.Model,
		"fallback":   gen.Fallback,
		"memories":   memoryIDs,
	}, thoughts)
}

func (a *RCA) recall(ctx context.Context, incident *domain.Incident) []domain.ScoredMemory {
	if a.memory == nil {
		return nil
	}
	return a.memory.FindSimilar(ctx, incident.SearchText(), a.similarLimit)
}

// repositoryContext lists the root and reads known manifests. It returns
// whatever it managed to fetch.
func (a *RCA) repositoryContext(ctx context.Context, incident *domain.Incident) string {
	logger := ctxlog.FromContext(ctx)

	repo, ok := incident.Repository()
	if !ok || a.connector == nil {
		logger.Debug("skipping repository context", "has_repo", ok)
		return ""
	}

	client, err := a.connector.Connect(ctx, repo)
	if err != nil {
		logger.Warn("repository context unavailable", "repo", repo.FullName(), "error", err)
		return ""
	}

	entries, err := client.ListDir(ctx, repo, "")
	if err != nil {
		logger.Warn("failed to list repository root", "repo", repo.FullName(), "error", err)
		return ""
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}

	var b strings.Builder
	shown := names
	if len(shown) > maxStructureNames {
		shown = shown[:maxStructureNames]
	}
	fmt.Fprintf(&b, "Repository Structure: %s", strings.Join(shown, ", "))

	for _, manifest := range manifestCandidates {
		if !slices.Contains(names, manifest) {
			continue
		}
		content, err := client.ReadFile(ctx, repo, manifest)
		if err != nil {
			logger.Warn("failed to read manifest", "repo", repo.FullName(), "file", manifest, "error", err)
			continue
		}
		fmt.Fprintf(&b, "\n\n--- %s ---\n%s", manifest, truncate(content, maxManifestChars))
	}

	return b.String()
}

func buildRCAPrompt(incident *domain.Incident, memories []domain.ScoredMemory, repoContext string) string {
	var b strings.Builder

	b.WriteString("Analyze this incident context and identify the root cause.\n")
	if len(memories) > 0 {
		b.WriteString("Consider the relevant past incidents provided below in your analysis.\n")
	}
	if repoContext != "" {
		b.WriteString("Use the repository structure and config files provided to understand the technology stack and dependencies.\n")
	}
	b.WriteString("Provide a specific technical reason and a recommended fix. End with a line 'Confidence: <0..1>'.\n\n")

	fmt.Fprintf(&b, "Incident: %s\nSource: %s\nSeverity: %s\n", incident.Title, incident.Source, incident.Severity)
	if incident.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", incident.Description)
	}
	if incident.Message != "" {
		fmt.Fprintf(&b, "Message: %s\n", incident.Message)
	}
	if meta := metadataForPrompt(incident.Metadata); meta != "" {
		fmt.Fprintf(&b, "Metadata: %s\n", meta)
	}

	if len(memories) > 0 {
		b.WriteString("\nRelevant Past Incidents:\n")
		for _, m := range memories {
			fmt.Fprintf(&b, "- [%s] %s\n", m.Type, m.Content)
		}
	}

	if repoContext != "" {
		b.WriteString("\n")
		b.WriteString(repoContext)
		b.WriteString("\n")
	}

	return b.String()
}

// metadataForPrompt serializes metadata without patch contents.
func metadataForPrompt(meta map[string]any) string {
	if len(meta) == 0 {
		return ""
	}
	filtered := make(map[string]any, len(meta))
	for k, v := range meta {
		if k == domain.MetaFileUpdates || k == domain.MetaCredentialsRef {
			continue
		}
		filtered[k] = v
	}
	data, err := json.Marshal(filtered)
	if err != nil {
		return ""
	}
	return truncate(string(data), maxMetadataChars)
}

// parseConfidence reads a trailing "Confidence: x" line, defaulting to 0.95.
func parseConfidence(text string) float64 {
	m := confidencePattern.FindAllStringSubmatch(text, -1)
	if len(m) == 0 {
		return defaultConfidence
	}
	v, err := strconv.ParseFloat(m[len(m)-1][1], 64)
	if err != nil || v < 0 || v > 1 {
		return defaultConfidence
	}
	return v
}
