// Package llm wraps an OpenAI-compatible endpoint for text generation and embeddings.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// ErrGenerationFailed is returned when both model tiers fail.
var ErrGenerationFailed = errors.New("generation failed on primary and fallback models")

// ErrEmptyResponse is returned when a model answers with no text.
var ErrEmptyResponse = errors.New("empty model response")

// reasoningKeys are GenerationInfo keys under which OpenAI-compatible
// servers return the reasoning trace.
var reasoningKeys = []string{"ReasoningContent", "reasoning_content", "thinking"}

const systemPrompt = "You are a senior DevOps engineer diagnosing CI/CD failures. Be precise and actionable."

// Config configures the client.
type Config struct {
	BaseURL        string
	APIKey         string
	PrimaryModel   string
	FallbackModel  string
	EmbeddingModel string
	MaxTokens      int
	Timeout        time.Duration
}

// Generation is a model answer.
type Generation struct {
	Text      string
	Reasoning string
	Model     string
	Fallback  bool
}

// Generator produces text with a reasoning-enabled primary model and a stable fallback.
type Generator interface {
	Generate(ctx context.Context, prompt string) (*Generation, error)
}

// Embedder turns text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Client implements Generator and Embedder.
type Client struct {
	config   Config
	model    llms.Model
	embedder embeddings.Embedder
}

// New creates a client for an OpenAI-compatible endpoint.
func New(config Config) (*Client, error) {
	if config.PrimaryModel == "" {
		return nil, errors.New("primary model required")
	}
	token := config.APIKey
	if token == "" {
		// langchaingo requires a token even for local servers
		token = "placeholder"
	}

	opts := []openai.Option{
		openai.WithModel(config.PrimaryModel),
		openai.WithToken(token),
	}
	if config.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(config.BaseURL))
	}
	if config.EmbeddingModel != "" {
		opts = append(opts, openai.WithEmbeddingModel(config.EmbeddingModel))
	}

	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(model)
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}

	return NewWithModel(config, model, embedder), nil
}

// NewWithModel creates a client around an existing model and embedder.
func NewWithModel(config Config, model llms.Model, embedder embeddings.Embedder) *Client {
	if config.MaxTokens == 0 {
		config.MaxTokens = 4096
	}
	return &Client{config: config, model: model, embedder: embedder}
}

// Generate tries the primary model and falls back to the stable model on any error.
// Reasoning is only populated by the primary model.
func (c *Client) Generate(ctx context.Context, prompt string) (*Generation, error) {
	gen, primaryErr := c.call(ctx, c.config.PrimaryModel, prompt)
	if primaryErr == nil {
		return gen, nil
	}

	if c.config.FallbackModel == "" {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, primaryErr)
	}

	slog.Warn("primary model failed, using fallback",
		"primary", c.config.PrimaryModel,
		"fallback", c.config.FallbackModel,
		"error", primaryErr,
	)

	gen, fallbackErr := c.call(ctx, c.config.FallbackModel, prompt)
	if fallbackErr != nil {
		return nil, fmt.Errorf("%w: primary: %v; fallback: %v", ErrGenerationFailed, primaryErr, fallbackErr)
	}
	gen.Reasoning = ""
	gen.Fallback = true
	return gen, nil
}

func (c *Client) call(ctx context.Context, model, prompt string) (*Generation, error) {
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}

	resp, err := c.model.GenerateContent(ctx, messages,
		llms.WithModel(model),
		llms.WithMaxTokens(c.config.MaxTokens),
	)
	if err != nil {
		return nil, fmt.Errorf("generate with %s: %w", model, err)
	}
	if resp == nil || len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		return nil, fmt.Errorf("generate with %s: %w", model, ErrEmptyResponse)
	}

	choice := resp.Choices[0]
	gen := &Generation{Text: choice.Content, Model: model}
	for _, key := range reasoningKeys {
		if v, ok := choice.GenerationInfo[key].(string); ok && v != "" {
			gen.Reasoning = v
			break
		}
	}
	return gen, nil
}

// Embed returns the embedding of text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.embedder == nil {
		return nil, errors.New("embedder not configured")
	}
	vec, err := c.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vec) == 0 {
		return nil, ErrEmptyResponse
	}
	return vec, nil
}
