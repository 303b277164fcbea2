// Package config loads application configuration from a YAML file and environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides. Nesting levels are
// separated by a double underscore: GUARDIAN_DATABASE__URL -> database.url.
const EnvPrefix = "GUARDIAN_"

// Config is the root application configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Database     DatabaseConfig     `koanf:"database"`
	Log          LogConfig          `koanf:"log"`
	CORS         CORSConfig         `koanf:"cors"`
	Auth         AuthConfig         `koanf:"auth"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	LLM          LLMConfig          `koanf:"llm"`
	Memory       MemoryConfig       `koanf:"memory"`
	GitHub       GitHubConfig       `koanf:"github"`
	Sandbox      SandboxConfig      `koanf:"sandbox"`
	Secrets      SecretsConfig      `koanf:"secrets"`
	Slack        SlackConfig        `koanf:"slack"`
	Broadcast    BroadcastConfig    `koanf:"broadcast"`
	Ingest       IngestConfig       `koanf:"ingest"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
	// RequestTimeout bounds read endpoints. Pipeline generation and the
	// event stream are exempt.
	RequestTimeout    time.Duration `koanf:"request_timeout"`
}

// DatabaseConfig configures the PostgreSQL pool.
type DatabaseConfig struct {
	URL             Secret        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	MigrationsPath  string        `koanf:"migrations_path"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

// LogConfig configures slog output.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CORSConfig configures allowed browser origins for the dashboard.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// AuthConfig configures operator bearer tokens.
type AuthConfig struct {
	Enabled       bool          `koanf:"enabled"`
	SecretKey     Secret        `koanf:"secret_key"`
	Issuer        string        `koanf:"issuer"`
	TokenDuration time.Duration `koanf:"token_duration"`
}

// OrchestratorConfig configures the remediation pipeline.
type OrchestratorConfig struct {
	RequireApproval  bool          `koanf:"require_approval"`
	StageTimeout     time.Duration `koanf:"stage_timeout"`
	SelfHealingStage string        `koanf:"self_healing_stage"`
	SimilarLimit     int           `koanf:"similar_limit"`
	Retry            RetryConfig   `koanf:"retry"`
	Worker           WorkerConfig  `koanf:"worker"`
}

// RetryConfig configures per-stage retries.
type RetryConfig struct {
	MaxAttempts       int           `koanf:"max_attempts"`
	InitialBackoff    time.Duration `koanf:"initial_backoff"`
	MaxBackoff        time.Duration `koanf:"max_backoff"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier"`
}

// WorkerConfig configures the incident job pool.
type WorkerConfig struct {
	NumWorkers   int           `koanf:"num_workers"`
	PollInterval time.Duration `koanf:"poll_interval"`
	MaxPending   int           `koanf:"max_pending"`
	// StuckAfter is the job lease, renewed every HeartbeatInterval.
	StuckAfter        time.Duration `koanf:"stuck_after"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	RecoverInterval   time.Duration `koanf:"recover_interval"`
}

// LLMConfig configures the OpenAI-compatible generation endpoint.
type LLMConfig struct {
	BaseURL        string        `koanf:"base_url"`
	APIKey         Secret        `koanf:"api_key"`
	PrimaryModel   string        `koanf:"primary_model"`
	FallbackModel  string        `koanf:"fallback_model"`
	EmbeddingModel string        `koanf:"embedding_model"`
	MaxTokens      int           `koanf:"max_tokens"`
	Timeout        time.Duration `koanf:"timeout"`
}

// MemoryConfig selects and configures the memory index backend.
type MemoryConfig struct {
	Backend string        `koanf:"backend"`
	Chromem ChromemConfig `koanf:"chromem"`
	Qdrant  QdrantConfig  `koanf:"qdrant"`
}

// ChromemConfig configures the embedded vector index.
type ChromemConfig struct {
	Path       string `koanf:"path"`
	Compress   bool   `koanf:"compress"`
	Collection string `koanf:"collection"`
}

// QdrantConfig configures the external vector index.
type QdrantConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	APIKey     Secret `koanf:"api_key"`
	UseTLS     bool   `koanf:"use_tls"`
	Collection string `koanf:"collection"`
	VectorSize uint64 `koanf:"vector_size"`
}

// GitHubConfig configures source-control access.
type GitHubConfig struct {
	Token       Secret            `koanf:"token"`
	BaseURL     string            `koanf:"base_url"`
	BaseBranch  string            `koanf:"base_branch"`
	Credentials map[string]Secret `koanf:"credentials"`
}

// SandboxConfig configures ephemeral verification containers.
type SandboxConfig struct {
	Enabled bool          `koanf:"enabled"`
	Image   string        `koanf:"image"`
	WorkDir string        `koanf:"work_dir"`
	Timeout time.Duration `koanf:"timeout"`
}

// SecretsConfig configures encryption of stored pipeline secrets.
type SecretsConfig struct {
	Key Secret `koanf:"key"`
}

// SlackConfig configures the chat collaborator.
type SlackConfig struct {
	Enabled       bool   `koanf:"enabled"`
	BotToken      Secret `koanf:"bot_token"`
	SigningSecret Secret `koanf:"signing_secret"`
	Channel       string `koanf:"channel"`
	APIURL        string `koanf:"api_url"`
}

// BroadcastConfig configures the live status broker.
type BroadcastConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	Embedded      bool   `koanf:"embedded"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// IngestConfig configures the canonical ingestion endpoint.
type IngestConfig struct {
	Token     Secret  `koanf:"token"`
	RateLimit float64 `koanf:"rate_limit"`
	Burst     int     `koanf:"burst"`
}

// Default returns configuration with production defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      0,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			RequestTimeout:    30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
			MigrationsPath:  "migrations",
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Auth: AuthConfig{
			Issuer:        "devops-guardian",
			TokenDuration: 24 * time.Hour,
		},
		Orchestrator: OrchestratorConfig{
			RequireApproval:  true,
			StageTimeout:     20 * time.Minute,
			SelfHealingStage: "Verify",
			SimilarLimit:     2,
			Retry: RetryConfig{
				MaxAttempts:       3,
				InitialBackoff:    5 * time.Second,
				MaxBackoff:        time.Minute,
				BackoffMultiplier: 2.0,
			},
			Worker: WorkerConfig{
				NumWorkers:        4,
				PollInterval:      2 * time.Second,
				MaxPending:        500,
				StuckAfter:        2 * time.Minute,
				HeartbeatInterval: 30 * time.Second,
				RecoverInterval:   time.Minute,
			},
		},
		LLM: LLMConfig{
			BaseURL:        "https://generativelanguage.googleapis.com/v1beta/openai/",
			PrimaryModel:   "gemini-2.5-pro",
			FallbackModel:  "gemini-2.0-flash",
			EmbeddingModel: "text-embedding-004",
			MaxTokens:      4096,
			Timeout:        2 * time.Minute,
		},
		Memory: MemoryConfig{
			Backend: "postgres",
			Chromem: ChromemConfig{Collection: "memories"},
			Qdrant:  QdrantConfig{Host: "localhost", Port: 6334, Collection: "memories", VectorSize: 768},
		},
		GitHub: GitHubConfig{BaseBranch: "main"},
		Sandbox: SandboxConfig{
			Image:   "mcr.microsoft.com/devcontainers/universal:2",
			WorkDir: "/workspace",
			Timeout: 15 * time.Minute,
		},
		Slack: SlackConfig{APIURL: "https://slack.com/api"},
		Broadcast: BroadcastConfig{
			SubjectPrefix: "guardian",
		},
		Ingest: IngestConfig{RateLimit: 5, Burst: 20},
	}
}

// Load reads configuration from path (optional) and GUARDIAN_* environment variables
// on top of Default().
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	if !c.Database.URL.IsSet() {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.Auth.Enabled && len(c.Auth.SecretKey.Value()) < 32 {
		errs = append(errs, errors.New("auth.secret_key must be at least 32 characters when auth is enabled"))
	}
	switch c.Memory.Backend {
	case "postgres", "chromem", "qdrant":
	default:
		errs = append(errs, fmt.Errorf("memory.backend %q is not one of postgres, chromem, qdrant", c.Memory.Backend))
	}
	if c.Orchestrator.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("orchestrator.retry.max_attempts must be at least 1"))
	}
	if c.Orchestrator.Worker.NumWorkers < 1 {
		errs = append(errs, errors.New("orchestrator.worker.num_workers must be at least 1"))
	}
	if w := c.Orchestrator.Worker; w.HeartbeatInterval <= 0 || w.HeartbeatInterval >= w.StuckAfter {
		errs = append(errs, errors.New("orchestrator.worker.heartbeat_interval must be positive and shorter than stuck_after"))
	}
	if c.Slack.Enabled && (!c.Slack.BotToken.IsSet() || c.Slack.Channel == "") {
		errs = append(errs, errors.New("slack.bot_token and slack.channel are required when slack is enabled"))
	}

	return errors.Join(errs...)
}

// Secret holds a sensitive string that never prints its value.
type Secret string

// String implements fmt.Stringer.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// GoString implements fmt.GoStringer for %#v formatting.
func (s Secret) GoString() string {
	return "Secret([REDACTED])"
}

// Value returns the underlying secret.
func (s Secret) Value() string {
	return string(s)
}

// IsSet reports whether the secret is non-empty.
func (s Secret) IsSet() bool {
	return s != ""
}

// MarshalJSON always emits the redacted form.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}
