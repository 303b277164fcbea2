// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bissquit/devops-guardian/internal/agents"
	"github.com/bissquit/devops-guardian/internal/analytics"
	analyticspostgres "github.com/bissquit/devops-guardian/internal/analytics/postgres"
	"github.com/bissquit/devops-guardian/internal/auth"
	"github.com/bissquit/devops-guardian/internal/broadcast"
	"github.com/bissquit/devops-guardian/internal/chat/slack"
	"github.com/bissquit/devops-guardian/internal/config"
	"github.com/bissquit/devops-guardian/internal/domain"
	"github.com/bissquit/devops-guardian/internal/incidents"
	"github.com/bissquit/devops-guardian/internal/ingest"
	"github.com/bissquit/devops-guardian/internal/llm"
	"github.com/bissquit/devops-guardian/internal/memory"
	memorychromem "github.com/bissquit/devops-guardian/internal/memory/chromem"
	memorypostgres "github.com/bissquit/devops-guardian/internal/memory/postgres"
	memoryqdrant "github.com/bissquit/devops-guardian/internal/memory/qdrant"
	"github.com/bissquit/devops-guardian/internal/orchestrator"
	orchestratorpostgres "github.com/bissquit/devops-guardian/internal/orchestrator/postgres"
	"github.com/bissquit/devops-guardian/internal/pkg/httputil"
	"github.com/bissquit/devops-guardian/internal/pkg/metrics"
	"github.com/bissquit/devops-guardian/internal/pkg/postgres"
	"github.com/bissquit/devops-guardian/internal/redact"
	"github.com/bissquit/devops-guardian/internal/sandbox"
	"github.com/bissquit/devops-guardian/internal/scm"
	"github.com/bissquit/devops-guardian/internal/secrets"
	secretspostgres "github.com/bissquit/devops-guardian/internal/secrets/postgres"
	"github.com/bissquit/devops-guardian/internal/verify"
	"github.com/bissquit/devops-guardian/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc

	worker       *orchestrator.Worker
	orchestrator *orchestrator.Service
	closers      []io.Closer
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(cfg.Database.URL.Value(), cfg.Database.MigrationsPath, true); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL.Value(),
		MaxConns:        cfg.Database.MaxOpenConns,
		MinConns:        cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())

	app := &App{
		config:        cfg,
		logger:        logger,
		db:            db,
		metricsCancel: metricsCancel,
	}

	go metrics.WatchPool(metricsCtx, db, metrics.DefaultPoolInterval)

	router, err := app.setupRouter(metricsCtx)
	if err != nil {
		if app.worker != nil {
			app.worker.Stop()
		}
		_ = app.closeAll()
		db.Close()
		metricsCancel()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		// WriteTimeout stays zero by default so the event stream is not cut off.
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"version", version.Version,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.metricsCancel()

	// Stop taking new jobs before the servers drain; in-flight stages finish or
	// are recovered on the next start.
	if a.worker != nil {
		a.worker.Stop()
	}

	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	errs = append(errs, a.closeAll())
	a.db.Close()

	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Orchestrator returns the incident service. Used in tests to drive the
// pipeline without going through HTTP.
func (a *App) Orchestrator() *orchestrator.Service {
	return a.orchestrator
}

func (a *App) setupRouter(ctx context.Context) (*chi.Mux, error) {
	cfg := a.config

	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(cfg.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	a.mountSystemRoutes(r)

	llmClient, err := llm.New(llm.Config{
		BaseURL:        cfg.LLM.BaseURL,
		APIKey:         cfg.LLM.APIKey.Value(),
		PrimaryModel:   cfg.LLM.PrimaryModel,
		FallbackModel:  cfg.LLM.FallbackModel,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		MaxTokens:      cfg.LLM.MaxTokens,
		Timeout:        cfg.LLM.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}

	memoryIndex, err := a.memoryIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("create memory index: %w", err)
	}
	memoryStore := memory.NewStore(llmClient, memoryIndex, cfg.Memory.Backend)

	broker := a.newBroker()
	if err := broker.Start(ctx); err != nil {
		return nil, fmt.Errorf("start broadcast broker: %w", err)
	}
	a.closers = append(a.closers, broker)

	credentials := make(map[string]string, len(cfg.GitHub.Credentials))
	for ref, token := range cfg.GitHub.Credentials {
		credentials[ref] = token.Value()
	}
	connector := scm.NewGitHubConnector(scm.GitHubConfig{
		Token:       cfg.GitHub.Token.Value(),
		Credentials: credentials,
		BaseURL:     cfg.GitHub.BaseURL,
	})

	redactor, err := redact.New()
	if err != nil {
		return nil, fmt.Errorf("create redactor: %w", err)
	}
	var provider sandbox.Provider
	if cfg.Sandbox.Enabled {
		provider = sandbox.NewContainerProvider(cfg.Sandbox.Image)
	} else {
		slog.Warn("sandbox is disabled: fixes and pipelines will not be verified before review")
	}
	gate := verify.NewGate(provider, redactor, verify.Config{
		Image:   cfg.Sandbox.Image,
		WorkDir: cfg.Sandbox.WorkDir,
		Timeout: cfg.Sandbox.Timeout,
	})

	var secretStore agents.SecretStore
	if cfg.Secrets.Key.IsSet() {
		key, err := secrets.ParseKey(cfg.Secrets.Key.Value())
		if err != nil {
			return nil, fmt.Errorf("parse secrets key: %w", err)
		}
		box, err := secrets.NewBox(key)
		if err != nil {
			return nil, fmt.Errorf("create secrets box: %w", err)
		}
		secretStore = secrets.NewStore(secretspostgres.NewRepository(a.db), box)
	} else {
		slog.Warn("secrets key is not set: pipeline environment values cannot be stored")
	}

	renderer, err := agents.NewRenderer()
	if err != nil {
		return nil, fmt.Errorf("create template renderer: %w", err)
	}
	pipeline := agents.NewPipeline(connector, gate, secretStore, renderer)
	stages := orchestrator.Stages{
		RCA:      agents.NewRCA(llmClient, memoryStore, connector, cfg.Orchestrator.SimilarLimit),
		Pipeline: pipeline,
		Verify:   agents.NewVerify(connector, gate, secretStore),
		PR:       agents.NewPullRequest(connector, renderer, cfg.GitHub.BaseBranch),
	}

	collaborators := orchestrator.Collaborators{
		Publisher: broker,
		Memory:    memoryStore,
	}
	if cfg.Slack.Enabled {
		collaborators.Notifier = slack.NewNotifier(slack.Config{
			BotToken: cfg.Slack.BotToken.Value(),
			Channel:  cfg.Slack.Channel,
			APIURL:   cfg.Slack.APIURL,
		})
	}

	orchestratorRepo := orchestratorpostgres.NewRepository(a.db)
	service := orchestrator.NewService(orchestrator.Config{
		RequireApproval:   cfg.Orchestrator.RequireApproval,
		StageTimeout:      cfg.Orchestrator.StageTimeout,
		MaxAttempts:       cfg.Orchestrator.Retry.MaxAttempts,
		InitialBackoff:    cfg.Orchestrator.Retry.InitialBackoff,
		MaxBackoff:        cfg.Orchestrator.Retry.MaxBackoff,
		BackoffMultiplier: cfg.Orchestrator.Retry.BackoffMultiplier,
		MaxPending:        cfg.Orchestrator.Worker.MaxPending,
	}, orchestratorRepo, stages, collaborators)
	a.orchestrator = service

	workerConfig := orchestrator.DefaultWorkerConfig()
	workerConfig.NumWorkers = cfg.Orchestrator.Worker.NumWorkers
	workerConfig.PollInterval = cfg.Orchestrator.Worker.PollInterval
	workerConfig.StuckAfter = cfg.Orchestrator.Worker.StuckAfter
	workerConfig.HeartbeatInterval = cfg.Orchestrator.Worker.HeartbeatInterval
	workerConfig.RecoverInterval = cfg.Orchestrator.Worker.RecoverInterval
	a.worker = orchestrator.NewWorker(workerConfig, orchestratorRepo, service, service.Wake())
	a.worker.Start(ctx)

	slog.Info("remediation pipeline configured",
		"require_approval", cfg.Orchestrator.RequireApproval,
		"memory_backend", cfg.Memory.Backend,
		"sandbox_enabled", cfg.Sandbox.Enabled,
		"slack_enabled", cfg.Slack.Enabled,
		"broadcast_enabled", cfg.Broadcast.Enabled,
		"auth_enabled", cfg.Auth.Enabled,
	)

	var limiter *ingest.IPLimiter
	if cfg.Ingest.RateLimit > 0 {
		limiter = ingest.NewIPLimiter(cfg.Ingest.RateLimit, cfg.Ingest.Burst)
	}
	ingestHandler := ingest.NewHandler(service, limiter, cfg.Ingest.Token.Value())
	incidentsHandler := incidents.NewHandler(service, pipeline, memoryStore)
	analyticsHandler := analytics.NewHandler(
		analytics.NewService(analyticspostgres.NewRepository(a.db), cfg.Orchestrator.SelfHealingStage),
	)
	streamHandler := broadcast.NewStreamHandler(broker)

	authMiddleware := httputil.AnonymousMiddleware(domain.RoleOperator)
	if cfg.Auth.Enabled {
		authenticator, err := auth.NewAuthenticator(auth.Config{
			SecretKey:     cfg.Auth.SecretKey.Value(),
			Issuer:        cfg.Auth.Issuer,
			TokenDuration: cfg.Auth.TokenDuration,
		})
		if err != nil {
			return nil, fmt.Errorf("create authenticator: %w", err)
		}
		authMiddleware = httputil.AuthMiddleware(authenticator)
	} else {
		slog.Warn("operator authentication is disabled: every caller is treated as operator")
	}

	r.Route("/api/v1", func(r chi.Router) {
		ingestHandler.RegisterRoutes(r)

		if cfg.Slack.Enabled {
			r.Method(http.MethodPost, "/slack/actions", slack.NewActionsHandler(service, cfg.Slack.SigningSecret.Value()))
		}

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware)

			r.Group(func(r chi.Router) {
				r.Use(httputil.RequireRole(domain.RoleViewer))
				r.Method(http.MethodGet, "/stream", streamHandler)

				r.Group(func(r chi.Router) {
					if cfg.Server.RequestTimeout > 0 {
						r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
					}
					incidentsHandler.RegisterRoutes(r)
					analyticsHandler.RegisterRoutes(r)
				})
			})

			r.Group(func(r chi.Router) {
				r.Use(httputil.RequireRole(domain.RoleOperator))
				incidentsHandler.RegisterOperatorRoutes(r)
			})
		})
	})

	return r, nil
}

func (a *App) memoryIndex(ctx context.Context) (memory.Index, error) {
	cfg := a.config.Memory
	switch cfg.Backend {
	case "chromem":
		return memorychromem.NewIndex(memorychromem.Config{
			Path:       cfg.Chromem.Path,
			Compress:   cfg.Chromem.Compress,
			Collection: cfg.Chromem.Collection,
		})
	case "qdrant":
		index, err := memoryqdrant.NewIndex(ctx, memoryqdrant.Config{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			APIKey:     cfg.Qdrant.APIKey.Value(),
			UseTLS:     cfg.Qdrant.UseTLS,
			Collection: cfg.Qdrant.Collection,
			VectorSize: cfg.Qdrant.VectorSize,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, index)
		return index, nil
	default:
		return memorypostgres.NewIndex(a.db), nil
	}
}

func (a *App) newBroker() broadcast.Broker {
	cfg := a.config.Broadcast
	if !cfg.Enabled {
		return broadcast.Noop{}
	}
	return broadcast.NewNATSBroker(broadcast.NATSConfig{
		URL:           cfg.URL,
		Embedded:      cfg.Embedded,
		SubjectPrefix: cfg.SubjectPrefix,
	})
}
