package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	pgutil "github.com/bissquit/devops-guardian/internal/pkg/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresImage ships the pgvector extension used by the memories table.
const PostgresImage = "pgvector/pgvector:pg16"

const startupTimeout = 90 * time.Second

// PostgresContainer is a throwaway database for one test binary.
type PostgresContainer struct {
	*postgres.PostgresContainer
	ConnectionString string
}

// NewPostgresContainer starts PostgresImage and waits until it accepts
// connections. The server logs the ready line twice: once for the init
// scripts and once for real.
func NewPostgresContainer(ctx context.Context) (*PostgresContainer, error) {
	container, err := postgres.Run(ctx,
		PostgresImage,
		postgres.WithDatabase("guardian"),
		postgres.WithUsername("guardian"),
		postgres.WithPassword("guardian"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
				wait.ForListeningPort("5432/tcp"),
			).WithStartupTimeoutDefault(startupTimeout),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("postgres connection string: %w", err)
	}

	return &PostgresContainer{PostgresContainer: container, ConnectionString: dsn}, nil
}

// MigrationsDir returns the absolute path of the repository migrations.
func MigrationsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}

// NewDatabase starts a container, applies every migration and returns a
// pool. Container and pool are released by t.Cleanup.
func NewDatabase(t testing.TB) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := NewPostgresContainer(ctx)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate postgres: %v", err)
		}
	})

	if err := pgutil.Migrate(container.ConnectionString, MigrationsDir(), true); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	pool, err := pgutil.Connect(ctx, pgutil.Config{
		URL:             container.ConnectionString,
		ApplicationName: t.Name(),
		ConnectAttempts: 3,
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	return pool
}
