// Package sandbox runs untrusted build commands in disposable containers.
package sandbox

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when no sandbox provider is configured.
var ErrUnavailable = errors.New("sandbox provider unavailable")

// Spec describes the environment to create.
type Spec struct {
	Image   string
	WorkDir string
	Env     map[string]string
}

// Command is a single process run inside a sandbox.
type Command struct {
	Args []string
	Env  map[string]string
	Dir  string
}

// ExecResult is the outcome of a command.
type ExecResult struct {
	ExitCode int
	Output   string
}

// Provider creates sandboxes.
type Provider interface {
	Create(ctx context.Context, spec Spec) (Sandbox, error)
}

// Sandbox is an isolated execution environment. Kill must be safe to call once
// the sandbox is no longer needed, regardless of prior failures.
type Sandbox interface {
	ID() string
	Run(ctx context.Context, cmd Command) (ExecResult, error)
	WriteFile(ctx context.Context, path string, content []byte) error
	Kill(ctx context.Context) error
}
