// Package verify runs a candidate change through a real build in a sandbox
// before anything is pushed to the repository.
package verify

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/bissquit/devops-guardian/internal/domain"
	"github.com/bissquit/devops-guardian/internal/pkg/ctxlog"
	"github.com/bissquit/devops-guardian/internal/redact"
	"github.com/bissquit/devops-guardian/internal/sandbox"
)

const (
	repoDir         = "repo"
	outputTailLines = 40
	releaseTimeout  = 30 * time.Second
)

// Config configures the gate.
type Config struct {
	Image   string
	WorkDir string
	Timeout time.Duration
}

// Request describes what to verify.
type Request struct {
	Repo     domain.RepoRef
	CloneURL string
	// Token is masked in every log line.
	Token  string
	Branch string
	Env    map[string]string
	Files  []domain.FileUpdate
}

// Result is the verification outcome. Logs is never nil.
type Result struct {
	Success   bool     `json:"success"`
	Logs      []string `json:"logs"`
	Toolchain string   `json:"toolchain,omitempty"`
}

// Gate is the verification gate.
type Gate struct {
	provider sandbox.Provider
	redactor *redact.Redactor
	config   Config
}

// NewGate creates a gate. A nil provider makes the gate unavailable.
func NewGate(provider sandbox.Provider, redactor *redact.Redactor, config Config) *Gate {
	if config.WorkDir == "" {
		config.WorkDir = "/workspace"
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Minute
	}
	return &Gate{provider: provider, redactor: redactor, config: config}
}

// Available reports whether builds can be executed.
func (g *Gate) Available() bool {
	return g != nil && g.provider != nil
}

// VerifyBuild clones the repository, applies files, builds it with the
// detected toolchain and reports the outcome. The sandbox is released exactly
// once on every path.
func (g *Gate) VerifyBuild(ctx context.Context, req Request) Result {
	start := time.Now()
	run := &runLog{}

	result := g.verify(ctx, req, run)
	result.Logs = g.redactor.Lines(run.lines, g.secrets(req)...)

	outcome := "failed"
	if result.Success {
		outcome = "passed"
	}
	recordVerification(result.Toolchain, outcome, time.Since(start))

	ctxlog.FromContext(ctx).Info("verification finished",
		"repo", req.Repo.FullName(),
		"branch", req.Branch,
		"toolchain", result.Toolchain,
		"success", result.Success,
		"duration", time.Since(start),
	)
	return result
}

func (g *Gate) verify(ctx context.Context, req Request, run *runLog) Result {
	if !g.Available() {
		run.add("System Error: %v", sandbox.ErrUnavailable)
		return Result{}
	}

	targets := make([]string, len(req.Files))
	for i, f := range req.Files {
		target, err := f.RepoPath()
		if err != nil {
			run.add("System Error: rejected file %q: %v", f.Path, err)
			return Result{}
		}
		targets[i] = path.Join(repoDir, target)
	}

	ctx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	sb, err := g.provider.Create(ctx, sandbox.Spec{Image: g.config.Image, WorkDir: g.config.WorkDir})
	if err != nil {
		run.add("System Error: create sandbox: %v", err)
		return Result{}
	}
	defer g.release(ctx, sb)
	run.add("Sandbox %s created.", sb.ID())

	args := []string{"git", "clone", "--depth", "1"}
	if req.Branch != "" {
		args = append(args, "--branch", req.Branch)
	}
	args = append(args, req.CloneURL, repoDir)
	if !g.step(ctx, sb, run, "Clone", sandbox.Command{Args: args, Env: map[string]string{"GIT_TERMINAL_PROMPT": "0"}}) {
		return Result{}
	}
	run.add("Cloned repository successfully.")

	for i, f := range req.Files {
		if err := sb.WriteFile(ctx, targets[i], []byte(f.Content)); err != nil {
			run.add("System Error: write %s: %v", f.Path, err)
			return Result{}
		}
		run.add("Applied %s.", f.Path)
	}

	listing, err := sb.Run(ctx, sandbox.Command{Args: []string{"ls", "-1A"}, Dir: repoDir})
	if err != nil || listing.ExitCode != 0 {
		run.add("System Error: list repository root failed")
		return Result{}
	}
	tc := detect(strings.Fields(listing.Output))
	run.add("%s detected.", tc.Label)

	for _, s := range tc.Steps {
		cmd := sandbox.Command{Args: s.Args, Env: req.Env, Dir: repoDir}
		if !g.step(ctx, sb, run, s.Name, cmd) {
			return Result{Toolchain: tc.Name}
		}
	}

	run.add("Verification Passed!")
	return Result{Success: true, Toolchain: tc.Name}
}

// step runs one command and records its outcome. It reports success.
func (g *Gate) step(ctx context.Context, sb sandbox.Sandbox, run *runLog, name string, cmd sandbox.Command) bool {
	run.add("Running %s: %s", name, strings.Join(cmd.Args, " "))

	res, err := sb.Run(ctx, cmd)
	if err != nil {
		if ctx.Err() != nil {
			run.add("System Error: %s aborted: %v", name, ctx.Err())
		} else {
			run.add("System Error: %s: %v", name, err)
		}
		return false
	}
	if res.ExitCode != 0 {
		run.add("%s Failed (exit code %d):", name, res.ExitCode)
		run.lines = append(run.lines, tail(res.Output, outputTailLines)...)
		return false
	}
	return true
}

func (g *Gate) release(ctx context.Context, sb sandbox.Sandbox) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if err := sb.Kill(ctx); err != nil {
		ctxlog.FromContext(ctx).Warn("failed to release sandbox", "sandbox_id", sb.ID(), "error", err)
	}
}

func (g *Gate) secrets(req Request) []string {
	known := make([]string, 0, len(req.Env)+1)
	if req.Token != "" {
		known = append(known, req.Token)
	}
	for _, v := range req.Env {
		known = append(known, v)
	}
	return known
}

type runLog struct {
	lines []string
}

func (l *runLog) add(format string, args ...any) {
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func tail(output string, n int) []string {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
