package agents

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/bissquit/devops-guardian/internal/domain"
	"github.com/bissquit/devops-guardian/internal/pkg/ctxlog"
	"github.com/bissquit/devops-guardian/internal/scm"
	"github.com/bissquit/devops-guardian/internal/verify"
)

// Pipeline analysis statuses.
const (
	PipelineExists  = "EXISTS"
	PipelineMissing = "MISSING"
)

// Stacks inferred from repository manifests.
const (
	StackNode    = "node"
	StackPython  = "python"
	StackGo      = "go"
	StackJava    = "java"
	StackUnknown = "unknown"
)

const workflowsDir = ".github/workflows"

// existingCIConfigs is the detection priority for CI configuration in the repository root.
var existingCIConfigs = []struct {
	file string
	kind string
}{
	{file: "Jenkinsfile", kind: "Jenkins"},
	{file: ".gitlab-ci.yml", kind: "GitLab"},
	{file: "gitlab-ci.yml", kind: "GitLab"},
	{file: "azure-pipelines.yml", kind: "Azure"},
}

// Verifier runs a build in a sandbox.
type Verifier interface {
	Available() bool
	VerifyBuild(ctx context.Context, req verify.Request) verify.Result
}

// SecretStore keeps pipeline environment values for a repository.
type SecretStore interface {
	Put(ctx context.Context, repo domain.RepoRef, envs map[string]string) error
	Get(ctx context.Context, repo domain.RepoRef) (map[string]string, error)
}

// PipelineAnalysis is the result of inspecting a repository for CI configuration.
type PipelineAnalysis struct {
	Status         string `json:"status"`
	Type           string `json:"type,omitempty"`
	File           string `json:"file,omitempty"`
	SuggestedStack string `json:"suggested_stack,omitempty"`
	// Stack is always inferred, even when a pipeline exists.
	Stack string `json:"-"`
}

// GenerateRequest asks for a verified pipeline pull request.
type GenerateRequest struct {
	Repo domain.RepoRef
	Type string
	Envs map[string]string
	// Key makes the branch name deterministic; the repository name is used when empty.
	Key string
}

// GenerateResult describes the opened pull request.
type GenerateResult struct {
	Path     string   `json:"path"`
	Type     string   `json:"type"`
	Branch   string   `json:"branch"`
	PRURL    string   `json:"pr_url"`
	Verified bool     `json:"verified"`
	Logs     []string `json:"logs"`
}

// Pipeline detects and generates CI pipelines.
type Pipeline struct {
	connector scm.Connector
	verifier  Verifier
	secrets   SecretStore
	renderer  *Renderer
}

// NewPipeline creates the pipeline stage. secrets may be nil.
func NewPipeline(connector scm.Connector, verifier Verifier, secrets SecretStore, renderer *Renderer) *Pipeline {
	return &Pipeline{connector: connector, verifier: verifier, secrets: secrets, renderer: renderer}
}

// Name returns the stage name.
func (p *Pipeline) Name() string { return domain.StagePipeline }

// Analyze looks for an existing CI configuration and otherwise suggests a stack.
func (p *Pipeline) Analyze(ctx context.Context, repo domain.RepoRef) (*PipelineAnalysis, error) {
	client, err := p.connector.Connect(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", repo.FullName(), err)
	}
	return p.analyze(ctx, client, repo)
}

func (p *Pipeline) analyze(ctx context.Context, client scm.Client, repo domain.RepoRef) (*PipelineAnalysis, error) {
	root, err := client.ListDir(ctx, repo, "")
	if err != nil {
		return nil, fmt.Errorf("list repository root: %w", err)
	}
	names := make([]string, 0, len(root))
	for _, e := range root {
		names = append(names, e.Name)
	}
	stack := inferStack(names)

	for _, c := range existingCIConfigs {
		if slices.Contains(names, c.file) {
			return &PipelineAnalysis{Status: PipelineExists, Type: c.kind, File: c.file, Stack: stack}, nil
		}
	}

	workflows, err := client.ListDir(ctx, repo, workflowsDir)
	if err != nil && !errors.Is(err, scm.ErrNotFound) {
		return nil, fmt.Errorf("list %s: %w", workflowsDir, err)
	}
	for _, w := range workflows {
		if w.Type == scm.EntryFile {
			return &PipelineAnalysis{Status: PipelineExists, Type: "GitHub Actions", File: w.Name, Stack: stack}, nil
		}
	}

	return &PipelineAnalysis{Status: PipelineMissing, SuggestedStack: stack, Stack: stack}, nil
}

func inferStack(names []string) string {
	has := func(n string) bool { return slices.Contains(names, n) }
	switch {
	case has("package.json"):
		return StackNode
	case has("requirements.txt") || has("pyproject.toml"):
		return StackPython
	case has("go.mod"):
		return StackGo
	case has("pom.xml"):
		return StackJava
	default:
		return StackUnknown
	}
}

// Generate renders, verifies and proposes a pipeline. Nothing is written to
// the repository unless verification passed.
func (p *Pipeline) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	logger := ctxlog.FromContext(ctx).With("repo", req.Repo.FullName(), "pipeline_type", req.Type)

	if err := p.checkPreconditions(req); err != nil {
		return nil, err
	}
	token, err := p.connector.Token(req.Repo)
	if err != nil {
		return nil, ConfigurationError("no credentials for %s: %v", req.Repo.FullName(), err)
	}
	cloneURL, err := p.connector.CloneURL(req.Repo)
	if err != nil {
		return nil, ConfigurationError("no clone url for %s: %v", req.Repo.FullName(), err)
	}

	if len(req.Envs) > 0 {
		if err := p.secrets.Put(ctx, req.Repo, req.Envs); err != nil {
			return nil, fmt.Errorf("store pipeline secrets: %w", err)
		}
		logger.Info("stored pipeline secrets", "count", len(req.Envs))
	}

	client, err := p.connector.Connect(ctx, req.Repo)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", req.Repo.FullName(), err)
	}
	analysis, err := p.analyze(ctx, client, req.Repo)
	if err != nil {
		return nil, err
	}
	base, err := client.DefaultBranch(ctx, req.Repo)
	if err != nil {
		return nil, fmt.Errorf("resolve default branch: %w", err)
	}

	file, err := p.renderer.RenderPipeline(req.Type, analysis.Stack, base, envNames(req.Envs))
	if err != nil {
		return nil, err
	}

	logger.Info("verifying generated pipeline", "stack", analysis.Stack, "path", file.Path)
	vr := p.verifier.VerifyBuild(ctx, verify.Request{
		Repo:     req.Repo,
		CloneURL: cloneURL,
		Token:    token,
		Branch:   base,
		Env:      req.Envs,
		Files:    []domain.FileUpdate{{Path: file.Path, Content: file.Content}},
	})
	if !vr.Success {
		logger.Warn("pipeline verification failed")
		return nil, VerificationFailure("pipeline verification failed", vr.Logs)
	}

	key := req.Key
	if key == "" {
		key = req.Repo.FullName()
	}
	branch := scm.BranchName(domain.StagePipeline, key)

	if err := client.CreateBranch(ctx, req.Repo, base, branch); err != nil {
		return nil, fmt.Errorf("create branch %s: %w", branch, err)
	}
	if err := client.CommitFile(ctx, req.Repo, branch, file.Path, []byte(file.Content), file.Message); err != nil {
		return nil, fmt.Errorf("commit %s: %w", file.Path, err)
	}

	body, err := p.renderer.RenderPipelinePR(file, analysis.Stack, true, vr.Logs)
	if err != nil {
		return nil, err
	}
	pr, err := client.OpenPullRequest(ctx, req.Repo, scm.PullRequest{
		Title: "Add DevOps Guardian Pipeline",
		Body:  body,
		Head:  branch,
		Base:  base,
	})
	if err != nil {
		return nil, fmt.Errorf("open pull request: %w", err)
	}

	logger.Info("pipeline pull request opened", "pr_url", pr.URL)
	return &GenerateResult{
		Path:     file.Path,
		Type:     file.Type,
		Branch:   branch,
		PRURL:    pr.URL,
		Verified: true,
		Logs:     vr.Logs,
	}, nil
}

// checkPreconditions runs before any side effect.
func (p *Pipeline) checkPreconditions(req GenerateRequest) error {
	if _, ok := pipelineFiles[req.Type]; !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedPipeline, req.Type)
	}
	if p.verifier == nil || !p.verifier.Available() {
		return ConfigurationError("build verification is unavailable; refusing to open an unverified pipeline")
	}
	if len(req.Envs) > 0 && p.secrets == nil {
		return ConfigurationError("secret storage is not configured; cannot store %d pipeline variables", len(req.Envs))
	}
	return nil
}

// Execute prepares a candidate pipeline for an incident when the repository
// has none. Verification and the pull request are separate stages.
func (p *Pipeline) Execute(ctx context.Context, in Input) Result {
	repo, ok := in.Incident.Repository()
	if !ok {
		return Fail(ErrNoRepository)
	}

	client, err := p.connector.Connect(ctx, repo)
	if err != nil {
		return Fail(err)
	}
	analysis, err := p.analyze(ctx, client, repo)
	if err != nil {
		return Fail(err)
	}

	data := map[string]any{
		"status": analysis.Status,
		"stack":  analysis.Stack,
	}
	if analysis.Status == PipelineExists {
		data["type"] = analysis.Type
		data["file"] = analysis.File
		return Success(data, nil)
	}

	pipelineType := in.Incident.MetaString(domain.MetaPipelineType)
	if pipelineType == "" {
		pipelineType = PipelineGitHubActions
	}

	base, err := client.DefaultBranch(ctx, repo)
	if err != nil {
		return Fail(fmt.Errorf("resolve default branch: %w", err))
	}

	var names []string
	if p.secrets != nil {
		envs, err := p.secrets.Get(ctx, repo)
		if err != nil {
			return Fail(fmt.Errorf("load pipeline secrets: %w", err))
		}
		names = envNames(envs)
	}

	file, err := p.renderer.RenderPipeline(pipelineType, analysis.Stack, base, names)
	if err != nil {
		return Fail(err)
	}

	data["type"] = file.Type
	data["file"] = file.Path
	data[domain.MetaFileUpdates] = []any{
		map[string]any{"path": file.Path, "content": file.Content},
	}
	return Success(data, nil)
}

func envNames(envs map[string]string) []string {
	names := make([]string, 0, len(envs))
	for k := range envs {
		if strings.TrimSpace(k) != "" {
			names = append(names, k)
		}
	}
	slices.Sort(names)
	return names
}
