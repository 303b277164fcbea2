package agents

import (
	"context"
	"fmt"

	"github.com/bissquit/devops-guardian/internal/domain"
	"github.com/bissquit/devops-guardian/internal/pkg/ctxlog"
	"github.com/bissquit/devops-guardian/internal/scm"
)

const fixBranchStage = "fix"

// PullRequest commits the incident's file updates on a deterministic branch
// and opens a pull request.
type PullRequest struct {
	connector  scm.Connector
	renderer   *Renderer
	baseBranch string
}

// NewPullRequest creates the PR stage. baseBranch is used when the
// repository default branch cannot be resolved.
func NewPullRequest(connector scm.Connector, renderer *Renderer, baseBranch string) *PullRequest {
	if baseBranch == "" {
		baseBranch = "main"
	}
	return &PullRequest{connector: connector, renderer: renderer, baseBranch: baseBranch}
}

// Name returns the stage name.
func (p *PullRequest) Name() string { return domain.StagePR }

// Execute commits every update in order. A failing commit stops the run;
// commits already pushed stay on the branch and are updated in place on retry.
func (p *PullRequest) Execute(ctx context.Context, in Input) Result {
	incident := in.Incident
	repo, ok := incident.Repository()
	if !ok {
		return Fail(ErrNoRepository)
	}
	updates := incident.FileUpdates()
	if len(updates) == 0 {
		return Fail(fmt.Errorf("%w: no file updates to commit", ErrInvalidInput))
	}
	files := make([]domain.FileUpdate, 0, len(updates))
	for _, f := range updates {
		clean, err := f.RepoPath()
		if err != nil {
			return Fail(fmt.Errorf("%w: %q: %v", ErrInvalidInput, f.Path, err))
		}
		files = append(files, domain.FileUpdate{Path: clean, Content: f.Content})
	}

	logger := ctxlog.FromContext(ctx).With("repo", repo.FullName())

	client, err := p.connector.Connect(ctx, repo)
	if err != nil {
		return Fail(err)
	}

	base, err := client.DefaultBranch(ctx, repo)
	if err != nil {
		logger.Warn("default branch lookup failed, using configured base", "base", p.baseBranch, "error", err)
		base = p.baseBranch
	}

	branch := scm.BranchName(fixBranchStage, incident.ID)
	if err := client.CreateBranch(ctx, repo, base, branch); err != nil {
		return Fail(fmt.Errorf("create branch %s: %w", branch, err))
	}

	message := fmt.Sprintf("fix: resolve incident %s", incident.ID)
	for i, f := range files {
		if err := client.CommitFile(ctx, repo, branch, f.Path, []byte(f.Content), message); err != nil {
			return Fail(fmt.Errorf("commit %s (%d of %d): %w", f.Path, i+1, len(files), err))
		}
	}

	body, err := p.renderer.RenderPatchPR(incident, in.Analysis, files, in.VerificationLogs)
	if err != nil {
		return Fail(err)
	}

	title := incident.Title
	if title == "" {
		title = "Automated Resolution"
	}
	pr, err := client.OpenPullRequest(ctx, repo, scm.PullRequest{
		Title: "fix: " + title,
		Body:  body,
		Head:  branch,
		Base:  base,
	})
	if err != nil {
		return Fail(fmt.Errorf("open pull request: %w", err))
	}

	logger.Info("pull request opened", "pr_url", pr.URL, "branch", branch, "files", len(files))
	return Success(map[string]any{
		"prUrl":  pr.URL,
		"number": pr.Number,
		"branch": branch,
		"files":  len(files),
	}, nil)
}
