package scm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bissquit/devops-guardian/internal/domain"
	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// GitHubConfig configures the GitHub connector.
type GitHubConfig struct {
	// Token is used when a repository names no credentials reference.
	Token string
	// Credentials maps a credentials reference from incident metadata to a token.
	Credentials map[string]string
	// BaseURL overrides the API endpoint (GitHub Enterprise, tests).
	BaseURL string
	Retry   RetryConfig
}

// RetryConfig configures retries of transient GitHub API errors.
type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration for GitHub API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// GitHubConnector builds GitHub clients per repository credential.
type GitHubConnector struct {
	config GitHubConfig
}

// NewGitHubConnector creates a connector.
func NewGitHubConnector(config GitHubConfig) *GitHubConnector {
	if config.Retry.MaxRetries == 0 {
		config.Retry = DefaultRetryConfig()
	}
	return &GitHubConnector{config: config}
}

// Token resolves the credential for repo.
func (c *GitHubConnector) Token(repo domain.RepoRef) (string, error) {
	if repo.CredentialsRef != "" {
		if token, ok := c.config.Credentials[repo.CredentialsRef]; ok && token != "" {
			return token, nil
		}
		return "", fmt.Errorf("%w: unknown credentials reference %q", ErrNoCredentials, repo.CredentialsRef)
	}
	if c.config.Token == "" {
		return "", fmt.Errorf("%w: %s", ErrNoCredentials, repo.FullName())
	}
	return c.config.Token, nil
}

// CloneURL returns an HTTPS clone URL embedding the token.
func (c *GitHubConnector) CloneURL(repo domain.RepoRef) (string, error) {
	token, err := c.Token(repo)
	if err != nil {
		return "", err
	}
	host := "github.com"
	if c.config.BaseURL != "" {
		if u, err := url.Parse(c.config.BaseURL); err == nil && u.Host != "" && u.Host != "api.github.com" {
			host = u.Host
		}
	}
	return fmt.Sprintf("https://x-access-token:%s@%s/%s/%s.git", token, host, repo.Owner, repo.Name), nil
}

// Connect returns a client authenticated for repo.
func (c *GitHubConnector) Connect(ctx context.Context, repo domain.RepoRef) (Client, error) {
	token, err := c.Token(repo)
	if err != nil {
		return nil, err
	}
	return NewGitHubClient(ctx, token, c.config.BaseURL, c.config.Retry)
}

// GitHubClient implements Client using the GitHub REST API.
type GitHubClient struct {
	gh    *github.Client
	retry RetryConfig
}

// NewGitHubClient creates a GitHub client with token authentication.
func NewGitHubClient(ctx context.Context, token, baseURL string, retry RetryConfig) (*GitHubClient, error) {
	if token == "" {
		return nil, ErrNoCredentials
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)
	gh := github.NewClient(tc)

	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}
		gh.BaseURL = u
	}

	return &GitHubClient{gh: gh, retry: retry}, nil
}

// DefaultBranch returns the repository default branch.
func (c *GitHubClient) DefaultBranch(ctx context.Context, repo domain.RepoRef) (string, error) {
	var r *github.Repository
	_, err := c.do(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		r, resp, err = c.gh.Repositories.Get(ctx, repo.Owner, repo.Name)
		return resp, err
	})
	if err != nil {
		return "", fmt.Errorf("get repository %s: %w", repo.FullName(), err)
	}
	return r.GetDefaultBranch(), nil
}

// ListDir lists entries at path. "" is the repository root.
func (c *GitHubClient) ListDir(ctx context.Context, repo domain.RepoRef, path string) ([]Entry, error) {
	var dir []*github.RepositoryContent
	_, err := c.do(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		_, dir, resp, err = c.gh.Repositories.GetContents(ctx, repo.Owner, repo.Name, path, nil)
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("list %s/%s: %w", repo.FullName(), path, err)
	}

	entries := make([]Entry, 0, len(dir))
	for _, item := range dir {
		entries = append(entries, Entry{Name: item.GetName(), Path: item.GetPath(), Type: item.GetType()})
	}
	return entries, nil
}

// ReadFile returns the decoded content of path on the default branch.
func (c *GitHubClient) ReadFile(ctx context.Context, repo domain.RepoRef, path string) (string, error) {
	var file *github.RepositoryContent
	_, err := c.do(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		file, _, resp, err = c.gh.Repositories.GetContents(ctx, repo.Owner, repo.Name, path, nil)
		return resp, err
	})
	if err != nil {
		return "", fmt.Errorf("read %s/%s: %w", repo.FullName(), path, err)
	}
	if file == nil {
		return "", fmt.Errorf("read %s/%s: %w", repo.FullName(), path, ErrNotFound)
	}
	content, err := file.GetContent()
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", path, err)
	}
	return content, nil
}

// CreateBranch creates branch from base. An already existing branch is reused.
func (c *GitHubClient) CreateBranch(ctx context.Context, repo domain.RepoRef, base, branch string) error {
	var baseRef *github.Reference
	_, err := c.do(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		baseRef, resp, err = c.gh.Git.GetRef(ctx, repo.Owner, repo.Name, "refs/heads/"+base)
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("get base ref %s: %w", base, err)
	}

	resp, err := c.do(ctx, func() (*github.Response, error) {
		_, resp, err := c.gh.Git.CreateRef(ctx, repo.Owner, repo.Name, &github.Reference{
			Ref:    github.String("refs/heads/" + branch),
			Object: &github.GitObject{SHA: baseRef.Object.SHA},
		})
		return resp, err
	})
	if err != nil {
		if statusCode(resp) == http.StatusUnprocessableEntity {
			slog.Debug("branch already exists, reusing", "repo", repo.FullName(), "branch", branch)
			return nil
		}
		return fmt.Errorf("create branch %s: %w", branch, err)
	}
	return nil
}

// CommitFile creates path on branch, or updates it in place when it exists.
func (c *GitHubClient) CommitFile(ctx context.Context, repo domain.RepoRef, branch, path string, content []byte, message string) error {
	opts := &github.RepositoryContentFileOptions{
		Message: github.String(message),
		Content: content,
		Branch:  github.String(branch),
	}

	var existing *github.RepositoryContent
	resp, err := c.do(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		existing, _, resp, err = c.gh.Repositories.GetContents(ctx, repo.Owner, repo.Name, path,
			&github.RepositoryContentGetOptions{Ref: branch})
		return resp, err
	})
	switch {
	case err == nil && existing != nil:
		opts.SHA = existing.SHA
	case err != nil && statusCode(resp) != http.StatusNotFound:
		return fmt.Errorf("look up %s: %w", path, err)
	}

	_, err = c.do(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		if opts.SHA != nil {
			_, resp, err = c.gh.Repositories.UpdateFile(ctx, repo.Owner, repo.Name, path, opts)
		} else {
			_, resp, err = c.gh.Repositories.CreateFile(ctx, repo.Owner, repo.Name, path, opts)
		}
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("commit %s: %w", path, err)
	}
	return nil
}

// OpenPullRequest opens pr, or returns the open pull request with the same head.
func (c *GitHubClient) OpenPullRequest(ctx context.Context, repo domain.RepoRef, pr PullRequest) (*PullRequestRef, error) {
	var created *github.PullRequest
	resp, err := c.do(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		created, resp, err = c.gh.PullRequests.Create(ctx, repo.Owner, repo.Name, &github.NewPullRequest{
			Title: github.String(pr.Title),
			Head:  github.String(pr.Head),
			Base:  github.String(pr.Base),
			Body:  github.String(pr.Body),
		})
		return resp, err
	})
	if err == nil {
		return &PullRequestRef{Number: created.GetNumber(), URL: created.GetHTMLURL()}, nil
	}
	if statusCode(resp) != http.StatusUnprocessableEntity {
		return nil, fmt.Errorf("open pull request: %w", err)
	}

	var open []*github.PullRequest
	_, listErr := c.do(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		open, resp, err = c.gh.PullRequests.List(ctx, repo.Owner, repo.Name, &github.PullRequestListOptions{
			State: "open",
			Head:  repo.Owner + ":" + pr.Head,
		})
		return resp, err
	})
	if listErr != nil || len(open) == 0 {
		return nil, fmt.Errorf("open pull request: %w", err)
	}
	return &PullRequestRef{Number: open[0].GetNumber(), URL: open[0].GetHTMLURL()}, nil
}

// do runs op, retrying rate limits and server errors with capped exponential backoff.
// 404 responses are translated to ErrNotFound.
func (c *GitHubClient) do(ctx context.Context, op func() (*github.Response, error)) (*github.Response, error) {
	backoff := c.retry.InitialBackoff
	var resp *github.Response
	var err error

	for attempt := 0; ; attempt++ {
		resp, err = op()
		if err == nil {
			return resp, nil
		}
		if statusCode(resp) == http.StatusNotFound {
			return resp, fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		if !isRetryable(err, resp) || attempt >= c.retry.MaxRetries {
			return resp, err
		}

		wait := backoff
		var rateErr *github.RateLimitError
		if errors.As(err, &rateErr) {
			if until := time.Until(rateErr.Rate.Reset.Time); until > 0 && until < c.retry.MaxBackoff {
				wait = until
			} else {
				wait = c.retry.MaxBackoff
			}
		}

		slog.Debug("retrying github operation", "attempt", attempt+1, "status", statusCode(resp), "backoff", wait)

		select {
		case <-ctx.Done():
			return resp, fmt.Errorf("operation canceled: %w", ctx.Err())
		case <-time.After(wait):
		}

		backoff = time.Duration(float64(backoff) * c.retry.BackoffMultiplier)
		if backoff > c.retry.MaxBackoff {
			backoff = c.retry.MaxBackoff
		}
	}
}

func isRetryable(err error, resp *github.Response) bool {
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return true
	}
	code := statusCode(resp)
	if code == 0 {
		// transport error
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	return code == http.StatusTooManyRequests || code >= 500
}

func statusCode(resp *github.Response) int {
	if resp == nil || resp.Response == nil {
		return 0
	}
	return resp.StatusCode
}
