// Package scm is the source-control collaborator used by remediation stages.
package scm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bissquit/devops-guardian/internal/domain"
)

// Errors.
var (
	ErrNotFound      = errors.New("not found in repository")
	ErrNoCredentials = errors.New("no source-control credentials for repository")
)

// Entry types.
const (
	EntryFile = "file"
	EntryDir  = "dir"
)

// Entry is one item of a directory listing.
type Entry struct {
	Name string
	Path string
	Type string
}

// PullRequest describes a pull request to open.
type PullRequest struct {
	Title string
	Body  string
	Head  string
	Base  string
}

// PullRequestRef identifies an opened pull request.
type PullRequestRef struct {
	Number int
	URL    string
}

// Client performs repository reads and writes for one repository credential.
type Client interface {
	DefaultBranch(ctx context.Context, repo domain.RepoRef) (string, error)
	ListDir(ctx context.Context, repo domain.RepoRef, path string) ([]Entry, error)
	ReadFile(ctx context.Context, repo domain.RepoRef, path string) (string, error)
	// CreateBranch creates branch from the head of base. An existing branch is reused.
	CreateBranch(ctx context.Context, repo domain.RepoRef, base, branch string) error
	// CommitFile creates or updates path on branch.
	CommitFile(ctx context.Context, repo domain.RepoRef, branch, path string, content []byte, message string) error
	// OpenPullRequest opens a pull request, returning the existing one for the same head if any.
	OpenPullRequest(ctx context.Context, repo domain.RepoRef, pr PullRequest) (*PullRequestRef, error)
}

// Connector resolves credentials for a repository and builds clients.
type Connector interface {
	Connect(ctx context.Context, repo domain.RepoRef) (Client, error)
	// Token returns the credential used to clone repo inside a sandbox.
	Token(repo domain.RepoRef) (string, error)
	// CloneURL returns an authenticated HTTPS clone URL.
	CloneURL(repo domain.RepoRef) (string, error)
}

// BranchName returns the deterministic branch for a stage and key so that
// retries reuse the same branch instead of creating new ones.
func BranchName(stage, key string) string {
	return fmt.Sprintf("guardian/%s/%s", sanitizeRef(strings.ToLower(stage)), sanitizeRef(key))
}

func sanitizeRef(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-.")
	if out == "" {
		return "unnamed"
	}
	return out
}
