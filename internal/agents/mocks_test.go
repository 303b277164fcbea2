package agents

import (
	"context"
	"fmt"
	"sync"

	"github.com/bissquit/devops-guardian/internal/domain"
	"github.com/bissquit/devops-guardian/internal/llm"
	"github.com/bissquit/devops-guardian/internal/scm"
	"github.com/bissquit/devops-guardian/internal/verify"
)

type mockGenerator struct {
	gen     *llm.Generation
	err     error
	prompts []string
}

func (m *mockGenerator) Generate(_ context.Context, prompt string) (*llm.Generation, error) {
	m.prompts = append(m.prompts, prompt)
	if m.err != nil {
		return nil, m.err
	}
	return m.gen, nil
}

type mockRecaller struct {
	memories []domain.ScoredMemory
	query    string
	limit    int
}

func (m *mockRecaller) FindSimilar(_ context.Context, query string, limit int) []domain.ScoredMemory {
	m.query = query
	m.limit = limit
	return m.memories
}

// mockClient is an in-memory repository.
type mockClient struct {
	mu            sync.Mutex
	files         map[string]string
	dirs          map[string][]scm.Entry
	defaultBranch string

	listErr   error
	commitErr map[string]error
	prErr     error

	branches []string
	commits  []string
	prs      []scm.PullRequest
	ops      int
}

func newMockClient() *mockClient {
	return &mockClient{
		files:         map[string]string{},
		dirs:          map[string][]scm.Entry{},
		defaultBranch: "main",
		commitErr:     map[string]error{},
	}
}

func (m *mockClient) withRoot(names ...string) *mockClient {
	for _, n := range names {
		m.dirs[""] = append(m.dirs[""], scm.Entry{Name: n, Path: n, Type: scm.EntryFile})
	}
	return m
}

func (m *mockClient) DefaultBranch(_ context.Context, _ domain.RepoRef) (string, error) {
	return m.defaultBranch, nil
}

func (m *mockClient) ListDir(_ context.Context, _ domain.RepoRef, path string) ([]scm.Entry, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	entries, ok := m.dirs[path]
	if !ok && path != "" {
		return nil, fmt.Errorf("list %s: %w", path, scm.ErrNotFound)
	}
	return entries, nil
}

func (m *mockClient) ReadFile(_ context.Context, _ domain.RepoRef, path string) (string, error) {
	content, ok := m.files[path]
	if !ok {
		return "", scm.ErrNotFound
	}
	return content, nil
}

func (m *mockClient) CreateBranch(_ context.Context, _ domain.RepoRef, _, branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops++
	m.branches = append(m.branches, branch)
	return nil
}

func (m *mockClient) CommitFile(_ context.Context, _ domain.RepoRef, _, path string, _ []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops++
	if err := m.commitErr[path]; err != nil {
		return err
	}
	m.commits = append(m.commits, path)
	return nil
}

func (m *mockClient) OpenPullRequest(_ context.Context, _ domain.RepoRef, pr scm.PullRequest) (*scm.PullRequestRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops++
	if m.prErr != nil {
		return nil, m.prErr
	}
	m.prs = append(m.prs, pr)
	return &scm.PullRequestRef{Number: len(m.prs), URL: fmt.Sprintf("https://github.com/acme/web/pull/%d", len(m.prs))}, nil
}

type mockConnector struct {
	client  *mockClient
	token   string
	connErr error
}

func (m *mockConnector) Connect(_ context.Context, _ domain.RepoRef) (scm.Client, error) {
	if m.connErr != nil {
		return nil, m.connErr
	}
	return m.client, nil
}

func (m *mockConnector) Token(_ domain.RepoRef) (string, error) {
	if m.token == "" {
		return "", scm.ErrNoCredentials
	}
	return m.token, nil
}

func (m *mockConnector) CloneURL(repo domain.RepoRef) (string, error) {
	if m.token == "" {
		return "", scm.ErrNoCredentials
	}
	return "https://x-access-token:" + m.token + "@github.com/" + repo.FullName() + ".git", nil
}

type mockVerifier struct {
	available bool
	result    verify.Result
	requests  []verify.Request
}

func (m *mockVerifier) Available() bool { return m.available }

func (m *mockVerifier) VerifyBuild(_ context.Context, req verify.Request) verify.Result {
	m.requests = append(m.requests, req)
	return m.result
}

type mockSecrets struct {
	stored map[string]map[string]string
	putErr error
}

func newMockSecrets() *mockSecrets {
	return &mockSecrets{stored: map[string]map[string]string{}}
}

func (m *mockSecrets) Put(_ context.Context, repo domain.RepoRef, envs map[string]string) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.stored[repo.FullName()] = envs
	return nil
}

func (m *mockSecrets) Get(_ context.Context, repo domain.RepoRef) (map[string]string, error) {
	return m.stored[repo.FullName()], nil
}

func repoIncident(meta map[string]any) *domain.Incident {
	base := map[string]any{"owner": "acme", "repo": "web"}
	for k, v := range meta {
		base[k] = v
	}
	return &domain.Incident{
		ID:          "inc-42",
		Source:      domain.SourceGitHub,
		Severity:    domain.SeverityCritical,
		Title:       "Build failed on main",
		Description: "npm ERR! missing script: build",
		Metadata:    base,
	}
}
