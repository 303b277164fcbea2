package secrets

import (
	"context"
	"fmt"
	"strings"

	"github.com/bissquit/devops-guardian/internal/domain"
	"github.com/bissquit/devops-guardian/internal/pkg/ctxlog"
)

// Repository persists sealed values keyed by repository and variable name.
type Repository interface {
	Upsert(ctx context.Context, repo domain.RepoRef, sealed map[string][]byte) error
	List(ctx context.Context, repo domain.RepoRef) (map[string][]byte, error)
}

// Store encrypts environment values before they reach the repository.
type Store struct {
	repo Repository
	box  *Box
}

// NewStore creates a new secret store.
func NewStore(repo Repository, box *Box) *Store {
	return &Store{repo: repo, box: box}
}

// Put stores envs for repo, replacing values with the same name.
func (s *Store) Put(ctx context.Context, repo domain.RepoRef, envs map[string]string) error {
	if s == nil || s.box == nil {
		return ErrDisabled
	}

	sealed := make(map[string][]byte, len(envs))
	for name, value := range envs {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		ciphertext, err := s.box.Seal([]byte(value))
		if err != nil {
			return fmt.Errorf("seal %s: %w", name, err)
		}
		sealed[name] = ciphertext
	}
	if len(sealed) == 0 {
		return nil
	}

	if err := s.repo.Upsert(ctx, repo, sealed); err != nil {
		return fmt.Errorf("store secrets for %s: %w", repo.FullName(), err)
	}
	ctxlog.FromContext(ctx).Info("pipeline secrets stored", "repo", repo.FullName(), "count", len(sealed))
	return nil
}

// Get returns every stored value for repo. Values that no longer decrypt
// (for example after a key rotation) are skipped.
func (s *Store) Get(ctx context.Context, repo domain.RepoRef) (map[string]string, error) {
	if s == nil || s.box == nil {
		return map[string]string{}, nil
	}

	sealed, err := s.repo.List(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("load secrets for %s: %w", repo.FullName(), err)
	}

	envs := make(map[string]string, len(sealed))
	for name, ciphertext := range sealed {
		plaintext, err := s.box.Open(ciphertext)
		if err != nil {
			ctxlog.FromContext(ctx).Warn("skipping undecryptable secret", "repo", repo.FullName(), "name", name)
			continue
		}
		envs[name] = string(plaintext)
	}
	return envs, nil
}
