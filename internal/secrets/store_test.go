package secrets

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/bissquit/devops-guardian/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRepository struct {
	data    map[string]map[string][]byte
	listErr error
}

func newMockRepository() *mockRepository {
	return &mockRepository{data: make(map[string]map[string][]byte)}
}

func (m *mockRepository) Upsert(_ context.Context, repo domain.RepoRef, sealed map[string][]byte) error {
	if m.data[repo.FullName()] == nil {
		m.data[repo.FullName()] = make(map[string][]byte)
	}
	for k, v := range sealed {
		m.data[repo.FullName()][k] = v
	}
	return nil
}

func (m *mockRepository) List(_ context.Context, repo domain.RepoRef) (map[string][]byte, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make(map[string][]byte)
	for k, v := range m.data[repo.FullName()] {
		out[k] = v
	}
	return out, nil
}

var webRepo = domain.RepoRef{Owner: "acme", Name: "web"}

func TestStore_PutGet(t *testing.T) {
	box, err := NewBox(testKey())
	require.NoError(t, err)
	repo := newMockRepository()
	store := NewStore(repo, box)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, webRepo, map[string]string{"NPM_TOKEN": "npm_abc", " ": "ignored"}))
	require.NoError(t, store.Put(ctx, webRepo, map[string]string{"API_URL": "https://api.example.com"}))

	for _, sealed := range repo.data["acme/web"] {
		assert.False(t, bytes.Contains(sealed, []byte("npm_abc")))
	}

	envs, err := store.Get(ctx, webRepo)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"NPM_TOKEN": "npm_abc", "API_URL": "https://api.example.com"}, envs)

	other, err := store.Get(ctx, domain.RepoRef{Owner: "acme", Name: "api"})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestStore_GetSkipsUndecryptable(t *testing.T) {
	box, err := NewBox(testKey())
	require.NoError(t, err)
	repo := newMockRepository()
	repo.data["acme/web"] = map[string][]byte{"BROKEN": []byte("not sealed at all, definitely long enough to pass")}

	envs, err := NewStore(repo, box).Get(context.Background(), webRepo)
	require.NoError(t, err)
	assert.Empty(t, envs)
}

func TestStore_Errors(t *testing.T) {
	repo := newMockRepository()
	repo.listErr = errors.New("connection refused")
	box, err := NewBox(testKey())
	require.NoError(t, err)

	_, err = NewStore(repo, box).Get(context.Background(), webRepo)
	assert.Error(t, err)

	var disabled *Store
	assert.ErrorIs(t, disabled.Put(context.Background(), webRepo, map[string]string{"A": "b"}), ErrDisabled)
	envs, err := disabled.Get(context.Background(), webRepo)
	require.NoError(t, err)
	assert.Empty(t, envs)
}
