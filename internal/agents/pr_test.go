package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/bissquit/devops-guardian/internal/domain"
	"github.com/bissquit/devops-guardian/internal/scm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func patchIncident() *domain.Incident {
	return repoIncident(map[string]any{
		domain.MetaFileUpdates: []any{
			map[string]any{"path": "package.json", "content": `{"scripts":{"build":"tsc"}}`},
			map[string]any{"path": "tsconfig.json", "content": "{}"},
			map[string]any{"path": "src/index.ts", "content": "export {}"},
		},
	})
}

func newTestPR(t *testing.T, client *mockClient) *PullRequest {
	t.Helper()
	renderer, err := NewRenderer()
	require.NoError(t, err)
	return NewPullRequest(&mockConnector{client: client, token: "t"}, renderer, "main")
}

func TestPullRequest_CommitsInOrder(t *testing.T) {
	client := newMockClient()
	stage := newTestPR(t, client)

	res := stage.Execute(context.Background(), Input{
		Incident:         patchIncident(),
		Analysis:         "The build script was removed.",
		VerificationLogs: []string{"Verification Passed!"},
	})
	require.True(t, res.OK(), "%v", res.Failure)

	assert.Equal(t, []string{"guardian/fix/inc-42"}, client.branches)
	assert.Equal(t, []string{"package.json", "tsconfig.json", "src/index.ts"}, client.commits)
	require.Len(t, client.prs, 1)

	pr := client.prs[0]
	assert.Equal(t, "fix: Build failed on main", pr.Title)
	assert.Equal(t, "guardian/fix/inc-42", pr.Head)
	assert.Contains(t, pr.Body, "inc-42")
	assert.Contains(t, pr.Body, "Build failed on main")
	assert.Contains(t, pr.Body, "Critical")
	assert.Contains(t, pr.Body, "npm ERR! missing script: build")
	assert.Contains(t, pr.Body, "The build script was removed.")
	assert.Contains(t, pr.Body, "Verification Passed!")

	assert.Equal(t, "https://github.com/acme/web/pull/1", res.Data["prUrl"])
}

func TestPullRequest_FailingCommitAborts(t *testing.T) {
	client := newMockClient()
	client.commitErr["tsconfig.json"] = errors.New("github 500")
	stage := newTestPR(t, client)

	res := stage.Execute(context.Background(), Input{Incident: patchIncident()})

	require.False(t, res.OK())
	assert.Equal(t, FailureUpstream, res.Failure.Kind)
	assert.Contains(t, res.Failure.Message, "tsconfig.json (2 of 3)")
	assert.Equal(t, []string{"package.json"}, client.commits)
	assert.Empty(t, client.prs)
}

func TestPullRequest_Validation(t *testing.T) {
	stage := newTestPR(t, newMockClient())

	tests := []struct {
		name     string
		incident *domain.Incident
	}{
		{name: "no repository", incident: &domain.Incident{ID: "x", Metadata: map[string]any{}}},
		{name: "no file updates", incident: repoIncident(nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := stage.Execute(context.Background(), Input{Incident: tt.incident})
			require.False(t, res.OK())
			assert.Equal(t, FailureValidation, res.Failure.Kind)
		})
	}
}

func TestPullRequest_RejectsPathOutsideRepository(t *testing.T) {
	client := newMockClient()
	stage := newTestPR(t, client)

	incident := repoIncident(map[string]any{
		domain.MetaFileUpdates: []any{
			map[string]any{"path": "package.json", "content": "{}"},
			map[string]any{"path": "../../etc/cron.d/job", "content": "* * * * * root sh"},
		},
	})
	res := stage.Execute(context.Background(), Input{Incident: incident})

	require.False(t, res.OK())
	assert.Equal(t, FailureValidation, res.Failure.Kind)
	assert.Contains(t, res.Failure.Message, "../../etc/cron.d/job")
	assert.Empty(t, client.branches)
	assert.Empty(t, client.commits)
	assert.Empty(t, client.prs)
}

func TestPullRequest_MissingCredentials(t *testing.T) {
	renderer, err := NewRenderer()
	require.NoError(t, err)
	stage := NewPullRequest(&mockConnector{connErr: scm.ErrNoCredentials}, renderer, "")

	res := stage.Execute(context.Background(), Input{Incident: patchIncident()})

	require.False(t, res.OK())
	assert.Equal(t, FailureConfiguration, res.Failure.Kind)
	assert.False(t, res.Failure.Kind.Retryable())
}
