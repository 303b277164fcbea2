package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderer_RenderPipeline(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	tests := []struct {
		pipelineType string
		stack        string
		path         string
		contains     []string
	}{
		{pipelineType: PipelineGitHubActions, stack: StackNode, path: ".github/workflows/devops-guardian.yml", contains: []string{"npm ci", `branches: [ "trunk" ]`}},
		{pipelineType: PipelineGitHubActions, stack: StackGo, path: ".github/workflows/devops-guardian.yml", contains: []string{"actions/setup-go", "go test ./..."}},
		{pipelineType: PipelineGitHubActions, stack: StackJava, path: ".github/workflows/devops-guardian.yml", contains: []string{"mvn -B verify"}},
		{pipelineType: PipelineJenkins, stack: StackNode, path: "Jenkinsfile", contains: []string{"pipeline {", "sh 'npm install'"}},
		{pipelineType: PipelineJenkins, stack: StackPython, path: "Jenkinsfile", contains: []string{"pip install -r requirements.txt"}},
	}

	for _, tt := range tests {
		t.Run(tt.pipelineType+"/"+tt.stack, func(t *testing.T) {
			file, err := r.RenderPipeline(tt.pipelineType, tt.stack, "trunk", nil)
			require.NoError(t, err)

			assert.Equal(t, tt.path, file.Path)
			for _, s := range tt.contains {
				assert.Contains(t, file.Content, s)
			}
			assert.NotContains(t, file.Content, "env:")
		})
	}
}

func TestRenderer_RenderPipelineSecretsSorted(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	file, err := r.RenderPipeline(PipelineGitHubActions, StackNode, "main", []string{"ZED", "ALPHA"})
	require.NoError(t, err)

	assert.Contains(t, file.Content, "    env:\n      ALPHA: ${{ secrets.ALPHA }}\n      ZED: ${{ secrets.ZED }}\n")
}

func TestRenderer_UnsupportedType(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	_, err = r.RenderPipeline("azure", StackNode, "main", nil)
	assert.ErrorIs(t, err, ErrUnsupportedPipeline)
}

func TestRenderer_PipelinePR(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	file := &PipelineFile{Type: PipelineGitHubActions, Path: ".github/workflows/devops-guardian.yml"}
	body, err := r.RenderPipelinePR(file, StackNode, true, []string{"a", "b"})
	require.NoError(t, err)

	assert.Contains(t, body, "Adds Github Actions pipeline configuration")
	assert.Contains(t, body, "✅ Passed")
	assert.Contains(t, body, "a\nb")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab…", truncate("abcdef", 2))
}
