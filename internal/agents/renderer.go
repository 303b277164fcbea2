package agents

import (
	"bytes"
	"embed"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/bissquit/devops-guardian/internal/domain"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Pipeline types that can be generated.
const (
	PipelineGitHubActions = "github-actions"
	PipelineJenkins       = "jenkins"
)

// pipelineFiles maps a pipeline type to its path in the repository.
var pipelineFiles = map[string]string{
	PipelineGitHubActions: ".github/workflows/devops-guardian.yml",
	PipelineJenkins:       "Jenkinsfile",
}

// Renderer renders pipeline files and pull request bodies from templates.
type Renderer struct {
	templates map[string]*template.Template
}

// NewRenderer loads all templates.
func NewRenderer() (*Renderer, error) {
	funcMap := template.FuncMap{
		"title":         titleCase,
		"lower":         strings.ToLower,
		"join":          strings.Join,
		"truncate":      truncate,
		"severityEmoji": severityEmoji,
	}

	r := &Renderer{templates: make(map[string]*template.Template)}

	names := []string{"pipeline_github-actions", "pipeline_jenkins", "pr_pipeline", "pr_patch"}
	for _, name := range names {
		filename := fmt.Sprintf("templates/%s.tmpl", name)

		content, err := templatesFS.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", filename, err)
		}

		tmpl, err := template.New(name).Funcs(funcMap).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		r.templates[name] = tmpl
	}

	return r, nil
}

// PipelineFile is a rendered CI configuration.
type PipelineFile struct {
	Type    string
	Path    string
	Content string
	Message string
}

// RenderPipeline renders the fixed template for pipelineType. envNames are
// exposed to the pipeline as repository secrets.
func (r *Renderer) RenderPipeline(pipelineType, stack, branch string, envNames []string) (*PipelineFile, error) {
	path, ok := pipelineFiles[pipelineType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPipeline, pipelineType)
	}

	names := append([]string(nil), envNames...)
	sort.Strings(names)

	content, err := r.execute("pipeline_"+pipelineType, map[string]any{
		"Stack":   stack,
		"Branch":  branch,
		"Secrets": names,
	})
	if err != nil {
		return nil, err
	}

	message := "ci: add devops guardian pipeline"
	if pipelineType == PipelineJenkins {
		message = "ci: add jenkinsfile"
	}
	return &PipelineFile{Type: pipelineType, Path: path, Content: content + "\n", Message: message}, nil
}

// RenderPipelinePR renders the pull request body for a generated pipeline.
func (r *Renderer) RenderPipelinePR(file *PipelineFile, stack string, verified bool, logs []string) (string, error) {
	return r.execute("pr_pipeline", map[string]any{
		"Type":     file.Type,
		"Path":     file.Path,
		"Stack":    stack,
		"Verified": verified,
		"Logs":     logs,
	})
}

// RenderPatchPR renders the pull request body for an incident fix.
func (r *Renderer) RenderPatchPR(incident *domain.Incident, analysis string, files []domain.FileUpdate, logs []string) (string, error) {
	return r.execute("pr_patch", map[string]any{
		"Incident": incident,
		"Analysis": analysis,
		"Files":    files,
		"Logs":     logs,
	})
}

func (r *Renderer) execute(name string, data any) (string, error) {
	tmpl, ok := r.templates[name]
	if !ok {
		return "", fmt.Errorf("template not found: %s", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute template %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

var titleCaser = cases.Title(language.English)

func titleCase(s string) string {
	return titleCaser.String(strings.ReplaceAll(s, "-", " "))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func severityEmoji(s domain.Severity) string {
	switch s {
	case domain.SeverityCritical:
		return "🔴"
	case domain.SeverityWarning:
		return "🟠"
	default:
		return "🔵"
	}
}
