package agents

import (
	"context"
	"fmt"

	"github.com/bissquit/devops-guardian/internal/domain"
	"github.com/bissquit/devops-guardian/internal/scm"
	"github.com/bissquit/devops-guardian/internal/verify"
)

// Verify builds the incident's candidate files in a sandbox. It is the gate
// every source-control mutation of the orchestrator passes through.
type Verify struct {
	connector scm.Connector
	verifier  Verifier
	secrets   SecretStore
}

// NewVerify creates the verification stage. secrets may be nil.
func NewVerify(connector scm.Connector, verifier Verifier, secrets SecretStore) *Verify {
	return &Verify{connector: connector, verifier: verifier, secrets: secrets}
}

// Name returns the stage name.
func (v *Verify) Name() string { return domain.StageVerify }

// Execute runs the build. A failing build is a retryable verification failure.
func (v *Verify) Execute(ctx context.Context, in Input) Result {
	repo, ok := in.Incident.Repository()
	if !ok {
		return Fail(ErrNoRepository)
	}
	if v.verifier == nil || !v.verifier.Available() {
		return Fail(ConfigurationError("build verification is unavailable"))
	}

	token, err := v.connector.Token(repo)
	if err != nil {
		return Fail(err)
	}
	cloneURL, err := v.connector.CloneURL(repo)
	if err != nil {
		return Fail(err)
	}

	var envs map[string]string
	if v.secrets != nil {
		envs, err = v.secrets.Get(ctx, repo)
		if err != nil {
			return Fail(fmt.Errorf("load pipeline secrets: %w", err))
		}
	}

	files := in.Incident.FileUpdates()
	res := v.verifier.VerifyBuild(ctx, verify.Request{
		Repo:     repo,
		CloneURL: cloneURL,
		Token:    token,
		Branch:   in.Incident.MetaString(domain.MetaBranch),
		Env:      envs,
		Files:    files,
	})
	if !res.Success {
		return Fail(VerificationFailure("build verification failed", res.Logs))
	}

	return Success(map[string]any{
		"success":   true,
		"toolchain": res.Toolchain,
		"files":     len(files),
		"logs":      res.Logs,
	}, nil)
}
