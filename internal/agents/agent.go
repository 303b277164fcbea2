// Package agents implements the remediation stages run by the orchestrator:
// root-cause analysis, verification, pipeline generation and pull requests.
package agents

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/devops-guardian/internal/domain"
	"github.com/bissquit/devops-guardian/internal/scm"
)

// Agent is the contract every remediation stage implements.
// Execute never panics on collaborator failures; they are reported through Result.
type Agent interface {
	Name() string
	Execute(ctx context.Context, in Input) Result
}

// Input is what a stage receives for one attempt.
type Input struct {
	Incident *domain.Incident
	Attempt  int
	// Analysis is the output of the latest completed RCA run, if any.
	Analysis string
	// VerificationLogs are the logs of the latest passed verification, if any.
	VerificationLogs []string
}

// FailureKind classifies a stage failure.
type FailureKind string

// Failure kinds.
const (
	FailureValidation    FailureKind = "validation"
	FailureConfiguration FailureKind = "configuration"
	FailureUpstream      FailureKind = "upstream"
	FailureVerification  FailureKind = "verification"
)

// Retryable reports whether another attempt may succeed.
func (k FailureKind) Retryable() bool {
	return k == FailureUpstream || k == FailureVerification
}

// Failure describes why a stage did not succeed.
type Failure struct {
	Kind    FailureKind
	Message string
	Logs    []string
}

// Error implements error.
func (f *Failure) Error() string {
	return fmt.Sprintf("%s failure: %s", f.Kind, f.Message)
}

// Result is the outcome of one stage attempt: exactly one of Data or Failure is meaningful.
type Result struct {
	Data     map[string]any
	Thoughts *string
	Failure  *Failure
}

// OK reports whether the attempt succeeded.
func (r Result) OK() bool {
	return r.Failure == nil
}

// Output returns the payload recorded on the AgentRun.
func (r Result) Output() map[string]any {
	if r.Failure == nil {
		return r.Data
	}
	out := map[string]any{
		"error": r.Failure.Message,
		"kind":  string(r.Failure.Kind),
	}
	if len(r.Failure.Logs) > 0 {
		out["logs"] = r.Failure.Logs
	}
	return out
}

// Success builds a successful result.
func Success(data map[string]any, thoughts *string) Result {
	if data == nil {
		data = map[string]any{}
	}
	return Result{Data: data, Thoughts: thoughts}
}

// Fail builds a failed result, classifying err when it is a *Failure or
// wraps one of the sentinel errors below. Unknown errors count as upstream.
func Fail(err error) Result {
	var f *Failure
	if errors.As(err, &f) {
		return Result{Failure: f}
	}

	kind := FailureUpstream
	switch {
	case errors.Is(err, ErrNotConfigured), errors.Is(err, scm.ErrNoCredentials):
		kind = FailureConfiguration
	case errors.Is(err, ErrInvalidInput):
		kind = FailureValidation
	}
	return Result{Failure: &Failure{Kind: kind, Message: err.Error()}}
}

// Sentinel errors used to classify failures.
var (
	ErrNotConfigured       = errors.New("capability not configured")
	ErrInvalidInput        = errors.New("invalid input")
	ErrUnsupportedPipeline = fmt.Errorf("%w: unsupported pipeline type", ErrInvalidInput)
	ErrNoRepository        = fmt.Errorf("%w: incident has no repository metadata", ErrInvalidInput)
)

// ConfigurationError returns a failure for a missing credential or capability.
func ConfigurationError(format string, args ...any) *Failure {
	return &Failure{Kind: FailureConfiguration, Message: fmt.Sprintf(format, args...)}
}

// VerificationFailure returns a failure for a build that did not pass.
func VerificationFailure(message string, logs []string) *Failure {
	return &Failure{Kind: FailureVerification, Message: message, Logs: logs}
}
