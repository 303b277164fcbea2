package domain

import (
	"errors"
	"path"
	"strings"
	"time"
)

// IncidentSource identifies where a failure signal came from.
type IncidentSource string

// Incident sources.
const (
	SourceGitHub     IncidentSource = "GITHUB"
	SourceJenkins    IncidentSource = "JENKINS"
	SourceCloudWatch IncidentSource = "CLOUDWATCH"
	SourceDatadog    IncidentSource = "DATADOG"
	SourceCustom     IncidentSource = "CUSTOM"
)

// IsValid checks if the source is known.
func (s IncidentSource) IsValid() bool {
	switch s {
	case SourceGitHub, SourceJenkins, SourceCloudWatch, SourceDatadog, SourceCustom:
		return true
	}
	return false
}

// Severity represents the severity level of an incident.
type Severity string

// Severity levels.
const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// IsValid checks if the severity is valid.
func (s Severity) IsValid() bool {
	return s == SeverityInfo || s == SeverityWarning || s == SeverityCritical
}

// IncidentStatus is a state of the remediation state machine.
type IncidentStatus string

// Incident statuses.
const (
	StatusReceived         IncidentStatus = "RECEIVED"
	StatusAnalyzing        IncidentStatus = "ANALYZING"
	StatusVerifying        IncidentStatus = "VERIFYING"
	StatusApplyingFix      IncidentStatus = "APPLYING_FIX"
	StatusAwaitingApproval IncidentStatus = "AWAITING_APPROVAL"
	StatusResolved         IncidentStatus = "RESOLVED"
	StatusFailed           IncidentStatus = "FAILED"
	StatusRejected         IncidentStatus = "REJECTED"
)

// transitions lists the allowed forward moves. FAILED is added for every
// non-terminal state in CanTransitionTo.
var transitions = map[IncidentStatus][]IncidentStatus{
	StatusReceived:         {StatusAnalyzing},
	StatusAnalyzing:        {StatusVerifying, StatusApplyingFix, StatusAwaitingApproval},
	StatusVerifying:        {StatusAwaitingApproval, StatusResolved},
	StatusApplyingFix:      {StatusAwaitingApproval, StatusResolved},
	StatusAwaitingApproval: {StatusResolved, StatusRejected},
}

// IsTerminal reports whether no further transitions are possible.
func (s IncidentStatus) IsTerminal() bool {
	return s == StatusResolved || s == StatusFailed || s == StatusRejected
}

// IsValid checks if the status is one of the known states.
func (s IncidentStatus) IsValid() bool {
	if s.IsTerminal() {
		return true
	}
	_, ok := transitions[s]
	return ok
}

// CanTransitionTo checks whether moving from s to next is a legal transition.
func (s IncidentStatus) CanTransitionTo(next IncidentStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PredecessorsOf returns every status that may legally move to next.
func PredecessorsOf(next IncidentStatus) []IncidentStatus {
	var out []IncidentStatus
	for _, s := range []IncidentStatus{
		StatusReceived, StatusAnalyzing, StatusVerifying, StatusApplyingFix, StatusAwaitingApproval,
	} {
		if s.CanTransitionTo(next) {
			out = append(out, s)
		}
	}
	return out
}

// Metadata keys understood by the remediation stages.
const (
	MetaOwner          = "owner"
	MetaRepo           = "repo"
	MetaBranch         = "branch"
	MetaCommitSHA      = "commitSha"
	MetaWorkflowName   = "workflowName"
	MetaCredentialsRef = "credentialsRef"
	MetaFileUpdates    = "fileUpdates"
	MetaPipelineType   = "pipelineType"
	MetaChatChannel    = "chatChannel"
	MetaChatThread     = "chatThreadTs"
)

// Incident is the root aggregate tracked through the remediation state machine.
type Incident struct {
	ID             string         `json:"id"`
	Source         IncidentSource `json:"source"`
	Severity       Severity       `json:"severity"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Message        string         `json:"message"`
	Metadata       map[string]any `json:"metadata"`
	Status         IncidentStatus `json:"status"`
	StatusMessage  string         `json:"status_message"`
	PRURL          *string        `json:"pr_url"`
	IdempotencyKey *string        `json:"-"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	ResolvedAt     *time.Time     `json:"resolved_at"`
}

// MetaString returns a string metadata value or "" when absent.
func (i *Incident) MetaString(key string) string {
	if i.Metadata == nil {
		return ""
	}
	if v, ok := i.Metadata[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// Repository returns the owner/repo pair when both are present in metadata.
func (i *Incident) Repository() (RepoRef, bool) {
	ref := RepoRef{Owner: i.MetaString(MetaOwner), Name: i.MetaString(MetaRepo)}
	if ref.Owner == "" || ref.Name == "" {
		return RepoRef{}, false
	}
	ref.CredentialsRef = i.MetaString(MetaCredentialsRef)
	return ref, true
}

// FileUpdates decodes the ordered patch carried in metadata.
// Entries without a path are skipped.
func (i *Incident) FileUpdates() []FileUpdate {
	raw, ok := i.Metadata[MetaFileUpdates].([]any)
	if !ok {
		if typed, ok := i.Metadata[MetaFileUpdates].([]FileUpdate); ok {
			return typed
		}
		return nil
	}

	updates := make([]FileUpdate, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		path, _ := m["path"].(string)
		content, _ := m["content"].(string)
		if path == "" {
			continue
		}
		updates = append(updates, FileUpdate{Path: path, Content: content})
	}
	return updates
}

// SearchText returns the text used for memory recall.
func (i *Incident) SearchText() string {
	if strings.TrimSpace(i.Description) != "" {
		return i.Description
	}
	return i.Message
}

// RepoRef identifies a source-control repository.
type RepoRef struct {
	Owner          string `json:"owner"`
	Name           string `json:"repo"`
	CredentialsRef string `json:"-"`
}

// FullName returns "owner/repo".
func (r RepoRef) FullName() string {
	return r.Owner + "/" + r.Name
}

// FileUpdate is a single file write in a patch.
type FileUpdate struct {
	Path    string `json:"path" validate:"required"`
	Content string `json:"content"`
}

// ErrUnsafePath is returned for file updates that point outside the working tree.
var ErrUnsafePath = errors.New("file path is outside the repository")

// RepoPath returns the cleaned repository-relative path of the update.
// Absolute paths, parent escapes and writes into .git are rejected.
func (f FileUpdate) RepoPath() (string, error) {
	p := strings.TrimSpace(strings.ReplaceAll(f.Path, "\\", "/"))
	if p == "" || path.IsAbs(p) {
		return "", ErrUnsafePath
	}

	clean := path.Clean(p)
	switch {
	case clean == "." || clean == "..", strings.HasPrefix(clean, "../"):
		return "", ErrUnsafePath
	case clean == ".git", strings.HasPrefix(clean, ".git/"):
		return "", ErrUnsafePath
	}
	return clean, nil
}

// IncidentEvent is the canonical shape every ingestion source produces.
type IncidentEvent struct {
	ID          string         `json:"id" validate:"omitempty,max=128"`
	Source      IncidentSource `json:"source" validate:"required,oneof=GITHUB JENKINS CLOUDWATCH DATADOG CUSTOM"`
	Severity    Severity       `json:"severity" validate:"required,oneof=INFO WARNING CRITICAL"`
	Title       string         `json:"title" validate:"required,min=1,max=500"`
	Description string         `json:"description" validate:"max=20000"`
	Message     string         `json:"message" validate:"max=20000"`
	Metadata    map[string]any `json:"metadata"`
	Timestamp   *time.Time     `json:"timestamp"`
}
