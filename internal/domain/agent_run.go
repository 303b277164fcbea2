package domain

import "time"

// RunStatus is the lifecycle state of one stage attempt.
type RunStatus string

// Run statuses.
const (
	RunStatusWorking   RunStatus = "WORKING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
)

// IsTerminal reports whether the run has finished.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Stage names recorded on agent runs.
const (
	StageRCA      = "RCA"
	StageVerify   = "Verify"
	StagePipeline = "Pipeline"
	StagePR       = "PR"
)

// AgentRun records one attempt of one remediation stage against an incident.
// Runs are append-only; for a fixed (IncidentID, AgentName) the AttemptNumber
// strictly increases.
type AgentRun struct {
	ID            string         `json:"id"`
	IncidentID    string         `json:"incident_id"`
	AgentName     string         `json:"agent_name"`
	Status        RunStatus      `json:"status"`
	AttemptNumber int            `json:"attempt_number"`
	Thoughts      *string        `json:"thoughts"`
	Output        map[string]any `json:"output"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at"`
}
