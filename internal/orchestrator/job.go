package orchestrator

import "time"

// JobKind selects what a worker does with an incident.
type JobKind string

// Job kinds.
const (
	JobProcess JobKind = "process"
	JobApprove JobKind = "approve"
	JobReject  JobKind = "reject"
	JobVerify  JobKind = "verify"
)

// JobStatus is the state of a queued job.
type JobStatus string

// Job statuses.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusDone       JobStatus = "done"
	JobStatusFailed     JobStatus = "failed"
)

// Job is a durable unit of incident work. At most one job per incident is
// processing at any time.
type Job struct {
	ID         string
	IncidentID string
	Kind       JobKind
	Payload    map[string]any
	Status     JobStatus
	Attempts   int
	LastError  string
	RunAfter   time.Time
	CreatedAt  time.Time
	StartedAt  *time.Time
	// HeartbeatAt is refreshed while a worker holds the job.
	HeartbeatAt *time.Time
}

// Actor returns who requested an operator job, if recorded.
func (j *Job) Actor() string {
	if v, ok := j.Payload["actor"].(string); ok {
		return v
	}
	return ""
}

// Reason returns the operator-supplied reason, if recorded.
func (j *Job) Reason() string {
	if v, ok := j.Payload["reason"].(string); ok {
		return v
	}
	return ""
}

// QueueStats holds job counts by status.
type QueueStats struct {
	Pending    int
	Processing int
	Done       int
	Failed     int
}
