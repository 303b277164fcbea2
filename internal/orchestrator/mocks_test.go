package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/devops-guardian/internal/agents"
	"github.com/bissquit/devops-guardian/internal/broadcast"
	"github.com/bissquit/devops-guardian/internal/domain"
	"github.com/google/uuid"
)

// fakeRepo is an in-memory Repository with the same transition and claim rules as PostgreSQL.
type fakeRepo struct {
	mu        sync.Mutex
	incidents map[string]*domain.Incident
	runs      []*domain.AgentRun
	jobs      []*Job
	history   map[string][]domain.IncidentStatus

	completed  []string
	failed     map[string]*time.Time
	heartbeats map[string]int
	createErr  error
	startErr   error
	finishErr  error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		incidents: make(map[string]*domain.Incident),
		history:   make(map[string][]domain.IncidentStatus),
		failed:     make(map[string]*time.Time),
		heartbeats: make(map[string]int),
	}
}

func cloneIncident(in *domain.Incident) *domain.Incident {
	out := *in
	out.Metadata = make(map[string]any, len(in.Metadata))
	for k, v := range in.Metadata {
		out.Metadata[k] = v
	}
	return &out
}

func (r *fakeRepo) CreateIncident(_ context.Context, incident *domain.Incident, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.createErr != nil {
		return r.createErr
	}
	if _, ok := r.incidents[incident.ID]; ok {
		return ErrDuplicate
	}
	if incident.IdempotencyKey != nil {
		for _, existing := range r.incidents {
			if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *incident.IdempotencyKey {
				return ErrDuplicate
			}
		}
	}

	now := time.Now().UTC()
	incident.CreatedAt = now
	incident.UpdatedAt = now
	r.incidents[incident.ID] = cloneIncident(incident)
	r.history[incident.ID] = []domain.IncidentStatus{incident.Status}
	r.enqueueLocked(job)
	return nil
}

func (r *fakeRepo) GetIncident(_ context.Context, id string) (*domain.Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	incident, ok := r.incidents[id]
	if !ok {
		return nil, ErrIncidentNotFound
	}
	return cloneIncident(incident), nil
}

func (r *fakeRepo) GetIncidentByIdempotencyKey(_ context.Context, key string) (*domain.Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, incident := range r.incidents {
		if incident.IdempotencyKey != nil && *incident.IdempotencyKey == key {
			return cloneIncident(incident), nil
		}
	}
	return nil, ErrIncidentNotFound
}

func (r *fakeRepo) ListActiveIncidents(_ context.Context) ([]*domain.Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*domain.Incident, 0)
	for _, incident := range r.incidents {
		if !incident.Status.IsTerminal() {
			out = append(out, cloneIncident(incident))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *fakeRepo) TransitionStatus(_ context.Context, id string, next domain.IncidentStatus, message string) (*domain.Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	incident, ok := r.incidents[id]
	if !ok {
		return nil, ErrIncidentNotFound
	}
	if !incident.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, incident.Status, next)
	}

	incident.Status = next
	incident.StatusMessage = message
	incident.UpdatedAt = time.Now().UTC()
	if next == domain.StatusResolved {
		now := time.Now().UTC()
		incident.ResolvedAt = &now
	}
	r.history[id] = append(r.history[id], next)
	return cloneIncident(incident), nil
}

func (r *fakeRepo) SetPRURL(_ context.Context, id, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	incident, ok := r.incidents[id]
	if !ok {
		return ErrIncidentNotFound
	}
	incident.PRURL = &url
	return nil
}

func (r *fakeRepo) AppendMetadata(_ context.Context, id string, fields map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	incident, ok := r.incidents[id]
	if !ok {
		return ErrIncidentNotFound
	}
	for k, v := range fields {
		incident.Metadata[k] = v
	}
	return nil
}

func (r *fakeRepo) StartAgentRun(_ context.Context, incidentID, agentName string) (*domain.AgentRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.startErr != nil {
		return nil, r.startErr
	}

	attempt := 0
	for _, run := range r.runs {
		if run.IncidentID == incidentID && run.AgentName == agentName && run.AttemptNumber > attempt {
			attempt = run.AttemptNumber
		}
	}
	run := &domain.AgentRun{
		ID:            uuid.NewString(),
		IncidentID:    incidentID,
		AgentName:     agentName,
		Status:        domain.RunStatusWorking,
		AttemptNumber: attempt + 1,
		StartedAt:     time.Now().UTC(),
	}
	r.runs = append(r.runs, run)
	copied := *run
	return &copied, nil
}

func (r *fakeRepo) FinishAgentRun(_ context.Context, run *domain.AgentRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finishErr != nil {
		return r.finishErr
	}

	for _, stored := range r.runs {
		if stored.ID != run.ID {
			continue
		}
		if stored.Status != domain.RunStatusWorking {
			return errors.New("run is not working")
		}
		stored.Status = run.Status
		stored.Output = run.Output
		stored.Thoughts = run.Thoughts
		stored.CompletedAt = run.CompletedAt
		return nil
	}
	return errors.New("run not found")
}

func (r *fakeRepo) ListAgentRuns(_ context.Context, incidentID string) ([]*domain.AgentRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*domain.AgentRun, 0)
	for _, run := range r.runs {
		if run.IncidentID == incidentID {
			copied := *run
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *fakeRepo) FailDanglingRuns(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	busy := make(map[string]bool)
	for _, job := range r.jobs {
		if job.Status == JobStatusProcessing {
			busy[job.IncidentID] = true
		}
	}

	var n int64
	for _, run := range r.runs {
		if run.Status == domain.RunStatusWorking && !busy[run.IncidentID] {
			run.Status = domain.RunStatusFailed
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) EnqueueJob(_ context.Context, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enqueueLocked(job)
	return nil
}

func (r *fakeRepo) enqueueLocked(job *Job) {
	job.ID = uuid.NewString()
	job.Status = JobStatusPending
	job.CreatedAt = time.Now().UTC()
	job.RunAfter = job.CreatedAt
	copied := *job
	r.jobs = append(r.jobs, &copied)
}

func (r *fakeRepo) CountPendingJobs(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, job := range r.jobs {
		if job.Status == JobStatusPending {
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) ClaimJob(_ context.Context) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	busy := make(map[string]bool)
	for _, job := range r.jobs {
		if job.Status == JobStatusProcessing {
			busy[job.IncidentID] = true
		}
	}

	now := time.Now()
	seen := make(map[string]bool)
	for _, job := range r.jobs {
		if job.Status != JobStatusPending {
			continue
		}
		first := !seen[job.IncidentID]
		seen[job.IncidentID] = true
		if !first || busy[job.IncidentID] || job.RunAfter.After(now) {
			continue
		}
		job.Status = JobStatusProcessing
		job.Attempts++
		started := now
		job.StartedAt = &started
		job.HeartbeatAt = &started
		copied := *job
		return &copied, nil
	}
	return nil, ErrNoJob
}

func (r *fakeRepo) CompleteJob(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, job := range r.jobs {
		if job.ID == id {
			job.Status = JobStatusDone
		}
	}
	r.completed = append(r.completed, id)
	return nil
}

func (r *fakeRepo) FailJob(_ context.Context, id string, err error, retryAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, job := range r.jobs {
		if job.ID != id {
			continue
		}
		job.LastError = err.Error()
		if retryAt != nil {
			job.Status = JobStatusPending
			job.RunAfter = *retryAt
			job.StartedAt = nil
			job.HeartbeatAt = nil
		} else {
			job.Status = JobStatusFailed
		}
	}
	r.failed[id] = retryAt
	return nil
}

func (r *fakeRepo) HeartbeatJob(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, job := range r.jobs {
		if job.ID == id && job.Status == JobStatusProcessing {
			now := time.Now()
			job.HeartbeatAt = &now
			r.heartbeats[id]++
			return nil
		}
	}
	return ErrNoJob
}

func (r *fakeRepo) RecoverStuckJobs(_ context.Context, lease time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-lease)
	var n int64
	for _, job := range r.jobs {
		if job.Status != JobStatusProcessing {
			continue
		}
		last := job.StartedAt
		if job.HeartbeatAt != nil {
			last = job.HeartbeatAt
		}
		if last != nil && last.Before(cutoff) {
			job.Status = JobStatusPending
			job.RunAfter = time.Now()
			job.StartedAt = nil
			job.HeartbeatAt = nil
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) makeRunnable(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, job := range r.jobs {
		if job.ID == id {
			job.RunAfter = time.Now().Add(-time.Millisecond)
		}
	}
}

// expireLease backdates the heartbeat of a processing job as if its worker died.
func (r *fakeRepo) expireLease(id string, age time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, job := range r.jobs {
		if job.ID == id {
			past := time.Now().Add(-age)
			job.StartedAt = &past
			job.HeartbeatAt = &past
		}
	}
}

func (r *fakeRepo) heartbeatCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.heartbeats[id]
}

func (r *fakeRepo) jobStatus(id string) JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, job := range r.jobs {
		if job.ID == id {
			return job.Status
		}
	}
	return ""
}

func (r *fakeRepo) QueueStats(_ context.Context) (*QueueStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := &QueueStats{}
	for _, job := range r.jobs {
		switch job.Status {
		case JobStatusPending:
			stats.Pending++
		case JobStatusProcessing:
			stats.Processing++
		case JobStatusDone:
			stats.Done++
		case JobStatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (r *fakeRepo) statusHistory(id string) []domain.IncidentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.IncidentStatus(nil), r.history[id]...)
}

func (r *fakeRepo) runsOf(incidentID, stage string) []*domain.AgentRun {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.AgentRun
	for _, run := range r.runs {
		if run.IncidentID == incidentID && run.AgentName == stage {
			copied := *run
			out = append(out, &copied)
		}
	}
	return out
}

func (r *fakeRepo) pendingJobs() []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Job
	for _, job := range r.jobs {
		if job.Status == JobStatusPending {
			copied := *job
			out = append(out, &copied)
		}
	}
	return out
}

// scriptedAgent returns results in order, repeating the last one.
type scriptedAgent struct {
	name    string
	results []agents.Result
	trace   *[]string

	mu     sync.Mutex
	inputs []agents.Input
}

func newAgent(name string, trace *[]string, results ...agents.Result) *scriptedAgent {
	if len(results) == 0 {
		results = []agents.Result{agents.Success(nil, nil)}
	}
	return &scriptedAgent{name: name, results: results, trace: trace}
}

func (a *scriptedAgent) Name() string { return a.name }

func (a *scriptedAgent) Execute(_ context.Context, in agents.Input) agents.Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	i := len(a.inputs)
	a.inputs = append(a.inputs, in)
	if a.trace != nil {
		*a.trace = append(*a.trace, a.name)
	}
	if i >= len(a.results) {
		i = len(a.results) - 1
	}
	return a.results[i]
}

func (a *scriptedAgent) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inputs)
}

func (a *scriptedAgent) lastInput() agents.Input {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inputs[len(a.inputs)-1]
}

// blockingAgent runs until its context is cancelled.
type blockingAgent struct {
	name    string
	started chan struct{}
}

func (a *blockingAgent) Name() string { return a.name }

func (a *blockingAgent) Execute(ctx context.Context, _ agents.Input) agents.Result {
	close(a.started)
	<-ctx.Done()
	return agents.Fail(ctx.Err())
}

type mockNotifier struct {
	mu        sync.Mutex
	approvals []string
	analyses  []string
	replies   []string
	notifyErr error
}

func (n *mockNotifier) NotifyApproval(_ context.Context, incident *domain.Incident, analysis string) (string, string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.notifyErr != nil {
		return "", "", n.notifyErr
	}
	n.approvals = append(n.approvals, incident.ID)
	n.analyses = append(n.analyses, analysis)
	return "C123", "1700000000.000100", nil
}

func (n *mockNotifier) ReplyInThread(_ context.Context, channel, threadTS, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.replies = append(n.replies, channel+"|"+threadTS+"|"+text)
	return nil
}

type storedMemory struct {
	content string
	memType domain.MemoryType
	tags    []string
}

type mockMemory struct {
	mu     sync.Mutex
	stored []storedMemory
}

func (m *mockMemory) StoreMemory(_ context.Context, content string, memType domain.MemoryType, tags []string) (*domain.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored = append(m.stored, storedMemory{content: content, memType: memType, tags: tags})
	return &domain.Memory{ID: uuid.NewString(), Content: content, Type: memType, Tags: tags}, nil
}

type mockPublisher struct {
	mu     sync.Mutex
	events []broadcast.Event
	err    error
}

func (p *mockPublisher) Publish(_ context.Context, event broadcast.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *mockPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}
