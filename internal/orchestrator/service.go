package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bissquit/devops-guardian/internal/agents"
	"github.com/bissquit/devops-guardian/internal/broadcast"
	"github.com/bissquit/devops-guardian/internal/domain"
	"github.com/bissquit/devops-guardian/internal/pkg/ctxlog"
	"github.com/google/uuid"
)

// Stages are the remediation agents the orchestrator dispatches.
type Stages struct {
	RCA      agents.Agent
	Pipeline agents.Agent
	Verify   agents.Agent
	PR       agents.Agent
}

// Notifier posts incident cards and thread replies to a chat channel.
type Notifier interface {
	NotifyApproval(ctx context.Context, incident *domain.Incident, analysis string) (channel, threadTS string, err error)
	ReplyInThread(ctx context.Context, channel, threadTS, text string) error
}

// MemoryWriter stores remediation episodes for later recall.
type MemoryWriter interface {
	StoreMemory(ctx context.Context, content string, memType domain.MemoryType, tags []string) (*domain.Memory, error)
}

// Collaborators are optional side channels. Nil fields are skipped.
type Collaborators struct {
	Publisher broadcast.Publisher
	Notifier  Notifier
	Memory    MemoryWriter
}

// Config contains orchestrator policy.
type Config struct {
	RequireApproval   bool
	StageTimeout      time.Duration
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	// MaxPending bounds queued jobs; zero disables the bound.
	MaxPending int
}

// DefaultConfig returns default orchestrator policy.
func DefaultConfig() Config {
	return Config{
		RequireApproval:   true,
		StageTimeout:      20 * time.Minute,
		MaxAttempts:       3,
		InitialBackoff:    5 * time.Second,
		MaxBackoff:        time.Minute,
		BackoffMultiplier: 2.0,
		MaxPending:        500,
	}
}

// Submission is the result of accepting an incident event.
type Submission struct {
	ID        string                `json:"id"`
	Status    domain.IncidentStatus `json:"status"`
	Duplicate bool                  `json:"duplicate"`
}

// Service implements the incident state machine.
type Service struct {
	config    Config
	repo      Repository
	stages    Stages
	publisher broadcast.Publisher
	notifier  Notifier
	memory    MemoryWriter

	sleep func(ctx context.Context, d time.Duration) error
	wake  chan struct{}

	mu      sync.Mutex
	running map[string]*runningJob
}

type runningJob struct {
	cancel context.CancelCauseFunc
}

// NewService creates a new orchestrator service.
func NewService(config Config, repo Repository, stages Stages, collaborators Collaborators) *Service {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.StageTimeout <= 0 {
		config.StageTimeout = DefaultConfig().StageTimeout
	}
	publisher := collaborators.Publisher
	if publisher == nil {
		publisher = broadcast.Noop{}
	}
	return &Service{
		config:    config,
		repo:      repo,
		stages:    stages,
		publisher: publisher,
		notifier:  collaborators.Notifier,
		memory:    collaborators.Memory,
		sleep:     sleepContext,
		wake:      make(chan struct{}, 1),
		running:   make(map[string]*runningJob),
	}
}

// Wake is signalled whenever a job is enqueued.
func (s *Service) Wake() <-chan struct{} {
	return s.wake
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// HandleIncident accepts a canonical event and queues it for processing.
// Duplicate events return the existing incident instead of a new one.
func (s *Service) HandleIncident(ctx context.Context, event domain.IncidentEvent) (*Submission, error) {
	if !event.Source.IsValid() {
		return nil, fmt.Errorf("%w: unknown source %q", ErrInvalidEvent, event.Source)
	}
	if !event.Severity.IsValid() {
		return nil, fmt.Errorf("%w: unknown severity %q", ErrInvalidEvent, event.Severity)
	}
	if strings.TrimSpace(event.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidEvent)
	}

	key := IdempotencyKey(event)
	if existing, err := s.findExisting(ctx, event.ID, key); err != nil || existing != nil {
		return existing, err
	}

	if s.config.MaxPending > 0 {
		pending, err := s.repo.CountPendingJobs(ctx)
		if err != nil {
			return nil, fmt.Errorf("count pending jobs: %w", err)
		}
		if pending >= s.config.MaxPending {
			return nil, ErrQueueFull
		}
	}

	id := event.ID
	if id == "" {
		id = uuid.NewString()
	}
	metadata := make(map[string]any, len(event.Metadata))
	for k, v := range event.Metadata {
		metadata[k] = v
	}

	incident := &domain.Incident{
		ID:             id,
		Source:         event.Source,
		Severity:       event.Severity,
		Title:          strings.TrimSpace(event.Title),
		Description:    event.Description,
		Message:        event.Message,
		Metadata:       metadata,
		Status:         domain.StatusReceived,
		StatusMessage:  "received",
		IdempotencyKey: key,
	}
	job := &Job{IncidentID: id, Kind: JobProcess, Payload: map[string]any{}}

	if err := s.repo.CreateIncident(ctx, incident, job); err != nil {
		if errors.Is(err, ErrDuplicate) {
			// lost a race with an identical event
			if existing, findErr := s.findExisting(ctx, event.ID, key); findErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("create incident: %w", err)
	}

	recordIncidentReceived(string(incident.Source), string(incident.Severity))
	s.publish(ctx, broadcast.Event{
		Type:       broadcast.EventIncidentCreated,
		IncidentID: incident.ID,
		Status:     string(incident.Status),
		Message:    incident.Title,
	})
	s.signal()

	ctxlog.FromContext(ctx).Info("incident accepted",
		"incident_id", incident.ID,
		"source", incident.Source,
		"severity", incident.Severity,
	)

	return &Submission{ID: incident.ID, Status: incident.Status}, nil
}

func (s *Service) findExisting(ctx context.Context, id string, key *string) (*Submission, error) {
	lookups := make([]func() (*domain.Incident, error), 0, 2)
	if key != nil {
		lookups = append(lookups, func() (*domain.Incident, error) { return s.repo.GetIncidentByIdempotencyKey(ctx, *key) })
	}
	if id != "" {
		lookups = append(lookups, func() (*domain.Incident, error) { return s.repo.GetIncident(ctx, id) })
	}

	for _, lookup := range lookups {
		existing, err := lookup()
		if errors.Is(err, ErrIncidentNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lookup existing incident: %w", err)
		}
		ctxlog.FromContext(ctx).Info("duplicate incident event", "incident_id", existing.ID)
		return &Submission{ID: existing.ID, Status: existing.Status, Duplicate: true}, nil
	}
	return nil, nil
}

// IdempotencyKey derives a dedup key from the commit the failure belongs to.
// Events without a commit are never deduplicated by content.
func IdempotencyKey(event domain.IncidentEvent) *string {
	subject := domain.Incident{Metadata: event.Metadata}
	commit := subject.MetaString(domain.MetaCommitSHA)
	if commit == "" {
		return nil
	}

	parts := []string{
		string(event.Source),
		subject.MetaString(domain.MetaOwner) + "/" + subject.MetaString(domain.MetaRepo),
		commit,
		subject.MetaString(domain.MetaWorkflowName),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	key := hex.EncodeToString(sum[:])
	return &key
}

// GetActiveIncidents returns every non-terminal incident, newest first.
func (s *Service) GetActiveIncidents(ctx context.Context) ([]*domain.Incident, error) {
	return s.repo.ListActiveIncidents(ctx)
}

// GetIncident returns one incident.
func (s *Service) GetIncident(ctx context.Context, id string) (*domain.Incident, error) {
	return s.repo.GetIncident(ctx, id)
}

// ListRuns returns the agent run history of an incident.
func (s *Service) ListRuns(ctx context.Context, id string) ([]*domain.AgentRun, error) {
	if _, err := s.repo.GetIncident(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListAgentRuns(ctx, id)
}

// Approve queues the approved fix for pull-request creation. Returns
// ErrNotVerified when the latest verification of the incident failed.
func (s *Service) Approve(ctx context.Context, id, actor string) error {
	return s.enqueueDecision(ctx, id, JobApprove, map[string]any{"actor": actor})
}

// Reject queues rejection of the proposed fix.
func (s *Service) Reject(ctx context.Context, id, actor, reason string) error {
	return s.enqueueDecision(ctx, id, JobReject, map[string]any{"actor": actor, "reason": reason})
}

// RequestVerification queues a fresh verification run for an incident awaiting approval.
func (s *Service) RequestVerification(ctx context.Context, id, actor string) error {
	return s.enqueueDecision(ctx, id, JobVerify, map[string]any{"actor": actor})
}

func (s *Service) enqueueDecision(ctx context.Context, id string, kind JobKind, payload map[string]any) error {
	incident, err := s.repo.GetIncident(ctx, id)
	if err != nil {
		return err
	}
	if incident.Status != domain.StatusAwaitingApproval {
		return fmt.Errorf("%w: incident is %s", ErrInvalidTransition, incident.Status)
	}
	if kind == JobApprove {
		// a queued re-verification may still pass, so only a failed run blocks here
		run, err := s.latestVerification(ctx, incident)
		if err != nil {
			return err
		}
		if run != nil && run.Status == domain.RunStatusFailed {
			return ErrNotVerified
		}
	}

	job := &Job{IncidentID: id, Kind: kind, Payload: payload}
	if err := s.repo.EnqueueJob(ctx, job); err != nil {
		return fmt.Errorf("enqueue %s job: %w", kind, err)
	}
	s.signal()

	ctxlog.FromContext(ctx).Info("incident decision queued", "incident_id", id, "kind", kind, "actor", payload["actor"])
	return nil
}

// Process runs one claimed job. Stage failures are recorded on the incident
// and do not produce an error; errors mean the job itself should be retried.
// The job can be cancelled by Abort while it runs.
func (s *Service) Process(ctx context.Context, job *Job) error {
	ctx = ctxlog.With(ctx, "incident_id", job.IncidentID, "job_id", job.ID, "job_kind", job.Kind)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	untrack := s.track(job.IncidentID, cancel)
	defer untrack()

	incident, err := s.repo.GetIncident(ctx, job.IncidentID)
	if err != nil {
		if errors.Is(err, ErrIncidentNotFound) {
			return NewNonRetryableError(err)
		}
		return fmt.Errorf("load incident: %w", err)
	}

	switch job.Kind {
	case JobProcess:
		err = s.process(ctx, incident)
	case JobApprove:
		err = s.approve(ctx, incident, job)
	case JobReject:
		err = s.reject(ctx, incident, job)
	case JobVerify:
		err = s.reverify(ctx, incident)
	default:
		return NewNonRetryableError(fmt.Errorf("unknown job kind %q", job.Kind))
	}
	return s.settle(ctx, job, err)
}

// settle drops job errors caused by the incident having been terminated
// elsewhere, e.g. by Abort.
func (s *Service) settle(ctx context.Context, job *Job, err error) error {
	if err == nil {
		return nil
	}
	logger := ctxlog.FromContext(ctx)

	if errors.Is(context.Cause(ctx), ErrAborted) {
		logger.Info("job stopped, incident aborted")
		return nil
	}
	if errors.Is(err, ErrInvalidTransition) {
		current, getErr := s.repo.GetIncident(context.WithoutCancel(ctx), job.IncidentID)
		if getErr == nil && current.Status.IsTerminal() {
			logger.Info("job stopped, incident already terminal", "status", current.Status)
			return nil
		}
	}
	return err
}

// Abort moves a non-terminal incident to FAILED and cancels the job running
// for it, if any. The cancellation reaches the running stage and its sandbox.
func (s *Service) Abort(ctx context.Context, id, actor, reason string) (*domain.Incident, error) {
	incident, err := s.repo.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	if incident.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: incident is %s", ErrInvalidTransition, incident.Status)
	}

	message := "aborted"
	if actor != "" {
		message += " by " + actor
	}
	if reason != "" {
		message += ": " + reason
	}
	incident, err = s.fail(ctx, incident, message)
	if err != nil {
		return nil, err
	}

	cancelled := s.cancelRunning(id)
	recordAbort(cancelled)
	ctxlog.FromContext(ctx).Info("incident aborted", "incident_id", id, "actor", actor, "cancelled_job", cancelled)
	return incident, nil
}

// Abandon reacts to a job the worker gave up on. A failed process job would
// otherwise leave the incident in a non-terminal status with nothing queued.
func (s *Service) Abandon(ctx context.Context, job *Job, cause error) {
	logger := ctxlog.FromContext(ctx).With("incident_id", job.IncidentID, "job_id", job.ID)

	incident, err := s.repo.GetIncident(ctx, job.IncidentID)
	if err != nil {
		logger.Error("failed to load abandoned incident", "error", err)
		return
	}
	if incident.Status.IsTerminal() {
		return
	}

	if job.Kind != JobProcess {
		// the incident still awaits a decision, which the operator can resend
		s.reply(ctx, incident, fmt.Sprintf("⚠️ %s request could not be processed: %v", job.Kind, cause))
		return
	}
	if _, err := s.fail(ctx, incident, "processing failed: "+cause.Error()); err != nil {
		logger.Error("failed to fail abandoned incident", "error", err)
	}
}

func (s *Service) track(incidentID string, cancel context.CancelCauseFunc) func() {
	entry := &runningJob{cancel: cancel}

	s.mu.Lock()
	s.running[incidentID] = entry
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.running[incidentID] == entry {
			delete(s.running, incidentID)
		}
	}
}

func (s *Service) cancelRunning(incidentID string) bool {
	s.mu.Lock()
	entry, ok := s.running[incidentID]
	s.mu.Unlock()

	if ok {
		entry.cancel(ErrAborted)
	}
	return ok
}

// process advances the incident until it waits for a human or terminates.
// It resumes from whatever status a previous run left behind.
func (s *Service) process(ctx context.Context, incident *domain.Incident) error {
	for {
		if incident.Status.IsTerminal() || incident.Status == domain.StatusAwaitingApproval {
			return nil
		}

		var err error
		switch incident.Status {
		case domain.StatusReceived:
			incident, err = s.transition(ctx, incident, domain.StatusAnalyzing, "analyzing failure")
		case domain.StatusAnalyzing:
			incident, err = s.analyze(ctx, incident)
		case domain.StatusApplyingFix:
			incident, err = s.applyFix(ctx, incident)
		case domain.StatusVerifying:
			incident, err = s.verifyPipeline(ctx, incident)
		default:
			return NewNonRetryableError(fmt.Errorf("unexpected status %q", incident.Status))
		}
		if err != nil {
			return err
		}
	}
}

func (s *Service) analyze(ctx context.Context, incident *domain.Incident) (*domain.Incident, error) {
	done, err := s.hasCompletedRun(ctx, incident.ID, domain.StageRCA)
	if err != nil {
		return nil, err
	}
	if !done {
		result, err := s.runStage(ctx, incident, s.stages.RCA)
		if err != nil {
			return nil, err
		}
		if !result.OK() {
			// analysis is advisory
			ctxlog.FromContext(ctx).Warn("root cause analysis unavailable, continuing", "error", result.Failure.Message)
		}
	}

	_, hasRepo := incident.Repository()
	switch {
	case !hasRepo:
		return s.awaitApproval(ctx, incident, "analysis ready for review")
	case len(incident.FileUpdates()) > 0:
		return s.transition(ctx, incident, domain.StatusApplyingFix, "verifying proposed fix")
	default:
		return s.transition(ctx, incident, domain.StatusVerifying, "preparing pipeline")
	}
}

func (s *Service) applyFix(ctx context.Context, incident *domain.Incident) (*domain.Incident, error) {
	result, err := s.runStage(ctx, incident, s.stages.Verify)
	if err != nil {
		return nil, err
	}
	if !result.OK() {
		return s.fail(ctx, incident, "verification failed: "+result.Failure.Message)
	}
	return s.afterVerified(ctx, incident)
}

func (s *Service) verifyPipeline(ctx context.Context, incident *domain.Incident) (*domain.Incident, error) {
	result, err := s.runStage(ctx, incident, s.stages.Pipeline)
	if err != nil {
		return nil, err
	}
	if !result.OK() {
		return s.fail(ctx, incident, "pipeline preparation failed: "+result.Failure.Message)
	}

	if files, ok := result.Data[domain.MetaFileUpdates]; ok {
		fields := map[string]any{domain.MetaFileUpdates: files}
		if err := s.repo.AppendMetadata(ctx, incident.ID, fields); err != nil {
			return nil, fmt.Errorf("store pipeline files: %w", err)
		}
		incident.Metadata = mergeMetadata(incident.Metadata, fields)
	}

	result, err = s.runStage(ctx, incident, s.stages.Verify)
	if err != nil {
		return nil, err
	}
	if !result.OK() {
		return s.fail(ctx, incident, "verification failed: "+result.Failure.Message)
	}
	return s.afterVerified(ctx, incident)
}

func (s *Service) afterVerified(ctx context.Context, incident *domain.Incident) (*domain.Incident, error) {
	if s.config.RequireApproval {
		return s.awaitApproval(ctx, incident, "fix verified, awaiting approval")
	}

	incident, ok, err := s.openPullRequest(ctx, incident)
	if err != nil || !ok {
		return incident, err
	}
	return s.resolve(ctx, incident, "resolved automatically")
}

func (s *Service) awaitApproval(ctx context.Context, incident *domain.Incident, message string) (*domain.Incident, error) {
	incident, err := s.transition(ctx, incident, domain.StatusAwaitingApproval, message)
	if err != nil {
		return nil, err
	}
	if s.notifier == nil {
		return incident, nil
	}

	analysis, err := s.latestAnalysis(ctx, incident.ID)
	if err != nil {
		return nil, err
	}
	channel, threadTS, err := s.notifier.NotifyApproval(ctx, incident, analysis)
	if err != nil {
		ctxlog.FromContext(ctx).Warn("failed to post approval request", "error", err)
		return incident, nil
	}

	fields := map[string]any{domain.MetaChatChannel: channel, domain.MetaChatThread: threadTS}
	if err := s.repo.AppendMetadata(ctx, incident.ID, fields); err != nil {
		ctxlog.FromContext(ctx).Warn("failed to store chat thread", "error", err)
		return incident, nil
	}
	incident.Metadata = mergeMetadata(incident.Metadata, fields)
	return incident, nil
}

// openPullRequest runs the PR stage when the incident carries files.
// ok is false when the stage failed and the incident was moved to FAILED.
func (s *Service) openPullRequest(ctx context.Context, incident *domain.Incident) (*domain.Incident, bool, error) {
	if len(incident.FileUpdates()) == 0 {
		return incident, true, nil
	}

	result, err := s.runStage(ctx, incident, s.stages.PR)
	if err != nil {
		return nil, false, err
	}
	if !result.OK() {
		failed, err := s.fail(ctx, incident, "pull request failed: "+result.Failure.Message)
		return failed, false, err
	}

	if url, _ := result.Data["prUrl"].(string); url != "" {
		if err := s.repo.SetPRURL(ctx, incident.ID, url); err != nil {
			return nil, false, fmt.Errorf("store pull request url: %w", err)
		}
		incident.PRURL = &url
	}
	return incident, true, nil
}

func (s *Service) resolve(ctx context.Context, incident *domain.Incident, message string) (*domain.Incident, error) {
	incident, err := s.transition(ctx, incident, domain.StatusResolved, message)
	if err != nil {
		return nil, err
	}

	s.remember(ctx, incident, domain.MemoryPositive)

	reply := "✅ Incident resolved: " + message
	if incident.PRURL != nil {
		reply += "\nPull request: " + *incident.PRURL
	}
	s.reply(ctx, incident, reply)
	return incident, nil
}

func (s *Service) fail(ctx context.Context, incident *domain.Incident, message string) (*domain.Incident, error) {
	incident, err := s.transition(ctx, incident, domain.StatusFailed, message)
	if err != nil {
		return nil, err
	}
	s.reply(ctx, incident, "❌ Remediation failed: "+message)
	return incident, nil
}

func (s *Service) approve(ctx context.Context, incident *domain.Incident, job *Job) error {
	if incident.Status != domain.StatusAwaitingApproval {
		ctxlog.FromContext(ctx).Info("ignoring approval", "status", incident.Status)
		return nil
	}

	if _, hasRepo := incident.Repository(); hasRepo {
		run, err := s.latestVerification(ctx, incident)
		if err != nil {
			return err
		}
		if run == nil || run.Status != domain.RunStatusCompleted {
			ctxlog.FromContext(ctx).Warn("refusing approval, latest verification did not pass", "actor", job.Actor())
			s.reply(ctx, incident, "⚠️ Approval refused: the latest verification did not pass. Request a new verification first.")
			return nil
		}
	}

	incident, ok, err := s.openPullRequest(ctx, incident)
	if err != nil || !ok {
		return err
	}

	message := "approved"
	if actor := job.Actor(); actor != "" {
		message += " by " + actor
	}
	_, err = s.resolve(ctx, incident, message)
	return err
}

func (s *Service) reject(ctx context.Context, incident *domain.Incident, job *Job) error {
	if incident.Status != domain.StatusAwaitingApproval {
		ctxlog.FromContext(ctx).Info("ignoring rejection", "status", incident.Status)
		return nil
	}

	message := "rejected"
	if actor := job.Actor(); actor != "" {
		message += " by " + actor
	}
	if reason := job.Reason(); reason != "" {
		message += ": " + reason
	}

	incident, err := s.transition(ctx, incident, domain.StatusRejected, message)
	if err != nil {
		return err
	}
	s.remember(ctx, incident, domain.MemoryNegative)
	s.reply(ctx, incident, "🚫 Fix "+message)
	return nil
}

// reverify re-runs the build gate without changing incident status.
func (s *Service) reverify(ctx context.Context, incident *domain.Incident) error {
	if incident.Status != domain.StatusAwaitingApproval {
		ctxlog.FromContext(ctx).Info("ignoring verification request", "status", incident.Status)
		return nil
	}
	if _, ok := incident.Repository(); !ok {
		s.reply(ctx, incident, "ℹ️ Nothing to verify: incident has no repository")
		return nil
	}

	result, err := s.runStage(ctx, incident, s.stages.Verify)
	if err != nil {
		return err
	}

	var text string
	if result.OK() {
		text = "✅ Verification passed"
		text += logExcerpt(stringSlice(result.Data["logs"]))
	} else {
		text = "❌ Verification failed: " + result.Failure.Message
		text += logExcerpt(result.Failure.Logs)
	}
	s.reply(ctx, incident, text)
	return nil
}

func (s *Service) transition(ctx context.Context, incident *domain.Incident, next domain.IncidentStatus, message string) (*domain.Incident, error) {
	updated, err := s.repo.TransitionStatus(ctx, incident.ID, next, message)
	if err != nil {
		return nil, fmt.Errorf("transition %s -> %s: %w", incident.Status, next, err)
	}

	recordTransition(string(next))
	s.publish(ctx, broadcast.Event{
		Type:       broadcast.EventIncidentStatus,
		IncidentID: updated.ID,
		Status:     string(updated.Status),
		Message:    message,
	})
	ctxlog.FromContext(ctx).Info("incident status changed",
		"from", incident.Status,
		"to", updated.Status,
		"message", message,
	)
	return updated, nil
}

// runStage invokes agent with retries, recording one AgentRun per attempt.
// The returned error is set only for cancellation or storage failures.
func (s *Service) runStage(ctx context.Context, incident *domain.Incident, agent agents.Agent) (agents.Result, error) {
	name := agent.Name()
	logger := ctxlog.FromContext(ctx).With("stage", name)

	runs, err := s.repo.ListAgentRuns(ctx, incident.ID)
	if err != nil {
		return agents.Result{}, fmt.Errorf("list agent runs: %w", err)
	}
	in := agents.Input{
		Incident:         incident,
		Analysis:         latestAnalysis(runs),
		VerificationLogs: latestVerificationLogs(runs),
	}

	var result agents.Result
	for attempt := 1; attempt <= s.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			recordStageRetry(name)
			if err := s.sleep(ctx, s.backoff(attempt-1)); err != nil {
				return result, err
			}
		}

		run, err := s.repo.StartAgentRun(ctx, incident.ID, name)
		if err != nil {
			return result, fmt.Errorf("start %s run: %w", name, err)
		}
		in.Attempt = run.AttemptNumber
		s.publishRun(ctx, run, "")

		result = s.execute(ctx, agent, in)
		if ctx.Err() != nil {
			if err := s.finishRun(ctx, run, agents.Fail(context.Cause(ctx))); err != nil {
				logger.Warn("failed to close cancelled run", "attempt", run.AttemptNumber, "error", err)
			}
			return result, ctx.Err()
		}
		if err := s.finishRun(ctx, run, result); err != nil {
			return result, err
		}

		if result.OK() {
			logger.Info("stage completed", "attempt", run.AttemptNumber)
			return result, nil
		}
		logger.Warn("stage failed",
			"attempt", run.AttemptNumber,
			"kind", result.Failure.Kind,
			"error", result.Failure.Message,
		)
		if !result.Failure.Kind.Retryable() {
			return result, nil
		}
	}
	return result, nil
}

func (s *Service) execute(ctx context.Context, agent agents.Agent, in agents.Input) (result agents.Result) {
	ctx, cancel := context.WithTimeout(ctx, s.config.StageTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			result = agents.Fail(fmt.Errorf("%s stage panicked: %v", agent.Name(), r))
		}
	}()
	return agent.Execute(ctx, in)
}

func (s *Service) finishRun(ctx context.Context, run *domain.AgentRun, result agents.Result) error {
	now := time.Now().UTC()
	run.CompletedAt = &now
	run.Output = result.Output()
	run.Thoughts = result.Thoughts
	run.Status = domain.RunStatusCompleted
	if !result.OK() {
		run.Status = domain.RunStatusFailed
	}

	if err := s.repo.FinishAgentRun(context.WithoutCancel(ctx), run); err != nil {
		return fmt.Errorf("finish %s run: %w", run.AgentName, err)
	}

	recordStageRun(run.AgentName, string(run.Status), now.Sub(run.StartedAt))
	message := ""
	if result.Failure != nil {
		message = result.Failure.Message
	}
	s.publishRun(ctx, run, message)
	return nil
}

func (s *Service) publishRun(ctx context.Context, run *domain.AgentRun, message string) {
	s.publish(ctx, broadcast.Event{
		Type:       broadcast.EventAgentRun,
		IncidentID: run.IncidentID,
		AgentName:  run.AgentName,
		RunStatus:  string(run.Status),
		Attempt:    run.AttemptNumber,
		Message:    message,
	})
}

func (s *Service) publish(ctx context.Context, event broadcast.Event) {
	if err := s.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		ctxlog.FromContext(ctx).Warn("failed to publish status", "type", event.Type, "error", err)
	}
}

func (s *Service) remember(ctx context.Context, incident *domain.Incident, memType domain.MemoryType) {
	if s.memory == nil {
		return
	}

	analysis, err := s.latestAnalysis(ctx, incident.ID)
	if err != nil {
		ctxlog.FromContext(ctx).Warn("failed to load analysis for memory", "error", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Incident: %s\n", incident.Title)
	if text := incident.SearchText(); text != "" {
		fmt.Fprintf(&b, "Failure: %s\n", text)
	}
	if analysis != "" {
		fmt.Fprintf(&b, "Analysis: %s\n", analysis)
	}
	fmt.Fprintf(&b, "Outcome: %s", incident.StatusMessage)

	tags := []string{strings.ToLower(string(incident.Source)), strings.ToLower(string(incident.Severity))}
	if repo, ok := incident.Repository(); ok {
		tags = append(tags, repo.FullName())
	}

	if _, err := s.memory.StoreMemory(context.WithoutCancel(ctx), b.String(), memType, tags); err != nil {
		ctxlog.FromContext(ctx).Warn("failed to store memory", "type", memType, "error", err)
	}
}

func (s *Service) reply(ctx context.Context, incident *domain.Incident, text string) {
	if s.notifier == nil {
		return
	}
	channel := incident.MetaString(domain.MetaChatChannel)
	threadTS := incident.MetaString(domain.MetaChatThread)
	if channel == "" || threadTS == "" {
		return
	}
	if err := s.notifier.ReplyInThread(context.WithoutCancel(ctx), channel, threadTS, text); err != nil {
		ctxlog.FromContext(ctx).Warn("failed to reply in chat thread", "error", err)
	}
}

func (s *Service) hasCompletedRun(ctx context.Context, incidentID, stage string) (bool, error) {
	runs, err := s.repo.ListAgentRuns(ctx, incidentID)
	if err != nil {
		return false, fmt.Errorf("list agent runs: %w", err)
	}
	return latestCompleted(runs, stage) != nil, nil
}

// latestVerification returns the highest-attempt Verify run of any status.
func (s *Service) latestVerification(ctx context.Context, incident *domain.Incident) (*domain.AgentRun, error) {
	runs, err := s.repo.ListAgentRuns(ctx, incident.ID)
	if err != nil {
		return nil, fmt.Errorf("list agent runs: %w", err)
	}
	return latestRun(runs, domain.StageVerify), nil
}

func (s *Service) latestAnalysis(ctx context.Context, incidentID string) (string, error) {
	runs, err := s.repo.ListAgentRuns(ctx, incidentID)
	if err != nil {
		return "", fmt.Errorf("list agent runs: %w", err)
	}
	return latestAnalysis(runs), nil
}

func (s *Service) backoff(retry int) time.Duration {
	backoff := float64(s.config.InitialBackoff)
	for i := 1; i < retry; i++ {
		backoff *= s.config.BackoffMultiplier
	}
	if s.config.MaxBackoff > 0 && backoff > float64(s.config.MaxBackoff) {
		backoff = float64(s.config.MaxBackoff)
	}
	return time.Duration(backoff)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// latestCompleted returns the highest-attempt COMPLETED run of stage.
func latestCompleted(runs []*domain.AgentRun, stage string) *domain.AgentRun {
	var latest *domain.AgentRun
	for _, run := range runs {
		if run.AgentName != stage || run.Status != domain.RunStatusCompleted {
			continue
		}
		if latest == nil || run.AttemptNumber > latest.AttemptNumber {
			latest = run
		}
	}
	return latest
}

func latestRun(runs []*domain.AgentRun, stage string) *domain.AgentRun {
	var latest *domain.AgentRun
	for _, run := range runs {
		if run.AgentName != stage {
			continue
		}
		if latest == nil || run.AttemptNumber > latest.AttemptNumber {
			latest = run
		}
	}
	return latest
}

func latestAnalysis(runs []*domain.AgentRun) string {
	run := latestCompleted(runs, domain.StageRCA)
	if run == nil {
		return ""
	}
	analysis, _ := run.Output["analysis"].(string)
	return analysis
}

func latestVerificationLogs(runs []*domain.AgentRun) []string {
	run := latestCompleted(runs, domain.StageVerify)
	if run == nil {
		return nil
	}
	return stringSlice(run.Output["logs"])
}

// stringSlice accepts both in-memory and JSON-decoded string lists.
func stringSlice(v any) []string {
	switch typed := v.(type) {
	case []string:
		return typed
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

const replyLogLines = 15

func logExcerpt(logs []string) string {
	if len(logs) == 0 {
		return ""
	}
	if len(logs) > replyLogLines {
		logs = logs[len(logs)-replyLogLines:]
	}
	return "\n```\n" + strings.Join(logs, "\n") + "\n```"
}

func mergeMetadata(base, fields map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(fields))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}
