package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/devops-guardian/internal/pkg/ctxlog"
)

// WorkerConfig contains worker configuration.
type WorkerConfig struct {
	NumWorkers   int
	PollInterval time.Duration
	// StuckAfter is the job lease: a processing job without a heartbeat for
	// this long is considered abandoned and returned to the queue.
	StuckAfter        time.Duration
	HeartbeatInterval time.Duration
	RecoverInterval   time.Duration
	MaxJobAttempts    int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	StatsInterval     time.Duration
}

// DefaultWorkerConfig returns default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		NumWorkers:        4,
		PollInterval:      2 * time.Second,
		StuckAfter:        2 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
		RecoverInterval:   time.Minute,
		MaxJobAttempts:    5,
		InitialBackoff:    5 * time.Second,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2.0,
		StatsInterval:     15 * time.Second,
	}
}

// Processor runs one claimed job.
type Processor interface {
	Process(ctx context.Context, job *Job) error
}

// Abandoner is implemented by processors that react to a job failing for good.
type Abandoner interface {
	Abandon(ctx context.Context, job *Job, err error)
}

// Worker drains the incident job queue with a bounded pool.
type Worker struct {
	config    WorkerConfig
	repo      Repository
	processor Processor
	wake      <-chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorker creates a new incident worker. wake may be nil.
func NewWorker(config WorkerConfig, repo Repository, processor Processor, wake <-chan struct{}) *Worker {
	return &Worker{
		config:    config,
		repo:      repo,
		processor: processor,
		wake:      wake,
		stopCh:    make(chan struct{}),
	}
}

// Start recovers work interrupted by a previous crash and launches worker goroutines.
func (w *Worker) Start(ctx context.Context) {
	w.recoverInterrupted(ctx)

	slog.Info("starting incident worker",
		"workers", w.config.NumWorkers,
		"poll_interval", w.config.PollInterval,
	)

	for i := 0; i < w.config.NumWorkers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}

	if w.config.StatsInterval > 0 {
		w.wg.Add(1)
		go w.reportStats(ctx)
	}
	if w.config.RecoverInterval > 0 {
		w.wg.Add(1)
		go w.recoverPeriodically(ctx)
	}
}

// Stop gracefully stops all workers. In-flight jobs finish first.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	slog.Info("incident worker stopped")
}

// recoverInterrupted requeues jobs whose lease expired, then closes the runs
// they left WORKING.
func (w *Worker) recoverInterrupted(ctx context.Context) {
	jobs, err := w.repo.RecoverStuckJobs(ctx, w.config.StuckAfter)
	if err != nil {
		slog.Error("failed to recover stuck jobs", "error", err)
	} else if jobs > 0 {
		slog.Warn("recovered stuck incident jobs", "count", jobs)
	}

	runs, err := w.repo.FailDanglingRuns(ctx)
	if err != nil {
		slog.Error("failed to close dangling agent runs", "error", err)
	} else if runs > 0 {
		slog.Warn("closed dangling agent runs", "count", runs)
	}
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.drain(ctx, workerID)
		case <-w.wake:
			w.drain(ctx, workerID)
		}
	}
}

// drain processes jobs until the queue has nothing runnable.
func (w *Worker) drain(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		job, err := w.repo.ClaimJob(ctx)
		if errors.Is(err, ErrNoJob) {
			return
		}
		if err != nil {
			slog.Error("failed to claim incident job", "worker", workerID, "error", err)
			return
		}

		w.processJob(ctx, workerID, job)
	}
}

func (w *Worker) recoverPeriodically(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.RecoverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.recoverInterrupted(ctx)
		}
	}
}

func (w *Worker) processJob(ctx context.Context, workerID int, job *Job) {
	start := time.Now()
	ctx = ctxlog.With(ctx, "worker", workerID)

	stopHeartbeat := w.heartbeat(ctx, job)
	err := w.processor.Process(ctx, job)
	stopHeartbeat()
	// job bookkeeping must land even when shutdown cancelled processing
	bookkeeping := context.WithoutCancel(ctx)

	if err == nil {
		if err := w.repo.CompleteJob(bookkeeping, job.ID); err != nil {
			slog.Error("failed to complete job", "job_id", job.ID, "error", err)
		}
		recordJobProcessed(job.Kind, "done")
		slog.Debug("incident job done",
			"job_id", job.ID,
			"incident_id", job.IncidentID,
			"kind", job.Kind,
			"duration", time.Since(start),
		)
		return
	}

	w.handleJobError(bookkeeping, job, err)
}

func (w *Worker) handleJobError(ctx context.Context, job *Job, err error) {
	slog.Warn("incident job failed",
		"job_id", job.ID,
		"incident_id", job.IncidentID,
		"attempt", job.Attempts,
		"max_attempts", w.config.MaxJobAttempts,
		"error", err,
	)

	// interrupted by shutdown: make it runnable again for the next start
	if errors.Is(err, context.Canceled) {
		now := time.Now()
		if markErr := w.repo.FailJob(ctx, job.ID, err, &now); markErr != nil {
			slog.Error("failed to requeue job", "job_id", job.ID, "error", markErr)
		}
		recordJobProcessed(job.Kind, "requeued")
		return
	}

	if !isRetryable(err) || job.Attempts >= w.config.MaxJobAttempts {
		if markErr := w.repo.FailJob(ctx, job.ID, err, nil); markErr != nil {
			slog.Error("failed to mark job as failed", "job_id", job.ID, "error", markErr)
		}
		recordJobProcessed(job.Kind, "failed")
		if abandoner, ok := w.processor.(Abandoner); ok {
			abandoner.Abandon(ctx, job, err)
		}
		return
	}

	nextAttempt := w.calculateNextAttempt(job.Attempts)
	if markErr := w.repo.FailJob(ctx, job.ID, err, &nextAttempt); markErr != nil {
		slog.Error("failed to mark job for retry", "job_id", job.ID, "error", markErr)
	}
	recordJobProcessed(job.Kind, "retry")

	slog.Info("incident job scheduled for retry",
		"job_id", job.ID,
		"next_attempt", nextAttempt,
	)
}

// heartbeat keeps the job lease alive until the returned stop func is called.
func (w *Worker) heartbeat(ctx context.Context, job *Job) func() {
	if w.config.HeartbeatInterval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(w.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				err := w.repo.HeartbeatJob(context.WithoutCancel(ctx), job.ID)
				if errors.Is(err, ErrNoJob) {
					slog.Warn("job lease lost", "job_id", job.ID, "incident_id", job.IncidentID)
					return
				}
				if err != nil {
					slog.Warn("failed to extend job lease", "job_id", job.ID, "error", err)
				}
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

func (w *Worker) calculateNextAttempt(attempt int) time.Time {
	backoff := float64(w.config.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= w.config.BackoffMultiplier
	}

	if backoff > float64(w.config.MaxBackoff) {
		backoff = float64(w.config.MaxBackoff)
	}

	return time.Now().Add(time.Duration(backoff))
}

func (w *Worker) reportStats(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			stats, err := w.repo.QueueStats(ctx)
			if err != nil {
				slog.Warn("failed to read queue stats", "error", err)
				continue
			}
			RecordQueueStats(stats)
		}
	}
}

// isRetryable checks if an error is retryable.
func isRetryable(err error) bool {
	var r *RetryableError
	if errors.As(err, &r) {
		return r.Retryable
	}

	// Default: retry unknown errors
	return true
}

// RetryableError wraps an error and marks it as retryable or not.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

// IsRetryable returns whether the error is retryable.
func (e *RetryableError) IsRetryable() bool {
	return e.Retryable
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewNonRetryableError creates a non-retryable error.
func NewNonRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: false}
}
