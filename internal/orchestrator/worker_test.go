package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bissquit/devops-guardian/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type processorFunc func(ctx context.Context, job *Job) error

func (f processorFunc) Process(ctx context.Context, job *Job) error { return f(ctx, job) }

func testWorkerConfig() WorkerConfig {
	cfg := DefaultWorkerConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.StatsInterval = 0
	return cfg
}

func seedIncident(t *testing.T, repo *fakeRepo, id string) *Job {
	t.Helper()
	job := &Job{IncidentID: id, Kind: JobProcess}
	incident := &domain.Incident{ID: id, Source: domain.SourceCustom, Severity: domain.SeverityInfo, Title: id, Status: domain.StatusReceived}
	require.NoError(t, repo.CreateIncident(context.Background(), incident, job))
	return job
}

func TestWorker_ProcessJob(t *testing.T) {
	tests := []struct {
		name       string
		attempts   int
		err        error
		wantDone   bool
		wantRetry  bool
		wantFailed bool
	}{
		{name: "success", attempts: 1, wantDone: true},
		{name: "retryable error", attempts: 1, err: errors.New("db timeout"), wantRetry: true},
		{name: "non-retryable error", attempts: 1, err: NewNonRetryableError(errors.New("unknown kind")), wantFailed: true},
		{name: "attempts exhausted", attempts: 5, err: errors.New("db timeout"), wantFailed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeRepo()
			w := NewWorker(testWorkerConfig(), repo, processorFunc(func(context.Context, *Job) error { return tt.err }), nil)

			job := &Job{ID: "job-1", IncidentID: "inc-1", Kind: JobProcess, Attempts: tt.attempts}
			w.processJob(context.Background(), 0, job)

			if tt.wantDone {
				assert.Equal(t, []string{"job-1"}, repo.completed)
				assert.Empty(t, repo.failed)
				return
			}

			retryAt, ok := repo.failed["job-1"]
			require.True(t, ok)
			if tt.wantRetry {
				require.NotNil(t, retryAt)
				assert.True(t, retryAt.After(time.Now()))
			}
			if tt.wantFailed {
				assert.Nil(t, retryAt)
			}
		})
	}
}

func TestWorker_CancelledJobIsRequeuedImmediately(t *testing.T) {
	repo := newFakeRepo()
	w := NewWorker(testWorkerConfig(), repo, processorFunc(func(context.Context, *Job) error {
		return context.Canceled
	}), nil)

	before := time.Now()
	w.processJob(context.Background(), 0, &Job{ID: "job-1", Kind: JobProcess, Attempts: 5})

	retryAt := repo.failed["job-1"]
	require.NotNil(t, retryAt)
	assert.False(t, retryAt.After(time.Now()))
	assert.False(t, retryAt.Before(before))
}

func TestWorker_CalculateNextAttempt(t *testing.T) {
	w := NewWorker(testWorkerConfig(), newFakeRepo(), nil, nil)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 5 * time.Second},
		{attempt: 2, want: 10 * time.Second},
		{attempt: 3, want: 20 * time.Second},
		{attempt: 10, want: 5 * time.Minute},
	}
	for _, tt := range tests {
		next := w.calculateNextAttempt(tt.attempt)
		assert.WithinDuration(t, time.Now().Add(tt.want), next, time.Second)
	}
}

func TestWorker_SingleFlightPerIncident(t *testing.T) {
	repo := newFakeRepo()
	for _, id := range []string{"inc-a", "inc-b"} {
		seedIncident(t, repo, id)
		for i := 0; i < 3; i++ {
			require.NoError(t, repo.EnqueueJob(context.Background(), &Job{IncidentID: id, Kind: JobVerify}))
		}
	}

	var (
		mu        sync.Mutex
		inFlight  = map[string]int{}
		violation atomic.Bool
		processed atomic.Int32
		order     = map[string][]JobKind{}
	)
	processor := processorFunc(func(_ context.Context, job *Job) error {
		mu.Lock()
		inFlight[job.IncidentID]++
		if inFlight[job.IncidentID] > 1 {
			violation.Store(true)
		}
		order[job.IncidentID] = append(order[job.IncidentID], job.Kind)
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight[job.IncidentID]--
		mu.Unlock()
		processed.Add(1)
		return nil
	})

	wake := make(chan struct{}, 1)
	w := NewWorker(testWorkerConfig(), repo, processor, wake)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)
	wake <- struct{}{}

	require.Eventually(t, func() bool { return processed.Load() == 8 }, 5*time.Second, 10*time.Millisecond)
	w.Stop()

	assert.False(t, violation.Load(), "two jobs of one incident ran concurrently")
	mu.Lock()
	defer mu.Unlock()
	for _, id := range []string{"inc-a", "inc-b"} {
		require.Len(t, order[id], 4)
		assert.Equal(t, JobProcess, order[id][0])
	}
}

func TestWorker_StartRecoversInterruptedWork(t *testing.T) {
	repo := newFakeRepo()
	seedIncident(t, repo, "inc-1")

	job, err := repo.ClaimJob(context.Background())
	require.NoError(t, err)
	_, err = repo.StartAgentRun(context.Background(), "inc-1", domain.StageRCA)
	require.NoError(t, err)
	// the previous process died five minutes ago, well past the lease
	repo.expireLease(job.ID, 5*time.Minute)

	done := make(chan string, 1)
	w := NewWorker(testWorkerConfig(), repo, processorFunc(func(_ context.Context, j *Job) error {
		done <- j.ID
		return nil
	}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	select {
	case id := <-done:
		assert.Equal(t, job.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("recovered job was not processed")
	}

	runs := repo.runsOf("inc-1", domain.StageRCA)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunStatusFailed, runs[0].Status)
}

func TestWorker_EndToEndWithService(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RequireApproval = false })
	h.svc.sleep = func(context.Context, time.Duration) error { return nil }

	w := NewWorker(testWorkerConfig(), h.repo, h.svc, h.svc.Wake())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	id := h.submit(t, patchEvent())

	require.Eventually(t, func() bool {
		incident, err := h.repo.GetIncident(context.Background(), id)
		return err == nil && incident.Status == domain.StatusResolved
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWorker_LiveLeaseIsNotRecovered(t *testing.T) {
	repo := newFakeRepo()
	seedIncident(t, repo, "inc-1")

	job, err := repo.ClaimJob(context.Background())
	require.NoError(t, err)
	_, err = repo.StartAgentRun(context.Background(), "inc-1", domain.StageRCA)
	require.NoError(t, err)

	w := NewWorker(testWorkerConfig(), repo, processorFunc(func(context.Context, *Job) error { return nil }), nil)
	w.recoverInterrupted(context.Background())

	assert.Equal(t, JobStatusProcessing, repo.jobStatus(job.ID))
	runs := repo.runsOf("inc-1", domain.StageRCA)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunStatusWorking, runs[0].Status)
}

func TestWorker_RecoversExpiredLeaseWhileRunning(t *testing.T) {
	repo := newFakeRepo()
	seedIncident(t, repo, "inc-1")
	// a live peer holds the job when this worker starts
	claimed, err := repo.ClaimJob(context.Background())
	require.NoError(t, err)

	done := make(chan string, 1)
	cfg := testWorkerConfig()
	cfg.RecoverInterval = 10 * time.Millisecond
	w := NewWorker(cfg, repo, processorFunc(func(_ context.Context, j *Job) error {
		done <- j.ID
		return nil
	}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()
	assert.Equal(t, JobStatusProcessing, repo.jobStatus(claimed.ID))

	// then the peer dies
	repo.expireLease(claimed.ID, time.Hour)

	select {
	case id := <-done:
		assert.Equal(t, claimed.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("expired job was not recovered")
	}
}

func TestWorker_HeartbeatExtendsLease(t *testing.T) {
	repo := newFakeRepo()
	seedIncident(t, repo, "inc-1")
	job, err := repo.ClaimJob(context.Background())
	require.NoError(t, err)

	cfg := testWorkerConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	w := NewWorker(cfg, repo, processorFunc(func(context.Context, *Job) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	}), nil)

	w.processJob(context.Background(), 0, job)

	assert.Positive(t, repo.heartbeatCount(job.ID))
	assert.Equal(t, JobStatusDone, repo.jobStatus(job.ID))
}

func TestWorker_PermanentFailureFailsIncident(t *testing.T) {
	h := newHarness(t, nil)
	h.repo.startErr = errors.New("db down")

	w := NewWorker(testWorkerConfig(), h.repo, h.svc, nil)
	id := h.submit(t, patchEvent())

	for i := 0; i < w.config.MaxJobAttempts; i++ {
		job, err := h.repo.ClaimJob(context.Background())
		require.NoError(t, err)
		w.processJob(context.Background(), 0, job)
		// skip the retry backoff
		for _, pending := range h.repo.pendingJobs() {
			h.repo.makeRunnable(pending.ID)
		}
	}

	incident := h.incident(t, id)
	assert.Equal(t, domain.StatusFailed, incident.Status)
	assert.Contains(t, incident.StatusMessage, "processing failed")
	assert.Contains(t, incident.StatusMessage, "db down")

	active, err := h.svc.GetActiveIncidents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.Empty(t, h.repo.pendingJobs())
}

func TestWorker_PermanentDecisionFailureKeepsAwaitingApproval(t *testing.T) {
	h := newHarness(t, nil)
	id := h.submit(t, patchEvent())
	h.drain(t)
	require.NoError(t, h.svc.Approve(context.Background(), id, "alice"))

	job, err := h.repo.ClaimJob(context.Background())
	require.NoError(t, err)
	w := NewWorker(testWorkerConfig(), h.repo, h.svc, nil)
	w.handleJobError(context.Background(), job, NewNonRetryableError(errors.New("bad payload")))

	incident := h.incident(t, id)
	assert.Equal(t, domain.StatusAwaitingApproval, incident.Status)
	require.NotEmpty(t, h.notifier.replies)
	assert.Contains(t, h.notifier.replies[len(h.notifier.replies)-1], "could not be processed")
}
