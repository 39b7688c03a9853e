package api

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/omeroview/server/internal/jobstore"
)

func waitStatus(t *testing.T, jm *JobManager, id string, want jobstore.JobStatus) *jobstore.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if job := jm.Get(id); job != nil && job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s (now %+v)", id, want, jm.Get(id))
	return nil
}

func TestJobManagerCancelRunning(t *testing.T) {
	jm, err := NewJobManager(JobManagerConfig{SQLitePath: filepath.Join(t.TempDir(), "jobs.sqlite")})
	if err != nil {
		t.Fatalf("NewJobManager: %v", err)
	}
	started := make(chan struct{})
	jm.Executor = func(ctx context.Context, store *jobstore.Store, jobID string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	jm.Start()
	defer jm.Stop()

	job, err := jm.Submit(jobstore.JobParams{Source: "demo", ImageID: 1})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started
	if !jm.Cancel(job.ID) {
		t.Fatalf("expected running job to be cancelled")
	}
	got := waitStatus(t, jm, job.ID, jobstore.JobStatusCancelled)
	if got.FinishedAt == nil {
		t.Fatalf("expected finished_at on cancelled job")
	}
}

func TestJobManagerSkipsCancelledQueuedJobs(t *testing.T) {
	jm, err := NewJobManager(JobManagerConfig{SQLitePath: filepath.Join(t.TempDir(), "jobs.sqlite")})
	if err != nil {
		t.Fatalf("NewJobManager: %v", err)
	}
	release := make(chan struct{})
	var ran []string
	jm.Executor = func(ctx context.Context, store *jobstore.Store, jobID string) error {
		ran = append(ran, jobID)
		<-release
		return nil
	}
	jm.Start()
	defer jm.Stop()

	first, _ := jm.Submit(jobstore.JobParams{Source: "demo", ImageID: 1})
	second, _ := jm.Submit(jobstore.JobParams{Source: "demo", ImageID: 2})
	waitStatus(t, jm, first.ID, jobstore.JobStatusRunning)

	if !jm.Cancel(second.ID) {
		t.Fatalf("expected queued job to be cancelled")
	}
	close(release)
	waitStatus(t, jm, first.ID, jobstore.JobStatusCompleted)
	waitStatus(t, jm, second.ID, jobstore.JobStatusCancelled)

	// Stop waits for the single worker, after which ran is stable.
	jm.Stop()
	if len(ran) != 1 || ran[0] != first.ID {
		t.Fatalf("expected only the first job to run, got %v", ran)
	}
}

func TestJobManagerRecovery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.sqlite")
	store, err := jobstore.NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	for _, id := range []string{"interrupted", "pending"} {
		if err := store.CreateJob(&jobstore.Job{ID: id, Status: jobstore.JobStatusQueued, Params: jobstore.JobParams{Source: "demo"}, CreatedAt: time.Now()}); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}
	if ok, err := store.UpdateJobStarted("interrupted"); err != nil || !ok {
		t.Fatalf("UpdateJobStarted: %v %v", ok, err)
	}
	store.Close()

	jm, err := NewJobManager(JobManagerConfig{SQLitePath: path})
	if err != nil {
		t.Fatalf("NewJobManager: %v", err)
	}
	jm.Executor = func(ctx context.Context, store *jobstore.Store, jobID string) error { return nil }
	jm.Start()
	defer jm.Stop()

	got := waitStatus(t, jm, "interrupted", jobstore.JobStatusFailed)
	if got.Error != "server restarted" {
		t.Fatalf("unexpected error %q", got.Error)
	}
	waitStatus(t, jm, "pending", jobstore.JobStatusCompleted)
}

func TestJobManagerReusesActiveJob(t *testing.T) {
	jm, err := NewJobManager(JobManagerConfig{SQLitePath: filepath.Join(t.TempDir(), "jobs.sqlite")})
	if err != nil {
		t.Fatalf("NewJobManager: %v", err)
	}
	release := make(chan struct{})
	jm.Executor = func(ctx context.Context, store *jobstore.Store, jobID string) error {
		<-release
		return nil
	}
	jm.Start()
	defer jm.Stop()

	params := jobstore.JobParams{Source: "demo", ImageID: 2, Levels: []int{2}, C: []int{0}}
	first, err := jm.Submit(params)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	again, err := jm.Submit(params)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("expected the active job %s to be reused, got %s", first.ID, again.ID)
	}

	other, err := jm.Submit(jobstore.JobParams{Source: "demo", ImageID: 2, Levels: []int{1}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if other.ID == first.ID {
		t.Fatalf("different selections must not share a job")
	}

	close(release)
	waitStatus(t, jm, first.ID, jobstore.JobStatusCompleted)
	waitStatus(t, jm, other.ID, jobstore.JobStatusCompleted)

	next, err := jm.Submit(params)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if next.ID == first.ID {
		t.Fatalf("finished jobs must not be reused")
	}
}

func TestJobManagerStopMarksRunningFailed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.sqlite")
	jm, err := NewJobManager(JobManagerConfig{SQLitePath: path})
	if err != nil {
		t.Fatalf("NewJobManager: %v", err)
	}
	started := make(chan struct{})
	jm.Executor = func(ctx context.Context, store *jobstore.Store, jobID string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	jm.Start()

	job, err := jm.Submit(jobstore.JobParams{Source: "demo", ImageID: 1})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started
	jm.Stop()

	store, err := jobstore.NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()
	got, err := store.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != jobstore.JobStatusFailed || got.Error != "server stopped" {
		t.Fatalf("unexpected job after stop: %+v", got)
	}
}

func TestJobManagerCancelRacingStart(t *testing.T) {
	jm, err := NewJobManager(JobManagerConfig{
		SQLitePath:    filepath.Join(t.TempDir(), "jobs.sqlite"),
		MaxConcurrent: 4,
	})
	if err != nil {
		t.Fatalf("NewJobManager: %v", err)
	}
	var mu sync.Mutex
	ran := make(map[string]bool)
	jm.Executor = func(ctx context.Context, store *jobstore.Store, jobID string) error {
		mu.Lock()
		ran[jobID] = true
		mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
			return nil
		}
	}
	jm.Start()
	defer jm.Stop()

	var cancelled []string
	for i := 0; i < 40; i++ {
		job, err := jm.Submit(jobstore.JobParams{Source: "demo", ImageID: int64(i + 1)})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if jm.Cancel(job.ID) {
			cancelled = append(cancelled, job.ID)
		}
	}

	for _, id := range cancelled {
		job := waitStatus(t, jm, id, jobstore.JobStatusCancelled)
		mu.Lock()
		executed := ran[id]
		mu.Unlock()
		if job.StartedAt == nil && executed {
			t.Errorf("job %s ran although it was cancelled before start", id)
		}
	}

	// Give workers time to drain; a cancelled job must stay cancelled.
	time.Sleep(100 * time.Millisecond)
	for _, id := range cancelled {
		if job := jm.Get(id); job == nil || job.Status != jobstore.JobStatusCancelled {
			t.Errorf("job %s left the cancelled state: %+v", id, job)
		}
	}
}
