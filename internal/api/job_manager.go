// Package api provides HTTP handlers for the image server.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/omeroview/server/internal/jobstore"
)

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	MaxConcurrent int    // Max concurrent prefetch jobs (default 1)
	QueueSize     int    // Pending jobs held in memory (default 100)
	SQLitePath    string // Path to SQLite database
	RetentionDays int    // Days to keep finished jobs (default 7)
	CleanupPeriod time.Duration
}

// JobExecutor runs one job. It must return ctx.Err() when cancelled.
type JobExecutor func(ctx context.Context, store *jobstore.Store, jobID string) error

// JobManager runs prefetch jobs on a fixed set of workers. Job state is
// persisted so that a restart can report interrupted jobs and resume
// pending ones.
type JobManager struct {
	cfg   JobManagerConfig
	store *jobstore.Store
	queue chan string

	mu      sync.Mutex
	running map[string]context.CancelFunc
	// submitMu serializes Submit so identical requests share one job.
	submitMu sync.Mutex

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	Executor JobExecutor
}

// NewJobManager opens the job store and prepares, but does not start, the
// workers.
func NewJobManager(cfg JobManagerConfig) (*JobManager, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = time.Hour
	}

	store, err := jobstore.NewStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	return &JobManager{
		cfg:     cfg,
		store:   store,
		queue:   make(chan string, cfg.QueueSize),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}, nil
}

// Start recovers state left by a previous process and launches the workers
// and the retention cleaner.
func (jm *JobManager) Start() {
	if err := jm.store.MarkRunningAsFailed("server restarted"); err != nil {
		log.Printf("[JobManager] failed to mark interrupted jobs: %v", err)
	}

	pending, err := jm.store.ListQueuedJobs()
	if err != nil {
		log.Printf("[JobManager] failed to list queued jobs: %v", err)
	}
	for _, job := range pending {
		if jm.enqueue(job.ID) {
			log.Printf("[JobManager] resuming job %s (%s image %d)", job.ID, job.Source, job.Params.ImageID)
		} else {
			log.Printf("[JobManager] queue full, dropping job %s", job.ID)
			jm.finish(job.ID, jobstore.JobStatusFailed, "job queue is full")
		}
	}

	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}
	go jm.cleaner()
}

// Stop cancels running jobs, waits for the workers and closes the store.
// Jobs still queued stay queued and resume on the next Start.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		close(jm.stopCh)
		jm.mu.Lock()
		for _, cancel := range jm.running {
			cancel()
		}
		jm.mu.Unlock()
		jm.wg.Wait()
		if err := jm.store.Close(); err != nil {
			log.Printf("[JobManager] failed to close store: %v", err)
		}
	})
}

func (jm *JobManager) enqueue(id string) bool {
	select {
	case jm.queue <- id:
		return true
	default:
		return false
	}
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for {
		select {
		case <-jm.stopCh:
			return
		case id := <-jm.queue:
			jm.runJob(id)
		}
	}
}

func (jm *JobManager) finish(id string, status jobstore.JobStatus, msg string) {
	if err := jm.store.UpdateJobStatus(id, status, msg); err != nil {
		log.Printf("[JobManager] failed to mark job %s %s: %v", id, status, err)
	}
}

func (jm *JobManager) runJob(id string) {
	job, err := jm.store.GetJob(id)
	if err != nil {
		if !errors.Is(err, jobstore.ErrJobNotFound) {
			log.Printf("[JobManager] skipping job %s: %v", id, err)
		}
		return
	}
	if job.Status != jobstore.JobStatusQueued {
		// cancelled while waiting
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jm.mu.Lock()
	jm.running[id] = cancel
	jm.mu.Unlock()
	defer func() {
		jm.mu.Lock()
		delete(jm.running, id)
		jm.mu.Unlock()
	}()

	started, err := jm.store.UpdateJobStarted(id)
	if err != nil {
		log.Printf("[JobManager] failed to start job %s: %v", id, err)
		return
	}
	if !started {
		// cancelled between dequeue and start
		return
	}

	var execErr error
	if jm.Executor != nil {
		execErr = jm.Executor(ctx, jm.store, id)
	}

	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		select {
		case <-jm.stopCh:
			jm.finish(id, jobstore.JobStatusFailed, "server stopped")
		default:
			jm.finish(id, jobstore.JobStatusCancelled, "cancelled by user")
		}
	case execErr != nil:
		log.Printf("[JobManager] job %s failed: %v", id, execErr)
		jm.finish(id, jobstore.JobStatusFailed, execErr.Error())
	default:
		jm.finish(id, jobstore.JobStatusCompleted, "")
	}
}

func (jm *JobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup()
		}
	}
}

func (jm *JobManager) cleanup() {
	deleted, err := jm.store.DeleteExpiredJobs(time.Duration(jm.cfg.RetentionDays) * 24 * time.Hour)
	if err != nil {
		log.Printf("[JobManager] cleanup error: %v", err)
	} else if deleted > 0 {
		log.Printf("[JobManager] removed %d expired job(s)", deleted)
	}
}

// Submit queues a prefetch. If an identical prefetch is already queued or
// running, that job is returned instead.
func (jm *JobManager) Submit(params jobstore.JobParams) (*jobstore.Job, error) {
	jm.submitMu.Lock()
	defer jm.submitMu.Unlock()

	active, err := jm.store.ListJobsBySource(params.Source)
	if err != nil {
		return nil, err
	}
	for _, job := range active {
		if !job.Status.Finished() && job.Params.Same(params) {
			return job, nil
		}
	}

	job := &jobstore.Job{
		ID:        newJobID(),
		Source:    params.Source,
		Status:    jobstore.JobStatusQueued,
		Params:    params,
		CreatedAt: time.Now(),
	}
	if err := jm.store.CreateJob(job); err != nil {
		return nil, err
	}
	if !jm.enqueue(job.ID) {
		jm.finish(job.ID, jobstore.JobStatusFailed, "job queue is full; try again later")
		job.Status = jobstore.JobStatusFailed
	}
	return job, nil
}

// Get returns a job by ID, or nil.
func (jm *JobManager) Get(id string) *jobstore.Job {
	job, err := jm.store.GetJob(id)
	if err != nil {
		if !errors.Is(err, jobstore.ErrJobNotFound) {
			log.Printf("[JobManager] error getting job %s: %v", id, err)
		}
		return nil
	}
	return job
}

// List returns the jobs of a source, newest first.
func (jm *JobManager) List(source string) ([]*jobstore.Job, error) {
	return jm.store.ListJobsBySource(source)
}

// Cancel stops a running job or marks a queued one cancelled. It reports
// false for unknown and finished jobs.
func (jm *JobManager) Cancel(id string) bool {
	if jm.cancelRunning(id) {
		return true
	}

	ok, err := jm.store.CancelQueuedJob(id, "cancelled before start")
	if err != nil {
		log.Printf("[JobManager] failed to cancel job %s: %v", id, err)
		return false
	}
	if ok {
		return true
	}
	// A worker may have started the job since the first check. Workers
	// register the job before starting it, so it is visible here if running.
	return jm.cancelRunning(id)
}

func (jm *JobManager) cancelRunning(id string) bool {
	jm.mu.Lock()
	cancel, ok := jm.running[id]
	jm.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Delete cancels a job if it is still pending or running and deletes it.
func (jm *JobManager) Delete(id string) error {
	jm.Cancel(id)
	return jm.store.DeleteJob(id)
}

func newJobID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
