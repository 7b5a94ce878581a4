// Package scheduler accepts crawl submissions and drives each job through
// its lifecycle: queued → assigning → running → terminal. Every transition is
// persisted through a conditional update before it is acted on, so a crashed
// worker can be replayed from the last committed state (at-least-once).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/webrecorder/crawlmanager/internal/crawl"
	"github.com/webrecorder/crawlmanager/internal/metrics"
	"github.com/webrecorder/crawlmanager/internal/pool"
)

// Config controls Scheduler behavior.
type Config struct {
	// Workers is the number of concurrent dispatch loops.
	Workers int
	// DefaultDeadline bounds jobs submitted without one.
	DefaultDeadline time.Duration
	// RetryLimit is the number of retryable failures before terminal failed.
	RetryLimit int
	// AssignWait bounds one browser-acquisition attempt.
	AssignWait time.Duration
	// MaxQueuedPerPool rejects submissions once a pool's backlog reaches it.
	MaxQueuedPerPool int
	// DeadlinePriority switches per-pool ordering from FIFO to
	// earliest-deadline-first.
	DeadlinePriority bool
	// LeaseTTL is the expiry window of the job↔browser lease; heartbeats
	// renew it.
	LeaseTTL time.Duration
	// PollInterval paces the dispatch loop when no work is claimable.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.DefaultDeadline <= 0 {
		c.DefaultDeadline = 30 * time.Minute
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = 3
	}
	if c.AssignWait <= 0 {
		c.AssignWait = 30 * time.Second
	}
	if c.MaxQueuedPerPool <= 0 {
		c.MaxQueuedPerPool = 100
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 60 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	return c
}

// Scheduler owns CrawlJob records and their state machine.
type Scheduler struct {
	store  crawl.StateStore
	coord  *pool.Coordinator
	events crawl.Publisher
	clock  crawl.Clock
	ids    crawl.IDGenerator
	retry  *crawl.ConflictRetrier
	cfg    Config
	logger *zap.Logger
}

// New constructs a Scheduler.
func New(
	store crawl.StateStore,
	coord *pool.Coordinator,
	events crawl.Publisher,
	clock crawl.Clock,
	ids crawl.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:  store,
		coord:  coord,
		events: events,
		clock:  clock,
		ids:    ids,
		retry:  crawl.NewConflictRetrier(),
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Submit persists a new crawl job in state queued and returns its ID.
func (s *Scheduler) Submit(ctx context.Context, poolName string, target crawl.TargetSpec, deadline time.Time) (string, error) {
	poolRec, err := s.store.GetPool(ctx, poolName)
	if errors.Is(err, crawl.ErrNotFound) {
		return "", fmt.Errorf("pool %s: %w", poolName, crawl.ErrInvalidPool)
	}
	if err != nil {
		return "", err
	}
	if poolRec.Max <= 0 {
		return "", fmt.Errorf("pool %s has no capacity: %w", poolName, crawl.ErrPoolExhausted)
	}

	jobs, err := s.store.ListJobsByPool(ctx, poolName)
	if err != nil {
		return "", err
	}
	backlog := 0
	for _, job := range jobs {
		if job.State == crawl.JobStateQueued || job.State == crawl.JobStateAssigning {
			backlog++
		}
	}
	if backlog >= s.cfg.MaxQueuedPerPool {
		return "", fmt.Errorf("pool %s backlog %d: %w", poolName, backlog, crawl.ErrCapacityExceeded)
	}

	jobID, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	if deadline.IsZero() {
		deadline = now.Add(s.cfg.DefaultDeadline)
	}
	job := crawl.CrawlJob{
		ID:        jobID,
		Pool:      poolName,
		Target:    target,
		State:     crawl.JobStateQueued,
		Submitted: now,
		Updated:   now,
		Deadline:  deadline,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return "", err
	}
	metrics.JobTransition(string(crawl.JobStateQueued))
	s.publish(ctx, job)
	s.logger.Info("crawl submitted",
		zap.String("job_id", jobID),
		zap.String("pool", poolName),
		zap.Time("deadline", deadline),
	)
	return jobID, nil
}

// Status returns a snapshot of the job.
func (s *Scheduler) Status(ctx context.Context, jobID string) (crawl.CrawlJob, error) {
	return s.store.GetJob(ctx, jobID)
}

// List returns all known jobs.
func (s *Scheduler) List(ctx context.Context) ([]crawl.CrawlJob, error) {
	return s.store.ListJobs(ctx)
}

// Cancel transitions a non-terminal job to cancelled and frees any bound
// browser. Cancelling a terminal job is a no-op, not an error.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	var browserID string
	var cancelled crawl.CrawlJob
	err := s.retry.Do(ctx, func() error {
		job, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.State.Terminal() {
			return nil
		}
		browserID = job.BrowserID
		now := s.clock.Now()
		job.State = crawl.JobStateCancelled
		job.Updated = now
		job.BrowserID = ""
		job.Finished = &now
		updated, err := s.store.UpdateJob(ctx, job)
		if err != nil {
			return err
		}
		cancelled = updated
		return nil
	})
	if err != nil {
		return err
	}
	if cancelled.ID == "" {
		return nil // already terminal
	}
	metrics.JobTransition(string(crawl.JobStateCancelled))
	s.publish(ctx, cancelled)
	s.releaseBinding(ctx, jobID, browserID, crawl.ReleaseHealthy)
	s.logger.Info("crawl cancelled", zap.String("job_id", jobID))
	return nil
}

// Complete records the browser-side completion signal for a running job and
// returns its browser to the pool. Completing an already-completed job is a
// no-op.
func (s *Scheduler) Complete(ctx context.Context, jobID string) error {
	var browserID string
	var completed crawl.CrawlJob
	err := s.retry.Do(ctx, func() error {
		job, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.State == crawl.JobStateCompleted {
			return nil
		}
		if job.State != crawl.JobStateRunning {
			return fmt.Errorf("job %s is %s, not running", jobID, job.State)
		}
		browserID = job.BrowserID
		now := s.clock.Now()
		job.State = crawl.JobStateCompleted
		job.Updated = now
		job.BrowserID = ""
		job.Finished = &now
		updated, err := s.store.UpdateJob(ctx, job)
		if err != nil {
			return err
		}
		completed = updated
		return nil
	})
	if err != nil {
		return err
	}
	if completed.ID == "" {
		return nil
	}
	metrics.JobTransition(string(crawl.JobStateCompleted))
	s.publish(ctx, completed)
	s.releaseBinding(ctx, jobID, browserID, crawl.ReleaseHealthy)
	s.logger.Info("crawl completed", zap.String("job_id", jobID))
	return nil
}

// Delete removes a job record entirely, cancelling it first if it is still in
// flight. Deleting an unknown job returns ErrNotFound.
func (s *Scheduler) Delete(ctx context.Context, jobID string) error {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return err
	}
	if err := s.Cancel(ctx, jobID); err != nil {
		return err
	}
	if err := s.store.DeleteLease(ctx, jobID); err != nil {
		return err
	}
	if err := s.store.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	s.logger.Info("crawl deleted", zap.String("job_id", jobID))
	return nil
}

// Heartbeat is the progress signal for a running job: it renews the job's
// lease and the bound browser's liveness marker.
func (s *Scheduler) Heartbeat(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State != crawl.JobStateRunning {
		return fmt.Errorf("job %s is %s, not running", jobID, job.State)
	}
	err = s.retry.Do(ctx, func() error {
		lease, err := s.store.GetLease(ctx, jobID)
		if err != nil {
			return err
		}
		lease.ExpiresAt = s.clock.Now().Add(s.cfg.LeaseTTL)
		_, err = s.store.UpdateLease(ctx, lease)
		return err
	})
	if err != nil {
		return err
	}
	if job.BrowserID != "" {
		return s.coord.Heartbeat(ctx, job.BrowserID)
	}
	return nil
}

// BrowserHeartbeat records liveness for a browser that reports on its own,
// outside any running job.
func (s *Scheduler) BrowserHeartbeat(ctx context.Context, browserID string) error {
	return s.coord.Heartbeat(ctx, browserID)
}

// FailJob applies the retry policy to a job: back to queued while the retry
// budget and deadline allow, terminal failed otherwise. The bound browser, if
// any, is released with the given outcome. Safe on already-terminal jobs.
func (s *Scheduler) FailJob(ctx context.Context, jobID, cause string, outcome crawl.ReleaseOutcome) error {
	var browserID string
	var result crawl.CrawlJob
	err := s.retry.Do(ctx, func() error {
		job, err := s.store.GetJob(ctx, jobID)
		if errors.Is(err, crawl.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if job.State.Terminal() {
			return nil
		}
		browserID = job.BrowserID
		now := s.clock.Now()
		job.BrowserID = ""
		job.LastError = cause
		job.Updated = now
		if job.Retries < s.cfg.RetryLimit && now.Before(job.Deadline) {
			job.State = crawl.JobStateQueued
			job.Retries++
		} else {
			job.State = crawl.JobStateFailed
			job.Finished = &now
		}
		updated, err := s.store.UpdateJob(ctx, job)
		if err != nil {
			return err
		}
		result = updated
		return nil
	})
	if err != nil {
		return err
	}
	if result.ID == "" {
		return nil
	}
	metrics.JobTransition(string(result.State))
	s.publish(ctx, result)
	s.releaseBinding(ctx, jobID, browserID, outcome)
	s.logger.Warn("crawl attempt failed",
		zap.String("job_id", jobID),
		zap.String("cause", cause),
		zap.String("state", string(result.State)),
		zap.Int("retries", result.Retries),
	)
	return nil
}

// Run starts the dispatch workers and blocks until ctx finishes.
func (s *Scheduler) Run(ctx context.Context) {
	done := make(chan struct{}, s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			s.dispatchLoop(ctx)
		}()
	}
	for i := 0; i < s.cfg.Workers; i++ {
		<-done
	}
}

// DispatchOnce runs a single dispatch pass, claiming and assigning at most one
// queued job. Returns whether a job was claimed.
func (s *Scheduler) DispatchOnce(ctx context.Context) bool {
	return s.dispatchOne(ctx)
}

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		claimed := s.dispatchOne(ctx)
		if ctx.Err() != nil {
			return
		}
		if claimed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// dispatchOne claims at most one queued job and drives it to running (or back
// to the retry path). Returns whether a job was claimed.
func (s *Scheduler) dispatchOne(ctx context.Context) bool {
	pools, err := s.store.ListPools(ctx)
	if err != nil {
		s.logger.Error("list pools failed", zap.Error(err))
		return false
	}
	for _, poolRec := range pools {
		job, ok := s.claimQueued(ctx, poolRec.Name)
		if !ok {
			continue
		}
		s.assign(ctx, job)
		return true
	}
	return false
}

// claimQueued CAS-moves the next queued job of the pool into assigning.
func (s *Scheduler) claimQueued(ctx context.Context, poolName string) (crawl.CrawlJob, bool) {
	jobs, err := s.store.ListJobsByPool(ctx, poolName)
	if err != nil {
		s.logger.Error("list jobs failed", zap.String("pool", poolName), zap.Error(err))
		return crawl.CrawlJob{}, false
	}
	queued := jobs[:0]
	for _, job := range jobs {
		if job.State == crawl.JobStateQueued {
			queued = append(queued, job)
		}
	}
	if s.cfg.DeadlinePriority {
		sort.SliceStable(queued, func(i, j int) bool {
			return queued[i].Deadline.Before(queued[j].Deadline)
		})
	}
	for _, job := range queued {
		if !s.clock.Now().Before(job.Deadline) {
			if err := s.FailJob(ctx, job.ID, "deadline exceeded while queued", crawl.ReleaseHealthy); err != nil {
				s.logger.Error("expire queued job failed", zap.String("job_id", job.ID), zap.Error(err))
			}
			continue
		}
		job.State = crawl.JobStateAssigning
		job.Updated = s.clock.Now()
		updated, err := s.store.UpdateJob(ctx, job)
		if errors.Is(err, crawl.ErrConflict) || errors.Is(err, crawl.ErrNotFound) {
			continue // another worker claimed it
		}
		if err != nil {
			s.logger.Error("claim job failed", zap.String("job_id", job.ID), zap.Error(err))
			return crawl.CrawlJob{}, false
		}
		metrics.JobTransition(string(crawl.JobStateAssigning))
		return updated, true
	}
	return crawl.CrawlJob{}, false
}

// assign acquires a browser for a claimed job and moves it to running.
func (s *Scheduler) assign(ctx context.Context, job crawl.CrawlJob) {
	// context deadlines compare against wall time, so the bound is taken
	// as a duration relative to the scheduler clock
	wait := s.cfg.AssignWait
	if remaining := job.Deadline.Sub(s.clock.Now()); remaining < wait {
		wait = remaining
	}
	acquireCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	browser, err := s.coord.Acquire(acquireCtx, job.Pool, job.ID)
	if err != nil {
		switch {
		case errors.Is(err, crawl.ErrPoolExhausted):
			// backpressure, not failure: hold the job in the queue without
			// consuming its retry budget
			s.requeue(ctx, job.ID, "pool exhausted; waiting for capacity")
		case errors.Is(err, crawl.ErrDeadlineExceeded), errors.Is(err, crawl.ErrProvisionFailed):
			if failErr := s.FailJob(ctx, job.ID, err.Error(), crawl.ReleaseHealthy); failErr != nil {
				s.logger.Error("fail job after acquire error failed",
					zap.String("job_id", job.ID), zap.Error(failErr))
			}
		case errors.Is(err, context.Canceled):
			s.requeue(ctx, job.ID, "scheduler shutting down")
		default:
			if failErr := s.FailJob(ctx, job.ID, err.Error(), crawl.ReleaseHealthy); failErr != nil {
				s.logger.Error("fail job after acquire error failed",
					zap.String("job_id", job.ID), zap.Error(failErr))
			}
		}
		return
	}

	if err := s.bindLease(ctx, job.ID, browser.ID); err != nil {
		s.logger.Error("create lease failed",
			zap.String("job_id", job.ID), zap.String("browser_id", browser.ID), zap.Error(err))
		s.releaseBinding(ctx, job.ID, browser.ID, crawl.ReleaseHealthy)
		if failErr := s.FailJob(ctx, job.ID, "lease creation failed", crawl.ReleaseHealthy); failErr != nil {
			s.logger.Error("fail job after lease error failed", zap.String("job_id", job.ID), zap.Error(failErr))
		}
		return
	}

	var started crawl.CrawlJob
	err = s.retry.Do(ctx, func() error {
		current, err := s.store.GetJob(ctx, job.ID)
		if err != nil {
			return err
		}
		if current.State != crawl.JobStateAssigning {
			// cancelled (or reconciled) while we were acquiring
			return nil
		}
		now := s.clock.Now()
		current.State = crawl.JobStateRunning
		current.Updated = now
		current.BrowserID = browser.ID
		current.Started = &now
		updated, err := s.store.UpdateJob(ctx, current)
		if err != nil {
			return err
		}
		started = updated
		return nil
	})
	if err != nil || started.ID == "" {
		if err != nil {
			s.logger.Error("start job failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		s.releaseBinding(ctx, job.ID, browser.ID, crawl.ReleaseHealthy)
		return
	}
	metrics.JobTransition(string(crawl.JobStateRunning))
	s.publish(ctx, started)
	s.logger.Info("crawl running",
		zap.String("job_id", job.ID),
		zap.String("pool", job.Pool),
		zap.String("browser_id", browser.ID),
	)
}

// requeue returns an assigning job to queued without touching its retry count.
func (s *Scheduler) requeue(ctx context.Context, jobID, note string) {
	err := s.retry.Do(ctx, func() error {
		job, err := s.store.GetJob(ctx, jobID)
		if errors.Is(err, crawl.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if job.State != crawl.JobStateAssigning {
			return nil
		}
		job.State = crawl.JobStateQueued
		job.LastError = note
		job.Updated = s.clock.Now()
		_, err = s.store.UpdateJob(ctx, job)
		return err
	})
	if err != nil {
		s.logger.Error("requeue job failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// bindLease creates the job↔browser lease, replacing any stale lease left by
// a previous attempt of the same job.
func (s *Scheduler) bindLease(ctx context.Context, jobID, browserID string) error {
	lease := crawl.Lease{
		JobID:     jobID,
		BrowserID: browserID,
		ExpiresAt: s.clock.Now().Add(s.cfg.LeaseTTL),
	}
	err := s.store.CreateLease(ctx, lease)
	if errors.Is(err, crawl.ErrConflict) {
		if err := s.store.DeleteLease(ctx, jobID); err != nil {
			return err
		}
		return s.store.CreateLease(ctx, lease)
	}
	return err
}

// releaseBinding drops the job's lease and returns its browser to the pool.
func (s *Scheduler) releaseBinding(ctx context.Context, jobID, browserID string, outcome crawl.ReleaseOutcome) {
	if err := s.store.DeleteLease(ctx, jobID); err != nil {
		s.logger.Error("delete lease failed", zap.String("job_id", jobID), zap.Error(err))
	}
	if browserID == "" {
		return
	}
	if err := s.coord.Release(ctx, browserID, outcome); err != nil {
		s.logger.Error("release browser failed",
			zap.String("browser_id", browserID), zap.Error(err))
	}
}

func (s *Scheduler) publish(ctx context.Context, job crawl.CrawlJob) {
	if s.events == nil {
		return
	}
	payload := map[string]any{
		"event":      "crawl_state",
		"job_id":     job.ID,
		"pool":       job.Pool,
		"state":      string(job.State),
		"retries":    job.Retries,
		"last_error": job.LastError,
		"timestamp":  s.clock.Now().Format(time.RFC3339),
	}
	if _, err := s.events.Publish(ctx, payload); err != nil {
		s.logger.Warn("publish lifecycle event failed",
			zap.String("job_id", job.ID), zap.Error(err))
	}
}
