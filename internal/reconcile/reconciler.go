// Package reconcile periodically detects and repairs orphaned or stuck state:
// expired leases, silently dead browsers, jobs wedged in transit, and
// terminal jobs past their retention window. Every repair goes through the
// same conditional-update discipline as normal scheduling, so the sweep is
// idempotent and safe to run from multiple coordinator replicas at once.
package reconcile

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/webrecorder/crawlmanager/internal/crawl"
	"github.com/webrecorder/crawlmanager/internal/metrics"
	"github.com/webrecorder/crawlmanager/internal/pool"
	"github.com/webrecorder/crawlmanager/internal/scheduler"
)

// Config controls sweep cadence and thresholds.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration
	// DeadThreshold marks a browser dead once its heartbeat is older.
	DeadThreshold time.Duration
	// ProvisionTimeout reclaims provisioning instances never claimed.
	ProvisionTimeout time.Duration
	// AssignStuck reclaims jobs wedged in assigning (e.g. a worker crashed
	// mid-acquire).
	AssignStuck time.Duration
	// Retention keeps terminal jobs visible before archiving them away.
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.DeadThreshold <= 0 {
		c.DeadThreshold = 90 * time.Second
	}
	if c.ProvisionTimeout <= 0 {
		c.ProvisionTimeout = 2 * time.Minute
	}
	if c.AssignStuck <= 0 {
		c.AssignStuck = 2 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	return c
}

// Reconciler runs the sweep.
type Reconciler struct {
	store   crawl.StateStore
	coord   *pool.Coordinator
	sched   *scheduler.Scheduler
	archive crawl.ArchiveStore
	clock   crawl.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Reconciler. archive may be nil, in which case expired
// terminal jobs are deleted without archiving.
func New(
	store crawl.StateStore,
	coord *pool.Coordinator,
	sched *scheduler.Scheduler,
	archive crawl.ArchiveStore,
	clock crawl.Clock,
	cfg Config,
	logger *zap.Logger,
) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:   store,
		coord:   coord,
		sched:   sched,
		archive: archive,
		clock:   clock,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// Run sweeps on a fixed interval until ctx finishes.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single sweep pass.
func (r *Reconciler) RunOnce(ctx context.Context) {
	r.sweepLeases(ctx)
	r.sweepBrowsers(ctx)
	r.sweepJobs(ctx)
	if err := r.coord.ReapIdle(ctx); err != nil {
		r.logger.Error("idle reap failed", zap.Error(err))
	}
	if err := r.coord.EnsureMin(ctx); err != nil {
		r.logger.Error("ensure pool minimums failed", zap.Error(err))
	}
}

// sweepLeases fails jobs whose lease expired without renewal and reclaims the
// browsers they were bound to.
func (r *Reconciler) sweepLeases(ctx context.Context) {
	leases, err := r.store.ListExpiredLeases(ctx, r.clock.Now())
	if err != nil {
		r.logger.Error("scan expired leases failed", zap.Error(err))
		return
	}
	for _, lease := range leases {
		r.logger.Warn("lease expired",
			zap.String("job_id", lease.JobID),
			zap.String("browser_id", lease.BrowserID),
			zap.Time("expired_at", lease.ExpiresAt),
		)
		if err := r.sched.FailJob(ctx, lease.JobID, "lease expired without renewal", crawl.ReleaseUnhealthy); err != nil {
			r.logger.Error("fail job for expired lease failed",
				zap.String("job_id", lease.JobID), zap.Error(err))
			continue
		}
		// FailJob releases via the job's binding; finish the teardown in case
		// the binding was already cleared
		if err := r.store.DeleteLease(ctx, lease.JobID); err != nil {
			r.logger.Error("delete expired lease failed",
				zap.String("job_id", lease.JobID), zap.Error(err))
		}
		if err := r.coord.Reclaim(ctx, lease.BrowserID); err != nil {
			r.logger.Error("reclaim leased browser failed",
				zap.String("browser_id", lease.BrowserID), zap.Error(err))
		}
		metrics.ReconcileAction("lease_expired")
	}
}

// sweepBrowsers reclaims browsers that died without ever being leased, stalled
// while provisioning, or were left mid-reclaim by an earlier failure.
func (r *Reconciler) sweepBrowsers(ctx context.Context) {
	pools, err := r.store.ListPools(ctx)
	if err != nil {
		r.logger.Error("list pools failed", zap.Error(err))
		return
	}
	now := r.clock.Now()
	for _, p := range pools {
		browsers, err := r.store.ListBrowsersByPool(ctx, p.Name)
		if err != nil {
			r.logger.Error("list browsers failed", zap.String("pool", p.Name), zap.Error(err))
			continue
		}
		for _, browser := range browsers {
			switch {
			case browser.Status == crawl.BrowserReclaiming || browser.Status == crawl.BrowserDead:
				// a previous teardown attempt did not finish
				if err := r.coord.Reclaim(ctx, browser.ID); err != nil {
					r.logger.Error("retry reclaim failed",
						zap.String("browser_id", browser.ID), zap.Error(err))
					continue
				}
				metrics.ReconcileAction("reclaim_retried")

			case browser.Status == crawl.BrowserProvisioning &&
				now.Sub(browser.Provisioned) > r.cfg.ProvisionTimeout:
				r.reclaimBrowser(ctx, browser, "provisioning timed out")
				metrics.ReconcileAction("provision_timeout")

			case (browser.Status == crawl.BrowserIdle || browser.Status == crawl.BrowserAssigned) &&
				now.Sub(browser.LastHeartbeat) > r.cfg.DeadThreshold:
				r.reclaimBrowser(ctx, browser, "heartbeat stale")
				metrics.ReconcileAction("browser_dead")
			}
		}
	}
}

func (r *Reconciler) reclaimBrowser(ctx context.Context, browser crawl.BrowserInstance, reason string) {
	r.logger.Warn("reclaiming browser",
		zap.String("browser_id", browser.ID),
		zap.String("pool", browser.Pool),
		zap.String("status", string(browser.Status)),
		zap.String("reason", reason),
	)
	if browser.Status == crawl.BrowserAssigned && browser.JobID != "" {
		if err := r.sched.FailJob(ctx, browser.JobID, "browser "+reason, crawl.ReleaseUnhealthy); err != nil {
			r.logger.Error("fail job for dead browser failed",
				zap.String("job_id", browser.JobID), zap.Error(err))
		}
		// FailJob reclaims through the job's binding when it was still set
	}
	// record the failure before teardown so the status survives a crash
	// between here and the reclaim below
	browser.Status = crawl.BrowserDead
	if updated, err := r.store.UpdateBrowser(ctx, browser); err == nil {
		browser = updated
	}
	if err := r.coord.Reclaim(ctx, browser.ID); err != nil {
		r.logger.Error("reclaim browser failed",
			zap.String("browser_id", browser.ID), zap.Error(err))
	}
}

// sweepJobs applies the retry/terminal policy to jobs wedged in transit and
// archives terminal jobs past the retention window.
func (r *Reconciler) sweepJobs(ctx context.Context) {
	jobs, err := r.store.ListJobs(ctx)
	if err != nil {
		r.logger.Error("list jobs failed", zap.Error(err))
		return
	}
	now := r.clock.Now()
	for _, job := range jobs {
		switch {
		case job.State == crawl.JobStateAssigning && now.Sub(job.Updated) > r.cfg.AssignStuck:
			if err := r.sched.FailJob(ctx, job.ID, "stuck in assigning", crawl.ReleaseHealthy); err != nil {
				r.logger.Error("fail stuck assigning job failed",
					zap.String("job_id", job.ID), zap.Error(err))
				continue
			}
			metrics.ReconcileAction("assigning_stuck")

		case job.State == crawl.JobStateRunning && now.After(job.Deadline):
			if err := r.sched.FailJob(ctx, job.ID, "deadline exceeded while running", crawl.ReleaseUnhealthy); err != nil {
				r.logger.Error("fail overdue running job failed",
					zap.String("job_id", job.ID), zap.Error(err))
				continue
			}
			metrics.ReconcileAction("running_overdue")

		case job.State == crawl.JobStateRunning:
			// a running job must hold a lease; losing it means the worker
			// died between transitions
			if _, err := r.store.GetLease(ctx, job.ID); errors.Is(err, crawl.ErrNotFound) {
				if err := r.sched.FailJob(ctx, job.ID, "lease missing for running job", crawl.ReleaseUnhealthy); err != nil {
					r.logger.Error("fail leaseless running job failed",
						zap.String("job_id", job.ID), zap.Error(err))
					continue
				}
				metrics.ReconcileAction("lease_missing")
			}

		case job.State.Terminal() && job.Finished != nil &&
			now.Sub(*job.Finished) > r.cfg.Retention:
			r.archiveJob(ctx, job)
		}
	}
}

func (r *Reconciler) archiveJob(ctx context.Context, job crawl.CrawlJob) {
	if r.archive != nil {
		if err := r.archive.ArchiveJob(ctx, job); err != nil {
			r.logger.Error("archive job failed", zap.String("job_id", job.ID), zap.Error(err))
			return // keep the record; retried next sweep
		}
	}
	if err := r.store.DeleteLease(ctx, job.ID); err != nil {
		r.logger.Error("delete lease during archive failed",
			zap.String("job_id", job.ID), zap.Error(err))
	}
	if err := r.store.DeleteJob(ctx, job.ID); err != nil {
		r.logger.Error("delete archived job failed",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	metrics.ReconcileAction("archived")
	r.logger.Info("job archived", zap.String("job_id", job.ID), zap.String("state", string(job.State)))
}
