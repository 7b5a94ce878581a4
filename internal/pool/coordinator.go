// Package pool tracks browser inventory per named pool and arbitrates
// acquisition between concurrent scheduler workers. All claims go through the
// state store's conditional updates, so two workers can never be handed the
// same idle instance even when they run in separate processes.
package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/webrecorder/crawlmanager/internal/crawl"
	"github.com/webrecorder/crawlmanager/internal/metrics"
)

// Config controls Coordinator behavior.
type Config struct {
	// PollInterval paces the acquire wait loop (default 100ms).
	PollInterval time.Duration
}

// Coordinator implements browser acquisition, release, and scaling.
type Coordinator struct {
	store  crawl.StateStore
	prov   crawl.Provisioner
	clock  crawl.Clock
	retry  *crawl.ConflictRetrier
	cfg    Config
	logger *zap.Logger
}

// New constructs a Coordinator.
func New(
	store crawl.StateStore,
	prov crawl.Provisioner,
	clock crawl.Clock,
	cfg Config,
	logger *zap.Logger,
) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:  store,
		prov:   prov,
		clock:  clock,
		retry:  crawl.NewConflictRetrier(),
		cfg:    cfg,
		logger: logger,
	}
}

// Acquire claims an idle browser from the pool for jobID. When none is idle
// and the pool is under max it provisions on demand and blocks this caller,
// not the whole scheduler, until an instance is ready or ctx expires. A pool
// at max capacity with nothing idle and nothing provisioning fails
// crawl.ErrPoolExhausted immediately.
func (c *Coordinator) Acquire(ctx context.Context, poolName, jobID string) (crawl.BrowserInstance, error) {
	start := c.clock.Now()
	if _, err := c.store.GetPool(ctx, poolName); err != nil {
		if errors.Is(err, crawl.ErrNotFound) {
			return crawl.BrowserInstance{}, crawl.ErrInvalidPool
		}
		return crawl.BrowserInstance{}, err
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		browser, claimed, err := c.tryClaim(ctx, poolName, jobID)
		if err != nil {
			return crawl.BrowserInstance{}, err
		}
		if claimed {
			metrics.BrowserAcquire(poolName, "claimed", c.clock.Now().Sub(start))
			return browser, nil
		}

		promoted, err := c.promoteProvisioning(ctx, poolName)
		if err != nil {
			c.logger.Warn("promote provisioning browsers failed",
				zap.String("pool", poolName), zap.Error(err))
		}
		if promoted > 0 {
			// newly idle instances must be offered to tryClaim before the
			// scale-up decision, or a cold pool provisions twice per job
			continue
		}

		pool, err := c.store.GetPool(ctx, poolName)
		if err != nil {
			return crawl.BrowserInstance{}, err
		}
		pending, err := c.countProvisioning(ctx, poolName)
		if err != nil {
			return crawl.BrowserInstance{}, err
		}

		if pending == 0 {
			if pool.Provisioned < pool.Max {
				if err := c.provision(ctx, poolName); err != nil {
					if !errors.Is(err, crawl.ErrConflict) {
						metrics.BrowserAcquire(poolName, "provision_failed", c.clock.Now().Sub(start))
						return crawl.BrowserInstance{}, err
					}
					// lost the capacity race; re-evaluate next tick
				}
			} else {
				metrics.BrowserAcquire(poolName, "exhausted", c.clock.Now().Sub(start))
				return crawl.BrowserInstance{}, fmt.Errorf(
					"pool %s at capacity (%d/%d): %w",
					poolName, pool.Provisioned, pool.Max, crawl.ErrPoolExhausted,
				)
			}
		}

		select {
		case <-ctx.Done():
			metrics.BrowserAcquire(poolName, "timeout", c.clock.Now().Sub(start))
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return crawl.BrowserInstance{}, fmt.Errorf(
					"waiting for browser in pool %s: %w", poolName, crawl.ErrDeadlineExceeded,
				)
			}
			return crawl.BrowserInstance{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// tryClaim CAS-flips the first idle instance to assigned. A version conflict
// means another worker won that instance; the next idle one is tried.
func (c *Coordinator) tryClaim(ctx context.Context, poolName, jobID string) (crawl.BrowserInstance, bool, error) {
	browsers, err := c.store.ListBrowsersByPool(ctx, poolName)
	if err != nil {
		return crawl.BrowserInstance{}, false, err
	}
	for _, browser := range browsers {
		if browser.Status != crawl.BrowserIdle {
			continue
		}
		browser.Status = crawl.BrowserAssigned
		browser.JobID = jobID
		browser.IdleSince = time.Time{}
		updated, err := c.store.UpdateBrowser(ctx, browser)
		if errors.Is(err, crawl.ErrConflict) || errors.Is(err, crawl.ErrNotFound) {
			continue
		}
		if err != nil {
			return crawl.BrowserInstance{}, false, err
		}
		return updated, true, nil
	}
	return crawl.BrowserInstance{}, false, nil
}

// provision reserves capacity via a conditional pool-count increment, then
// asks the provisioner for an instance. The count is rolled back if the
// provisioner refuses.
func (c *Coordinator) provision(ctx context.Context, poolName string) error {
	var reserved bool
	err := c.retry.Do(ctx, func() error {
		pool, err := c.store.GetPool(ctx, poolName)
		if err != nil {
			return err
		}
		if pool.Provisioned >= pool.Max {
			return nil // raced to capacity; nothing to do
		}
		pool.Provisioned++
		if _, err := c.store.UpdatePool(ctx, pool); err != nil {
			return err
		}
		reserved = true
		return nil
	})
	if err != nil {
		return err
	}
	if !reserved {
		return crawl.ErrConflict
	}

	instanceID, err := c.prov.RequestInstance(ctx, poolName)
	if err != nil {
		metrics.Provision(poolName, "failed")
		c.releaseCapacity(ctx, poolName)
		return fmt.Errorf("request instance for pool %s: %w", poolName, err)
	}

	now := c.clock.Now()
	browser := crawl.BrowserInstance{
		ID:            instanceID,
		Pool:          poolName,
		Status:        crawl.BrowserProvisioning,
		LastHeartbeat: now,
		Provisioned:   now,
	}
	if err := c.store.CreateBrowser(ctx, browser); err != nil {
		c.releaseCapacity(ctx, poolName)
		return err
	}
	metrics.Provision(poolName, "requested")
	c.logger.Info("browser provisioning requested",
		zap.String("pool", poolName), zap.String("browser_id", instanceID))
	return nil
}

// promoteProvisioning flips provisioning instances the provisioner reports
// healthy into the idle set and reports how many were promoted.
func (c *Coordinator) promoteProvisioning(ctx context.Context, poolName string) (int, error) {
	browsers, err := c.store.ListBrowsersByPool(ctx, poolName)
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, browser := range browsers {
		if browser.Status != crawl.BrowserProvisioning {
			continue
		}
		health, err := c.prov.HealthCheck(ctx, browser.ID)
		if err != nil || health != crawl.HealthHealthy {
			continue
		}
		now := c.clock.Now()
		browser.Status = crawl.BrowserIdle
		browser.IdleSince = now
		browser.LastHeartbeat = now
		if _, err := c.store.UpdateBrowser(ctx, browser); err != nil {
			if errors.Is(err, crawl.ErrConflict) || errors.Is(err, crawl.ErrNotFound) {
				continue
			}
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

func (c *Coordinator) countProvisioning(ctx context.Context, poolName string) (int, error) {
	browsers, err := c.store.ListBrowsersByPool(ctx, poolName)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, browser := range browsers {
		if browser.Status == crawl.BrowserProvisioning {
			n++
		}
	}
	return n, nil
}

// Release returns a browser to the pool. Healthy instances go back to idle;
// unhealthy ones are reclaimed and removed from inventory. Releasing an
// unknown browser is a no-op.
func (c *Coordinator) Release(ctx context.Context, browserID string, outcome crawl.ReleaseOutcome) error {
	if outcome == crawl.ReleaseUnhealthy {
		return c.Reclaim(ctx, browserID)
	}
	return c.retry.Do(ctx, func() error {
		browser, err := c.store.GetBrowser(ctx, browserID)
		if errors.Is(err, crawl.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if browser.Status == crawl.BrowserIdle {
			return nil
		}
		browser.Status = crawl.BrowserIdle
		browser.JobID = ""
		browser.IdleSince = c.clock.Now()
		_, err = c.store.UpdateBrowser(ctx, browser)
		return err
	})
}

// Reclaim tears a browser down: mark reclaiming, release through the
// provisioner, remove the record, and free the pool capacity slot. Safe to
// call repeatedly; a browser already gone is a no-op.
func (c *Coordinator) Reclaim(ctx context.Context, browserID string) error {
	var poolName string
	err := c.retry.Do(ctx, func() error {
		browser, err := c.store.GetBrowser(ctx, browserID)
		if errors.Is(err, crawl.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		poolName = browser.Pool
		if browser.Status == crawl.BrowserReclaiming {
			return nil
		}
		browser.Status = crawl.BrowserReclaiming
		browser.JobID = ""
		_, err = c.store.UpdateBrowser(ctx, browser)
		return err
	})
	if err != nil {
		return err
	}
	if poolName == "" {
		return nil // record was already gone
	}

	if err := c.prov.ReleaseInstance(ctx, browserID); err != nil {
		// record stays in reclaiming; the reconciler retries the teardown
		return fmt.Errorf("release instance %s: %w", browserID, err)
	}
	if err := c.store.DeleteBrowser(ctx, browserID); err != nil {
		return err
	}
	c.releaseCapacity(ctx, poolName)
	c.logger.Info("browser reclaimed",
		zap.String("pool", poolName), zap.String("browser_id", browserID))
	return nil
}

// Heartbeat refreshes a browser's liveness marker. The first heartbeat of a
// provisioning instance promotes it to idle.
func (c *Coordinator) Heartbeat(ctx context.Context, browserID string) error {
	return c.retry.Do(ctx, func() error {
		browser, err := c.store.GetBrowser(ctx, browserID)
		if err != nil {
			return err
		}
		now := c.clock.Now()
		browser.LastHeartbeat = now
		if browser.Status == crawl.BrowserProvisioning {
			browser.Status = crawl.BrowserIdle
			browser.IdleSince = now
		}
		_, err = c.store.UpdateBrowser(ctx, browser)
		return err
	})
}

// ReapIdle scales auto pools down to their minimum by reclaiming instances
// idle beyond the pool's idle timeout. It also refreshes the per-pool
// browser gauges.
func (c *Coordinator) ReapIdle(ctx context.Context) error {
	pools, err := c.store.ListPools(ctx)
	if err != nil {
		return err
	}
	for _, pool := range pools {
		browsers, err := c.store.ListBrowsersByPool(ctx, pool.Name)
		if err != nil {
			return err
		}
		c.publishGauges(pool.Name, browsers)

		if pool.Policy != crawl.PoolAuto || pool.IdleTimeout <= 0 {
			continue
		}
		excess := pool.Provisioned - pool.Min
		for _, browser := range browsers {
			if excess <= 0 {
				break
			}
			if browser.Status != crawl.BrowserIdle || browser.IdleSince.IsZero() {
				continue
			}
			if c.clock.Now().Sub(browser.IdleSince) < pool.IdleTimeout {
				continue
			}
			// claim it for teardown so a concurrent Acquire can't win it
			browser.Status = crawl.BrowserReclaiming
			if _, err := c.store.UpdateBrowser(ctx, browser); err != nil {
				if errors.Is(err, crawl.ErrConflict) || errors.Is(err, crawl.ErrNotFound) {
					continue
				}
				return err
			}
			if err := c.Reclaim(ctx, browser.ID); err != nil {
				c.logger.Warn("idle scale-down reclaim failed",
					zap.String("browser_id", browser.ID), zap.Error(err))
				continue
			}
			metrics.ReconcileAction("idle_scale_down")
			excess--
		}
	}
	return nil
}

// EnsureMin brings every pool up to its configured minimum by provisioning
// replacement instances, so a pool drained by reclaims recovers without
// waiting for demand.
func (c *Coordinator) EnsureMin(ctx context.Context) error {
	pools, err := c.store.ListPools(ctx)
	if err != nil {
		return err
	}
	for _, pool := range pools {
		for pool.Provisioned < pool.Min {
			if err := c.provision(ctx, pool.Name); err != nil {
				if errors.Is(err, crawl.ErrConflict) {
					break // another replica is filling the pool
				}
				c.logger.Warn("ensure pool minimum failed",
					zap.String("pool", pool.Name), zap.Error(err))
				break
			}
			pool.Provisioned++
		}
	}
	return nil
}

func (c *Coordinator) publishGauges(poolName string, browsers []crawl.BrowserInstance) {
	counts := map[crawl.BrowserStatus]int{
		crawl.BrowserProvisioning: 0,
		crawl.BrowserIdle:         0,
		crawl.BrowserAssigned:     0,
		crawl.BrowserReclaiming:   0,
		crawl.BrowserDead:         0,
	}
	for _, browser := range browsers {
		counts[browser.Status]++
	}
	for status, n := range counts {
		metrics.SetPoolBrowsers(poolName, string(status), n)
	}
}

// releaseCapacity decrements the pool's provisioned count, flooring at zero.
func (c *Coordinator) releaseCapacity(ctx context.Context, poolName string) {
	err := c.retry.Do(ctx, func() error {
		pool, err := c.store.GetPool(ctx, poolName)
		if err != nil {
			return err
		}
		if pool.Provisioned <= 0 {
			return nil
		}
		pool.Provisioned--
		_, err = c.store.UpdatePool(ctx, pool)
		return err
	})
	if err != nil {
		c.logger.Error("release pool capacity failed",
			zap.String("pool", poolName), zap.Error(err))
	}
}
