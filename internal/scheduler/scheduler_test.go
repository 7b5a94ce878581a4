package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/webrecorder/crawlmanager/internal/crawl"
	eventsmemory "github.com/webrecorder/crawlmanager/internal/events/memory"
	"github.com/webrecorder/crawlmanager/internal/pool"
	"github.com/webrecorder/crawlmanager/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeProvisioner struct {
	mu     sync.Mutex
	nextID int
}

func (p *fakeProvisioner) RequestInstance(_ context.Context, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	return fmt.Sprintf("br-%d", p.nextID), nil
}

func (p *fakeProvisioner) ReleaseInstance(_ context.Context, _ string) error {
	return nil
}

func (p *fakeProvisioner) HealthCheck(_ context.Context, _ string) (crawl.Health, error) {
	return crawl.HealthHealthy, nil
}

// stallingProvisioner hands out instances that never report healthy, so an
// acquire waits until its context gives up.
type stallingProvisioner struct {
	fakeProvisioner
}

func (p *stallingProvisioner) HealthCheck(_ context.Context, _ string) (crawl.Health, error) {
	return crawl.HealthUnknown, nil
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("job-%d", g.n), nil
}

type testEnv struct {
	sched  *Scheduler
	store  *memory.Store
	coord  *pool.Coordinator
	events *eventsmemory.Publisher
	clock  *fakeClock
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	store := memory.New()
	clock := newFakeClock()
	events := eventsmemory.New()
	coord := pool.New(store, &fakeProvisioner{}, clock, pool.Config{PollInterval: 2 * time.Millisecond}, nil)
	if cfg.AssignWait <= 0 {
		cfg.AssignWait = 200 * time.Millisecond
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Millisecond
	}
	sched := New(store, coord, events, clock, &seqIDs{}, cfg, nil)
	return &testEnv{sched: sched, store: store, coord: coord, events: events, clock: clock}
}

func (e *testEnv) addPool(t *testing.T, p crawl.Pool) {
	t.Helper()
	require.NoError(t, e.store.PutPool(context.Background(), p))
	if p.Provisioned > 0 {
		seeded, err := e.store.GetPool(context.Background(), p.Name)
		require.NoError(t, err)
		seeded.Provisioned = p.Provisioned
		_, err = e.store.UpdatePool(context.Background(), seeded)
		require.NoError(t, err)
	}
}

func target() crawl.TargetSpec {
	return crawl.TargetSpec{
		SeedURLs:    []string{"https://example.org/"},
		Scope:       crawl.ScopeSinglePage,
		NumBrowsers: 1,
		NumTabs:     1,
	}
}

func TestSubmitUnknownPool(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	_, err := env.sched.Submit(context.Background(), "nope", target(), time.Time{})
	require.ErrorIs(t, err, crawl.ErrInvalidPool)
}

func TestSubmitZeroCapacityPool(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	env.addPool(t, crawl.Pool{Name: "empty", Max: 0, Policy: crawl.PoolFixed})

	_, err := env.sched.Submit(context.Background(), "empty", target(), time.Time{})
	require.ErrorIs(t, err, crawl.ErrPoolExhausted)
}

func TestSubmitBacklogLimit(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{MaxQueuedPerPool: 1})
	env.addPool(t, crawl.Pool{Name: "default", Max: 2, Policy: crawl.PoolAuto})

	_, err := env.sched.Submit(context.Background(), "default", target(), time.Time{})
	require.NoError(t, err)

	_, err = env.sched.Submit(context.Background(), "default", target(), time.Time{})
	require.ErrorIs(t, err, crawl.ErrCapacityExceeded)
}

func TestSubmitQueuesWithDefaultDeadline(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{DefaultDeadline: time.Hour})
	env.addPool(t, crawl.Pool{Name: "default", Max: 2, Policy: crawl.PoolAuto})

	jobID, err := env.sched.Submit(context.Background(), "default", target(), time.Time{})
	require.NoError(t, err)

	job, err := env.sched.Status(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, crawl.JobStateQueued, job.State)
	require.Equal(t, env.clock.Now().Add(time.Hour), job.Deadline)
	require.Len(t, env.events.Messages(), 1)
}

func TestDispatchRunsJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, Config{})
	env.addPool(t, crawl.Pool{Name: "default", Max: 2, Policy: crawl.PoolAuto})

	jobID, err := env.sched.Submit(ctx, "default", target(), time.Time{})
	require.NoError(t, err)

	require.True(t, env.sched.dispatchOne(ctx))

	job, err := env.sched.Status(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, crawl.JobStateRunning, job.State)
	require.NotEmpty(t, job.BrowserID)
	require.NotNil(t, job.Started)

	lease, err := env.store.GetLease(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, job.BrowserID, lease.BrowserID)

	browser, err := env.store.GetBrowser(ctx, job.BrowserID)
	require.NoError(t, err)
	require.Equal(t, crawl.BrowserAssigned, browser.Status)
	require.Equal(t, jobID, browser.JobID)
}

func TestDispatchExhaustedRequeuesWithoutRetry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, Config{AssignWait: 20 * time.Millisecond})
	env.addPool(t, crawl.Pool{Name: "default", Max: 1, Provisioned: 1, Policy: crawl.PoolFixed})
	require.NoError(t, env.store.CreateBrowser(ctx, crawl.BrowserInstance{
		ID: "br-busy", Pool: "default", Status: crawl.BrowserAssigned,
		JobID: "other", LastHeartbeat: env.clock.Now(),
	}))

	jobID, err := env.sched.Submit(ctx, "default", target(), time.Time{})
	require.NoError(t, err)

	require.True(t, env.sched.dispatchOne(ctx))

	job, err := env.sched.Status(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, crawl.JobStateQueued, job.State)
	require.Equal(t, 0, job.Retries)
	require.NotEmpty(t, job.LastError)
}

func TestAssignWaitBoundedUnderClockSkew(t *testing.T) {
	t.Parallel()

	// the scheduler clock deliberately disagrees with wall time; the
	// acquire wait must still be bounded by AssignWait
	ctx := context.Background()
	store := memory.New()
	clock := &fakeClock{now: time.Date(2031, 1, 1, 0, 0, 0, 0, time.UTC)}
	coord := pool.New(store, &stallingProvisioner{}, clock, pool.Config{PollInterval: 2 * time.Millisecond}, nil)
	sched := New(store, coord, eventsmemory.New(), clock, &seqIDs{}, Config{
		AssignWait:   30 * time.Millisecond,
		PollInterval: 2 * time.Millisecond,
	}, nil)
	require.NoError(t, store.PutPool(ctx, crawl.Pool{Name: "default", Max: 1, Policy: crawl.PoolAuto}))

	jobID, err := sched.Submit(ctx, "default", target(), time.Time{})
	require.NoError(t, err)

	started := time.Now()
	require.True(t, sched.dispatchOne(ctx))
	require.Less(t, time.Since(started), 5*time.Second)

	job, err := sched.Status(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, crawl.JobStateQueued, job.State)
	require.Equal(t, 1, job.Retries)
	require.NotEmpty(t, job.LastError)
}

func TestDispatchDeadlinePriority(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, Config{DeadlinePriority: true})
	env.addPool(t, crawl.Pool{Name: "default", Max: 2, Policy: crawl.PoolAuto})

	late, err := env.sched.Submit(ctx, "default", target(), env.clock.Now().Add(2*time.Hour))
	require.NoError(t, err)
	urgent, err := env.sched.Submit(ctx, "default", target(), env.clock.Now().Add(10*time.Minute))
	require.NoError(t, err)

	claimed, ok := env.sched.claimQueued(ctx, "default")
	require.True(t, ok)
	require.Equal(t, urgent, claimed.ID)
	require.NotEqual(t, late, claimed.ID)
}

func TestClaimQueuedExpiresOverdueJobs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, Config{})
	env.addPool(t, crawl.Pool{Name: "default", Max: 2, Policy: crawl.PoolAuto})

	jobID, err := env.sched.Submit(ctx, "default", target(), env.clock.Now().Add(time.Minute))
	require.NoError(t, err)

	env.clock.Advance(2 * time.Minute)
	_, ok := env.sched.claimQueued(ctx, "default")
	require.False(t, ok)

	job, err := env.sched.Status(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, crawl.JobStateFailed, job.State)
	require.NotNil(t, job.Finished)
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, Config{})
	env.addPool(t, crawl.Pool{Name: "default", Max: 2, Policy: crawl.PoolAuto})

	jobID, err := env.sched.Submit(ctx, "default", target(), time.Time{})
	require.NoError(t, err)

	require.NoError(t, env.sched.Cancel(ctx, jobID))
	require.NoError(t, env.sched.Cancel(ctx, jobID))

	job, err := env.sched.Status(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, crawl.JobStateCancelled, job.State)
	require.NotNil(t, job.Finished)
}

func TestCancelRunningReleasesBrowser(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, Config{})
	env.addPool(t, crawl.Pool{Name: "default", Max: 2, Policy: crawl.PoolAuto})

	jobID, err := env.sched.Submit(ctx, "default", target(), time.Time{})
	require.NoError(t, err)
	require.True(t, env.sched.dispatchOne(ctx))

	job, err := env.sched.Status(ctx, jobID)
	require.NoError(t, err)
	browserID := job.BrowserID

	require.NoError(t, env.sched.Cancel(ctx, jobID))

	_, err = env.store.GetLease(ctx, jobID)
	require.ErrorIs(t, err, crawl.ErrNotFound)

	browser, err := env.store.GetBrowser(ctx, browserID)
	require.NoError(t, err)
	require.Equal(t, crawl.BrowserIdle, browser.Status)
	require.Empty(t, browser.JobID)
}

func TestCompleteRequiresRunning(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, Config{})
	env.addPool(t, crawl.Pool{Name: "default", Max: 2, Policy: crawl.PoolAuto})

	jobID, err := env.sched.Submit(ctx, "default", target(), time.Time{})
	require.NoError(t, err)

	require.Error(t, env.sched.Complete(ctx, jobID))
}

func TestCompleteFinishesRunningJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, Config{})
	env.addPool(t, crawl.Pool{Name: "default", Max: 2, Policy: crawl.PoolAuto})

	jobID, err := env.sched.Submit(ctx, "default", target(), time.Time{})
	require.NoError(t, err)
	require.True(t, env.sched.dispatchOne(ctx))

	require.NoError(t, env.sched.Complete(ctx, jobID))
	// completing again is a no-op
	require.NoError(t, env.sched.Complete(ctx, jobID))

	job, err := env.sched.Status(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, crawl.JobStateCompleted, job.State)
	require.Empty(t, job.BrowserID)
	require.NotNil(t, job.Finished)

	_, err = env.store.GetLease(ctx, jobID)
	require.ErrorIs(t, err, crawl.ErrNotFound)
}

func TestHeartbeatRenewsLease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, Config{LeaseTTL: time.Minute})
	env.addPool(t, crawl.Pool{Name: "default", Max: 2, Policy: crawl.PoolAuto})

	jobID, err := env.sched.Submit(ctx, "default", target(), time.Time{})
	require.NoError(t, err)
	require.True(t, env.sched.dispatchOne(ctx))

	env.clock.Advance(30 * time.Second)
	require.NoError(t, env.sched.Heartbeat(ctx, jobID))

	lease, err := env.store.GetLease(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, env.clock.Now().Add(time.Minute), lease.ExpiresAt)
}

func TestHeartbeatRequiresRunning(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, Config{})
	env.addPool(t, crawl.Pool{Name: "default", Max: 2, Policy: crawl.PoolAuto})

	jobID, err := env.sched.Submit(ctx, "default", target(), time.Time{})
	require.NoError(t, err)

	require.Error(t, env.sched.Heartbeat(ctx, jobID))
}

func TestFailJobRetryBudget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, Config{RetryLimit: 1})
	env.addPool(t, crawl.Pool{Name: "default", Max: 2, Policy: crawl.PoolAuto})

	jobID, err := env.sched.Submit(ctx, "default", target(), time.Time{})
	require.NoError(t, err)

	require.NoError(t, env.sched.FailJob(ctx, jobID, "first failure", crawl.ReleaseHealthy))
	job, err := env.sched.Status(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, crawl.JobStateQueued, job.State)
	require.Equal(t, 1, job.Retries)

	require.NoError(t, env.sched.FailJob(ctx, jobID, "second failure", crawl.ReleaseHealthy))
	job, err = env.sched.Status(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, crawl.JobStateFailed, job.State)
	require.NotNil(t, job.Finished)

	// terminal jobs stay terminal
	require.NoError(t, env.sched.FailJob(ctx, jobID, "third failure", crawl.ReleaseHealthy))
	job, err = env.sched.Status(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, "second failure", job.LastError)
}

func TestFailJobAfterDeadlineIsTerminal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, Config{RetryLimit: 5})
	env.addPool(t, crawl.Pool{Name: "default", Max: 2, Policy: crawl.PoolAuto})

	jobID, err := env.sched.Submit(ctx, "default", target(), env.clock.Now().Add(time.Minute))
	require.NoError(t, err)

	env.clock.Advance(2 * time.Minute)
	require.NoError(t, env.sched.FailJob(ctx, jobID, "browser died", crawl.ReleaseUnhealthy))

	job, err := env.sched.Status(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, crawl.JobStateFailed, job.State)
	require.Equal(t, 0, job.Retries)
}

func TestDeleteRemovesJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, Config{})
	env.addPool(t, crawl.Pool{Name: "default", Max: 2, Policy: crawl.PoolAuto})

	jobID, err := env.sched.Submit(ctx, "default", target(), time.Time{})
	require.NoError(t, err)
	require.True(t, env.sched.dispatchOne(ctx))

	require.NoError(t, env.sched.Delete(ctx, jobID))

	_, err = env.sched.Status(ctx, jobID)
	require.ErrorIs(t, err, crawl.ErrNotFound)
	_, err = env.store.GetLease(ctx, jobID)
	require.ErrorIs(t, err, crawl.ErrNotFound)

	require.ErrorIs(t, env.sched.Delete(ctx, jobID), crawl.ErrNotFound)
}

func TestThreeJobsThroughTwoBrowserPool(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, Config{Workers: 2, AssignWait: 50 * time.Millisecond})
	env.addPool(t, crawl.Pool{Name: "default", Min: 0, Max: 2, Policy: crawl.PoolAuto})

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := env.sched.Submit(ctx, "default", target(), time.Time{})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// first two dispatches fill the pool
	require.True(t, env.sched.dispatchOne(ctx))
	require.True(t, env.sched.dispatchOne(ctx))

	// third job hits the capacity ceiling and goes back to the queue
	require.True(t, env.sched.dispatchOne(ctx))
	third, err := env.sched.Status(ctx, ids[2])
	require.NoError(t, err)
	require.Equal(t, crawl.JobStateQueued, third.State)
	require.Equal(t, 0, third.Retries)

	// a completion frees a browser and the third job gets through
	require.NoError(t, env.sched.Complete(ctx, ids[0]))
	require.True(t, env.sched.dispatchOne(ctx))

	third, err = env.sched.Status(ctx, ids[2])
	require.NoError(t, err)
	require.Equal(t, crawl.JobStateRunning, third.State)
}
