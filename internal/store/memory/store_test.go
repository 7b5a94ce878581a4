package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/webrecorder/crawlmanager/internal/crawl"
)

func TestJobVersioning(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := New()
	job := crawl.CrawlJob{ID: "j1", Pool: "default", State: crawl.JobStateQueued}

	require.NoError(t, store.CreateJob(ctx, job))
	require.ErrorIs(t, store.CreateJob(ctx, job), crawl.ErrConflict)

	got, err := store.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.EqualValues(t, 1, got.Version)

	got.State = crawl.JobStateAssigning
	updated, err := store.UpdateJob(ctx, got)
	require.NoError(t, err)
	require.EqualValues(t, 2, updated.Version)

	// stale writer loses
	got.State = crawl.JobStateCancelled
	_, err = store.UpdateJob(ctx, got)
	require.ErrorIs(t, err, crawl.ErrConflict)

	current, err := store.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, crawl.JobStateAssigning, current.State)
}

func TestJobNotFound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := New()

	_, err := store.GetJob(ctx, "missing")
	require.ErrorIs(t, err, crawl.ErrNotFound)

	_, err = store.UpdateJob(ctx, crawl.CrawlJob{ID: "missing"})
	require.ErrorIs(t, err, crawl.ErrNotFound)

	require.NoError(t, store.DeleteJob(ctx, "missing"))
}

func TestListJobsOrdering(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.CreateJob(ctx, crawl.CrawlJob{ID: "b", Pool: "p1", Submitted: base.Add(time.Second)}))
	require.NoError(t, store.CreateJob(ctx, crawl.CrawlJob{ID: "a", Pool: "p1", Submitted: base}))
	require.NoError(t, store.CreateJob(ctx, crawl.CrawlJob{ID: "c", Pool: "p2", Submitted: base.Add(2 * time.Second)}))

	all, err := store.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "a", all[0].ID)
	require.Equal(t, "b", all[1].ID)
	require.Equal(t, "c", all[2].ID)

	p1, err := store.ListJobsByPool(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, p1, 2)
	require.Equal(t, "a", p1[0].ID)
}

func TestBrowserVersioning(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := New()
	browser := crawl.BrowserInstance{ID: "br1", Pool: "default", Status: crawl.BrowserIdle}

	require.NoError(t, store.CreateBrowser(ctx, browser))
	require.ErrorIs(t, store.CreateBrowser(ctx, browser), crawl.ErrConflict)

	got, err := store.GetBrowser(ctx, "br1")
	require.NoError(t, err)

	// two claimers race on the same version
	first := got
	first.Status = crawl.BrowserAssigned
	first.JobID = "j1"
	_, err = store.UpdateBrowser(ctx, first)
	require.NoError(t, err)

	second := got
	second.Status = crawl.BrowserAssigned
	second.JobID = "j2"
	_, err = store.UpdateBrowser(ctx, second)
	require.ErrorIs(t, err, crawl.ErrConflict)

	winner, err := store.GetBrowser(ctx, "br1")
	require.NoError(t, err)
	require.Equal(t, "j1", winner.JobID)
}

func TestPutPoolPreservesProvisioned(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := New()

	require.NoError(t, store.PutPool(ctx, crawl.Pool{Name: "default", Min: 1, Max: 5, Policy: crawl.PoolAuto}))
	pool, err := store.GetPool(ctx, "default")
	require.NoError(t, err)

	pool.Provisioned = 3
	_, err = store.UpdatePool(ctx, pool)
	require.NoError(t, err)

	// config refresh must not reset the running count
	require.NoError(t, store.PutPool(ctx, crawl.Pool{Name: "default", Min: 2, Max: 8, Policy: crawl.PoolAuto}))
	refreshed, err := store.GetPool(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, 3, refreshed.Provisioned)
	require.Equal(t, 2, refreshed.Min)
	require.Equal(t, 8, refreshed.Max)
}

func TestLeaseExpiryScan(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.CreateLease(ctx, crawl.Lease{JobID: "j1", BrowserID: "br1", ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, store.CreateLease(ctx, crawl.Lease{JobID: "j2", BrowserID: "br2", ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, store.CreateLease(ctx, crawl.Lease{JobID: "j3", BrowserID: "br3", ExpiresAt: now.Add(-2 * time.Minute)}))

	expired, err := store.ListExpiredLeases(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 2)
	require.Equal(t, "j3", expired[0].JobID)
	require.Equal(t, "j1", expired[1].JobID)

	require.ErrorIs(t, store.CreateLease(ctx, crawl.Lease{JobID: "j1"}), crawl.ErrConflict)
	require.NoError(t, store.DeleteLease(ctx, "j1"))
	_, err = store.GetLease(ctx, "j1")
	require.ErrorIs(t, err, crawl.ErrNotFound)
}

func TestLeaseRenewal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.CreateLease(ctx, crawl.Lease{JobID: "j1", BrowserID: "br1", ExpiresAt: now.Add(-time.Second)}))
	lease, err := store.GetLease(ctx, "j1")
	require.NoError(t, err)

	lease.ExpiresAt = now.Add(time.Minute)
	_, err = store.UpdateLease(ctx, lease)
	require.NoError(t, err)

	expired, err := store.ListExpiredLeases(ctx, now)
	require.NoError(t, err)
	require.Empty(t, expired)
}
