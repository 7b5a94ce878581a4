package crawl

import (
	"context"
	"time"
)

// StateStore is the shared coordination store. All multi-step transitions go
// through the Update* conditional writes: the write succeeds only when the
// stored Version matches the record's Version, which is then incremented.
// A stale writer gets ErrConflict and must re-read.
type StateStore interface {
	CreateJob(ctx context.Context, job CrawlJob) error
	GetJob(ctx context.Context, jobID string) (CrawlJob, error)
	UpdateJob(ctx context.Context, job CrawlJob) (CrawlJob, error)
	DeleteJob(ctx context.Context, jobID string) error
	ListJobs(ctx context.Context) ([]CrawlJob, error)
	ListJobsByPool(ctx context.Context, pool string) ([]CrawlJob, error)

	CreateBrowser(ctx context.Context, browser BrowserInstance) error
	GetBrowser(ctx context.Context, browserID string) (BrowserInstance, error)
	UpdateBrowser(ctx context.Context, browser BrowserInstance) (BrowserInstance, error)
	DeleteBrowser(ctx context.Context, browserID string) error
	ListBrowsersByPool(ctx context.Context, pool string) ([]BrowserInstance, error)

	PutPool(ctx context.Context, pool Pool) error
	GetPool(ctx context.Context, name string) (Pool, error)
	UpdatePool(ctx context.Context, pool Pool) (Pool, error)
	ListPools(ctx context.Context) ([]Pool, error)

	CreateLease(ctx context.Context, lease Lease) error
	GetLease(ctx context.Context, jobID string) (Lease, error)
	UpdateLease(ctx context.Context, lease Lease) (Lease, error)
	DeleteLease(ctx context.Context, jobID string) error
	ListExpiredLeases(ctx context.Context, now time.Time) ([]Lease, error)
}

// Provisioner is the browser-lifecycle collaborator (shepherd). Container
// start/stop mechanics live entirely behind it.
type Provisioner interface {
	RequestInstance(ctx context.Context, pool string) (string, error)
	ReleaseInstance(ctx context.Context, instanceID string) error
	HealthCheck(ctx context.Context, instanceID string) (Health, error)
}

// Publisher pushes job lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, payload any) (string, error)
}

// ArchiveStore receives terminal jobs evicted by the retention sweep.
type ArchiveStore interface {
	ArchiveJob(ctx context.Context, job CrawlJob) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces crawl and browser IDs.
type IDGenerator interface {
	NewID() (string, error)
}
