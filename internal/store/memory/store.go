// Package memory provides an in-memory StateStore for development/testing.
// It enforces the same version-checked conditional-update semantics as the
// Redis store, so code exercised against it sees identical conflict behavior.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/webrecorder/crawlmanager/internal/crawl"
)

// Store implements crawl.StateStore over process-local maps.
type Store struct {
	mu       sync.RWMutex
	jobs     map[string]crawl.CrawlJob
	browsers map[string]crawl.BrowserInstance
	pools    map[string]crawl.Pool
	leases   map[string]crawl.Lease
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		jobs:     make(map[string]crawl.CrawlJob),
		browsers: make(map[string]crawl.BrowserInstance),
		pools:    make(map[string]crawl.Pool),
		leases:   make(map[string]crawl.Lease),
	}
}

// CreateJob stores a new job record at version 1.
func (s *Store) CreateJob(_ context.Context, job crawl.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return crawl.ErrConflict
	}
	job.Version = 1
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(_ context.Context, jobID string) (crawl.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawl.CrawlJob{}, crawl.ErrNotFound
	}
	return job, nil
}

// UpdateJob replaces a job record iff the caller's version is current.
func (s *Store) UpdateJob(_ context.Context, job crawl.CrawlJob) (crawl.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[job.ID]
	if !ok {
		return crawl.CrawlJob{}, crawl.ErrNotFound
	}
	if current.Version != job.Version {
		return crawl.CrawlJob{}, crawl.ErrConflict
	}
	job.Version++
	s.jobs[job.ID] = job
	return job, nil
}

// DeleteJob removes a job record. Deleting a missing job is a no-op.
func (s *Store) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}

// ListJobs returns all job records sorted by submission time.
func (s *Store) ListJobs(_ context.Context) ([]crawl.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawl.CrawlJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	sortJobs(out)
	return out, nil
}

// ListJobsByPool returns the pool's jobs sorted by submission time.
func (s *Store) ListJobsByPool(_ context.Context, pool string) ([]crawl.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawl.CrawlJob, 0)
	for _, job := range s.jobs {
		if job.Pool == pool {
			out = append(out, job)
		}
	}
	sortJobs(out)
	return out, nil
}

// CreateBrowser stores a new browser record at version 1.
func (s *Store) CreateBrowser(_ context.Context, browser crawl.BrowserInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.browsers[browser.ID]; exists {
		return crawl.ErrConflict
	}
	browser.Version = 1
	s.browsers[browser.ID] = browser
	return nil
}

// GetBrowser fetches a browser by ID.
func (s *Store) GetBrowser(_ context.Context, browserID string) (crawl.BrowserInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	browser, ok := s.browsers[browserID]
	if !ok {
		return crawl.BrowserInstance{}, crawl.ErrNotFound
	}
	return browser, nil
}

// UpdateBrowser replaces a browser record iff the caller's version is current.
func (s *Store) UpdateBrowser(_ context.Context, browser crawl.BrowserInstance) (crawl.BrowserInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.browsers[browser.ID]
	if !ok {
		return crawl.BrowserInstance{}, crawl.ErrNotFound
	}
	if current.Version != browser.Version {
		return crawl.BrowserInstance{}, crawl.ErrConflict
	}
	browser.Version++
	s.browsers[browser.ID] = browser
	return browser, nil
}

// DeleteBrowser removes a browser record.
func (s *Store) DeleteBrowser(_ context.Context, browserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.browsers, browserID)
	return nil
}

// ListBrowsersByPool returns the pool's browsers sorted by ID.
func (s *Store) ListBrowsersByPool(_ context.Context, pool string) ([]crawl.BrowserInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawl.BrowserInstance, 0)
	for _, browser := range s.browsers {
		if browser.Pool == pool {
			out = append(out, browser)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PutPool creates or overwrites a pool definition, keeping Provisioned and
// the version counter when the pool already exists.
func (s *Store) PutPool(_ context.Context, pool crawl.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, exists := s.pools[pool.Name]; exists {
		pool.Provisioned = current.Provisioned
		pool.Version = current.Version + 1
	} else {
		pool.Version = 1
	}
	s.pools[pool.Name] = pool
	return nil
}

// GetPool fetches a pool by name.
func (s *Store) GetPool(_ context.Context, name string) (crawl.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pool, ok := s.pools[name]
	if !ok {
		return crawl.Pool{}, crawl.ErrNotFound
	}
	return pool, nil
}

// UpdatePool replaces a pool record iff the caller's version is current.
func (s *Store) UpdatePool(_ context.Context, pool crawl.Pool) (crawl.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.pools[pool.Name]
	if !ok {
		return crawl.Pool{}, crawl.ErrNotFound
	}
	if current.Version != pool.Version {
		return crawl.Pool{}, crawl.ErrConflict
	}
	pool.Version++
	s.pools[pool.Name] = pool
	return pool, nil
}

// ListPools returns all pools sorted by name.
func (s *Store) ListPools(_ context.Context) ([]crawl.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawl.Pool, 0, len(s.pools))
	for _, pool := range s.pools {
		out = append(out, pool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateLease stores a new lease keyed by job ID.
func (s *Store) CreateLease(_ context.Context, lease crawl.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.leases[lease.JobID]; exists {
		return crawl.ErrConflict
	}
	lease.Version = 1
	s.leases[lease.JobID] = lease
	return nil
}

// GetLease fetches the lease bound to a job.
func (s *Store) GetLease(_ context.Context, jobID string) (crawl.Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lease, ok := s.leases[jobID]
	if !ok {
		return crawl.Lease{}, crawl.ErrNotFound
	}
	return lease, nil
}

// UpdateLease replaces a lease iff the caller's version is current.
func (s *Store) UpdateLease(_ context.Context, lease crawl.Lease) (crawl.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.leases[lease.JobID]
	if !ok {
		return crawl.Lease{}, crawl.ErrNotFound
	}
	if current.Version != lease.Version {
		return crawl.Lease{}, crawl.ErrConflict
	}
	lease.Version++
	s.leases[lease.JobID] = lease
	return lease, nil
}

// DeleteLease removes a lease. Deleting a missing lease is a no-op.
func (s *Store) DeleteLease(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, jobID)
	return nil
}

// ListExpiredLeases returns leases whose expiry is at or before now,
// soonest-expired first.
func (s *Store) ListExpiredLeases(_ context.Context, now time.Time) ([]crawl.Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawl.Lease, 0)
	for _, lease := range s.leases {
		if !lease.ExpiresAt.After(now) {
			out = append(out, lease)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func sortJobs(jobs []crawl.CrawlJob) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Submitted.Equal(jobs[j].Submitted) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].Submitted.Before(jobs[j].Submitted)
	})
}
