// Package crawl defines core types shared across subsystems.
package crawl

import (
	"time"
)

// JobState represents the lifecycle state of a crawl job.
type JobState string

// Job states persisted in the state store.
const (
	JobStateQueued    JobState = "queued"
	JobStateAssigning JobState = "assigning"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// Terminal reports whether a job state admits no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	default:
		return false
	}
}

// jobTransitions is the explicit transition table for CrawlJob states.
// failed → queued covers the retry path; everything terminal has no exits.
var jobTransitions = map[JobState][]JobState{
	JobStateQueued:    {JobStateAssigning, JobStateFailed, JobStateCancelled},
	JobStateAssigning: {JobStateRunning, JobStateQueued, JobStateFailed, JobStateCancelled},
	JobStateRunning:   {JobStateCompleted, JobStateFailed, JobStateCancelled},
	JobStateFailed:    {JobStateQueued},
}

// CanTransition reports whether from → to is a legal job state transition.
func CanTransition(from, to JobState) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ScopeType mirrors the crawl scope options accepted at submission.
type ScopeType string

// Supported crawl scopes.
const (
	ScopeSinglePage ScopeType = "single-page"
	ScopeAllLinks   ScopeType = "all-links"
	ScopeSameDomain ScopeType = "same-domain"
)

// TargetSpec captures what a submitted crawl should capture.
type TargetSpec struct {
	SeedURLs    []string  `json:"seed_urls"`
	Scope       ScopeType `json:"scope"`
	NumBrowsers int       `json:"num_browsers"`
	NumTabs     int       `json:"num_tabs"`
	Behaviors   bool      `json:"behaviors"`
}

// CrawlJob is the record persisted for each submitted crawl request.
// Version is the optimistic-concurrency token checked by conditional updates.
type CrawlJob struct {
	ID        string     `json:"id"`
	Pool      string     `json:"pool"`
	Target    TargetSpec `json:"target"`
	State     JobState   `json:"state"`
	BrowserID string     `json:"browser_id,omitempty"`
	Submitted time.Time  `json:"submitted_at"`
	Updated   time.Time  `json:"updated_at"`
	Deadline  time.Time  `json:"deadline"`
	Started   *time.Time `json:"started_at,omitempty"`
	Finished  *time.Time `json:"finished_at,omitempty"`
	Retries   int        `json:"retries"`
	LastError string     `json:"last_error,omitempty"`
	Version   int64      `json:"version"`
}

// BrowserStatus represents the lifecycle state of a pooled browser instance.
type BrowserStatus string

// Browser statuses persisted in the state store.
const (
	BrowserProvisioning BrowserStatus = "provisioning"
	BrowserIdle         BrowserStatus = "idle"
	BrowserAssigned     BrowserStatus = "assigned"
	BrowserReclaiming   BrowserStatus = "reclaiming"
	BrowserDead         BrowserStatus = "dead"
)

// BrowserInstance is one disposable browser container tracked per pool.
// Invariant: Status == BrowserAssigned iff JobID is non-empty and the bound
// job's BrowserID equals ID.
type BrowserInstance struct {
	ID            string        `json:"id"`
	Pool          string        `json:"pool"`
	Status        BrowserStatus `json:"status"`
	JobID         string        `json:"job_id,omitempty"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	IdleSince     time.Time     `json:"idle_since,omitempty"`
	Provisioned   time.Time     `json:"provisioned_at"`
	Version       int64         `json:"version"`
}

// PoolPolicy selects between a fixed-size pool and on-demand scaling.
type PoolPolicy string

// Pool scaling policies.
const (
	PoolFixed PoolPolicy = "fixed"
	PoolAuto  PoolPolicy = "auto"
)

// Pool is a named, capacity-bounded group of interchangeable browsers.
// Provisioned counts every non-dead instance, including ones still starting.
type Pool struct {
	Name        string        `json:"name"`
	Min         int           `json:"min"`
	Max         int           `json:"max"`
	Provisioned int           `json:"provisioned"`
	Policy      PoolPolicy    `json:"policy"`
	IdleTimeout time.Duration `json:"idle_timeout"`
	Version     int64         `json:"version"`
}

// Lease is a time-bounded claim binding one job to one browser. Expiry
// without renewal is what reconciliation keys on to detect orphans.
type Lease struct {
	JobID     string    `json:"job_id"`
	BrowserID string    `json:"browser_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Version   int64     `json:"version"`
}

// Health is the provisioner's verdict on a browser instance.
type Health string

// Health check outcomes.
const (
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
	HealthUnknown   Health = "unknown"
)

// ReleaseOutcome tells the pool coordinator how a browser came back.
type ReleaseOutcome string

// Release outcomes.
const (
	ReleaseHealthy   ReleaseOutcome = "healthy"
	ReleaseUnhealthy ReleaseOutcome = "unhealthy"
)
