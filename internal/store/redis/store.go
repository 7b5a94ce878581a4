// Package redis implements the StateStore against the shared Redis
// coordination store. Each record lives in a hash {version, data} where data
// is the JSON-encoded entity; conditional updates run a compare-and-swap Lua
// script against the version field so concurrent workers serialize through
// Redis rather than process-local locks.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/webrecorder/crawlmanager/internal/crawl"
)

// Config controls the Redis connection and key namespace.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Store implements crawl.StateStore over go-redis.
type Store struct {
	client *redis.Client
	prefix string
}

var casScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'version')
if not v then return -1 end
if v ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'version', ARGV[2], 'data', ARGV[3])
return 1
`)

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'data', ARGV[2])
return 1
`)

// New connects a Store. The connection is verified lazily on first use.
func New(cfg Config) *Store {
	if cfg.Prefix == "" {
		cfg.Prefix = "cm"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Store{client: client, prefix: cfg.Prefix}
}

// NewWithClient wraps an existing client (useful for tests).
func NewWithClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "cm"
	}
	return &Store{client: client, prefix: prefix}
}

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) jobKey(id string) string     { return s.prefix + ":job:" + id }
func (s *Store) jobsKey() string             { return s.prefix + ":jobs" }
func (s *Store) poolJobsKey(p string) string { return s.prefix + ":pool:" + p + ":jobs" }
func (s *Store) browserKey(id string) string { return s.prefix + ":br:" + id }
func (s *Store) poolBrowsersKey(p string) string {
	return s.prefix + ":pool:" + p + ":br"
}
func (s *Store) poolKey(name string) string   { return s.prefix + ":pooldef:" + name }
func (s *Store) poolsKey() string             { return s.prefix + ":pools" }
func (s *Store) leaseKey(jobID string) string { return s.prefix + ":lease:" + jobID }
func (s *Store) leaseExpiryKey() string       { return s.prefix + ":leases:expiry" }

func storeErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", op, crawl.ErrStoreUnavailable, err)
}

func (s *Store) create(ctx context.Context, key string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	res, err := createScript.Run(ctx, s.client, []string{key}, 1, data).Int()
	if err != nil {
		return storeErr("create", err)
	}
	if res == 0 {
		return crawl.ErrConflict
	}
	return nil
}

func (s *Store) get(ctx context.Context, key string, out any) (int64, error) {
	vals, err := s.client.HMGet(ctx, key, "version", "data").Result()
	if err != nil {
		return 0, storeErr("get", err)
	}
	if vals[0] == nil || vals[1] == nil {
		return 0, crawl.ErrNotFound
	}
	version, err := strconv.ParseInt(vals[0].(string), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse version: %w", err)
	}
	if err := json.Unmarshal([]byte(vals[1].(string)), out); err != nil {
		return 0, fmt.Errorf("unmarshal record: %w", err)
	}
	return version, nil
}

// cas writes record at expected+1 iff the stored version equals expected.
func (s *Store) cas(ctx context.Context, key string, expected int64, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	res, err := casScript.Run(ctx, s.client, []string{key}, expected, expected+1, data).Int()
	if err != nil {
		return storeErr("cas", err)
	}
	switch res {
	case -1:
		return crawl.ErrNotFound
	case 0:
		return crawl.ErrConflict
	}
	return nil
}

// CreateJob persists a new job at version 1 and indexes it.
func (s *Store) CreateJob(ctx context.Context, job crawl.CrawlJob) error {
	job.Version = 1
	if err := s.create(ctx, s.jobKey(job.ID), job); err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, s.jobsKey(), job.ID)
	pipe.SAdd(ctx, s.poolJobsKey(job.Pool), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("index job", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (crawl.CrawlJob, error) {
	var job crawl.CrawlJob
	version, err := s.get(ctx, s.jobKey(jobID), &job)
	if err != nil {
		return crawl.CrawlJob{}, err
	}
	job.Version = version
	return job, nil
}

// UpdateJob conditionally replaces a job record.
func (s *Store) UpdateJob(ctx context.Context, job crawl.CrawlJob) (crawl.CrawlJob, error) {
	expected := job.Version
	job.Version = expected + 1
	if err := s.cas(ctx, s.jobKey(job.ID), expected, job); err != nil {
		return crawl.CrawlJob{}, err
	}
	return job, nil
}

// DeleteJob removes a job record and its index entries.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	job, err := s.GetJob(ctx, jobID)
	if errors.Is(err, crawl.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.jobKey(jobID))
	pipe.SRem(ctx, s.jobsKey(), jobID)
	pipe.SRem(ctx, s.poolJobsKey(job.Pool), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("delete job", err)
	}
	return nil
}

// ListJobs returns all jobs sorted by submission time.
func (s *Store) ListJobs(ctx context.Context) ([]crawl.CrawlJob, error) {
	return s.fetchJobs(ctx, s.jobsKey())
}

// ListJobsByPool returns the pool's jobs sorted by submission time.
func (s *Store) ListJobsByPool(ctx context.Context, pool string) ([]crawl.CrawlJob, error) {
	return s.fetchJobs(ctx, s.poolJobsKey(pool))
}

func (s *Store) fetchJobs(ctx context.Context, indexKey string) ([]crawl.CrawlJob, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, storeErr("list jobs", err)
	}
	out := make([]crawl.CrawlJob, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if errors.Is(err, crawl.ErrNotFound) {
			continue // deleted between scan and fetch
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	sortJobsBySubmitted(out)
	return out, nil
}

// CreateBrowser persists a new browser record and indexes it by pool.
func (s *Store) CreateBrowser(ctx context.Context, browser crawl.BrowserInstance) error {
	browser.Version = 1
	if err := s.create(ctx, s.browserKey(browser.ID), browser); err != nil {
		return err
	}
	if err := s.client.SAdd(ctx, s.poolBrowsersKey(browser.Pool), browser.ID).Err(); err != nil {
		return storeErr("index browser", err)
	}
	return nil
}

// GetBrowser fetches a browser by ID.
func (s *Store) GetBrowser(ctx context.Context, browserID string) (crawl.BrowserInstance, error) {
	var browser crawl.BrowserInstance
	version, err := s.get(ctx, s.browserKey(browserID), &browser)
	if err != nil {
		return crawl.BrowserInstance{}, err
	}
	browser.Version = version
	return browser, nil
}

// UpdateBrowser conditionally replaces a browser record.
func (s *Store) UpdateBrowser(ctx context.Context, browser crawl.BrowserInstance) (crawl.BrowserInstance, error) {
	expected := browser.Version
	browser.Version = expected + 1
	if err := s.cas(ctx, s.browserKey(browser.ID), expected, browser); err != nil {
		return crawl.BrowserInstance{}, err
	}
	return browser, nil
}

// DeleteBrowser removes a browser record and its pool index entry.
func (s *Store) DeleteBrowser(ctx context.Context, browserID string) error {
	browser, err := s.GetBrowser(ctx, browserID)
	if errors.Is(err, crawl.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.browserKey(browserID))
	pipe.SRem(ctx, s.poolBrowsersKey(browser.Pool), browserID)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("delete browser", err)
	}
	return nil
}

// ListBrowsersByPool returns the pool's browsers.
func (s *Store) ListBrowsersByPool(ctx context.Context, pool string) ([]crawl.BrowserInstance, error) {
	ids, err := s.client.SMembers(ctx, s.poolBrowsersKey(pool)).Result()
	if err != nil {
		return nil, storeErr("list browsers", err)
	}
	out := make([]crawl.BrowserInstance, 0, len(ids))
	for _, id := range ids {
		browser, err := s.GetBrowser(ctx, id)
		if errors.Is(err, crawl.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, browser)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PutPool creates or refreshes a pool definition, preserving the live
// Provisioned count on refresh.
func (s *Store) PutPool(ctx context.Context, pool crawl.Pool) error {
	for {
		current, err := s.GetPool(ctx, pool.Name)
		if errors.Is(err, crawl.ErrNotFound) {
			pool.Version = 1
			err := s.create(ctx, s.poolKey(pool.Name), pool)
			if errors.Is(err, crawl.ErrConflict) {
				continue // raced another creator
			}
			if err != nil {
				return err
			}
			if err := s.client.SAdd(ctx, s.poolsKey(), pool.Name).Err(); err != nil {
				return storeErr("index pool", err)
			}
			return nil
		}
		if err != nil {
			return err
		}
		pool.Provisioned = current.Provisioned
		pool.Version = current.Version
		_, err = s.UpdatePool(ctx, pool)
		if errors.Is(err, crawl.ErrConflict) {
			continue
		}
		return err
	}
}

// GetPool fetches a pool by name.
func (s *Store) GetPool(ctx context.Context, name string) (crawl.Pool, error) {
	var pool crawl.Pool
	version, err := s.get(ctx, s.poolKey(name), &pool)
	if err != nil {
		return crawl.Pool{}, err
	}
	pool.Version = version
	return pool, nil
}

// UpdatePool conditionally replaces a pool record.
func (s *Store) UpdatePool(ctx context.Context, pool crawl.Pool) (crawl.Pool, error) {
	expected := pool.Version
	pool.Version = expected + 1
	if err := s.cas(ctx, s.poolKey(pool.Name), expected, pool); err != nil {
		return crawl.Pool{}, err
	}
	return pool, nil
}

// ListPools returns all pool definitions.
func (s *Store) ListPools(ctx context.Context) ([]crawl.Pool, error) {
	names, err := s.client.SMembers(ctx, s.poolsKey()).Result()
	if err != nil {
		return nil, storeErr("list pools", err)
	}
	out := make([]crawl.Pool, 0, len(names))
	for _, name := range names {
		pool, err := s.GetPool(ctx, name)
		if errors.Is(err, crawl.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, pool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateLease persists a new lease and indexes it by expiry.
func (s *Store) CreateLease(ctx context.Context, lease crawl.Lease) error {
	lease.Version = 1
	if err := s.create(ctx, s.leaseKey(lease.JobID), lease); err != nil {
		return err
	}
	member := redis.Z{Score: float64(lease.ExpiresAt.UnixMilli()), Member: lease.JobID}
	if err := s.client.ZAdd(ctx, s.leaseExpiryKey(), member).Err(); err != nil {
		return storeErr("index lease", err)
	}
	return nil
}

// GetLease fetches the lease bound to a job.
func (s *Store) GetLease(ctx context.Context, jobID string) (crawl.Lease, error) {
	var lease crawl.Lease
	version, err := s.get(ctx, s.leaseKey(jobID), &lease)
	if err != nil {
		return crawl.Lease{}, err
	}
	lease.Version = version
	return lease, nil
}

// UpdateLease conditionally replaces a lease and refreshes its expiry index.
func (s *Store) UpdateLease(ctx context.Context, lease crawl.Lease) (crawl.Lease, error) {
	expected := lease.Version
	lease.Version = expected + 1
	if err := s.cas(ctx, s.leaseKey(lease.JobID), expected, lease); err != nil {
		return crawl.Lease{}, err
	}
	member := redis.Z{Score: float64(lease.ExpiresAt.UnixMilli()), Member: lease.JobID}
	if err := s.client.ZAdd(ctx, s.leaseExpiryKey(), member).Err(); err != nil {
		return crawl.Lease{}, storeErr("reindex lease", err)
	}
	return lease, nil
}

// DeleteLease removes a lease and its expiry index entry.
func (s *Store) DeleteLease(ctx context.Context, jobID string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.leaseKey(jobID))
	pipe.ZRem(ctx, s.leaseExpiryKey(), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("delete lease", err)
	}
	return nil
}

// ListExpiredLeases range-scans the expiry index up to now.
func (s *Store) ListExpiredLeases(ctx context.Context, now time.Time) ([]crawl.Lease, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.leaseExpiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, storeErr("scan leases", err)
	}
	out := make([]crawl.Lease, 0, len(ids))
	for _, id := range ids {
		lease, err := s.GetLease(ctx, id)
		if errors.Is(err, crawl.ErrNotFound) {
			// index entry outlived the lease; drop it
			_ = s.client.ZRem(ctx, s.leaseExpiryKey(), id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, lease)
	}
	return out, nil
}

func sortJobsBySubmitted(jobs []crawl.CrawlJob) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Submitted.Equal(jobs[j].Submitted) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].Submitted.Before(jobs[j].Submitted)
	})
}
