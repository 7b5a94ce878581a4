package crawl

import "errors"

// Sentinel errors surfaced by the scheduler, pool coordinator, and stores.
// ErrConflict is internal: conditional-update races are retried transparently
// and never reach API callers.
var (
	ErrInvalidPool      = errors.New("unknown pool")
	ErrCapacityExceeded = errors.New("pool admission capacity exceeded")
	ErrPoolExhausted    = errors.New("pool exhausted")
	ErrNotFound         = errors.New("not found")
	ErrProvisionFailed  = errors.New("browser provisioning failed")
	ErrStoreUnavailable = errors.New("state store unavailable")
	ErrConflict         = errors.New("conditional update conflict")
	ErrDeadlineExceeded = errors.New("deadline exceeded")
)
