package crawl

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"
)

// ConflictRetrier re-runs conditional updates that lose a version race and
// store calls that fail transiently, with jittered exponential backoff.
// Anything other than ErrConflict or ErrStoreUnavailable is returned as-is.
type ConflictRetrier struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewConflictRetrier builds a retrier with sane defaults.
func NewConflictRetrier() *ConflictRetrier {
	return &ConflictRetrier{
		maxAttempts: 5,
		baseDelay:   25 * time.Millisecond,
		maxDelay:    2 * time.Second,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts the
// attempt budget, or the context finishes.
func (r *ConflictRetrier) Do(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) && !errors.Is(err, ErrStoreUnavailable) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.backoff(attempt)):
		}
	}
	return err
}

func (r *ConflictRetrier) backoff(attempt int) time.Duration {
	delay := float64(r.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(r.maxDelay) {
		delay = float64(r.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
