// package catalog wraps the Spotify Web API behind a typed client.
//
// The client classifies provider failures at the boundary: 429 and 5xx
// responses (and per-call timeouts) are transient and retried with bounded
// exponential backoff, 401/403/404 and malformed payloads are permanent and
// propagate unchanged. Search results are validated into a fixed
// [Candidate] shape before they leave this package.
package catalog

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"melonsync/internal/shared"
)

// Candidate is a validated catalog search hit.
type Candidate struct {
	ID     string `json:"id"`
	URI    string `json:"uri"`
	Title  string `json:"title"`
	Artist string `json:"artist"`
}

// Playlist is a catalog playlist summary.
type Playlist struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	ExternalURL string `json:"externalUrl"`
	TrackCount  int    `json:"trackCount"`
	Public      bool   `json:"public"`
}

// RetryPolicy bounds the retry loop for transient catalog failures.
type RetryPolicy struct {
	MaxAttempts int           // Total attempts including the first (default 3)
	BaseDelay   time.Duration // Delay before the first retry (default 500ms)
	Jitter      float64       // Random fraction added to each delay, in [0,1]
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, Jitter: 0.2}
}

// Backoff returns the delay before retry number attempt (1-based),
// doubling per attempt with up to Jitter fraction added.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Float64() * p.Jitter * float64(d))
	}
	return d
}

// sleep waits for the backoff delay or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retryable reports whether the request should be attempted again.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return shared.IsTransient(err)
}
