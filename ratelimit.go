// A wrapper for "github.com/juju/ratelimit".

package nova

import (
	"errors"
	"time"

	"github.com/juju/ratelimit"
)

// RateLimit is an interface for a "token bucket" algorithm.
type RateLimit interface {
	// Wait for $count tokens to be granted(return true) or timeout(return
	// false). If $timeout == 0, it would block as long as it needs.
	Wait(count int, timeout time.Duration) bool
}

// TokenBucketRateLimit is a RateLimit based on token bucket algorithm.
type TokenBucketRateLimit struct {
	bucket *ratelimit.Bucket
}

// NewTokenBucketRateLimit creates a TokenBucketRateLimit.
// $requestsInterval is the minimum interval between two consecutive requests.
// $maxRequestBurst is the amount of requests allowed when a burst of requests
// coming in after not seeing requests for maxRequestBurst*requestsInterval.
// If $maxRequestBurst == 1, then no burst allowed.
func NewTokenBucketRateLimit(requestsInterval time.Duration,
	maxRequestBurst int) *TokenBucketRateLimit {

	if maxRequestBurst <= 0 {
		panic(errors.New("maxRequestBurst must be greater than 0"))
	}
	return &TokenBucketRateLimit{
		bucket: ratelimit.NewBucket(requestsInterval,
			int64(maxRequestBurst)),
	}
}

// Wait blocks until tokens are granted or timeout.
func (rl *TokenBucketRateLimit) Wait(count int, timeout time.Duration) bool {
	if count <= 0 {
		panic(errors.New("count must be greater than 0"))
	}
	if timeout == 0 {
		rl.bucket.Wait(int64(count))
		return true
	}
	return rl.bucket.WaitMaxDuration(int64(count), timeout)
}
