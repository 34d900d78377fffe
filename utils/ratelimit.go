package utils

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"chansync/internal"
)

// TokenBucketLimiter paces requests using a token bucket refilled at rate tokens per second
type TokenBucketLimiter struct {
	rate       int64
	bucket     float64
	maxBucket  float64
	lastUpdate time.Time
	mutex      sync.Mutex
	now        func() time.Time
}

// NewTokenBucketLimiter creates a limiter allowing perSecond requests per second with a
// burst of the same size. A rate of 0 disables limiting.
func NewTokenBucketLimiter(perSecond int64) internal.RateLimiter {
	return newTokenBucketLimiter(perSecond, time.Now)
}

func newTokenBucketLimiter(perSecond int64, now func() time.Time) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		rate:       perSecond,
		bucket:     float64(perSecond),
		maxBucket:  float64(perSecond),
		lastUpdate: now(),
		now:        now,
	}
}

// Wait blocks until n tokens are available or ctx is done
func (r *TokenBucketLimiter) Wait(ctx context.Context, n int) error {
	for {
		wait, ok := r.reserve(n)
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// reserve takes n tokens when available, otherwise reports how long to wait
func (r *TokenBucketLimiter) reserve(n int) (time.Duration, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.rate <= 0 {
		return 0, true
	}

	now := r.now()
	elapsed := now.Sub(r.lastUpdate)
	r.lastUpdate = now
	r.bucket += elapsed.Seconds() * float64(r.rate)
	if r.bucket > r.maxBucket {
		r.bucket = r.maxBucket
	}

	needed := float64(n)
	if needed > r.maxBucket {
		// Requests larger than the burst drain the bucket completely
		needed = r.maxBucket
	}
	if r.bucket >= needed {
		r.bucket -= needed
		return 0, true
	}

	deficit := needed - r.bucket
	wait := time.Duration(deficit / float64(r.rate) * float64(time.Second))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait, false
}

// SetRate updates the rate limit
func (r *TokenBucketLimiter) SetRate(perSecond int64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.rate = perSecond
	r.maxBucket = float64(perSecond)
	if r.bucket > r.maxBucket {
		r.bucket = r.maxBucket
	}
}

// Rate returns the current rate in tokens per second
func (r *TokenBucketLimiter) Rate() int64 {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.rate
}

// ParseRequestRate parses request rates such as "5", "5/s", "120/m" or "3600/h" into
// requests per second, rounding up so a configured rate never becomes 0
func ParseRequestRate(rateStr string) (int64, error) {
	rateStr = strings.TrimSpace(strings.ToLower(rateStr))
	if rateStr == "" {
		return 0, nil
	}

	numStr, unit := rateStr, "s"
	if i := strings.Index(rateStr, "/"); i >= 0 {
		numStr, unit = strings.TrimSpace(rateStr[:i]), strings.TrimSpace(rateStr[i+1:])
	}

	count, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value in rate: %s", numStr)
	}
	if count < 0 {
		return 0, fmt.Errorf("rate cannot be negative: %d", count)
	}

	var per int64
	switch unit {
	case "s", "sec", "second":
		per = 1
	case "m", "min", "minute":
		per = 60
	case "h", "hour":
		per = 3600
	default:
		return 0, fmt.Errorf("unsupported rate unit: %s (supported: s, m, h)", unit)
	}

	if count == 0 {
		return 0, nil
	}
	return (count + per - 1) / per, nil
}
