package utils

import (
	"context"
	"testing"
	"time"
)

// TestTokenBucketLimiter_BasicFunctionality tests burst then refill behaviour
func TestTokenBucketLimiter_BasicFunctionality(t *testing.T) {
	limiter := NewTokenBucketLimiter(20)
	ctx := context.Background()

	// The full burst is available immediately
	start := time.Now()
	for i := 0; i < 20; i++ {
		if err := limiter.Wait(ctx, 1); err != nil {
			t.Fatalf("Wait %d failed: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
		t.Fatalf("burst took too long: %v", elapsed)
	}

	// The next request waits for a refill of one token (50ms at 20/s)
	start = time.Now()
	if err := limiter.Wait(ctx, 1); err != nil {
		t.Fatalf("Wait after burst failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("wait after burst was too fast: %v", elapsed)
	}
}

// TestTokenBucketLimiter_NoRateLimit tests behavior with no rate limit
func TestTokenBucketLimiter_NoRateLimit(t *testing.T) {
	limiter := NewTokenBucketLimiter(0)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := limiter.Wait(ctx, 1); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		t.Fatalf("unlimited limiter should not wait, took %v", elapsed)
	}
}

// TestTokenBucketLimiter_ContextCancellation tests that Wait honours cancellation
func TestTokenBucketLimiter_ContextCancellation(t *testing.T) {
	limiter := NewTokenBucketLimiter(1)
	ctx, cancel := context.WithCancel(context.Background())

	if err := limiter.Wait(ctx, 1); err != nil {
		t.Fatalf("first wait failed: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := limiter.Wait(ctx, 1)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("cancellation took too long: %v", elapsed)
	}
}

func TestTokenBucketLimiter_Refill(t *testing.T) {
	now := time.Unix(0, 0)
	limiter := newTokenBucketLimiter(10, func() time.Time { return now })

	if _, ok := limiter.reserve(10); !ok {
		t.Fatal("full bucket should satisfy the burst")
	}
	wait, ok := limiter.reserve(1)
	if ok {
		t.Fatal("empty bucket should not satisfy a request")
	}
	if wait != 100*time.Millisecond {
		t.Errorf("wait = %v, want 100ms", wait)
	}

	now = now.Add(500 * time.Millisecond)
	for i := 0; i < 5; i++ {
		if _, ok := limiter.reserve(1); !ok {
			t.Fatalf("refilled token %d should be available", i)
		}
	}
	if _, ok := limiter.reserve(1); ok {
		t.Error("bucket should be empty again")
	}
}

func TestTokenBucketLimiter_SetRate(t *testing.T) {
	now := time.Unix(0, 0)
	limiter := newTokenBucketLimiter(100, func() time.Time { return now })

	limiter.SetRate(2)
	if limiter.Rate() != 2 {
		t.Errorf("Rate() = %d, want 2", limiter.Rate())
	}
	if limiter.bucket > 2 {
		t.Errorf("bucket should be capped to the new burst, got %v", limiter.bucket)
	}

	limiter.SetRate(0)
	if _, ok := limiter.reserve(1000); !ok {
		t.Error("rate 0 should disable limiting")
	}
}

func TestParseRequestRate(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		hasError bool
	}{
		{"", 0, false},
		{"5", 5, false},
		{"5/s", 5, false},
		{"120/m", 2, false},
		{"90/min", 2, false},
		{"3600/h", 1, false},
		{"1/h", 1, false},
		{"0/m", 0, false},
		{"-1", 0, true},
		{"fast", 0, true},
		{"5/d", 0, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			result, err := ParseRequestRate(test.input)
			if test.hasError {
				if err == nil {
					t.Errorf("expected error for input %q", test.input)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error for input %q: %v", test.input, err)
				return
			}
			if result != test.expected {
				t.Errorf("ParseRequestRate(%q) = %d, want %d", test.input, result, test.expected)
			}
		})
	}
}
