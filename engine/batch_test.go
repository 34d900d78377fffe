package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chansync/internal"
)

// TestFetchAllBatched_IsolatesFailures tests that one failing item does not affect the others
func TestFetchAllBatched_IsolatesFailures(t *testing.T) {
	targets := []string{"t1", "t2", "t3", "t4", "t5"}

	outcomes := FetchAllBatched(context.Background(), targets, func(ctx context.Context, target string) internal.FetchOutcome[string] {
		if target == "t3" {
			return internal.OutcomeFromError[string](internal.NewTransportError("http://example.org/t3", errors.New("connection reset")))
		}
		return internal.Success("ok-" + target)
	}, BatchConfig{})

	if len(outcomes) != len(targets) {
		t.Fatalf("Expected %d outcomes, got %d", len(targets), len(outcomes))
	}
	for i, o := range outcomes {
		if i == 2 {
			if o.Kind != internal.OutcomeTransportError {
				t.Errorf("Outcome 2 should be TransportError, got %s", o)
			}
			continue
		}
		if !o.IsSuccess() || o.Value != "ok-"+targets[i] {
			t.Errorf("Outcome %d = %s %q, want Success ok-%s", i, o, o.Value, targets[i])
		}
	}
}

// TestFetchAllBatched_BoundsConcurrency tests that rounds run one after another
func TestFetchAllBatched_BoundsConcurrency(t *testing.T) {
	targets := []int{1, 2, 3, 4, 5}

	var inFlight, maxInFlight int32
	var rounds []int
	var mu sync.Mutex

	outcomes := FetchAllBatched(context.Background(), targets, func(ctx context.Context, n int) internal.FetchOutcome[int] {
		current := atomic.AddInt32(&inFlight, 1)
		for {
			seen := atomic.LoadInt32(&maxInFlight)
			if current <= seen || atomic.CompareAndSwapInt32(&maxInFlight, seen, current) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return internal.Success(n * 10)
	}, BatchConfig{
		BatchSize: 2,
		OnBatch: func(round, start, end int) {
			mu.Lock()
			rounds = append(rounds, end-start)
			mu.Unlock()
		},
	})

	if maxInFlight > 2 {
		t.Errorf("Expected at most 2 concurrent fetches, saw %d", maxInFlight)
	}
	if len(rounds) != 3 || rounds[0] != 2 || rounds[1] != 2 || rounds[2] != 1 {
		t.Errorf("Expected rounds [2 2 1], got %v", rounds)
	}
	for i, o := range outcomes {
		if o.Value != targets[i]*10 {
			t.Errorf("Outcome %d = %d, want %d", i, o.Value, targets[i]*10)
		}
	}
}

// TestFetchAllBatched_PreservesOrder tests that completion order does not leak into results
func TestFetchAllBatched_PreservesOrder(t *testing.T) {
	targets := []int{50, 10, 40, 0, 30, 20}

	outcomes := FetchAllBatched(context.Background(), targets, func(ctx context.Context, delayMs int) internal.FetchOutcome[int] {
		time.Sleep(time.Duration(delayMs) * time.Millisecond)
		return internal.Success(delayMs)
	}, BatchConfig{BatchSize: 3})

	for i, o := range outcomes {
		if o.Value != targets[i] {
			t.Errorf("Outcome %d = %d, want %d", i, o.Value, targets[i])
		}
	}
}

// TestFetchAllBatched_ErrorMapping tests the outcome variant chosen for each error type
func TestFetchAllBatched_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind internal.OutcomeKind
		wantCode int
	}{
		{"not found", internal.NewNotFoundError("http://example.org"), internal.OutcomeNotFound, 404},
		{"bad status", internal.NewBadStatusError("http://example.org", 500), internal.OutcomeBadStatus, 500},
		{"removed", internal.NewAlreadyRemovedError(internal.ThreadKey("4chan", "g", 1)), internal.OutcomeAlreadyRemoved, 0},
		{"challenge", &internal.ChallengeRequiredError{Host: "boards.example.org"}, internal.OutcomeTransportError, 0},
		{"parse", internal.NewParseError("http://example.org", errors.New("bad json")), internal.OutcomeTransportError, 0},
		{"plain", errors.New("boom"), internal.OutcomeTransportError, 0},
	}

	errs := make([]error, len(tests))
	for i, tt := range tests {
		errs[i] = tt.err
	}

	outcomes := FetchAllBatched(context.Background(), errs, func(ctx context.Context, err error) internal.FetchOutcome[struct{}] {
		return internal.OutcomeFromError[struct{}](err)
	}, BatchConfig{})

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if outcomes[i].Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", outcomes[i].Kind, tt.wantKind)
			}
			if tt.wantCode != 0 && outcomes[i].StatusCode != tt.wantCode {
				t.Errorf("StatusCode = %d, want %d", outcomes[i].StatusCode, tt.wantCode)
			}
			if tt.wantKind == internal.OutcomeTransportError && outcomes[i].Err == nil {
				t.Error("TransportError must carry its cause")
			}
		})
	}
}

// TestFetchAllBatched_RecoversPanics tests that a panicking fetch only fails its own slot
func TestFetchAllBatched_RecoversPanics(t *testing.T) {
	outcomes := FetchAllBatched(context.Background(), []int{1, 2, 3}, func(ctx context.Context, n int) internal.FetchOutcome[int] {
		if n == 2 {
			panic("nil map")
		}
		return internal.Success(n)
	}, BatchConfig{})

	if outcomes[1].Kind != internal.OutcomeTransportError || outcomes[1].Err == nil {
		t.Errorf("Panicking item should become TransportError, got %s", outcomes[1])
	}
	if !outcomes[0].IsSuccess() || !outcomes[2].IsSuccess() {
		t.Errorf("Siblings should succeed: %s, %s", outcomes[0], outcomes[2])
	}
}

// TestFetchAllBatched_Cancellation tests that no new round starts after cancellation
func TestFetchAllBatched_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var started int32
	outcomes := FetchAllBatched(ctx, []int{1, 2, 3, 4, 5, 6}, func(ctx context.Context, n int) internal.FetchOutcome[int] {
		atomic.AddInt32(&started, 1)
		if n == 1 {
			cancel()
		}
		return internal.Success(n)
	}, BatchConfig{BatchSize: 2})

	if started != 2 {
		t.Errorf("Only the first round should have run, %d fetches started", started)
	}
	if !outcomes[0].IsSuccess() || !outcomes[1].IsSuccess() {
		t.Errorf("In-flight items should complete: %s, %s", outcomes[0], outcomes[1])
	}
	for i := 2; i < len(outcomes); i++ {
		if outcomes[i].Kind != internal.OutcomeTransportError {
			t.Errorf("Outcome %d should be TransportError, got %s", i, outcomes[i])
		}
		if internal.ErrorTypeOf(outcomes[i].Err) != internal.ErrCancelled {
			t.Errorf("Outcome %d should carry a cancellation, got %v", i, outcomes[i].Err)
		}
	}
}

type countingLimiter struct {
	calls int32
	fail  error
}

func (l *countingLimiter) Wait(ctx context.Context, n int) error {
	atomic.AddInt32(&l.calls, int32(n))
	return l.fail
}

func (l *countingLimiter) SetRate(perSecond int64) {}

// TestFetchAllBatched_Limiter tests that every item is paced
func TestFetchAllBatched_Limiter(t *testing.T) {
	limiter := &countingLimiter{}
	FetchAllBatched(context.Background(), []int{1, 2, 3, 4}, func(ctx context.Context, n int) internal.FetchOutcome[int] {
		return internal.Success(n)
	}, BatchConfig{Limiter: limiter})

	if limiter.calls != 4 {
		t.Errorf("Expected 4 limiter waits, got %d", limiter.calls)
	}

	failing := &countingLimiter{fail: context.Canceled}
	outcomes := FetchAllBatched(context.Background(), []int{1}, func(ctx context.Context, n int) internal.FetchOutcome[int] {
		t.Error("fetch should not run when pacing fails")
		return internal.Success(n)
	}, BatchConfig{Limiter: failing})
	if outcomes[0].Kind != internal.OutcomeTransportError {
		t.Errorf("Expected TransportError, got %s", outcomes[0])
	}
}

// TestFetchAllBatched_DevModeOrderAssertion tests that out-of-order posts abort in dev mode
func TestFetchAllBatched_DevModeOrderAssertion(t *testing.T) {
	fetch := func(ctx context.Context, nos []int64) internal.FetchOutcome[ThreadBookmarkInfo] {
		return internal.Success(ThreadBookmarkInfo{PostNumbers: nos})
	}
	targets := [][]int64{{1, 2, 3}, {5, 4}}

	outcomes := FetchAllBatched(context.Background(), targets, fetch, BatchConfig{})
	if len(outcomes) != 2 {
		t.Fatalf("Without dev mode the batch should complete, got %d outcomes", len(outcomes))
	}

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("Expected a panic for out-of-order posts in dev mode")
		}
		if msg := fmt.Sprint(r); msg == "" {
			t.Error("Panic should describe the violation")
		}
	}()
	FetchAllBatched(context.Background(), targets, fetch, BatchConfig{DevMode: true})
}

// TestFetchAllBatched_Empty tests the zero-target case
func TestFetchAllBatched_Empty(t *testing.T) {
	outcomes := FetchAllBatched(context.Background(), nil, func(ctx context.Context, n int) internal.FetchOutcome[int] {
		return internal.Success(n)
	}, BatchConfig{})
	if len(outcomes) != 0 {
		t.Errorf("Expected no outcomes, got %d", len(outcomes))
	}
}
