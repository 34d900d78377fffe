// Package engine holds the cache coordinator, the batched fetch orchestrator and the
// bookmark use case built on them.
package engine

import (
	"context"
	"fmt"
	"sync"

	"chansync/internal"
)

// DefaultBatchSize bounds the number of concurrent fetches of one batch round
const DefaultBatchSize = 8

// BatchConfig configures FetchAllBatched
type BatchConfig struct {
	// BatchSize is the number of targets fetched concurrently; DefaultBatchSize when <= 0
	BatchSize int
	// Limiter, when set, is consulted once per target before its fetch starts
	Limiter internal.RateLimiter
	// DevMode asserts that successful values listing post numbers list them in order
	DevMode bool
	// OnBatch is called before each round with the round number and the target index range
	OnBatch func(round, start, end int)
	// OnItem is called after every completed item, from the item's goroutine
	OnItem func(index int, kind internal.OutcomeKind)
}

func (c BatchConfig) batchSize() int {
	if c.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return c.BatchSize
}

// postSequence is implemented by fetch results that expose their post numbers
type postSequence interface {
	PostNos() []int64
}

// FetchAllBatched runs fetchOne for every target and returns one outcome per target in input
// order. Targets are split into rounds of BatchSize; a round runs concurrently and the next
// round starts only after the previous one finished. A failing or panicking fetch only
// affects its own slot. Once ctx is done no further fetches are started and the remaining
// slots report a cancelled TransportError.
func FetchAllBatched[T, R any](ctx context.Context, targets []T, fetchOne func(context.Context, T) internal.FetchOutcome[R], config BatchConfig) []internal.FetchOutcome[R] {
	results := make([]internal.FetchOutcome[R], len(targets))
	size := config.batchSize()

	round := 0
	for start := 0; start < len(targets); start += size {
		end := start + size
		if end > len(targets) {
			end = len(targets)
		}

		if err := ctx.Err(); err != nil {
			internal.LogDebug("Batch cancelled before round %d: %v", round, err)
			fillCancelled(results[start:], err)
			break
		}

		if config.OnBatch != nil {
			config.OnBatch(round, start, end)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(index int) {
				defer wg.Done()
				results[index] = runOne(ctx, targets[index], fetchOne, config.Limiter)
				if config.OnItem != nil {
					config.OnItem(index, results[index].Kind)
				}
			}(i)
		}
		wg.Wait()

		if config.DevMode {
			assertOrdered(results[start:end], start)
		}
		round++
	}

	return results
}

// runOne isolates a single fetch: limiter errors and panics become TransportError
func runOne[T, R any](ctx context.Context, target T, fetchOne func(context.Context, T) internal.FetchOutcome[R], limiter internal.RateLimiter) (outcome internal.FetchOutcome[R]) {
	defer func() {
		if r := recover(); r != nil {
			internal.LogError("Batch item panicked: %v", r)
			outcome = internal.TransportFailure[R](fmt.Errorf("fetch panicked: %v", r))
		}
	}()

	if limiter != nil {
		if err := limiter.Wait(ctx, 1); err != nil {
			return internal.TransportFailure[R](internal.NewSyncError(0, "request pacing interrupted", internal.ErrCancelled).WithCause(err))
		}
	}
	return fetchOne(ctx, target)
}

func fillCancelled[R any](slots []internal.FetchOutcome[R], cause error) {
	for i := range slots {
		slots[i] = internal.TransportFailure[R](internal.NewSyncError(0, "batch cancelled", internal.ErrCancelled).WithCause(cause))
	}
}

// assertOrdered panics when a successful value lists its posts out of order.
// It runs on the orchestrating goroutine so the panic is not absorbed by item recovery.
func assertOrdered[R any](outcomes []internal.FetchOutcome[R], offset int) {
	for i, o := range outcomes {
		if !o.IsSuccess() {
			continue
		}
		seq, ok := any(o.Value).(postSequence)
		if !ok {
			continue
		}
		if !internal.PostsOrdered(seq.PostNos()) {
			panic(fmt.Sprintf("batch item %d returned posts out of order: %v", offset+i, seq.PostNos()))
		}
	}
}
