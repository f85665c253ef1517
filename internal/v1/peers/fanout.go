package peers

import (
	"context"
	"sync"
	"time"

	"github.com/meshchat/meshchat/internal/v1/types"
)

// maxConcurrentCalls bounds how many peer calls one fan-out runs at a
// time. Semaphore for fan-out, mirroring the broadcast publish bound.
const maxConcurrentCalls = 16

// Outcome is one peer's result in a fan-out: the call's value when Err
// is nil, or the transport/application error that ended it.
type Outcome[T any] struct {
	Value T
	Err   error
}

// FanOut invokes fn once per target concurrently and returns every
// outcome keyed by node. The timeout is an aggregate deadline for the
// whole batch: calls still pending when it expires fail with the
// context error. FanOut always returns one entry per distinct target,
// so callers can treat a missing vote and a failed vote uniformly.
func FanOut[T any](ctx context.Context, targets []types.NodeID, timeout time.Duration, fn func(ctx context.Context, node types.NodeID) (T, error)) map[types.NodeID]Outcome[T] {
	out := make(map[types.NodeID]Outcome[T], len(targets))
	if len(targets) == 0 {
		return out
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type keyed struct {
		node types.NodeID
		res  Outcome[T]
	}
	results := make(chan keyed, len(targets))
	sem := make(chan struct{}, maxConcurrentCalls)

	var wg sync.WaitGroup
	for _, node := range targets {
		wg.Add(1)
		go func(node types.NodeID) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-callCtx.Done():
				results <- keyed{node: node, res: Outcome[T]{Err: callCtx.Err()}}
				return
			}
			value, err := fn(callCtx, node)
			results <- keyed{node: node, res: Outcome[T]{Value: value, Err: err}}
		}(node)
	}
	wg.Wait()
	close(results)

	for r := range results {
		out[r.node] = r.res
	}
	return out
}
