// Package pool runs a bounded set of workers over a slice of inputs.
package pool

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
)

// Run processes every input with at most workers goroutines and returns
// one result per input, in input order. A worker that panics logs the
// panic and stops pulling work; the other workers keep going and the
// panicking input's slot keeps its zero value.
func Run[I, R any](ctx context.Context, workers int, inputs []I, fn func(ctx context.Context, in I) R) []R {
	results := make([]R, len(inputs))
	if len(inputs) == 0 {
		return results
	}
	if workers <= 0 {
		workers = 1
	}
	if workers > len(inputs) {
		workers = len(inputs)
	}

	var next atomic.Int64
	var wg sync.WaitGroup
	wg.Add(workers)

	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Printf("warning: pool worker panicked: %v", r)
				}
			}()
			for {
				if ctx.Err() != nil {
					return
				}
				i := int(next.Add(1)) - 1
				if i >= len(inputs) {
					return
				}
				results[i] = fn(ctx, inputs[i])
			}
		}()
	}

	wg.Wait()
	return results
}
