package cartgrid

import (
	"iter"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

type localOptions struct {
	workers int
	query   Query
}

type LocalOption func(*localOptions)

// WithWorkers sets the number of folding goroutines. Non-positive values
// fall back to GOMAXPROCS.
func WithWorkers(n int) LocalOption {
	return func(o *localOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithQuery drops records not matching q before they are folded. q must
// pass Query.Validate: a filter with an unknown operator matches nothing.
func WithQuery(q Query) LocalOption {
	return func(o *localOptions) {
		o.query = q
	}
}

// RunLocal folds every record of the sequence exactly once using a pool of
// workers, each owning a private accumulator. Worker accumulators are
// merged into the result one at a time as workers drain the input. It
// returns after every worker has been merged.
func RunLocal[T Indexed, A, P any](
	records iter.Seq[T],
	r Reduction[T, A, P],
	param P,
	opts ...LocalOption,
) A {
	o := localOptions{workers: runtime.GOMAXPROCS(0)}
	for _, opt := range opts {
		opt(&o)
	}

	input := make(chan T, 2*o.workers)
	go func() {
		defer close(input)
		for rec := range records {
			input <- rec
		}
	}()

	var (
		mu       sync.Mutex
		result   = r.Zero()
		wg       sync.WaitGroup
		folded   atomic.Int64
		filtered atomic.Int64
	)
	for i := range o.workers {
		wg.Go(func() {
			acc := r.Zero()
			var n int64
			for rec := range input {
				if !o.query.Match(rec) {
					filtered.Add(1)
					continue
				}
				acc = r.Fold(acc, rec, param)
				n++
			}
			folded.Add(n)

			mu.Lock()
			result = r.Merge(result, acc)
			mu.Unlock()

			zap.S().Debugw("local worker has no work left", "worker_num", i, "folded", n)
		})
	}
	wg.Wait()

	zap.S().Debugw(
		"local aggregation finished",
		"workers", o.workers,
		"folded", folded.Load(),
		"filtered", filtered.Load(),
	)
	return result
}
