package cartgrid

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

type DistributedOption func(*distributedOptions)

type distributedOptions struct {
	timeout  time.Duration
	settings gobreaker.Settings
}

// WithTimeout bounds the whole distributed call. Zero disables the bound.
func WithTimeout(d time.Duration) DistributedOption {
	return func(o *distributedOptions) {
		o.timeout = d
	}
}

// WithBreakerSettings configures the circuit breaker guarding the store.
func WithBreakerSettings(s gobreaker.Settings) DistributedOption {
	return func(o *distributedOptions) {
		o.settings = s
	}
}

// Distributed runs a Reduction next to the data of a partitioned store and
// merges the partition results centrally.
type Distributed[T Indexed, A, P any] struct {
	store          Store[T]
	reduction      Reduction[T, A, P]
	timeout        time.Duration
	circuitBreaker *gobreaker.CircuitBreaker[struct{}]
}

func NewDistributed[T Indexed, A, P any](
	store Store[T],
	r Reduction[T, A, P],
	opts ...DistributedOption,
) *Distributed[T, A, P] {
	o := distributedOptions{
		settings: gobreaker.Settings{Name: "partitioned_store"},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.settings.IsSuccessful == nil {
		// a cancelled caller says nothing about the store's health
		o.settings.IsSuccessful = func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || isCallerError(err)
		}
	}
	return &Distributed[T, A, P]{
		store:          store,
		reduction:      r,
		timeout:        o.timeout,
		circuitBreaker: gobreaker.NewCircuitBreaker[struct{}](o.settings),
	}
}

// Run reduces every partition into a private accumulator and merges the
// partition accumulators in the order they arrive. Filters on attributes
// indexed by the store are evaluated by the store, the others right before
// the fold. Either the fully merged accumulator or an error is returned.
// An invalid q fails with ErrInvalidFilter before the store is touched.
func (d *Distributed[T, A, P]) Run(ctx context.Context, param P, q Query) (A, error) {
	if err := q.Validate(); err != nil {
		var zero A
		return zero, err
	}
	return execute(ctx, d, func(ctx context.Context) (A, error) {
		return d.reduce(ctx, param, q)
	})
}

// Invoke calls fn for every record matching q and returns one partial
// accumulator per record, in no particular order. Combine them with
// MergeAll.
func (d *Distributed[T, A, P]) Invoke(
	ctx context.Context,
	param P,
	q Query,
	fn func(rec T, param P) A,
) ([]A, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return execute(ctx, d, func(ctx context.Context) ([]A, error) {
		return d.invoke(ctx, param, q, fn)
	})
}

// RunInvoke is the two-phase counterpart of Run: a one-record accumulator
// is built per record and all of them are merged afterwards. It produces
// the same result as Run at the cost of an allocation per record.
func (d *Distributed[T, A, P]) RunInvoke(ctx context.Context, param P, q Query) (A, error) {
	r := d.reduction
	partials, err := d.Invoke(ctx, param, q, func(rec T, param P) A {
		return r.Fold(r.Zero(), rec, param)
	})
	if err != nil {
		var zero A
		return zero, err
	}
	return MergeAll(partials, r.Zero, r.Merge), nil
}

func execute[T Indexed, A, P, R any](
	ctx context.Context,
	d *Distributed[T, A, P],
	call func(ctx context.Context) (R, error),
) (R, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	var result R
	start := time.Now()
	_, err := d.circuitBreaker.Execute(func() (struct{}, error) {
		var err error
		result, err = call(ctx)
		return struct{}{}, err
	})
	if err != nil {
		var zero R
		return zero, classify(ctx, err)
	}
	zap.S().Debugw("distributed aggregation finished", "elapsed", time.Since(start))
	return result, nil
}

// isCallerError reports errors caused by the query rather than the store.
func isCallerError(err error) bool {
	return errors.Is(err, ErrInvalidFilter) || errors.Is(err, ErrUnindexed)
}

func classify(ctx context.Context, err error) error {
	switch {
	case isCallerError(err):
		return err
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(ctx.Err(), context.Canceled):
		return ctx.Err()
	case errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	case errors.Is(err, ErrStoreUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
}

func (d *Distributed[T, A, P]) reduce(ctx context.Context, param P, q Query) (A, error) {
	r := d.reduction
	pushed, residual := q.Split(d.store.Indexes())

	partials := make(chan A)
	merged := make(chan A, 1)
	go func() {
		acc := r.Zero()
		for p := range partials {
			acc = r.Merge(acc, p)
		}
		merged <- acc
	}()

	err := d.store.ForEachPartition(ctx, pushed, func(
		ctx context.Context,
		partition int,
		records iter.Seq2[T, error],
	) error {
		acc := r.Zero()
		n := 0
		for rec, err := range records {
			if err != nil {
				return fmt.Errorf("reading partition %d: %w", partition, err)
			}
			if !residual.Match(rec) {
				continue
			}
			acc = r.Fold(acc, rec, param)
			n++
		}
		zap.S().Debugw("partition is reduced", "partition", partition, "folded", n)
		select {
		case partials <- acc:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	close(partials)
	acc := <-merged
	if err != nil {
		var zero A
		return zero, err
	}
	return acc, nil
}

func (d *Distributed[T, A, P]) invoke(
	ctx context.Context,
	param P,
	q Query,
	fn func(rec T, param P) A,
) ([]A, error) {
	pushed, residual := q.Split(d.store.Indexes())

	var (
		mu      sync.Mutex
		results []A
	)
	err := d.store.ForEachPartition(ctx, pushed, func(
		ctx context.Context,
		partition int,
		records iter.Seq2[T, error],
	) error {
		var local []A
		for rec, err := range records {
			if err != nil {
				return fmt.Errorf("reading partition %d: %w", partition, err)
			}
			if !residual.Match(rec) {
				continue
			}
			local = append(local, fn(rec, param))
		}
		mu.Lock()
		results = append(results, local...)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}
