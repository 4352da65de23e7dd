package cartgrid

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
)

// LoadOptions controls how Load retries failed puts.
type LoadOptions struct {
	// Retries is the number of additional attempts per record.
	Retries   int
	RetryWait time.Duration
}

// Load puts every record into the store under the key returned by key and
// returns the number of stored records. Keys must be unique within one
// load.
func Load[T Indexed](
	ctx context.Context,
	store Store[T],
	records iter.Seq[T],
	key func(T) string,
	opts LoadOptions,
) (int, error) {
	seen := make(map[string]struct{})
	n := 0
	for rec := range records {
		k := key(rec)
		if _, ok := seen[k]; ok {
			return n, fmt.Errorf("%w: %s", ErrDuplicateKey, k)
		}
		seen[k] = struct{}{}

		err := retry.Do(
			func() error {
				return store.Put(ctx, k, rec)
			},
			retry.Context(ctx),
			retry.Attempts(uint(opts.Retries)+1),
			retry.Delay(opts.RetryWait),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(attempt uint, err error) {
				zap.S().Debugw("retrying put", "key", k, "attempt", attempt+1, "error", err)
			}),
		)
		if err != nil {
			return n, fmt.Errorf("%w: putting record %s: %w", ErrStoreUnavailable, k, err)
		}
		n++
	}
	zap.S().Infow("records are loaded into the store", "count", n)
	return n, nil
}
