package cartgrid

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"

	"github.com/shopspring/decimal"
)

var (
	// ErrStoreUnavailable is returned when the partitioned store cannot be
	// reached or one of its partitions fails during an aggregation.
	ErrStoreUnavailable = errors.New("partitioned store is unavailable")
	// ErrTimeout is returned when a distributed aggregation exceeds its
	// time budget.
	ErrTimeout = errors.New("distributed aggregation timed out")
	// ErrUnindexed is returned by stores asked to filter on an attribute
	// they have not declared in Indexes.
	ErrUnindexed = errors.New("attribute is not indexed by the store")
	// ErrInvalidFilter is returned for filters with an unknown operator.
	ErrInvalidFilter = errors.New("invalid filter")
	// ErrDuplicateKey is returned by Load when two records share a key.
	ErrDuplicateKey = errors.New("duplicate record key")
)

// Indexed is implemented by records that expose named numeric attributes
// for filtering.
type Indexed interface {
	IndexValue(attribute string) (decimal.Decimal, bool)
}

// PartitionFunc is executed by the store once per partition. The records
// sequence yields a non-nil error when the partition cannot be read any
// further.
type PartitionFunc[T any] func(
	ctx context.Context,
	partition int,
	records iter.Seq2[T, error],
) error

// Store is a partitioned record store able to run a function next to the
// data of each of its partitions.
type Store[T Indexed] interface {
	// Put inserts or overwrites the record stored under key.
	Put(ctx context.Context, key string, rec T) error
	// Indexes lists the attributes the store can filter on server-side.
	Indexes() []string
	// ForEachPartition runs fn concurrently for every partition, passing
	// only the records matching q. It returns after every invocation of
	// fn has returned; the first error is reported.
	ForEachPartition(ctx context.Context, q Query, fn PartitionFunc[T]) error
	Close() error
}

type Op string

const (
	OpEq  Op = "="
	OpGt  Op = ">"
	OpGte Op = ">="
	OpLt  Op = "<"
	OpLte Op = "<="
)

// Filter is a comparison of a record attribute against a constant.
type Filter struct {
	Attribute string
	Op        Op
	Value     decimal.Decimal
}

// AtLeast returns a filter accepting records whose attribute is >= v.
func AtLeast(attribute string, v decimal.Decimal) Filter {
	return Filter{Attribute: attribute, Op: OpGte, Value: v}
}

func (f Filter) Validate() error {
	switch f.Op {
	case OpEq, OpGt, OpGte, OpLt, OpLte:
	default:
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidFilter, f.Op)
	}
	if f.Attribute == "" {
		return fmt.Errorf("%w: empty attribute", ErrInvalidFilter)
	}
	return nil
}

// Compare reports whether v satisfies the filter.
func (f Filter) Compare(v decimal.Decimal) bool {
	c := v.Cmp(f.Value)
	switch f.Op {
	case OpEq:
		return c == 0
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	}
	return false
}

// Match reports whether rec satisfies the filter. Records lacking the
// attribute never match.
func (f Filter) Match(rec Indexed) bool {
	v, ok := rec.IndexValue(f.Attribute)
	if !ok {
		return false
	}
	return f.Compare(v)
}

// Query is a conjunction of filters. The zero Query matches everything.
type Query struct {
	Filters []Filter
}

func (q Query) Validate() error {
	var errs []error
	for _, f := range q.Filters {
		errs = append(errs, f.Validate())
	}
	return errors.Join(errs...)
}

func (q Query) Match(rec Indexed) bool {
	for _, f := range q.Filters {
		if !f.Match(rec) {
			return false
		}
	}
	return true
}

func (q Query) Empty() bool {
	return len(q.Filters) == 0
}

// Split separates the filters a store can evaluate (their attribute is in
// indexes) from those that have to be applied next to the fold.
func (q Query) Split(indexes []string) (pushed, residual Query) {
	for _, f := range q.Filters {
		if slices.Contains(indexes, f.Attribute) {
			pushed.Filters = append(pushed.Filters, f)
		} else {
			residual.Filters = append(residual.Filters, f)
		}
	}
	return pushed, residual
}

// CheckIndexed returns ErrUnindexed for the first filter whose attribute
// is not listed in indexes. Stores call it before evaluating a query.
func (q Query) CheckIndexed(indexes []string) error {
	for _, f := range q.Filters {
		if !slices.Contains(indexes, f.Attribute) {
			return fmt.Errorf("%w: %s", ErrUnindexed, f.Attribute)
		}
	}
	return nil
}
