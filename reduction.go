package cartgrid

// Reduction describes a map-reduce style aggregation: every worker or
// partition starts from Zero, folds its records in with Fold and the
// partial accumulators are combined with Merge.
//
// Merge must be associative and commutative, otherwise local and
// distributed runs over the same records may disagree.
type Reduction[T, A, P any] interface {
	Zero() A
	Fold(acc A, rec T, param P) A
	Merge(a, b A) A
}

// Funcs wraps three functions into a Reduction.
type Funcs[T, A, P any] struct {
	ZeroFunc  func() A
	FoldFunc  func(acc A, rec T, param P) A
	MergeFunc func(a, b A) A
}

// Zero implements the Reduction interface.
func (f Funcs[T, A, P]) Zero() A {
	return f.ZeroFunc()
}

// Fold implements the Reduction interface.
func (f Funcs[T, A, P]) Fold(acc A, rec T, param P) A {
	return f.FoldFunc(acc, rec, param)
}

// Merge implements the Reduction interface.
func (f Funcs[T, A, P]) Merge(a, b A) A {
	return f.MergeFunc(a, b)
}

// MergeAll merges partial accumulators into a single one. An empty input
// yields zero().
func MergeAll[A any](partials []A, zero func() A, merge func(a, b A) A) A {
	acc := zero()
	for _, p := range partials {
		acc = merge(acc, p)
	}
	return acc
}
