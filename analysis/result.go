// Package analysis computes the share of carts containing a given product.
package analysis

import (
	"errors"
	"fmt"

	"github.com/kiltia/cartgrid"
	"github.com/kiltia/cartgrid/cart"
)

var ErrEmptyResult = errors.New("no carts were analyzed")

// Result counts the carts containing the searched product (Matches) among
// all analyzed carts (Total).
type Result struct {
	Matches int64 `json:"matches"`
	Total   int64 `json:"total"`
}

func Zero() *Result {
	return &Result{}
}

// Fold adds one cart to acc and returns it.
func Fold(acc *Result, c cart.Cart, product string) *Result {
	if c.Contains(product) {
		acc.Matches++
	}
	acc.Total++
	return acc
}

// Merge adds b into a and returns a. Nil accumulators count as empty.
func Merge(a, b *Result) *Result {
	if a == nil {
		a = Zero()
	}
	if b == nil {
		return a
	}
	a.Matches += b.Matches
	a.Total += b.Total
	return a
}

// ProductSearch counts carts containing the product passed as parameter.
var ProductSearch cartgrid.Reduction[cart.Cart, *Result, string] = cartgrid.Funcs[cart.Cart, *Result, string]{
	ZeroFunc:  Zero,
	FoldFunc:  Fold,
	MergeFunc: Merge,
}

// Percentage returns Matches/Total*100.
func (r Result) Percentage() (float64, error) {
	if r.Total == 0 {
		return 0, ErrEmptyResult
	}
	return float64(r.Matches) / float64(r.Total) * 100, nil
}

// Report renders the percentage with one decimal place.
func (r Result) Report(product string) string {
	pct, err := r.Percentage()
	if err != nil {
		return fmt.Sprintf("no carts analyzed, share of carts containing %s is undefined", product)
	}
	return fmt.Sprintf("%.1f percent of carts contain %s", pct, product)
}
