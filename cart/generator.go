package cart

import (
	"errors"
	"fmt"
	"iter"
	"math/rand/v2"
	"strconv"
)

const (
	DefaultMaxItemsPerCart       = 5
	DefaultMaxQuantityPerProduct = 3
)

var ErrInvalidParameters = errors.New("invalid generation parameters")

// Generator produces pseudo-random carts from a catalog.
type Generator struct {
	catalog               Catalog
	maxItemsPerCart       int
	maxQuantityPerProduct int
}

func NewGenerator(
	catalog Catalog,
	maxItemsPerCart int,
	maxQuantityPerProduct int,
) (*Generator, error) {
	if len(catalog) == 0 {
		return nil, fmt.Errorf("%w: empty catalog", ErrInvalidParameters)
	}
	if maxItemsPerCart < 1 {
		return nil, fmt.Errorf(
			"%w: max items per cart must be positive, got %d",
			ErrInvalidParameters, maxItemsPerCart,
		)
	}
	if maxQuantityPerProduct < 1 {
		return nil, fmt.Errorf(
			"%w: max quantity per product must be positive, got %d",
			ErrInvalidParameters, maxQuantityPerProduct,
		)
	}
	return &Generator{
		catalog:               catalog,
		maxItemsPerCart:       maxItemsPerCart,
		maxQuantityPerProduct: maxQuantityPerProduct,
	}, nil
}

// Generate returns a sequence of count carts. Every iteration over the
// sequence seeds its own random source with seed, so iterating twice
// yields the same carts.
//
// A product drawn twice for the same cart is skipped rather than redrawn,
// so a cart may hold fewer items than drawn.
func (g *Generator) Generate(count int, seed uint64) (iter.Seq[Cart], error) {
	if count < 0 {
		return nil, fmt.Errorf("%w: negative cart count %d", ErrInvalidParameters, count)
	}
	return func(yield func(Cart) bool) {
		rnd := rand.New(rand.NewPCG(seed, seed))
		for i := range count {
			if !yield(g.next(rnd, strconv.Itoa(i))) {
				return
			}
		}
	}, nil
}

func (g *Generator) next(rnd *rand.Rand, customerID string) Cart {
	c := Cart{CustomerID: customerID}
	drawn := rnd.IntN(g.maxItemsPerCart) + 1
	chosen := make(map[int]struct{}, drawn)
	for range drawn {
		idx := rnd.IntN(len(g.catalog))
		if _, ok := chosen[idx]; ok {
			continue
		}
		chosen[idx] = struct{}{}
		p := g.catalog[idx]
		c.Items = append(c.Items, Item{
			Name:     p.Name,
			Price:    p.Price,
			Quantity: rnd.IntN(g.maxQuantityPerProduct) + 1,
		})
	}
	return c
}
