// Package cart models shopping carts and generates reproducible sets of them.
package cart

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Names of the attributes exposed through IndexValue.
const (
	AttrTotalValue = "total_value"
	AttrItemCount  = "item_count"
)

type Item struct {
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
}

func (i Item) String() string {
	return fmt.Sprintf("%s: $%s, Count: %d", i.Name, i.Price.StringFixed(2), i.Quantity)
}

// Cart is keyed by its customer id.
type Cart struct {
	CustomerID string `json:"customer_id"`
	Items      []Item `json:"items"`
}

// TotalValue is the sum of price times quantity over all items.
func (c Cart) TotalValue() decimal.Decimal {
	total := decimal.Zero
	for _, item := range c.Items {
		total = total.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}

// ItemCount is the sum of quantities over all items.
func (c Cart) ItemCount() int {
	n := 0
	for _, item := range c.Items {
		n += item.Quantity
	}
	return n
}

// Contains reports whether one of the items is named product.
func (c Cart) Contains(product string) bool {
	for _, item := range c.Items {
		if item.Name == product {
			return true
		}
	}
	return false
}

// Key returns the identity key of the cart.
func Key(c Cart) string {
	return c.CustomerID
}

// IndexValue exposes the derived attributes of the cart by name.
func (c Cart) IndexValue(attribute string) (decimal.Decimal, bool) {
	switch attribute {
	case AttrTotalValue:
		return c.TotalValue(), true
	case AttrItemCount:
		return decimal.NewFromInt(int64(c.ItemCount())), true
	}
	return decimal.Zero, false
}

// SampleCart returns a hand-filled cart with a large snow globe order.
func SampleCart() Cart {
	return Cart{
		CustomerID: "cust17023",
		Items: []Item{
			{Name: "Acme Widget", Price: decimal.RequireFromString("199.99"), Quantity: 2},
			{Name: "Acme Snow Globe", Price: decimal.RequireFromString("2.99"), Quantity: 400},
		},
	}
}
