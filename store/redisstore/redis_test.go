package redisstore

import (
	"context"
	"iter"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiltia/cartgrid"
	"github.com/kiltia/cartgrid/cart"
)

func TestKeyLayoutSharesHashTag(t *testing.T) {
	s := &Store[cart.Cart]{namespace: "run", partitions: 4, indexes: []string{cart.AttrTotalValue}}

	assert.Equal(t, "{run:2}:rec:cust17023", s.recordKey(2, "cust17023"))
	assert.Equal(t, "{run:2}:keys", s.membersKey(2))
	assert.Equal(t, "{run:2}:idx:total_value", s.indexKey(2, cart.AttrTotalValue))
	assert.Equal(t, "redis(namespace=run, partitions=4, indexes=total_value)", s.String())
}

func TestScoreRange(t *testing.T) {
	v := decimal.RequireFromString("19.99")
	tests := []struct {
		op       cartgrid.Op
		min, max string
	}{
		{cartgrid.OpGte, "19.99", "+inf"},
		{cartgrid.OpGt, "19.99", "+inf"},
		{cartgrid.OpLte, "-inf", "19.99"},
		{cartgrid.OpLt, "-inf", "19.99"},
		{cartgrid.OpEq, "19.99", "19.99"},
	}
	for _, tt := range tests {
		t.Run(string(tt.op), func(t *testing.T) {
			r := scoreRange(cartgrid.Filter{Attribute: cart.AttrTotalValue, Op: tt.op, Value: v})
			assert.Equal(t, tt.min, r.Min)
			assert.Equal(t, tt.max, r.Max)
		})
	}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New[cart.Cart](context.Background(), Config{Partitions: 4})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New[cart.Cart](context.Background(), Config{Addrs: []string{"localhost:6379"}})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := New[cart.Cart](ctx, Config{
		Addrs:       []string{"127.0.0.1:1"},
		Partitions:  2,
		DialTimeout: 100 * time.Millisecond,
	})
	require.ErrorIs(t, err, cartgrid.ErrStoreUnavailable)
}

func newTestStore(t *testing.T, indexes ...string) *Store[cart.Cart] {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := New[cart.Cart](context.Background(), Config{
		Addrs:      []string{mr.Addr()},
		Namespace:  "test",
		Partitions: 8,
		Indexes:    indexes,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testCarts(t *testing.T, count int) []cart.Cart {
	t.Helper()
	g, err := cart.NewGenerator(
		cart.DefaultCatalog(),
		cart.DefaultMaxItemsPerCart,
		cart.DefaultMaxQuantityPerProduct,
	)
	require.NoError(t, err)
	seq, err := g.Generate(count, 123)
	require.NoError(t, err)
	return append(slices.Collect(seq), cart.SampleCart())
}

func storedKeys(t *testing.T, s *Store[cart.Cart], q cartgrid.Query) []string {
	t.Helper()
	var (
		mu   sync.Mutex
		keys []string
	)
	err := s.ForEachPartition(context.Background(), q, func(
		_ context.Context,
		_ int,
		records iter.Seq2[cart.Cart, error],
	) error {
		for c, err := range records {
			if err != nil {
				return err
			}
			mu.Lock()
			keys = append(keys, c.CustomerID)
			mu.Unlock()
		}
		return nil
	})
	require.NoError(t, err)
	slices.Sort(keys)
	return keys
}

func matchingKeys(carts []cart.Cart, q cartgrid.Query) []string {
	var keys []string
	for _, c := range carts {
		if q.Match(c) {
			keys = append(keys, c.CustomerID)
		}
	}
	slices.Sort(keys)
	return keys
}

func TestForEachPartitionFiltersLikeClient(t *testing.T) {
	s := newTestStore(t, cart.AttrTotalValue, cart.AttrItemCount)
	carts := testCarts(t, 1000)
	_, err := cartgrid.Load(context.Background(), s, slices.Values(carts), cart.Key, cartgrid.LoadOptions{})
	require.NoError(t, err)

	sampleTotal := cart.SampleCart().TotalValue()
	filter := func(attr string, op cartgrid.Op, v decimal.Decimal) cartgrid.Filter {
		return cartgrid.Filter{Attribute: attr, Op: op, Value: v}
	}
	tests := map[string]cartgrid.Query{
		"no filter": {},
		"at least 20": {Filters: []cartgrid.Filter{
			cartgrid.AtLeast(cart.AttrTotalValue, decimal.NewFromInt(20)),
		}},
		"value and count": {Filters: []cartgrid.Filter{
			cartgrid.AtLeast(cart.AttrTotalValue, decimal.NewFromInt(20)),
			filter(cart.AttrItemCount, cartgrid.OpLte, decimal.NewFromInt(5)),
		}},
		"strictly above a stored total": {Filters: []cartgrid.Filter{
			filter(cart.AttrTotalValue, cartgrid.OpGt, sampleTotal),
		}},
		"equal to a stored total": {Filters: []cartgrid.Filter{
			filter(cart.AttrTotalValue, cartgrid.OpEq, sampleTotal),
		}},
		"strictly below a fraction": {Filters: []cartgrid.Filter{
			filter(cart.AttrTotalValue, cartgrid.OpLt, decimal.RequireFromString("9.99")),
		}},
	}
	for name, q := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, matchingKeys(carts, q), storedKeys(t, s, q))
		})
	}

	assert.Contains(t, storedKeys(t, s, tests["equal to a stored total"]), "cust17023")
	assert.NotContains(t, storedKeys(t, s, tests["strictly above a stored total"]), "cust17023")
}

func TestForEachPartitionRejectsUnindexed(t *testing.T) {
	s := newTestStore(t, cart.AttrTotalValue)
	err := s.ForEachPartition(context.Background(), cartgrid.Query{Filters: []cartgrid.Filter{
		cartgrid.AtLeast(cart.AttrItemCount, decimal.NewFromInt(1)),
	}}, func(context.Context, int, iter.Seq2[cart.Cart, error]) error {
		return nil
	})
	require.ErrorIs(t, err, cartgrid.ErrUnindexed)
}

func TestScanSkipsRecordsRemovedAfterListing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, key := range []string{"a", "b"} {
		c := cart.SampleCart()
		c.CustomerID = key
		require.NoError(t, s.Put(ctx, key, c))
	}

	keys := []string{"a", "b"}
	p := cartgrid.PartitionOf("a", s.partitions)
	if cartgrid.PartitionOf("b", s.partitions) != p {
		keys = keys[:1]
	}
	listed, err := s.candidates(ctx, p, cartgrid.Query{})
	require.NoError(t, err)
	require.Equal(t, keys, listed)

	require.NoError(t, s.rdb.Del(ctx, s.recordKey(p, "a")).Err())

	var got []string
	for c, err := range s.scan(ctx, p, listed, cartgrid.Query{}) {
		require.NoError(t, err)
		got = append(got, c.CustomerID)
	}
	assert.Equal(t, keys[1:], got)
}
