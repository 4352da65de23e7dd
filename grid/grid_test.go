package grid

import (
	"context"
	"errors"
	"iter"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiltia/cartgrid"
	"github.com/kiltia/cartgrid/cart"
)

func newGrid(t *testing.T, cfg Config) *Grid[cart.Cart] {
	t.Helper()
	g, err := New[cart.Cart](cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func fill(t *testing.T, g *Grid[cart.Cart], n int) {
	t.Helper()
	for i := range n {
		c := cart.Cart{
			CustomerID: strconv.Itoa(i),
			Items: []cart.Item{
				{Name: "Boomerang", Price: decimal.RequireFromString("12.99"), Quantity: i%3 + 1},
			},
		}
		require.NoError(t, g.Put(context.Background(), c.CustomerID, c))
	}
}

// collect gathers the keys handed out per partition.
func collect(t *testing.T, g *Grid[cart.Cart], q cartgrid.Query) (map[int][]string, error) {
	t.Helper()
	var mu sync.Mutex
	seen := make(map[int][]string)
	err := g.ForEachPartition(context.Background(), q, func(
		_ context.Context,
		p int,
		records iter.Seq2[cart.Cart, error],
	) error {
		for rec, err := range records {
			if err != nil {
				return err
			}
			mu.Lock()
			seen[p] = append(seen[p], rec.CustomerID)
			mu.Unlock()
		}
		return nil
	})
	return seen, err
}

func TestNewRejectsInvalidLayout(t *testing.T) {
	for _, cfg := range []Config{
		{Nodes: 0, Partitions: 4},
		{Nodes: 2, Partitions: 0},
		{Nodes: 4, Partitions: 2},
	} {
		_, err := New[cart.Cart](cfg)
		require.ErrorIs(t, err, ErrInvalidLayout)
	}
}

func TestPartitionsCoverEveryKeyOnce(t *testing.T) {
	g := newGrid(t, Config{Nodes: 3, Partitions: 12})
	fill(t, g, 500)

	total := 0
	for _, n := range g.Len() {
		total += n
	}
	assert.Equal(t, 500, total)

	seen, err := collect(t, g, cartgrid.Query{})
	require.NoError(t, err)
	owner := make(map[string]int)
	for p, keys := range seen {
		for _, k := range keys {
			_, dup := owner[k]
			require.False(t, dup, "key %s handed out twice", k)
			owner[k] = p
			assert.Equal(t, g.PartitionOf(k), p)
		}
	}
	assert.Len(t, owner, 500)
}

func TestPutOverwrites(t *testing.T) {
	g := newGrid(t, Config{Nodes: 1, Partitions: 2})
	ctx := context.Background()
	require.NoError(t, g.Put(ctx, "a", cart.Cart{CustomerID: "a"}))
	require.NoError(t, g.Put(ctx, "a", cart.SampleCart()))

	got, ok := g.Get("a")
	require.True(t, ok)
	assert.Equal(t, "cust17023", got.CustomerID)

	_, ok = g.Get("missing")
	assert.False(t, ok)
}

func TestForEachPartitionFiltersServerSide(t *testing.T) {
	g := newGrid(t, Config{Nodes: 2, Partitions: 4, Indexes: []string{cart.AttrTotalValue}})
	fill(t, g, 90)

	q := cartgrid.Query{Filters: []cartgrid.Filter{
		cartgrid.AtLeast(cart.AttrTotalValue, decimal.RequireFromString("30")),
	}}
	seen, err := collect(t, g, q)
	require.NoError(t, err)

	n := 0
	for _, keys := range seen {
		for _, k := range keys {
			c, _ := g.Get(k)
			assert.True(t, c.TotalValue().GreaterThanOrEqual(decimal.NewFromInt(30)))
			n++
		}
	}
	// quantities cycle 1,2,3 so only a third reaches 38.97
	assert.Equal(t, 30, n)
}

func TestForEachPartitionRejectsUnindexedFilter(t *testing.T) {
	g := newGrid(t, Config{Nodes: 1, Partitions: 1, Indexes: []string{cart.AttrTotalValue}})
	q := cartgrid.Query{Filters: []cartgrid.Filter{
		cartgrid.AtLeast(cart.AttrItemCount, decimal.NewFromInt(2)),
	}}
	_, err := collect(t, g, q)
	require.ErrorIs(t, err, cartgrid.ErrUnindexed)
}

func TestNodeDown(t *testing.T) {
	g := newGrid(t, Config{Nodes: 2, Partitions: 4})
	fill(t, g, 20)

	g.SetNodeDown(1, true)
	_, err := collect(t, g, cartgrid.Query{})
	require.ErrorIs(t, err, ErrNodeDown)

	// a key living on node 1 cannot be written either
	for i := range 100 {
		k := "k" + strconv.Itoa(i)
		if g.NodeOf(g.PartitionOf(k)) == 1 {
			require.ErrorIs(t, g.Put(context.Background(), k, cart.Cart{CustomerID: k}), ErrNodeDown)
			break
		}
	}

	g.SetNodeDown(1, false)
	_, err = collect(t, g, cartgrid.Query{})
	require.NoError(t, err)
}

func TestScanDelayHonorsContext(t *testing.T) {
	g := newGrid(t, Config{Nodes: 1, Partitions: 2, ScanDelay: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := g.ForEachPartition(ctx, cartgrid.Query{}, func(
		context.Context, int, iter.Seq2[cart.Cart, error],
	) error {
		return errors.New("must not be called")
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClosedGrid(t *testing.T) {
	g := newGrid(t, Config{Nodes: 1, Partitions: 1})
	require.NoError(t, g.Close())
	require.ErrorIs(t, g.Put(context.Background(), "a", cart.Cart{}), ErrClosed)
	_, err := collect(t, g, cartgrid.Query{})
	require.ErrorIs(t, err, ErrClosed)
}
