// Package grid implements an in-memory partitioned store spread over a
// fixed set of nodes.
package grid

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kiltia/cartgrid"
)

var (
	ErrNodeDown      = errors.New("grid node is down")
	ErrClosed        = errors.New("grid is closed")
	ErrInvalidLayout = errors.New("invalid grid layout")
)

type Config struct {
	Nodes      int
	Partitions int
	// Indexes lists the attributes partitions filter on before handing
	// records out.
	Indexes []string
	// ScanDelay is waited by every partition before scanning, to emulate
	// a slow node.
	ScanDelay time.Duration
}

type partition[T cartgrid.Indexed] struct {
	mu      sync.RWMutex
	records map[string]T
}

// Grid keeps records in hash partitions; partition p lives on node
// p % Nodes.
type Grid[T cartgrid.Indexed] struct {
	cfg        Config
	partitions []*partition[T]
	down       []atomic.Bool
	closed     atomic.Bool
}

var _ cartgrid.Store[cartgrid.Indexed] = (*Grid[cartgrid.Indexed])(nil)

func New[T cartgrid.Indexed](cfg Config) (*Grid[T], error) {
	if cfg.Nodes < 1 || cfg.Partitions < 1 {
		return nil, fmt.Errorf(
			"%w: nodes=%d partitions=%d",
			ErrInvalidLayout, cfg.Nodes, cfg.Partitions,
		)
	}
	if cfg.Partitions < cfg.Nodes {
		return nil, fmt.Errorf(
			"%w: %d partitions cannot cover %d nodes",
			ErrInvalidLayout, cfg.Partitions, cfg.Nodes,
		)
	}
	g := &Grid[T]{
		cfg:        cfg,
		partitions: make([]*partition[T], cfg.Partitions),
		down:       make([]atomic.Bool, cfg.Nodes),
	}
	for i := range g.partitions {
		g.partitions[i] = &partition[T]{records: make(map[string]T)}
	}
	return g, nil
}

// PartitionOf returns the partition owning key.
func (g *Grid[T]) PartitionOf(key string) int {
	return cartgrid.PartitionOf(key, len(g.partitions))
}

// NodeOf returns the node hosting partition p.
func (g *Grid[T]) NodeOf(p int) int {
	return p % g.cfg.Nodes
}

// SetNodeDown marks a node unreachable (or reachable again). Partitions
// hosted on a down node fail every operation with ErrNodeDown.
func (g *Grid[T]) SetNodeDown(node int, down bool) {
	g.down[node].Store(down)
	zap.S().Debugw("grid node state changed", "node", node, "down", down)
}

func (g *Grid[T]) check(p int) error {
	if g.closed.Load() {
		return ErrClosed
	}
	if node := g.NodeOf(p); g.down[node].Load() {
		return fmt.Errorf("partition %d on node %d: %w", p, node, ErrNodeDown)
	}
	return nil
}

func (g *Grid[T]) Put(ctx context.Context, key string, rec T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := g.PartitionOf(key)
	if err := g.check(p); err != nil {
		return err
	}
	part := g.partitions[p]
	part.mu.Lock()
	part.records[key] = rec
	part.mu.Unlock()
	return nil
}

// Get returns the record stored under key.
func (g *Grid[T]) Get(key string) (T, bool) {
	part := g.partitions[g.PartitionOf(key)]
	part.mu.RLock()
	defer part.mu.RUnlock()
	rec, ok := part.records[key]
	return rec, ok
}

// Len returns the number of records per partition.
func (g *Grid[T]) Len() []int {
	sizes := make([]int, len(g.partitions))
	for i, part := range g.partitions {
		part.mu.RLock()
		sizes[i] = len(part.records)
		part.mu.RUnlock()
	}
	return sizes
}

func (g *Grid[T]) Indexes() []string {
	return slices.Clone(g.cfg.Indexes)
}

func (g *Grid[T]) ForEachPartition(
	ctx context.Context,
	q cartgrid.Query,
	fn cartgrid.PartitionFunc[T],
) error {
	if err := q.Validate(); err != nil {
		return err
	}
	if err := q.CheckIndexed(g.cfg.Indexes); err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	for p := range g.partitions {
		eg.Go(func() error {
			if err := g.check(p); err != nil {
				return err
			}
			if g.cfg.ScanDelay > 0 {
				select {
				case <-time.After(g.cfg.ScanDelay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return fn(ctx, p, g.scan(ctx, p, q))
		})
	}
	return eg.Wait()
}

// scan iterates over a snapshot of the partition in key order.
func (g *Grid[T]) scan(ctx context.Context, p int, q cartgrid.Query) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		part := g.partitions[p]
		part.mu.RLock()
		keys := slices.Sorted(maps.Keys(part.records))
		snapshot := make([]T, len(keys))
		for i, k := range keys {
			snapshot[i] = part.records[k]
		}
		part.mu.RUnlock()

		for _, rec := range snapshot {
			if err := ctx.Err(); err != nil {
				var zero T
				yield(zero, err)
				return
			}
			if !q.Match(rec) {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (g *Grid[T]) Close() error {
	g.closed.Store(true)
	return nil
}
