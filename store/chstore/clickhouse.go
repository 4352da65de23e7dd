// Package chstore keeps carts in a ClickHouse table partitioned by the
// cart's hash partition.
package chstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"slices"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/ClickHouse/clickhouse-go/v2/lib/proto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kiltia/cartgrid"
	"github.com/kiltia/cartgrid/cart"
)

var ErrInvalidConfig = errors.New("invalid clickhouse store config")

// maxPartitions is the number of values of the UInt16 partition column.
const maxPartitions = math.MaxUint16 + 1

// columns maps indexable attributes to their materialized columns.
var columns = map[string]string{
	cart.AttrTotalValue: "total_value",
	cart.AttrItemCount:  "item_count",
}

var createTableTmpl = template.Must(template.New("create").Parse(`
CREATE TABLE IF NOT EXISTS {{.Table}}
(
    run String,
    key String,
    partition UInt16,
    version UInt64,
    item_names Array(String),
    item_prices Array(Decimal(18, 2)),
    item_quantities Array(UInt32),
    total_value Decimal(18, 2) MATERIALIZED
        toDecimal64(arraySum(arrayMap((p, q) -> p * q, item_prices, item_quantities)), 2),
    item_count UInt32 MATERIALIZED toUInt32(arraySum(item_quantities))
)
ENGINE = ReplacingMergeTree(version)
PARTITION BY partition
ORDER BY (run, key)
`))

var _ cartgrid.Store[cart.Cart] = (*Store)(nil)

type Config struct {
	Host     string
	Port     string
	Database string
	Username string
	Password string
	Table    string
	// Run scopes the rows of this store within the shared table. A random
	// one is chosen when empty.
	Run string

	Partitions      int
	Indexes         []string
	InsertBatchSize int
}

// Store buffers puts and writes them in batches; pending rows are flushed
// before every scan and on Close.
type Store struct {
	conn       driver.Conn
	table      string
	run        string
	partitions int
	indexes    []string
	batchSize  int

	mu      sync.Mutex
	pending []cart.Cart
}

func New(ctx context.Context, cfg Config) (*Store, *proto.ServerHandshake, error) {
	if cfg.Table == "" || cfg.Partitions < 1 || cfg.Partitions > maxPartitions {
		return nil, nil, fmt.Errorf(
			"%w: table=%q partitions=%d",
			ErrInvalidConfig, cfg.Table, cfg.Partitions,
		)
	}
	for _, attr := range cfg.Indexes {
		if _, ok := columns[attr]; !ok {
			return nil, nil, fmt.Errorf("%w: cannot index %q", ErrInvalidConfig, attr)
		}
	}
	if cfg.Run == "" {
		cfg.Run = uuid.NewString()
	}

	zap.S().Debug("opening connection to the ClickHouse")
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: opening connection: %w", cartgrid.ErrStoreUnavailable, err)
	}
	version, err := conn.ServerVersion()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf(
			"%w: retrieving server version: %w",
			cartgrid.ErrStoreUnavailable, err,
		)
	}

	s := &Store{
		conn:       conn,
		table:      cfg.Table,
		run:        cfg.Run,
		partitions: cfg.Partitions,
		indexes:    slices.Clone(cfg.Indexes),
		batchSize:  max(cfg.InsertBatchSize, 1),
	}
	if err := s.InitTable(ctx); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("creating table %s: %w", cfg.Table, err)
	}
	zap.S().Infow("opened clickhouse store", "table", cfg.Table, "run", cfg.Run)
	return s, version, nil
}

func createTableQuery(table string) (string, error) {
	var buf bytes.Buffer
	if err := createTableTmpl.Execute(&buf, struct{ Table string }{table}); err != nil {
		return "", fmt.Errorf("executing template: %w", err)
	}
	return buf.String(), nil
}

func (s *Store) InitTable(ctx context.Context) error {
	query, err := createTableQuery(s.table)
	if err != nil {
		return err
	}
	return s.conn.Exec(ctx, query)
}

func (s *Store) Indexes() []string {
	return slices.Clone(s.indexes)
}

func (s *Store) Put(ctx context.Context, key string, rec cart.Cart) error {
	rec.CustomerID = key
	s.mu.Lock()
	s.pending = append(s.pending, rec)
	full := len(s.pending) >= s.batchSize
	s.mu.Unlock()
	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush writes every pending cart. On failure the carts stay pending.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}

	zap.S().Debugw("inserting a batch to the database", "size", len(s.pending))
	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf(
		"INSERT INTO %s (run, key, partition, version, item_names, item_prices, item_quantities)",
		s.table,
	))
	if err != nil {
		return fmt.Errorf("preparing batch: %w", err)
	}
	version := uint64(time.Now().UnixNano())
	for _, c := range s.pending {
		names, prices, quantities := splitItems(c.Items)
		err := batch.Append(
			s.run,
			c.CustomerID,
			uint16(cartgrid.PartitionOf(c.CustomerID, s.partitions)),
			version,
			names,
			prices,
			quantities,
		)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("appending cart %s: %w", c.CustomerID, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("sending batch: %w", err)
	}
	s.pending = s.pending[:0]
	return nil
}

func splitItems(items []cart.Item) ([]string, []decimal.Decimal, []uint32) {
	names := make([]string, len(items))
	prices := make([]decimal.Decimal, len(items))
	quantities := make([]uint32, len(items))
	for i, item := range items {
		names[i] = item.Name
		prices[i] = item.Price
		quantities[i] = uint32(item.Quantity)
	}
	return names, prices, quantities
}

func joinItems(names []string, prices []decimal.Decimal, quantities []uint32) ([]cart.Item, error) {
	if len(names) != len(prices) || len(names) != len(quantities) {
		return nil, fmt.Errorf(
			"item columns differ in length: %d names, %d prices, %d quantities",
			len(names), len(prices), len(quantities),
		)
	}
	if len(names) == 0 {
		return nil, nil
	}
	items := make([]cart.Item, len(names))
	for i := range names {
		items[i] = cart.Item{Name: names[i], Price: prices[i], Quantity: int(quantities[i])}
	}
	return items, nil
}

// selectQuery builds the scan of one partition of a run. Filter values are
// bound as parameters; attributes and operators come from closed sets.
// Values are bound at scale 4, so callers recheck the returned rows.
func selectQuery(table, run string, partition int, q cartgrid.Query) (string, []any, error) {
	conds := []string{"run = ?", "partition = ?"}
	args := []any{run, uint16(partition)}
	for _, f := range q.Filters {
		if err := f.Validate(); err != nil {
			return "", nil, err
		}
		col, ok := columns[f.Attribute]
		if !ok {
			return "", nil, fmt.Errorf("%w: %s", cartgrid.ErrUnindexed, f.Attribute)
		}
		conds = append(conds, fmt.Sprintf("%s %s toDecimal128(?, 4)", col, f.Op))
		args = append(args, f.Value.String())
	}
	query := fmt.Sprintf(
		"SELECT key, item_names, item_prices, item_quantities FROM %s FINAL WHERE %s ORDER BY key",
		table,
		strings.Join(conds, " AND "),
	)
	return query, args, nil
}

func (s *Store) ForEachPartition(
	ctx context.Context,
	q cartgrid.Query,
	fn cartgrid.PartitionFunc[cart.Cart],
) error {
	if err := q.Validate(); err != nil {
		return err
	}
	if err := q.CheckIndexed(s.indexes); err != nil {
		return err
	}
	if err := s.Flush(ctx); err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	for p := range s.partitions {
		eg.Go(func() error {
			query, args, err := selectQuery(s.table, s.run, p, q)
			if err != nil {
				return err
			}
			zap.S().Debugw("selecting partition", "partition", p, "query", query)
			rows, err := s.conn.Query(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("querying partition %d: %w", p, err)
			}
			defer rows.Close()
			return fn(ctx, p, scan(rows, q))
		})
	}
	return eg.Wait()
}

func scan(rows driver.Rows, q cartgrid.Query) iter.Seq2[cart.Cart, error] {
	return func(yield func(cart.Cart, error) bool) {
		for rows.Next() {
			var (
				c          cart.Cart
				names      []string
				prices     []decimal.Decimal
				quantities []uint32
			)
			if err := rows.Scan(&c.CustomerID, &names, &prices, &quantities); err != nil {
				yield(cart.Cart{}, fmt.Errorf("scanning row: %w", err))
				return
			}
			items, err := joinItems(names, prices, quantities)
			if err != nil {
				yield(cart.Cart{}, fmt.Errorf("cart %s: %w", c.CustomerID, err))
				return
			}
			c.Items = items
			if !q.Match(c) {
				continue
			}
			if !yield(c, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(cart.Cart{}, err)
		}
	}
}

// Drop deletes the rows of this store's run.
func (s *Store) Drop(ctx context.Context) error {
	return s.conn.Exec(ctx, fmt.Sprintf("ALTER TABLE %s DELETE WHERE run = ?", s.table), s.run)
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Join(s.Flush(ctx), s.conn.Close())
}
