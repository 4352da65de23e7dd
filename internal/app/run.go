// Package app runs every analysis strategy over the configured carts.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/kiltia/cartgrid"
	"github.com/kiltia/cartgrid/analysis"
	"github.com/kiltia/cartgrid/cart"
	"github.com/kiltia/cartgrid/config"
	"github.com/kiltia/cartgrid/grid"
	"github.com/kiltia/cartgrid/internal/report"
	"github.com/kiltia/cartgrid/store/chstore"
	"github.com/kiltia/cartgrid/store/redisstore"
)

const (
	StrategyLocal               = "local"
	StrategyLocalFiltered       = "local-filtered"
	StrategyDistributed         = "distributed"
	StrategyDistributedInvoke   = "distributed-invoke"
	StrategyDistributedFiltered = "distributed-filtered"
)

var ErrStrategiesFailed = errors.New("one or more strategies failed")

type distributedSearch = cartgrid.Distributed[cart.Cart, *analysis.Result, string]

type distributedStrategy struct {
	name string
	run  func(d *distributedSearch) (*analysis.Result, error)
}

type dropper interface {
	Drop(ctx context.Context) error
}

// Run generates the carts and runs every strategy on them, printing one
// line per strategy. A failing strategy does not stop the others; Run
// reports ErrStrategiesFailed once all of them are done.
func Run(ctx context.Context, cfg *config.Config, out io.Writer) error {
	generator, err := cart.NewGenerator(
		cart.DefaultCatalog(),
		cfg.Run.MaxItemsPerCart,
		cfg.Run.MaxQuantityPerProduct,
	)
	if err != nil {
		return err
	}
	carts, err := generator.Generate(cfg.Run.Count, cfg.Run.Seed)
	if err != nil {
		return err
	}
	if cfg.Run.IncludeSampleCart {
		carts = withSample(carts)
	}

	minTotal, filtered, err := cfg.Run.MinTotalValue()
	if err != nil {
		return err
	}
	var filter cartgrid.Query
	if filtered {
		filter.Filters = []cartgrid.Filter{cartgrid.AtLeast(cart.AttrTotalValue, minTotal)}
	}
	// RunLocal cannot report a bad filter, so check it once for every strategy
	if err := filter.Validate(); err != nil {
		return err
	}

	product := cfg.Run.Product
	printer := report.NewPrinter(out)
	emit := func(strategy string, res *analysis.Result, err error) {
		if err != nil {
			zap.S().Errorw("strategy failed", "strategy", strategy, "error", err)
			printer.Print(strategy, "", err)
			return
		}
		text := res.Report(product)
		if strategy == StrategyLocalFiltered || strategy == StrategyDistributedFiltered {
			text = fmt.Sprintf("%s (carts worth at least $%s)", text, minTotal.StringFixed(2))
		}
		zap.S().Infow("strategy finished", "strategy", strategy, "matches", res.Matches, "total", res.Total)
		printer.Print(strategy, text, nil)
	}

	local := []cartgrid.LocalOption{cartgrid.WithWorkers(cfg.Local.Workers)}
	emit(StrategyLocal, cartgrid.RunLocal(carts, analysis.ProductSearch, product, local...), nil)
	if filtered {
		res := cartgrid.RunLocal(
			carts,
			analysis.ProductSearch,
			product,
			append(local, cartgrid.WithQuery(filter))...,
		)
		emit(StrategyLocalFiltered, res, nil)
	}

	distributed := []distributedStrategy{
		{StrategyDistributed, func(d *distributedSearch) (*analysis.Result, error) {
			return d.Run(ctx, product, cartgrid.Query{})
		}},
		{StrategyDistributedInvoke, func(d *distributedSearch) (*analysis.Result, error) {
			return d.RunInvoke(ctx, product, cartgrid.Query{})
		}},
	}
	if filtered {
		distributed = append(distributed, distributedStrategy{
			StrategyDistributedFiltered, func(d *distributedSearch) (*analysis.Result, error) {
				return d.Run(ctx, product, filter)
			},
		})
	}

	store, err := prepareStore(ctx, cfg, carts)
	if err != nil {
		for _, s := range distributed {
			emit(s.name, nil, err)
		}
	} else {
		defer closeStore(cfg, store)
		d := cartgrid.NewDistributed(
			store,
			analysis.ProductSearch,
			cartgrid.WithTimeout(cfg.Distributed.Timeout),
			cartgrid.WithBreakerSettings(breakerSettings(cfg.Distributed.CircuitBreaker)),
		)
		for _, s := range distributed {
			res, err := s.run(d)
			emit(s.name, res, err)
		}
	}

	if n := printer.Failed(); n > 0 {
		return fmt.Errorf("%w: %d failed", ErrStrategiesFailed, n)
	}
	return nil
}

func withSample(carts iter.Seq[cart.Cart]) iter.Seq[cart.Cart] {
	return func(yield func(cart.Cart) bool) {
		for c := range carts {
			if !yield(c) {
				return
			}
		}
		yield(cart.SampleCart())
	}
}

// prepareStore opens the configured store and loads the carts into it.
func prepareStore(
	ctx context.Context,
	cfg *config.Config,
	carts iter.Seq[cart.Cart],
) (cartgrid.Store[cart.Cart], error) {
	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Backend, err)
	}
	_, err = cartgrid.Load(ctx, store, carts, cart.Key, cartgrid.LoadOptions{
		Retries:   cfg.Loader.Retries,
		RetryWait: cfg.Loader.RetryWait,
	})
	if err != nil {
		closeStore(cfg, store)
		return nil, fmt.Errorf("loading carts: %w", err)
	}
	return store, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (cartgrid.Store[cart.Cart], error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return grid.New[cart.Cart](grid.Config{
			Nodes:      cfg.Nodes,
			Partitions: cfg.Partitions,
			Indexes:    cfg.Indexes,
		})
	case config.BackendRedis:
		return redisstore.New[cart.Cart](ctx, redisstore.Config{
			Addrs:       cfg.Redis.Addrs,
			Username:    cfg.Redis.Username,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
			Namespace:   cfg.Redis.Namespace,
			Partitions:  cfg.Partitions,
			Indexes:     cfg.Indexes,
		})
	case config.BackendClickhouse:
		store, version, err := chstore.New(ctx, chstore.Config{
			Host:            cfg.Clickhouse.Host,
			Port:            cfg.Clickhouse.Port,
			Database:        cfg.Clickhouse.Database,
			Username:        cfg.Clickhouse.Username,
			Password:        cfg.Clickhouse.Password,
			Table:           cfg.Clickhouse.Table,
			Run:             cfg.Clickhouse.Run,
			Partitions:      cfg.Partitions,
			Indexes:         cfg.Indexes,
			InsertBatchSize: cfg.Clickhouse.InsertBatchSize,
		})
		if err != nil {
			return nil, err
		}
		zap.S().Infow(
			"created a new clickhouse client",
			"version", fmt.Sprintf("%v", version.Version),
		)
		return store, nil
	}
	return nil, fmt.Errorf("%w: unknown store backend %q", config.ErrInvalidConfig, cfg.Backend)
}

func closeStore(cfg *config.Config, store cartgrid.Store[cart.Cart]) {
	if d, ok := store.(dropper); ok && cfg.Store.Cleanup {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.Drop(ctx); err != nil {
			zap.S().Warnw("dropping stored carts", "error", err)
		}
	}
	if err := store.Close(); err != nil {
		zap.S().Warnw("closing store", "error", err)
	}
}

func breakerSettings(cfg config.CircuitBreakerConfig) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "partitioned_store",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if !cfg.Enabled {
				return false
			}
			tooManyTotal := counts.TotalFailures > cfg.TotalFailurePerInterval
			tooManyConsecutive := counts.ConsecutiveFailures > cfg.ConsecutiveFailure
			return tooManyTotal || tooManyConsecutive
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			zap.S().Warnw("circuit breaker changed state", "name", name, "from", from, "to", to)
		},
	}
}
