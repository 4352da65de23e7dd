// Package redisstore keeps records in Redis, one hash tag per partition so
// that a partition never spans cluster slots.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kiltia/cartgrid"
)

const fetchBatchSize = 256

var ErrInvalidConfig = errors.New("invalid redis store config")

type Config struct {
	// Addrs of a single node, a sentinel group or cluster seed nodes.
	Addrs       []string
	Username    string
	Password    string
	DB          int
	DialTimeout time.Duration
	// Namespace prefixes every key. A random one is chosen when empty.
	Namespace  string
	Partitions int
	Indexes    []string
}

type Store[T cartgrid.Indexed] struct {
	rdb        goredis.UniversalClient
	namespace  string
	partitions int
	indexes    []string
}

func New[T cartgrid.Indexed](ctx context.Context, cfg Config) (*Store[T], error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("%w: no addresses", ErrInvalidConfig)
	}
	if cfg.Partitions < 1 {
		return nil, fmt.Errorf("%w: %d partitions", ErrInvalidConfig, cfg.Partitions)
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "cartgrid:" + uuid.NewString()
	}

	rdb := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:       cfg.Addrs,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: redis ping: %w", cartgrid.ErrStoreUnavailable, err)
	}
	zap.S().Infow("connected to redis", "addrs", cfg.Addrs, "namespace", cfg.Namespace)

	return &Store[T]{
		rdb:        rdb,
		namespace:  cfg.Namespace,
		partitions: cfg.Partitions,
		indexes:    slices.Clone(cfg.Indexes),
	}, nil
}

func (s *Store[T]) tag(p int) string {
	return fmt.Sprintf("{%s:%d}", s.namespace, p)
}

func (s *Store[T]) recordKey(p int, key string) string {
	return s.tag(p) + ":rec:" + key
}

func (s *Store[T]) membersKey(p int) string {
	return s.tag(p) + ":keys"
}

func (s *Store[T]) indexKey(p int, attribute string) string {
	return s.tag(p) + ":idx:" + attribute
}

func (s *Store[T]) Indexes() []string {
	return slices.Clone(s.indexes)
}

func (s *Store[T]) Put(ctx context.Context, key string, rec T) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", key, err)
	}
	p := cartgrid.PartitionOf(key, s.partitions)
	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(p, key), data, 0)
		pipe.SAdd(ctx, s.membersKey(p), key)
		for _, attr := range s.indexes {
			v, ok := rec.IndexValue(attr)
			if !ok {
				pipe.ZRem(ctx, s.indexKey(p, attr), key)
				continue
			}
			pipe.ZAdd(ctx, s.indexKey(p, attr), goredis.Z{
				Score:  v.InexactFloat64(),
				Member: key,
			})
		}
		return nil
	})
	return err
}

// scoreRange converts a filter into a sorted set range. Bounds are always
// inclusive since float scores may round two distinct decimals together;
// candidates are checked exactly afterwards.
func scoreRange(f cartgrid.Filter) *goredis.ZRangeBy {
	v := strconv.FormatFloat(f.Value.InexactFloat64(), 'f', -1, 64)
	switch f.Op {
	case cartgrid.OpGt, cartgrid.OpGte:
		return &goredis.ZRangeBy{Min: v, Max: "+inf"}
	case cartgrid.OpLt, cartgrid.OpLte:
		return &goredis.ZRangeBy{Min: "-inf", Max: v}
	default:
		return &goredis.ZRangeBy{Min: v, Max: v}
	}
}

// candidates returns the sorted keys of partition p possibly matching q.
func (s *Store[T]) candidates(ctx context.Context, p int, q cartgrid.Query) ([]string, error) {
	if q.Empty() {
		keys, err := s.rdb.SMembers(ctx, s.membersKey(p)).Result()
		if err != nil {
			return nil, err
		}
		slices.Sort(keys)
		return keys, nil
	}

	var set map[string]struct{}
	for _, f := range q.Filters {
		keys, err := s.rdb.ZRangeByScore(ctx, s.indexKey(p, f.Attribute), scoreRange(f)).Result()
		if err != nil {
			return nil, err
		}
		next := make(map[string]struct{}, len(keys))
		for _, k := range keys {
			if _, ok := set[k]; set == nil || ok {
				next[k] = struct{}{}
			}
		}
		set = next
	}
	return slices.Sorted(maps.Keys(set)), nil
}

func (s *Store[T]) ForEachPartition(
	ctx context.Context,
	q cartgrid.Query,
	fn cartgrid.PartitionFunc[T],
) error {
	if err := q.Validate(); err != nil {
		return err
	}
	if err := q.CheckIndexed(s.indexes); err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	for p := range s.partitions {
		eg.Go(func() error {
			keys, err := s.candidates(ctx, p, q)
			if err != nil {
				return fmt.Errorf("listing partition %d: %w", p, err)
			}
			return fn(ctx, p, s.scan(ctx, p, keys, q))
		})
	}
	return eg.Wait()
}

func (s *Store[T]) scan(
	ctx context.Context,
	p int,
	keys []string,
	q cartgrid.Query,
) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		for batch := range slices.Chunk(keys, fetchBatchSize) {
			recordKeys := make([]string, len(batch))
			for i, k := range batch {
				recordKeys[i] = s.recordKey(p, k)
			}
			values, err := s.rdb.MGet(ctx, recordKeys...).Result()
			if err != nil {
				yield(zero, fmt.Errorf("fetching records: %w", err))
				return
			}
			for i, v := range values {
				raw, ok := v.(string)
				if !ok {
					// removed between listing and fetching
					continue
				}
				var rec T
				if err := json.Unmarshal([]byte(raw), &rec); err != nil {
					yield(zero, fmt.Errorf("decoding record %s: %w", batch[i], err))
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
}

// Drop deletes every key of the namespace.
func (s *Store[T]) Drop(ctx context.Context) error {
	var errs []error
	for p := range s.partitions {
		keys, err := s.rdb.SMembers(ctx, s.membersKey(p)).Result()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		toDelete := []string{s.membersKey(p)}
		for _, attr := range s.indexes {
			toDelete = append(toDelete, s.indexKey(p, attr))
		}
		for _, k := range keys {
			toDelete = append(toDelete, s.recordKey(p, k))
		}
		for batch := range slices.Chunk(toDelete, fetchBatchSize) {
			if err := s.rdb.Del(ctx, batch...).Err(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Store[T]) Close() error {
	return s.rdb.Close()
}

// String describes the store for logs.
func (s *Store[T]) String() string {
	return fmt.Sprintf(
		"redis(namespace=%s, partitions=%d, indexes=%s)",
		s.namespace, s.partitions, strings.Join(s.indexes, ","),
	)
}
