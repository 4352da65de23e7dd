// Package config provides a way to configure the application.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"github.com/shopspring/decimal"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type StoreBackend string

const (
	BackendMemory     StoreBackend = "memory"
	BackendRedis      StoreBackend = "redis"
	BackendClickhouse StoreBackend = "clickhouse"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	// Parameters of the analysis itself
	Run RunConfig `yaml:"run"         env:", prefix=RUN_"`
	// Settings of the single-process aggregation
	Local LocalConfig `yaml:"local"       env:", prefix=LOCAL_"`
	// Partitioned store the distributed aggregation runs against
	Store StoreConfig `yaml:"store"       env:", prefix=STORE_"`
	// Settings of the distributed aggregation
	Distributed DistributedConfig `yaml:"distributed" env:", prefix=DISTRIBUTED_"`
	// How carts are written into the store
	Loader LoaderConfig `yaml:"loader"      env:", prefix=LOADER_"`
	// Logger configuration
	Log LogConfig `yaml:"log"         env:", prefix=LOG_"`
}

type RunConfig struct {
	Product string `yaml:"product"                  env:"PRODUCT, overwrite"`
	// Carts below this total value are left out of the filtered run.
	// Empty disables the filtered run.
	MinTotal              string `yaml:"min_total"                env:"MIN_TOTAL, overwrite"`
	Count                 int    `yaml:"count"                    env:"COUNT, overwrite"`
	Seed                  uint64 `yaml:"seed"                     env:"SEED, overwrite"`
	MaxItemsPerCart       int    `yaml:"max_items_per_cart"       env:"MAX_ITEMS_PER_CART, overwrite"`
	MaxQuantityPerProduct int    `yaml:"max_quantity_per_product" env:"MAX_QUANTITY_PER_PRODUCT, overwrite"`
	// Adds the hand-filled sample cart to the generated ones
	IncludeSampleCart bool `yaml:"include_sample_cart" env:"INCLUDE_SAMPLE_CART, overwrite"`
}

// MinTotalValue parses MinTotal. ok is false when no minimum is set.
func (c RunConfig) MinTotalValue() (v decimal.Decimal, ok bool, err error) {
	if c.MinTotal == "" {
		return decimal.Zero, false, nil
	}
	v, err = decimal.NewFromString(c.MinTotal)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("parsing min total %q: %w", c.MinTotal, err)
	}
	return v, true, nil
}

type LocalConfig struct {
	// Zero means one worker per available CPU
	Workers int `yaml:"workers" env:"WORKERS, overwrite"`
}

type DatabaseCredentials struct {
	Username string `yaml:"username" env:"USER, overwrite"`
	Password string `yaml:"password" env:"PASSWORD, overwrite"`
}

type RedisConfig struct {
	DatabaseCredentials `yaml:",inline"`

	Addrs       []string      `yaml:"addrs"        env:"ADDRS, overwrite"`
	DB          int           `yaml:"db"           env:"DB, overwrite"`
	DialTimeout time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT, overwrite"`
	Namespace   string        `yaml:"namespace"    env:"NAMESPACE, overwrite"`
}

type ClickhouseConfig struct {
	DatabaseCredentials `yaml:",inline"`

	Host            string `yaml:"host"              env:"HOST, overwrite"`
	Port            string `yaml:"port"              env:"PORT, overwrite"`
	Database        string `yaml:"database"          env:"DB, overwrite"`
	Table           string `yaml:"table"             env:"TABLE, overwrite"`
	InsertBatchSize int    `yaml:"insert_batch_size" env:"INSERT_BATCH_SIZE, overwrite"`
	// Scopes this run's rows in the shared table, random when empty
	Run string `yaml:"run"               env:"RUN, overwrite"`
}

type StoreConfig struct {
	Backend    StoreBackend `yaml:"backend"    env:"BACKEND, overwrite"`
	Nodes      int          `yaml:"nodes"      env:"NODES, overwrite"`
	Partitions int          `yaml:"partitions" env:"PARTITIONS, overwrite"`
	// Attributes the store filters on itself
	Indexes []string `yaml:"indexes"    env:"INDEXES, overwrite"`
	// Drop the stored carts once the run is over
	Cleanup bool `yaml:"cleanup"    env:"CLEANUP, overwrite"`

	Redis      RedisConfig      `yaml:"redis"      env:", prefix=REDIS_"`
	Clickhouse ClickhouseConfig `yaml:"clickhouse" env:", prefix=CLICKHOUSE_"`
}

type CircuitBreakerConfig struct {
	Enabled                 bool          `yaml:"enabled"                    env:"ENABLE, overwrite"`
	MaxRequests             uint32        `yaml:"max_requests"               env:"MAX_REQUESTS, overwrite"`
	ConsecutiveFailure      uint32        `yaml:"consecutive_failure"        env:"CONSECUTIVE_FAILURE, overwrite"`
	TotalFailurePerInterval uint32        `yaml:"total_failure_per_interval" env:"TOTAL_FAILURE_PER_INTERVAL, overwrite"`
	Interval                time.Duration `yaml:"interval"                   env:"INTERVAL, overwrite"`
	Timeout                 time.Duration `yaml:"timeout"                    env:"TIMEOUT, overwrite"`
}

type DistributedConfig struct {
	// Time budget of a whole distributed aggregation, zero for none
	Timeout        time.Duration        `yaml:"timeout"         env:"TIMEOUT, overwrite"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" env:", prefix=CB_"`
}

type LoaderConfig struct {
	Retries   int           `yaml:"retries"    env:"RETRIES, overwrite"`
	RetryWait time.Duration `yaml:"retry_wait" env:"RETRY_WAIT, overwrite"`
}

type LogConfig struct {
	Level    zapcore.Level `yaml:"level"    env:"LEVEL, overwrite"`
	Encoding string        `yaml:"encoding" env:"ENCODING, overwrite"`
}

// Default returns the configuration of the sample analysis.
func Default() Config {
	return Config{
		Run: RunConfig{
			Product:               "Acme Snow Globe",
			Count:                 1000,
			Seed:                  123,
			MaxItemsPerCart:       5,
			MaxQuantityPerProduct: 3,
		},
		Store: StoreConfig{
			Backend:    BackendMemory,
			Nodes:      4,
			Partitions: 16,
			Indexes:    []string{"total_value"},
			Redis: RedisConfig{
				Addrs:       []string{"localhost:6379"},
				DialTimeout: 5 * time.Second,
			},
			Clickhouse: ClickhouseConfig{
				Host:            "localhost",
				Port:            "9000",
				Database:        "default",
				Table:           "carts",
				InsertBatchSize: 1000,
			},
		},
		Distributed: DistributedConfig{
			Timeout: 30 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				MaxRequests:             1,
				ConsecutiveFailure:      5,
				TotalFailurePerInterval: 10,
				Interval:                time.Minute,
				Timeout:                 30 * time.Second,
			},
		},
		Loader: LoaderConfig{
			Retries:   3,
			RetryWait: 100 * time.Millisecond,
		},
		Log: LogConfig{
			Level:    zapcore.InfoLevel,
			Encoding: "console",
		},
	}
}

func init() {
	_ = godotenv.Load() // load the user-defined `.env` file
}

// Load builds the configuration from the defaults, the YAML file pointed
// to by CONFIG_PATH (if any) and finally the environment.
func Load(ctx context.Context) (*Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return nil, fmt.Errorf("loading configuration from %s: %w", path, err)
		}
	}
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("processing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) Validate() error {
	var errs []error
	if c.Run.Product == "" {
		errs = append(errs, errors.New("run.product is empty"))
	}
	if c.Run.Count < 0 {
		errs = append(errs, fmt.Errorf("run.count is negative: %d", c.Run.Count))
	}
	if c.Run.MaxItemsPerCart < 1 {
		errs = append(errs, fmt.Errorf("run.max_items_per_cart must be positive: %d", c.Run.MaxItemsPerCart))
	}
	if c.Run.MaxQuantityPerProduct < 1 {
		errs = append(errs, fmt.Errorf(
			"run.max_quantity_per_product must be positive: %d",
			c.Run.MaxQuantityPerProduct,
		))
	}
	if _, _, err := c.Run.MinTotalValue(); err != nil {
		errs = append(errs, err)
	}
	if c.Local.Workers < 0 {
		errs = append(errs, fmt.Errorf("local.workers is negative: %d", c.Local.Workers))
	}
	switch c.Store.Backend {
	case BackendMemory, BackendRedis, BackendClickhouse:
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if c.Store.Partitions < 1 || c.Store.Nodes < 1 || c.Store.Partitions < c.Store.Nodes {
		errs = append(errs, fmt.Errorf(
			"store layout needs 1 <= nodes <= partitions, got nodes=%d partitions=%d",
			c.Store.Nodes, c.Store.Partitions,
		))
	}
	if c.Distributed.Timeout < 0 {
		errs = append(errs, fmt.Errorf("distributed.timeout is negative: %s", c.Distributed.Timeout))
	}
	if c.Loader.Retries < 0 {
		errs = append(errs, fmt.Errorf("loader.retries is negative: %d", c.Loader.Retries))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
