package app

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiltia/cartgrid/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Run.Count = 300
	cfg.Run.Seed = 7
	cfg.Local.Workers = 4
	return &cfg
}

func strategyLines(t *testing.T, out string) map[string]string {
	t.Helper()
	lines := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		name, text, ok := strings.Cut(strings.TrimPrefix(line, "["), "] ")
		require.True(t, ok, "unexpected line %q", line)
		lines[name] = text
	}
	return lines
}

func TestRunAllStrategiesAgree(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Run(context.Background(), testConfig(), &buf))

	lines := strategyLines(t, buf.String())
	require.Len(t, lines, 3)
	assert.Contains(t, lines[StrategyLocal], "percent of carts contain Acme Snow Globe")
	assert.Equal(t, lines[StrategyLocal], lines[StrategyDistributed])
	assert.Equal(t, lines[StrategyLocal], lines[StrategyDistributedInvoke])
}

func TestRunFilteredStrategies(t *testing.T) {
	cfg := testConfig()
	cfg.Run.MinTotal = "20"
	cfg.Run.IncludeSampleCart = true

	var buf bytes.Buffer
	require.NoError(t, Run(context.Background(), cfg, &buf))

	lines := strategyLines(t, buf.String())
	require.Len(t, lines, 5)
	assert.Contains(t, lines[StrategyLocalFiltered], "(carts worth at least $20.00)")
	assert.Equal(t, lines[StrategyLocalFiltered], lines[StrategyDistributedFiltered])
	assert.Equal(t, lines[StrategyLocal], lines[StrategyDistributed])
}

func TestRunWithoutCarts(t *testing.T) {
	cfg := testConfig()
	cfg.Run.Count = 0

	var buf bytes.Buffer
	require.NoError(t, Run(context.Background(), cfg, &buf))

	for name, text := range strategyLines(t, buf.String()) {
		assert.Contains(t, text, "undefined", name)
	}
}

func TestRunUnreachableStore(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Backend = config.BackendRedis
	cfg.Store.Redis.Addrs = []string{"127.0.0.1:1"}
	cfg.Store.Redis.DialTimeout = 100 * time.Millisecond

	var buf bytes.Buffer
	err := Run(context.Background(), cfg, &buf)
	require.ErrorIs(t, err, ErrStrategiesFailed)

	lines := strategyLines(t, buf.String())
	assert.Contains(t, lines[StrategyLocal], "percent of carts contain")
	assert.True(t, strings.HasPrefix(lines[StrategyDistributed], "failed: "))
	assert.True(t, strings.HasPrefix(lines[StrategyDistributedInvoke], "failed: "))
}

func TestBreakerSettings(t *testing.T) {
	cfg := config.Default().Distributed.CircuitBreaker
	s := breakerSettings(cfg)
	assert.False(t, s.ReadyToTrip(gobreaker.Counts{TotalFailures: 100, ConsecutiveFailures: 100}))

	cfg.Enabled = true
	s = breakerSettings(cfg)
	assert.True(t, s.ReadyToTrip(gobreaker.Counts{TotalFailures: 100, ConsecutiveFailures: 100}))
	assert.False(t, s.ReadyToTrip(gobreaker.Counts{TotalFailures: 1, ConsecutiveFailures: 1}))
}
