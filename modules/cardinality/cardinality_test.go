package cardinality

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tclock "k8s.io/utils/clock/testing"
)

type fakeCounter struct {
	count int
	err   error
	calls int
}

func (f *fakeCounter) CountDistinctSeries(context.Context, uuid.UUID, time.Time) (int, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.count, nil
}

func testConfig() Config {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("", &flag.FlagSet{})
	return cfg
}

func newTestGuard(cfg Config, store SeriesCounter) (*Guard, *tclock.FakeClock) {
	g := New(cfg, store, log.NewNopLogger())
	fake := tclock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	g.clock = fake
	return g, fake
}

func TestValidateAcceptsCleanLabels(t *testing.T) {
	g, _ := newTestGuard(testConfig(), &fakeCounter{})

	res := g.Validate(context.Background(), uuid.New(), map[string]string{"service": "api", "region": "eu-west"})
	assert.True(t, res.OK)
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 0, res.CurrentCardinality)
}

func TestValidateTooManyLabels(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLabelsPerMetric = 2
	g, _ := newTestGuard(cfg, &fakeCounter{})

	res := g.Validate(context.Background(), uuid.New(), map[string]string{"a": "1", "b": "2", "c": "3"})
	require.False(t, res.OK)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "too many labels")
}

func TestValidateLabelValues(t *testing.T) {
	g, _ := newTestGuard(testConfig(), &fakeCounter{})

	res := g.Validate(context.Background(), uuid.New(), map[string]string{"host": ""})
	require.False(t, res.OK)
	assert.Contains(t, res.Errors[0], "empty value")

	res = g.Validate(context.Background(), uuid.New(), map[string]string{"host": strings.Repeat("x", 101)})
	require.False(t, res.OK)
	assert.Contains(t, res.Errors[0], "maximum length")
}

func TestValidateWarnsOnHighCardinalityKeys(t *testing.T) {
	g, _ := newTestGuard(testConfig(), &fakeCounter{})

	res := g.Validate(context.Background(), uuid.New(), map[string]string{"user_id": "42"})
	assert.True(t, res.OK, "pattern matches warn, they never reject")
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], `"user_id"`)

	res = g.Validate(context.Background(), uuid.New(), map[string]string{"Session": "abc", "host": "a"})
	assert.True(t, res.OK)
	require.Len(t, res.Warnings, 1, "matching is case insensitive")
	assert.Contains(t, res.Warnings[0], `"Session"`)
}

func TestValidateRejectsAtLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSeriesPerMetric = 3
	g, _ := newTestGuard(cfg, &fakeCounter{count: 3})

	res := g.Validate(context.Background(), uuid.New(), map[string]string{"host": "a"})
	require.False(t, res.OK)
	assert.Contains(t, res.Errors[0], "reached maximum cardinality")
	assert.Equal(t, 3, res.CurrentCardinality)
}

func TestValidateWarnsNearLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSeriesPerMetric = 10
	g, _ := newTestGuard(cfg, &fakeCounter{count: 9})

	res := g.Validate(context.Background(), uuid.New(), map[string]string{"host": "a"})
	assert.True(t, res.OK)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "9 of 10")
}

// A metric whose series all arrived since the last store probe must still be
// capped: the guard counts what it accepted itself.
func TestValidateCountsLocallyObservedSeries(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSeriesPerMetric = 3
	g, _ := newTestGuard(cfg, &fakeCounter{count: 0})
	id := uuid.New()

	for i := 1; i <= 3; i++ {
		res := g.Validate(context.Background(), id, map[string]string{"host": fmt.Sprintf("v%d", i)})
		require.True(t, res.OK, "series %d should fit under the limit", i)
	}

	res := g.Validate(context.Background(), id, map[string]string{"host": "v4"})
	require.False(t, res.OK)
	assert.Contains(t, res.Errors[0], "reached maximum cardinality")
}

func TestValidateDeduplicatesSeries(t *testing.T) {
	g, _ := newTestGuard(testConfig(), &fakeCounter{})
	id := uuid.New()

	for i := 0; i < 5; i++ {
		res := g.Validate(context.Background(), id, map[string]string{"host": "a"})
		require.True(t, res.OK)
	}
	assert.Equal(t, 1, g.localCount(id))
}

func TestEstimateIsCached(t *testing.T) {
	counter := &fakeCounter{count: 5}
	g, _ := newTestGuard(testConfig(), counter)
	id := uuid.New()

	g.Validate(context.Background(), id, map[string]string{"host": "a"})
	g.Validate(context.Background(), id, map[string]string{"host": "b"})
	assert.Equal(t, 1, counter.calls, "second validation should hit the estimate cache")
}

func TestThrottledProbeFailsOpen(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSeriesPerMetric = 10
	cfg.ProbesPerMinute = 1
	counter := &fakeCounter{count: 100}
	g, _ := newTestGuard(cfg, counter)

	res := g.Validate(context.Background(), uuid.New(), map[string]string{"host": "a"})
	require.False(t, res.OK, "first probe sees the real count")

	res = g.Validate(context.Background(), uuid.New(), map[string]string{"host": "a"})
	assert.True(t, res.OK, "a throttled probe must not reject")
	assert.Equal(t, 0, res.CurrentCardinality)
	assert.Equal(t, 1, counter.calls)
}

func TestFailedProbeFailsOpen(t *testing.T) {
	counter := &fakeCounter{err: errors.New("connection refused")}
	g, _ := newTestGuard(testConfig(), counter)

	res := g.Validate(context.Background(), uuid.New(), map[string]string{"host": "a"})
	assert.True(t, res.OK)
	assert.Equal(t, 0, res.CurrentCardinality)
}

func TestBreakerStopsProbesAfterRepeatedFailures(t *testing.T) {
	counter := &fakeCounter{err: errors.New("connection refused")}
	g, _ := newTestGuard(testConfig(), counter)

	for i := 0; i < probeBreakerFailures; i++ {
		res := g.Validate(context.Background(), uuid.New(), map[string]string{"host": "a"})
		require.True(t, res.OK)
	}
	require.Equal(t, probeBreakerFailures, counter.calls)

	res := g.Validate(context.Background(), uuid.New(), map[string]string{"host": "a"})
	assert.True(t, res.OK)
	assert.Equal(t, probeBreakerFailures, counter.calls, "open breaker should not touch the store")
}

func TestCleanupPrunesStaleObservations(t *testing.T) {
	g, fake := newTestGuard(testConfig(), &fakeCounter{})
	id := uuid.New()

	g.Validate(context.Background(), id, map[string]string{"host": "a"})
	require.Equal(t, 1, g.localCount(id))

	fake.Step(25 * time.Hour)
	g.Cleanup()
	assert.Equal(t, 0, g.localCount(id))
}

func TestStatsStatus(t *testing.T) {
	for _, tc := range []struct {
		count  int
		status string
	}{
		{count: 5, status: "ok"},
		{count: 9, status: "warning"},
		{count: 12, status: "critical"},
	} {
		t.Run(tc.status, func(t *testing.T) {
			cfg := testConfig()
			cfg.MaxSeriesPerMetric = 10
			g, _ := newTestGuard(cfg, &fakeCounter{count: tc.count})

			s := g.Stats(context.Background(), uuid.New())
			assert.Equal(t, tc.status, s.Status)
			assert.Equal(t, tc.count, s.CurrentCardinality)
			assert.InDelta(t, float64(tc.count)/10.0, s.Utilization, 0.001)
		})
	}
}
