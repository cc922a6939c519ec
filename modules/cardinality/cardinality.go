// Package cardinality polices the number of distinct series a metric may
// grow. It validates incoming label sets and keeps an estimate of each
// metric's series count so the hot ingest path almost never touches the
// store.
package cardinality

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/grafana/urd/pkg/model"
)

const (
	probeBreakerName     = "cardinality-probe"
	probeBreakerFailures = 5
	probeBreakerTimeout  = 30 * time.Second

	cleanupInterval = time.Hour
)

var (
	metricChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "urd",
		Subsystem: "cardinality",
		Name:      "checks_total",
		Help:      "Label set validations by outcome.",
	}, []string{"outcome"})
	metricProbes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "urd",
		Subsystem: "cardinality",
		Name:      "probes_total",
		Help:      "Series count probes issued against the store.",
	})
	metricProbesThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "urd",
		Subsystem: "cardinality",
		Name:      "probes_throttled_total",
		Help:      "Probes skipped by the rate limiter.",
	})
	metricProbeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "urd",
		Subsystem: "cardinality",
		Name:      "probe_failures_total",
		Help:      "Probes that returned an error or hit an open breaker.",
	})
)

// highCardinalityPatterns are label key fragments that usually sit in front
// of unbounded value sets. A match warns, it never rejects.
var highCardinalityPatterns = []string{
	"id", "uuid", "guid", "session", "request", "transaction",
	"user", "customer", "account", "email", "username",
	"ip", "address", "timestamp", "datetime", "random", "nonce", "token",
}

// SeriesCounter is the single store call the guard needs.
type SeriesCounter interface {
	CountDistinctSeries(ctx context.Context, metricID uuid.UUID, since time.Time) (int, error)
}

// Result is the outcome of validating one sample's label set. Warnings never
// block a write; any error does.
type Result struct {
	OK                 bool
	CurrentCardinality int
	Warnings           []string
	Errors             []string
}

// Guard enforces per-metric series limits. Store probes are cached, rate
// limited and wrapped in a circuit breaker; when no trustworthy count is
// available the guard fails open and lets the write through. Series accepted
// by this process are additionally tracked in memory so the count keeps
// moving between probes.
type Guard struct {
	services.Service

	cfg    Config
	store  SeriesCounter
	logger log.Logger
	clock  clock.PassiveClock

	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
	estimates *expirable.LRU[uuid.UUID, int]

	mtx  sync.Mutex
	seen map[uuid.UUID]map[string]time.Time // series key -> last observed
}

func New(cfg Config, store SeriesCounter, logger log.Logger) *Guard {
	g := &Guard{
		cfg:       cfg,
		store:     store,
		logger:    log.With(logger, "module", "cardinality"),
		clock:     clock.RealClock{},
		limiter:   rate.NewLimiter(rate.Limit(float64(cfg.ProbesPerMinute)/60.0), cfg.ProbesPerMinute),
		estimates: expirable.NewLRU[uuid.UUID, int](cfg.EstimateCacheSize, nil, cfg.EstimateTTL),
		seen:      make(map[uuid.UUID]map[string]time.Time),
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    probeBreakerName,
		Timeout: probeBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= probeBreakerFailures
		},
	})
	g.Service = services.NewBasicService(nil, g.running, nil)
	return g
}

func (g *Guard) running(ctx context.Context) error {
	t := time.NewTicker(cleanupInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			g.Cleanup()
		case <-ctx.Done():
			return nil
		}
	}
}

// Validate checks one sample's label set against the metric's limits. Schema
// conformance is the caller's business; this only polices shape and volume.
func (g *Guard) Validate(ctx context.Context, metricID uuid.UUID, labels map[string]string) Result {
	res := Result{OK: true}

	if len(labels) > g.cfg.MaxLabelsPerMetric {
		res.OK = false
		res.Errors = append(res.Errors, fmt.Sprintf("too many labels: %d exceeds the maximum of %d", len(labels), g.cfg.MaxLabelsPerMetric))
	}
	for k, v := range labels {
		if v == "" {
			res.OK = false
			res.Errors = append(res.Errors, fmt.Sprintf("label %q has an empty value", k))
		} else if len(v) > g.cfg.MaxLabelValueLength {
			res.OK = false
			res.Errors = append(res.Errors, fmt.Sprintf("label %q value exceeds the maximum length of %d", k, g.cfg.MaxLabelValueLength))
		}
		if p, ok := matchHighCardinality(k); ok {
			res.Warnings = append(res.Warnings, fmt.Sprintf("label key %q matches high-cardinality pattern %q", k, p))
		}
	}
	if !res.OK {
		metricChecks.WithLabelValues("rejected").Inc()
		return res
	}

	current := g.currentCardinality(ctx, metricID)
	res.CurrentCardinality = current
	switch {
	case current >= g.cfg.MaxSeriesPerMetric:
		res.OK = false
		res.Errors = append(res.Errors, fmt.Sprintf("metric reached maximum cardinality of %d series", g.cfg.MaxSeriesPerMetric))
	case float64(current) > float64(g.cfg.MaxSeriesPerMetric)*g.cfg.WarningThreshold:
		res.Warnings = append(res.Warnings, fmt.Sprintf("metric is at %d of %d series", current, g.cfg.MaxSeriesPerMetric))
	}

	if res.OK {
		g.observe(metricID, labels)
		metricChecks.WithLabelValues("accepted").Inc()
	} else {
		metricChecks.WithLabelValues("rejected").Inc()
	}
	return res
}

// currentCardinality is the best available series count. The store estimate
// can lag by up to EstimateTTL, so locally observed series top it up.
func (g *Guard) currentCardinality(ctx context.Context, metricID uuid.UUID) int {
	est := g.estimateFromStore(ctx, metricID)
	if local := g.localCount(metricID); local > est {
		est = local
	}
	return est
}

// estimateFromStore returns the cached count when present and probes the
// store otherwise. Throttled and failed probes return 0: an unknown count
// never rejects a write.
func (g *Guard) estimateFromStore(ctx context.Context, metricID uuid.UUID) int {
	if v, ok := g.estimates.Get(metricID); ok {
		return v
	}
	if !g.limiter.Allow() {
		metricProbesThrottled.Inc()
		return 0
	}

	metricProbes.Inc()
	n, err := g.breaker.Execute(func() (interface{}, error) {
		return g.store.CountDistinctSeries(ctx, metricID, g.clock.Now().Add(-g.cfg.CheckWindow))
	})
	if err != nil {
		metricProbeFailures.Inc()
		level.Warn(g.logger).Log("msg", "cardinality probe failed", "metric_id", metricID, "err", err)
		return 0
	}

	count := n.(int)
	g.estimates.Add(metricID, count)
	return count
}

func (g *Guard) observe(metricID uuid.UUID, labels map[string]string) {
	key := model.LabelsKey(labels)
	now := g.clock.Now()

	g.mtx.Lock()
	defer g.mtx.Unlock()
	series, ok := g.seen[metricID]
	if !ok {
		series = make(map[string]time.Time)
		g.seen[metricID] = series
	}
	series[key] = now
}

func (g *Guard) localCount(metricID uuid.UUID) int {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return len(g.seen[metricID])
}

// Cleanup drops series observations older than the check window. The store
// estimate cache expires entries on its own.
func (g *Guard) Cleanup() {
	cutoff := g.clock.Now().Add(-g.cfg.CheckWindow)

	g.mtx.Lock()
	defer g.mtx.Unlock()
	removed := 0
	for id, series := range g.seen {
		for key, last := range series {
			if last.Before(cutoff) {
				delete(series, key)
				removed++
			}
		}
		if len(series) == 0 {
			delete(g.seen, id)
		}
	}
	if removed > 0 {
		level.Debug(g.logger).Log("msg", "pruned stale series observations", "removed", removed)
	}
}

// Stats reports the guard's view of one metric.
type Stats struct {
	MetricID           uuid.UUID `json:"metricId"`
	CurrentCardinality int       `json:"currentCardinality"`
	MaxCardinality     int       `json:"maxCardinality"`
	Utilization        float64   `json:"utilization"`
	Status             string    `json:"status"`
}

func (g *Guard) Stats(ctx context.Context, metricID uuid.UUID) Stats {
	current := g.currentCardinality(ctx, metricID)
	s := Stats{
		MetricID:           metricID,
		CurrentCardinality: current,
		MaxCardinality:     g.cfg.MaxSeriesPerMetric,
		Status:             "ok",
	}
	if g.cfg.MaxSeriesPerMetric > 0 {
		s.Utilization = float64(current) / float64(g.cfg.MaxSeriesPerMetric)
	}
	switch {
	case current >= g.cfg.MaxSeriesPerMetric:
		s.Status = "critical"
	case float64(current) > float64(g.cfg.MaxSeriesPerMetric)*g.cfg.WarningThreshold:
		s.Status = "warning"
	}
	return s
}

func matchHighCardinality(key string) (string, bool) {
	lower := strings.ToLower(key)
	for _, p := range highCardinalityPatterns {
		if strings.Contains(lower, p) {
			return p, true
		}
	}
	return "", false
}
