// Package ingester validates incoming samples and buffers them in memory
// until a background flush writes them to the sample store in batches.
// Acceptance means "in the buffer", not "durably stored"; samples still
// buffered when the process dies are lost.
package ingester

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/grafana/urd/modules/cardinality"
	"github.com/grafana/urd/pkg/apierror"
	"github.com/grafana/urd/pkg/model"
)

var (
	metricSamplesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "urd",
		Subsystem: "ingester",
		Name:      "samples_accepted_total",
		Help:      "Samples that passed validation and entered the buffer.",
	})
	metricSamplesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "urd",
		Subsystem: "ingester",
		Name:      "samples_rejected_total",
		Help:      "Samples turned away during validation.",
	})
	metricSamplesFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "urd",
		Subsystem: "ingester",
		Name:      "samples_flushed_total",
		Help:      "Samples written to the store.",
	})
	metricFlushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "urd",
		Subsystem: "ingester",
		Name:      "flush_failures_total",
		Help:      "Flush writes that failed and were re-enqueued.",
	})
	metricBufferedSamples = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "urd",
		Subsystem: "ingester",
		Name:      "buffered_samples",
		Help:      "Samples currently waiting in the write buffer.",
	})
)

// MetricResolver resolves a metric name, creating the definition when it
// does not exist yet. *registry.Registry satisfies it.
type MetricResolver interface {
	GetOrCreate(ctx context.Context, name string, kind model.MetricKind) (*model.Metric, error)
}

// LabelGuard decides whether a label set fits a metric's series budget.
type LabelGuard interface {
	Validate(ctx context.Context, metricID uuid.UUID, labels map[string]string) cardinality.Result
}

// SampleWriter is the store side of the flush path.
type SampleWriter interface {
	UpsertSamples(ctx context.Context, samples []model.Sample) error
}

// SampleError explains why one sample of a batch was turned away.
type SampleError struct {
	Index      int    `json:"index"`
	MetricName string `json:"metricName"`
	Reason     string `json:"reason"`
}

// Result summarizes one ingest request. Partial success is the norm: every
// sample is judged on its own.
type Result struct {
	Accepted   int           `json:"accepted"`
	Rejected   int           `json:"rejected"`
	Errors     []SampleError `json:"errors,omitempty"`
	DurationMs int64         `json:"durationMs"`
}

// Ingester owns the write buffer. Producers are the HTTP handlers; the only
// consumer is the flush path, serialized by flushMtx whether it is entered
// from the timer, the oversize nudge or a manual flush.
type Ingester struct {
	services.Service

	cfg      Config
	registry MetricResolver
	guard    LabelGuard
	writer   SampleWriter
	logger   log.Logger
	clock    clock.PassiveClock

	buf     chan model.Sample
	flushCh chan struct{}

	flushMtx sync.Mutex
	// overflow holds samples from failed flush writes. Drained before the
	// channel so retried samples keep their age order.
	overflow []model.Sample

	accepted      atomic.Int64
	rejected      atomic.Int64
	flushed       atomic.Int64
	flushFailures atomic.Int64
	pendingRetry  atomic.Int64
	lastFlush     atomic.Time
	lastErr       atomic.Error
}

func New(cfg Config, registry MetricResolver, guard LabelGuard, writer SampleWriter, logger log.Logger) *Ingester {
	i := &Ingester{
		cfg:      cfg,
		registry: registry,
		guard:    guard,
		writer:   writer,
		logger:   log.With(logger, "module", "ingester"),
		clock:    clock.RealClock{},
		buf:      make(chan model.Sample, cfg.BufferMaxSize),
		flushCh:  make(chan struct{}, 1),
	}
	i.Service = services.NewBasicService(nil, i.loop, i.stopping)
	return i
}

func (i *Ingester) loop(ctx context.Context) error {
	ticker := time.NewTicker(i.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			i.sweep(ctx)
		case <-i.flushCh:
			i.sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// stopping flushes what it can before the process exits.
func (i *Ingester) stopping(_ error) error {
	ctx, cancel := context.WithTimeout(context.Background(), i.cfg.FlushOpTimeout)
	defer cancel()
	return i.sweep(ctx)
}

// Push validates a batch and enqueues the survivors. Batch-level failures
// (empty, oversized) return an error; per-sample failures are reported in
// the Result and never fail the request.
func (i *Ingester) Push(ctx context.Context, samples []model.IncomingSample) (*Result, error) {
	start := i.clock.Now()

	if len(samples) == 0 {
		return nil, apierror.New(apierror.KindBadInput, "ingest batch is empty")
	}
	if len(samples) > i.cfg.BufferMaxSize {
		return nil, apierror.NewStatus(apierror.KindResourceExhausted, http.StatusRequestEntityTooLarge,
			"ingest batch of %d samples exceeds the maximum of %d", len(samples), i.cfg.BufferMaxSize)
	}

	type outcome struct {
		sample model.Sample
		reason string
	}
	outcomes := make([]outcome, len(samples))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.cfg.WorkerThreads)
	for idx, in := range samples {
		idx, in := idx, in
		g.Go(func() error {
			s, reason := i.validate(gctx, in)
			outcomes[idx] = outcome{sample: s, reason: reason}
			return nil
		})
	}
	_ = g.Wait()

	res := &Result{}
	for idx, o := range outcomes {
		if o.reason != "" {
			res.Rejected++
			res.Errors = append(res.Errors, SampleError{Index: idx, MetricName: samples[idx].MetricName, Reason: o.reason})
			continue
		}
		select {
		case i.buf <- o.sample:
			res.Accepted++
		default:
			res.Rejected++
			res.Errors = append(res.Errors, SampleError{Index: idx, MetricName: samples[idx].MetricName, Reason: "write buffer is full"})
		}
	}

	i.accepted.Add(int64(res.Accepted))
	i.rejected.Add(int64(res.Rejected))
	metricSamplesAccepted.Add(float64(res.Accepted))
	metricSamplesRejected.Add(float64(res.Rejected))
	metricBufferedSamples.Set(float64(len(i.buf)))

	if len(i.buf) >= i.cfg.BufferMaxSize {
		select {
		case i.flushCh <- struct{}{}:
		default:
		}
	}

	res.DurationMs = i.clock.Since(start).Milliseconds()
	return res, nil
}

// validate runs the per-sample pipeline and returns the resolved sample or a
// rejection reason.
func (i *Ingester) validate(ctx context.Context, in model.IncomingSample) (model.Sample, string) {
	if in.MetricName == "" {
		return model.Sample{}, "metric name is required"
	}
	if math.IsNaN(in.Value) || math.IsInf(in.Value, 0) {
		return model.Sample{}, "value must be a finite number"
	}

	now := i.clock.Now()
	ts := in.Timestamp
	if ts.IsZero() {
		ts = now
	}
	ts = ts.UTC()
	if ts.After(now.Add(i.cfg.MaxFutureDelta)) {
		return model.Sample{}, fmt.Sprintf("timestamp is more than %s in the future", i.cfg.MaxFutureDelta)
	}
	if ts.Before(now.Add(-i.cfg.MaxAge)) {
		return model.Sample{}, fmt.Sprintf("timestamp is older than %s", i.cfg.MaxAge)
	}

	m, err := i.registry.GetOrCreate(ctx, in.MetricName, model.Gauge)
	if err != nil {
		return model.Sample{}, err.Error()
	}

	if missing, unexpected := m.SchemaDiff(in.Labels); len(missing) > 0 || len(unexpected) > 0 {
		return model.Sample{}, schemaMismatch(missing, unexpected)
	}

	check := i.guard.Validate(ctx, m.ID, in.Labels)
	for _, w := range check.Warnings {
		level.Warn(i.logger).Log("msg", "cardinality warning", "metric", in.MetricName, "warning", w)
	}
	if !check.OK {
		return model.Sample{}, strings.Join(check.Errors, "; ")
	}

	return model.Sample{Time: ts, MetricID: m.ID, Value: in.Value, Labels: in.Labels}, ""
}

func schemaMismatch(missing, unexpected []string) string {
	parts := make([]string, 0, 2)
	if len(missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing label keys %v", missing))
	}
	if len(unexpected) > 0 {
		parts = append(parts, fmt.Sprintf("unexpected label keys %v", unexpected))
	}
	return "labels do not match the metric schema: " + strings.Join(parts, ", ")
}

// Flush drains the buffer now instead of waiting for the timer.
func (i *Ingester) Flush(ctx context.Context) error {
	return i.sweep(ctx)
}

// sweep writes buffered samples to the store, one batch at a time, until the
// buffer is empty or a write fails. Failed batches go to the overflow slice
// and are retried on the next entry.
func (i *Ingester) sweep(ctx context.Context) error {
	i.flushMtx.Lock()
	defer i.flushMtx.Unlock()

	for {
		batch := i.nextBatch()
		if len(batch) == 0 {
			metricBufferedSamples.Set(float64(len(i.buf)))
			return nil
		}

		if err := i.writeBatch(ctx, batch); err != nil {
			i.overflow = append(batch, i.overflow...)
			i.pendingRetry.Store(int64(len(i.overflow)))
			i.flushFailures.Inc()
			i.lastErr.Store(err)
			metricFlushFailures.Inc()
			level.Error(i.logger).Log("msg", "flush failed, samples kept for retry", "count", len(batch), "err", err)
			return err
		}
		i.pendingRetry.Store(int64(len(i.overflow)))
	}
}

// nextBatch takes up to FlushBatchSize samples, oldest first: overflow from
// earlier failures, then the channel. Caller holds flushMtx.
func (i *Ingester) nextBatch() []model.Sample {
	var batch []model.Sample
	if n := len(i.overflow); n > 0 {
		if n > i.cfg.FlushBatchSize {
			n = i.cfg.FlushBatchSize
		}
		batch = append(batch, i.overflow[:n]...)
		i.overflow = i.overflow[n:]
		if len(i.overflow) == 0 {
			i.overflow = nil
		}
	}
	for len(batch) < i.cfg.FlushBatchSize {
		select {
		case s := <-i.buf:
			batch = append(batch, s)
		default:
			return batch
		}
	}
	return batch
}

func (i *Ingester) writeBatch(ctx context.Context, batch []model.Sample) error {
	ctx, cancel := context.WithTimeout(ctx, i.cfg.FlushOpTimeout)
	defer cancel()

	if err := i.writer.UpsertSamples(ctx, batch); err != nil {
		return err
	}

	i.flushed.Add(int64(len(batch)))
	i.lastFlush.Store(i.clock.Now())
	i.lastErr.Store(nil)
	metricSamplesFlushed.Add(float64(len(batch)))
	return nil
}

// Stats is a point-in-time snapshot of the pipeline.
type Stats struct {
	BufferedSamples int        `json:"bufferedSamples"`
	PendingRetry    int        `json:"pendingRetry"`
	AcceptedTotal   int64      `json:"acceptedTotal"`
	RejectedTotal   int64      `json:"rejectedTotal"`
	FlushedTotal    int64      `json:"flushedTotal"`
	FlushFailures   int64      `json:"flushFailures"`
	LastFlush       *time.Time `json:"lastFlush,omitempty"`
	LastError       string     `json:"lastError,omitempty"`
}

func (i *Ingester) Stats() Stats {
	s := Stats{
		BufferedSamples: len(i.buf),
		PendingRetry:    int(i.pendingRetry.Load()),
		AcceptedTotal:   i.accepted.Load(),
		RejectedTotal:   i.rejected.Load(),
		FlushedTotal:    i.flushed.Load(),
		FlushFailures:   i.flushFailures.Load(),
	}
	if t := i.lastFlush.Load(); !t.IsZero() {
		s.LastFlush = &t
	}
	if err := i.lastErr.Load(); err != nil {
		s.LastError = err.Error()
	}
	return s
}
