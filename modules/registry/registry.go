// Package registry owns metric definitions and their label schemas. Lookups
// by name are the hot path during ingest, so every active metric is mirrored
// in an in-process cache that is kept write-through with the store.
package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"k8s.io/utils/clock"

	"github.com/grafana/urd/metricdb"
	"github.com/grafana/urd/pkg/apierror"
	"github.com/grafana/urd/pkg/model"
)

var (
	metricRegistrations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "urd",
		Subsystem: "registry",
		Name:      "registrations_total",
		Help:      "The total number of metric definitions registered.",
	})
	metricCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "urd",
		Subsystem: "registry",
		Name:      "cache_hits_total",
		Help:      "The total number of name lookups served from the cache.",
	})
	metricCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "urd",
		Subsystem: "registry",
		Name:      "cache_misses_total",
		Help:      "The total number of name lookups that fell through to the store.",
	})
)

// Registry is the metric definition service.
type Registry struct {
	cfg    Config
	store  metricdb.MetricStore
	logger log.Logger
	clock  clock.PassiveClock

	// cache maps name -> *model.Metric for active metrics only. byID maps
	// id -> name so id lookups can reuse the same entries. Entries are
	// replaced wholesale after every store write, never mutated.
	cache sync.Map
	byID  sync.Map
}

func New(cfg Config, store metricdb.MetricStore, logger log.Logger) *Registry {
	return &Registry{
		cfg:    cfg,
		store:  store,
		logger: logger,
		clock:  clock.RealClock{},
	}
}

// RegisterRequest is the wire shape of a registration call.
type RegisterRequest struct {
	Name          string   `json:"name"`
	Type          string   `json:"type"`
	Description   string   `json:"description"`
	Unit          string   `json:"unit"`
	Labels        []string `json:"labels"`
	RetentionDays int      `json:"retentionDays"`
}

// UpdateRequest carries the mutable fields of a metric. Nil means unchanged.
type UpdateRequest struct {
	Description   *string `json:"description"`
	Unit          *string `json:"unit"`
	RetentionDays *int    `json:"retentionDays"`
	Active        *bool   `json:"isActive"`
}

// Register validates and creates a new metric definition. Names are globally
// unique; a duplicate fails with Conflict.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*model.Metric, error) {
	if err := validateMetricName(req.Name); err != nil {
		return nil, err
	}
	if req.Type == "" {
		return nil, apierror.New(apierror.KindBadInput, "metric type is required")
	}
	kind, err := model.ParseMetricKind(req.Type)
	if err != nil {
		return nil, apierror.New(apierror.KindBadInput, "%v", err)
	}
	if len(req.Description) > maxDescriptionLength {
		return nil, apierror.New(apierror.KindBadInput, "description exceeds %d characters", maxDescriptionLength)
	}
	if len(req.Unit) > maxUnitLength {
		return nil, apierror.New(apierror.KindBadInput, "unit exceeds %d characters", maxUnitLength)
	}
	if err := validateLabelSchema(req.Labels); err != nil {
		return nil, err
	}
	retention := req.RetentionDays
	if retention == 0 {
		retention = defaultRetentionDays
	}
	if err := validateRetention(retention); err != nil {
		return nil, err
	}

	now := r.clock.Now().UTC()
	m := &model.Metric{
		ID:            uuid.New(),
		Name:          req.Name,
		Kind:          kind,
		Description:   req.Description,
		Unit:          req.Unit,
		LabelSchema:   req.Labels,
		RetentionDays: retention,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.NormalizeSchema()

	if err := r.store.InsertMetric(ctx, m); err != nil {
		if errors.Is(err, metricdb.ErrAlreadyExists) {
			return nil, apierror.New(apierror.KindConflict, "metric %q already exists", req.Name)
		}
		return nil, apierror.Wrap(apierror.KindTransient, err, "registering metric %q", req.Name)
	}
	r.cacheSet(m)
	metricRegistrations.Inc()

	level.Info(r.logger).Log("msg", "metric registered", "name", m.Name, "type", m.Kind, "labels", len(m.LabelSchema), "retention_days", m.RetentionDays)
	return m.Clone(), nil
}

// GetByName resolves an active metric. This is the ingest and query hot path:
// cache first, store on miss. Inactive metrics are reported as not found and
// never re-enter the cache.
func (r *Registry) GetByName(ctx context.Context, name string) (*model.Metric, error) {
	if v, ok := r.cache.Load(name); ok {
		metricCacheHits.Inc()
		return v.(*model.Metric).Clone(), nil
	}
	metricCacheMisses.Inc()

	m, err := r.store.GetMetricByName(ctx, name)
	if errors.Is(err, metricdb.ErrNotFound) {
		return nil, apierror.New(apierror.KindNotFound, "metric %q not found", name)
	}
	if err != nil {
		return nil, apierror.Wrap(apierror.KindTransient, err, "reading metric %q", name)
	}
	if !m.Active {
		return nil, apierror.New(apierror.KindNotFound, "metric %q not found", name)
	}
	r.cacheSet(m)
	return m.Clone(), nil
}

// GetByID reads a metric regardless of its active flag. Used by the admin
// surface, which must be able to see and reactivate soft-deleted metrics.
func (r *Registry) GetByID(ctx context.Context, id uuid.UUID) (*model.Metric, error) {
	if v, ok := r.byID.Load(id); ok {
		if m, ok := r.cache.Load(v.(string)); ok {
			metricCacheHits.Inc()
			return m.(*model.Metric).Clone(), nil
		}
	}
	metricCacheMisses.Inc()

	m, err := r.store.GetMetricByID(ctx, id)
	if errors.Is(err, metricdb.ErrNotFound) {
		return nil, apierror.New(apierror.KindNotFound, "metric %s not found", id)
	}
	if err != nil {
		return nil, apierror.Wrap(apierror.KindTransient, err, "reading metric %s", id)
	}
	if m.Active {
		r.cacheSet(m)
	}
	return m.Clone(), nil
}

// List returns definitions ordered by name.
func (r *Registry) List(ctx context.Context, includeInactive bool) ([]*model.Metric, error) {
	metrics, err := r.store.ListMetrics(ctx, !includeInactive)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindTransient, err, "listing metrics")
	}
	return metrics, nil
}

// Update applies the mutable fields and refreshes the cache before returning,
// so readers never observe the old definition after the call completes.
func (r *Registry) Update(ctx context.Context, id uuid.UUID, req UpdateRequest) (*model.Metric, error) {
	m, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Description != nil {
		if len(*req.Description) > maxDescriptionLength {
			return nil, apierror.New(apierror.KindBadInput, "description exceeds %d characters", maxDescriptionLength)
		}
		m.Description = *req.Description
	}
	if req.Unit != nil {
		if len(*req.Unit) > maxUnitLength {
			return nil, apierror.New(apierror.KindBadInput, "unit exceeds %d characters", maxUnitLength)
		}
		m.Unit = *req.Unit
	}
	if req.RetentionDays != nil {
		if err := validateRetention(*req.RetentionDays); err != nil {
			return nil, err
		}
		m.RetentionDays = *req.RetentionDays
	}
	if req.Active != nil {
		m.Active = *req.Active
	}
	m.UpdatedAt = r.clock.Now().UTC()

	if err := r.store.UpdateMetric(ctx, m); err != nil {
		if errors.Is(err, metricdb.ErrNotFound) {
			return nil, apierror.New(apierror.KindNotFound, "metric %s not found", id)
		}
		return nil, apierror.Wrap(apierror.KindTransient, err, "updating metric %s", id)
	}

	if m.Active {
		r.cacheSet(m)
	} else {
		r.cacheDelete(m)
	}
	return m.Clone(), nil
}

// SoftDelete clears the active flag. The cache entry is removed before
// returning so a subsequent lookup cannot revive the metric. Deleting an
// already inactive metric is a no-op.
func (r *Registry) SoftDelete(ctx context.Context, id uuid.UUID) error {
	m, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !m.Active {
		return nil
	}

	m.Active = false
	m.UpdatedAt = r.clock.Now().UTC()
	if err := r.store.UpdateMetric(ctx, m); err != nil {
		if errors.Is(err, metricdb.ErrNotFound) {
			return apierror.New(apierror.KindNotFound, "metric %s not found", id)
		}
		return apierror.Wrap(apierror.KindTransient, err, "deleting metric %s", id)
	}
	r.cacheDelete(m)

	level.Info(r.logger).Log("msg", "metric deactivated", "name", m.Name, "id", m.ID)
	return nil
}

// GetOrCreate resolves a metric by name, auto-registering it with an empty
// label schema when unknown. Ingestion uses this for samples of names that
// were never explicitly registered.
func (r *Registry) GetOrCreate(ctx context.Context, name string, kind model.MetricKind) (*model.Metric, error) {
	m, err := r.GetByName(ctx, name)
	if err == nil {
		return m, nil
	}
	if !apierror.IsNotFound(err) {
		return nil, err
	}

	if kind == "" {
		kind = model.Gauge
	}
	m, err = r.Register(ctx, RegisterRequest{Name: name, Type: string(kind)})
	if err == nil {
		level.Debug(r.logger).Log("msg", "metric auto-registered", "name", name, "type", kind)
		return m, nil
	}
	if apierror.IsConflict(err) {
		// lost a registration race, the other writer's definition wins
		return r.GetByName(ctx, name)
	}
	return nil, err
}

// LabelsOf returns the label schema of a metric.
func (r *Registry) LabelsOf(ctx context.Context, id uuid.UUID) ([]string, error) {
	m, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.LabelSchema, nil
}

// Preload warms the cache with every active metric.
func (r *Registry) Preload(ctx context.Context) error {
	if !r.cfg.PreloadOnStart {
		return nil
	}
	metrics, err := r.store.ListMetrics(ctx, true)
	if err != nil {
		return err
	}
	for _, m := range metrics {
		r.cacheSet(m)
	}
	level.Info(r.logger).Log("msg", "metric cache preloaded", "metrics", len(metrics))
	return nil
}

func (r *Registry) cacheSet(m *model.Metric) {
	r.cache.Store(m.Name, m.Clone())
	r.byID.Store(m.ID, m.Name)
}

func (r *Registry) cacheDelete(m *model.Metric) {
	r.cache.Delete(m.Name)
	r.byID.Delete(m.ID)
}
