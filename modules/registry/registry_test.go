package registry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tclock "k8s.io/utils/clock/testing"

	"github.com/grafana/urd/metricdb/memstore"
	"github.com/grafana/urd/pkg/apierror"
	"github.com/grafana/urd/pkg/model"
)

func newTestRegistry(t *testing.T) (*Registry, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	r := New(Config{PreloadOnStart: true}, store, log.NewNopLogger())
	r.clock = tclock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return r, store
}

func TestRegisterRoundTrip(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	m, err := r.Register(ctx, RegisterRequest{
		Name:          "http_requests_total",
		Type:          "counter",
		Description:   "requests served",
		Unit:          "requests",
		Labels:        []string{"region", "host"},
		RetentionDays: 90,
	})
	require.NoError(t, err)
	assert.Equal(t, model.Counter, m.Kind)
	assert.Equal(t, []string{"host", "region"}, m.LabelSchema, "schema is stored sorted")
	assert.Equal(t, 90, m.RetentionDays)
	assert.True(t, m.Active)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), m.CreatedAt)

	got, err := r.GetByName(ctx, "http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestRegisterDuplicateIsConflict(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, RegisterRequest{Name: "cpu_usage", Type: "GAUGE"})
	require.NoError(t, err)

	_, err = r.Register(ctx, RegisterRequest{Name: "cpu_usage", Type: "GAUGE"})
	require.Error(t, err)
	assert.Equal(t, apierror.KindConflict, apierror.KindOf(err))
}

func TestRegisterValidation(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  RegisterRequest
		want string
	}{
		{"missing name", RegisterRequest{Type: "GAUGE"}, "name is required"},
		{"bad name characters", RegisterRequest{Name: "123-invalid!", Type: "GAUGE"}, "must start with a letter"},
		{"name too long", RegisterRequest{Name: strings.Repeat("a", 256), Type: "GAUGE"}, "exceeds 255"},
		{"missing type", RegisterRequest{Name: "ok_name"}, "type is required"},
		{"bad type", RegisterRequest{Name: "ok_name", Type: "INVALID_TYPE"}, "unsupported metric type"},
		{"too many labels", RegisterRequest{Name: "ok_name", Type: "GAUGE", Labels: []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k"}}, "at most 10"},
		{"bad label key", RegisterRequest{Name: "ok_name", Type: "GAUGE", Labels: []string{"9bad"}}, "label key"},
		{"duplicate label key", RegisterRequest{Name: "ok_name", Type: "GAUGE", Labels: []string{"host", "host"}}, "duplicate label key"},
		{"retention too long", RegisterRequest{Name: "ok_name", Type: "GAUGE", RetentionDays: 1826}, "between 1 and 1825"},
		{"retention negative", RegisterRequest{Name: "ok_name", Type: "GAUGE", RetentionDays: -1}, "between 1 and 1825"},
		{"description too long", RegisterRequest{Name: "ok_name", Type: "GAUGE", Description: strings.Repeat("d", 1001)}, "description exceeds"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Register(ctx, tc.req)
			require.Error(t, err)
			assert.Equal(t, apierror.KindBadInput, apierror.KindOf(err))
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestRegisterDefaultsRetention(t *testing.T) {
	r, _ := newTestRegistry(t)

	m, err := r.Register(context.Background(), RegisterRequest{Name: "mem_usage", Type: "GAUGE"})
	require.NoError(t, err)
	assert.Equal(t, defaultRetentionDays, m.RetentionDays)
}

func TestUpdateRefreshesCache(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	m, err := r.Register(ctx, RegisterRequest{Name: "disk_usage", Type: "GAUGE"})
	require.NoError(t, err)

	days := 120
	updated, err := r.Update(ctx, m.ID, UpdateRequest{RetentionDays: &days})
	require.NoError(t, err)
	assert.Equal(t, 120, updated.RetentionDays)

	got, err := r.GetByName(ctx, "disk_usage")
	require.NoError(t, err)
	assert.Equal(t, 120, got.RetentionDays, "cache must serve the updated definition")
}

func TestUpdatePreservesLabelSchema(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	m, err := r.Register(ctx, RegisterRequest{Name: "net_bytes", Type: "COUNTER", Labels: []string{"iface"}})
	require.NoError(t, err)

	unit := "bytes"
	updated, err := r.Update(ctx, m.ID, UpdateRequest{Unit: &unit})
	require.NoError(t, err)
	assert.Equal(t, []string{"iface"}, updated.LabelSchema)
}

func TestSoftDeleteHidesMetric(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	m, err := r.Register(ctx, RegisterRequest{Name: "old_metric", Type: "GAUGE"})
	require.NoError(t, err)

	require.NoError(t, r.SoftDelete(ctx, m.ID))
	require.NoError(t, r.SoftDelete(ctx, m.ID), "repeated delete is a no-op")

	_, err = r.GetByName(ctx, "old_metric")
	assert.Equal(t, apierror.KindNotFound, apierror.KindOf(err))

	// still visible to the admin surface
	got, err := r.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	all, err := r.List(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	active, err := r.List(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestUpdateReactivates(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	m, err := r.Register(ctx, RegisterRequest{Name: "flappy", Type: "GAUGE"})
	require.NoError(t, err)
	require.NoError(t, r.SoftDelete(ctx, m.ID))

	active := true
	_, err = r.Update(ctx, m.ID, UpdateRequest{Active: &active})
	require.NoError(t, err)

	got, err := r.GetByName(ctx, "flappy")
	require.NoError(t, err)
	assert.True(t, got.Active)
}

func TestGetOrCreateAutoRegisters(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	m, err := r.GetOrCreate(ctx, "implicit_metric", "")
	require.NoError(t, err)
	assert.Equal(t, model.Gauge, m.Kind, "auto-registration defaults to gauge")
	assert.Empty(t, m.LabelSchema)

	again, err := r.GetOrCreate(ctx, "implicit_metric", "")
	require.NoError(t, err)
	assert.Equal(t, m.ID, again.ID)
}

func TestGetOrCreateRejectsInvalidName(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.GetOrCreate(context.Background(), "9starts_with_digit", model.Gauge)
	require.Error(t, err)
	assert.Equal(t, apierror.KindBadInput, apierror.KindOf(err))
}

func TestPreloadWarmsCache(t *testing.T) {
	r, store := newTestRegistry(t)
	ctx := context.Background()

	seed := &model.Metric{ID: uuid.New(), Name: "preexisting", Kind: model.Gauge, RetentionDays: 30, Active: true}
	require.NoError(t, store.InsertMetric(ctx, seed))

	require.NoError(t, r.Preload(ctx))

	_, ok := r.cache.Load("preexisting")
	assert.True(t, ok)
}
