package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/grafana/urd/metricdb"
	"github.com/grafana/urd/pkg/model"
)

// metricSelect folds the metric_labels rows back into a sorted json array so
// the row scans the same way regardless of how many label keys exist.
const metricSelect = `
SELECT m.id, m.name, m.metric_type, m.description, m.unit,
       COALESCE(jsonb_agg(ml.label_key ORDER BY ml.label_key) FILTER (WHERE ml.label_key IS NOT NULL), '[]'::jsonb) AS label_schema,
       m.retention_days, m.is_active, m.created_at, m.updated_at
FROM metrics m
LEFT JOIN metric_labels ml ON ml.metric_id = m.id`

type metricRow struct {
	ID            uuid.UUID `db:"id"`
	Name          string    `db:"name"`
	MetricType    string    `db:"metric_type"`
	Description   string    `db:"description"`
	Unit          string    `db:"unit"`
	LabelSchema   []byte    `db:"label_schema"`
	RetentionDays int       `db:"retention_days"`
	IsActive      bool      `db:"is_active"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (r *metricRow) toModel() (*model.Metric, error) {
	var schema []string
	if len(r.LabelSchema) > 0 {
		if err := json.Unmarshal(r.LabelSchema, &schema); err != nil {
			return nil, fmt.Errorf("decoding label schema of metric %q: %w", r.Name, err)
		}
	}
	if len(schema) == 0 {
		schema = nil
	}
	return &model.Metric{
		ID:            r.ID,
		Name:          r.Name,
		Kind:          model.MetricKind(r.MetricType),
		Description:   r.Description,
		Unit:          r.Unit,
		LabelSchema:   schema,
		RetentionDays: r.RetentionDays,
		Active:        r.IsActive,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}, nil
}

// InsertMetric writes the metric row and one metric_labels row per schema key
// in a single transaction. A name collision surfaces as ErrAlreadyExists.
func (s *Store) InsertMetric(ctx context.Context, m *model.Metric) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning metric insert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO metrics (id, name, metric_type, description, unit, retention_days, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.Name, string(m.Kind), m.Description, m.Unit, m.RetentionDays, m.Active, m.CreatedAt, m.UpdatedAt)
	if isUniqueViolation(err) {
		return metricdb.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("inserting metric %q: %w", m.Name, err)
	}

	for _, key := range m.NormalizeSchema() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO metric_labels (metric_id, label_key) VALUES ($1, $2)`, m.ID, key); err != nil {
			return fmt.Errorf("inserting label key %q of metric %q: %w", key, m.Name, err)
		}
	}

	return tx.Commit()
}

func (s *Store) GetMetricByName(ctx context.Context, name string) (*model.Metric, error) {
	var row metricRow
	err := s.db.GetContext(ctx, &row, metricSelect+` WHERE m.name = $1 GROUP BY m.id`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, metricdb.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading metric %q: %w", name, err)
	}
	return row.toModel()
}

func (s *Store) GetMetricByID(ctx context.Context, id uuid.UUID) (*model.Metric, error) {
	var row metricRow
	err := s.db.GetContext(ctx, &row, metricSelect+` WHERE m.id = $1 GROUP BY m.id`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, metricdb.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading metric %s: %w", id, err)
	}
	return row.toModel()
}

func (s *Store) ListMetrics(ctx context.Context, onlyActive bool) ([]*model.Metric, error) {
	var rows []metricRow
	err := s.db.SelectContext(ctx, &rows,
		metricSelect+` WHERE m.is_active OR NOT $1 GROUP BY m.id ORDER BY m.name`, onlyActive)
	if err != nil {
		return nil, fmt.Errorf("listing metrics: %w", err)
	}

	out := make([]*model.Metric, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// UpdateMetric persists the mutable fields. The label schema is fixed at
// registration and never touched here.
func (s *Store) UpdateMetric(ctx context.Context, m *model.Metric) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE metrics
		 SET name = $2, description = $3, unit = $4, retention_days = $5, is_active = $6, updated_at = $7
		 WHERE id = $1`,
		m.ID, m.Name, m.Description, m.Unit, m.RetentionDays, m.Active, m.UpdatedAt)
	if isUniqueViolation(err) {
		return metricdb.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("updating metric %s: %w", m.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return metricdb.ErrNotFound
	}
	return nil
}
