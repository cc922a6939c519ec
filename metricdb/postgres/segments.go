package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/grafana/urd/metricdb"
	"github.com/grafana/urd/pkg/model"
)

const segmentColumns = `id, metric_id, start_time, end_time, storage_path, file_format, file_size_bytes, row_count, compression_ratio, label_keys, created_at`

type segmentRow struct {
	ID               uuid.UUID `db:"id"`
	MetricID         uuid.UUID `db:"metric_id"`
	StartTime        time.Time `db:"start_time"`
	EndTime          time.Time `db:"end_time"`
	StoragePath      string    `db:"storage_path"`
	FileFormat       string    `db:"file_format"`
	FileSizeBytes    int64     `db:"file_size_bytes"`
	RowCount         int64     `db:"row_count"`
	CompressionRatio float64   `db:"compression_ratio"`
	LabelKeys        []byte    `db:"label_keys"`
	CreatedAt        time.Time `db:"created_at"`
}

func (r *segmentRow) toModel() (*model.ArchiveSegment, error) {
	var keys []string
	if len(r.LabelKeys) > 0 {
		if err := json.Unmarshal(r.LabelKeys, &keys); err != nil {
			return nil, fmt.Errorf("decoding label keys of segment %s: %w", r.ID, err)
		}
	}
	return &model.ArchiveSegment{
		ID:               r.ID,
		MetricID:         r.MetricID,
		StartTime:        r.StartTime,
		EndTime:          r.EndTime,
		StoragePath:      r.StoragePath,
		FileFormat:       r.FileFormat,
		FileSizeBytes:    r.FileSizeBytes,
		RowCount:         r.RowCount,
		CompressionRatio: r.CompressionRatio,
		LabelKeys:        keys,
		CreatedAt:        r.CreatedAt,
	}, nil
}

func (s *Store) InsertSegment(ctx context.Context, seg *model.ArchiveSegment) error {
	keys, err := json.Marshal(seg.LabelKeys)
	if err != nil {
		return fmt.Errorf("encoding label keys: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cold_storage_metadata (`+segmentColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		seg.ID, seg.MetricID, seg.StartTime, seg.EndTime, seg.StoragePath, seg.FileFormat,
		seg.FileSizeBytes, seg.RowCount, seg.CompressionRatio, keys, seg.CreatedAt)
	if isUniqueViolation(err) {
		return metricdb.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("inserting segment %s: %w", seg.StoragePath, err)
	}
	return nil
}

func (s *Store) SegmentExists(ctx context.Context, metricID uuid.UUID, day time.Time) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM cold_storage_metadata WHERE metric_id = $1 AND start_time = $2)`,
		metricID, day)
	if err != nil {
		return false, fmt.Errorf("checking segment existence: %w", err)
	}
	return exists, nil
}

func (s *Store) SegmentsOverlapping(ctx context.Context, metricID uuid.UUID, start, end time.Time) ([]*model.ArchiveSegment, error) {
	var rows []segmentRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+segmentColumns+` FROM cold_storage_metadata
		 WHERE metric_id = $1 AND start_time <= $3 AND end_time > $2
		 ORDER BY start_time`,
		metricID, start, end)
	if err != nil {
		return nil, fmt.Errorf("listing overlapping segments: %w", err)
	}
	return segmentsToModels(rows)
}

func (s *Store) SegmentsBefore(ctx context.Context, cutoff time.Time) ([]*model.ArchiveSegment, error) {
	var rows []segmentRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+segmentColumns+` FROM cold_storage_metadata WHERE end_time <= $1 ORDER BY start_time`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing aged segments: %w", err)
	}
	return segmentsToModels(rows)
}

func (s *Store) DeleteSegment(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cold_storage_metadata WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting segment %s: %w", id, err)
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

func (s *Store) SegmentStats(ctx context.Context) (metricdb.SegmentStats, error) {
	var row struct {
		Segments int64        `db:"segments"`
		Rows     int64        `db:"rows"`
		Bytes    int64        `db:"bytes"`
		Oldest   sql.NullTime `db:"oldest"`
		Newest   sql.NullTime `db:"newest"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT count(*) AS segments,
		        COALESCE(sum(row_count), 0)::bigint AS rows,
		        COALESCE(sum(file_size_bytes), 0)::bigint AS bytes,
		        min(start_time) AS oldest,
		        max(start_time) AS newest
		 FROM cold_storage_metadata`)
	if err != nil {
		return metricdb.SegmentStats{}, fmt.Errorf("reading segment stats: %w", err)
	}

	stats := metricdb.SegmentStats{Segments: row.Segments, Rows: row.Rows, Bytes: row.Bytes}
	if row.Oldest.Valid {
		stats.OldestDay = row.Oldest.Time
	}
	if row.Newest.Valid {
		stats.NewestDay = row.Newest.Time
	}
	return stats, nil
}

func segmentsToModels(rows []segmentRow) ([]*model.ArchiveSegment, error) {
	out := make([]*model.ArchiveSegment, 0, len(rows))
	for i := range rows {
		seg, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, nil
}
