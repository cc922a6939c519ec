package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SegmentFormatJSONGzip is the only archive file format currently written.
const SegmentFormatJSONGzip = "json.gz"

// ArchiveSegment records one metric-day of samples moved to the object
// store. Segments are immutable once written; re-archiving a day the store
// already holds is a no-op.
type ArchiveSegment struct {
	ID               uuid.UUID `json:"id"`
	MetricID         uuid.UUID `json:"metricId"`
	StartTime        time.Time `json:"startTime"`
	EndTime          time.Time `json:"endTime"`
	StoragePath      string    `json:"storagePath"`
	FileFormat       string    `json:"fileFormat"`
	FileSizeBytes    int64     `json:"fileSizeBytes"`
	RowCount         int64     `json:"rowCount"`
	CompressionRatio float64   `json:"compressionRatio"`
	LabelKeys        []string  `json:"labelKeys,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// SegmentObjectName returns the object key for a metric-day segment, e.g.
// metrics/8f14e45f-.../2026-08-01.json.gz. Days are UTC calendar days.
func SegmentObjectName(metricID uuid.UUID, day time.Time) string {
	return fmt.Sprintf("metrics/%s/%s.%s", metricID, day.UTC().Format(time.DateOnly), SegmentFormatJSONGzip)
}

// DayStart truncates t to the beginning of its UTC calendar day.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
