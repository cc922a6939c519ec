package archiver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/grafana/urd/metricdb/backend"
	"github.com/grafana/urd/pkg/apierror"
	"github.com/grafana/urd/pkg/model"
)

// archiveRow is the wire form of one sample inside a segment file. The file
// is a gzipped JSON array of these.
type archiveRow struct {
	Timestamp int64         `json:"timestamp"` // epoch millis
	MetricID  string        `json:"metric_id"`
	Value     float64       `json:"value"`
	Labels    encodedLabels `json:"labels"`
}

// encodedLabels writes the label object as a JSON string (an object
// serialized inside a string). Historical segments all carry that double
// encoding; the reader additionally accepts a native object so the format
// can migrate later.
type encodedLabels map[string]string

func (l encodedLabels) MarshalJSON() ([]byte, error) {
	if len(l) == 0 {
		return json.Marshal("{}")
	}
	inner, err := json.Marshal(map[string]string(l))
	if err != nil {
		return nil, err
	}
	return json.Marshal(string(inner))
}

func (l *encodedLabels) UnmarshalJSON(data []byte) error {
	var inner string
	if err := json.Unmarshal(data, &inner); err == nil {
		if inner == "" || inner == "{}" {
			*l = nil
			return nil
		}
		return json.Unmarshal([]byte(inner), (*map[string]string)(l))
	}
	return json.Unmarshal(data, (*map[string]string)(l))
}

// packSegment renders one day of samples as a gzipped JSON array and
// returns the compressed bytes, the uncompressed size and the distinct label
// keys observed.
func packSegment(samples []model.Sample) (data []byte, rawSize int64, labelKeys []string, err error) {
	rows := make([]archiveRow, len(samples))
	keys := map[string]struct{}{}
	for i, s := range samples {
		rows[i] = archiveRow{
			Timestamp: s.Time.UnixMilli(),
			MetricID:  s.MetricID.String(),
			Value:     s.Value,
			Labels:    s.Labels,
		}
		for k := range s.Labels {
			keys[k] = struct{}{}
		}
	}

	raw, err := json.Marshal(rows)
	if err != nil {
		return nil, 0, nil, err
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, 0, nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, 0, nil, err
	}

	labelKeys = make([]string, 0, len(keys))
	for k := range keys {
		labelKeys = append(labelKeys, k)
	}
	sort.Strings(labelKeys)

	return buf.Bytes(), int64(len(raw)), labelKeys, nil
}

// unpackSegment streams a segment file back into samples, keeping only rows
// inside [start, end). The metric id comes from the segment metadata, not
// the rows, so a corrupted id field cannot leak samples across metrics.
func unpackSegment(r io.Reader, metricID uuid.UUID, start, end time.Time) ([]model.Sample, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	dec := json.NewDecoder(gz)
	if _, err := dec.Token(); err != nil { // opening bracket
		return nil, err
	}

	var out []model.Sample
	for dec.More() {
		var row archiveRow
		if err := dec.Decode(&row); err != nil {
			return nil, err
		}
		t := time.UnixMilli(row.Timestamp).UTC()
		if t.Before(start) || !t.Before(end) {
			continue
		}
		out = append(out, model.Sample{
			Time:     t,
			MetricID: metricID,
			Value:    row.Value,
			Labels:   row.Labels,
		})
	}
	return out, nil
}

// ReadSegment decodes one gzipped segment stream into the samples within
// [start, end). Tools that read segment objects directly use this instead of
// going through an Archiver.
func ReadSegment(r io.Reader, metricID uuid.UUID, start, end time.Time) ([]model.Sample, error) {
	return unpackSegment(r, metricID, start, end)
}

// Iterator yields archived samples for one metric ordered by time. It is
// lazy: a segment is downloaded only when the previous one is exhausted. It
// cannot be restarted.
type Iterator struct {
	reader   backend.Reader
	logger   log.Logger
	metricID uuid.UUID
	start    time.Time
	end      time.Time

	segments []*model.ArchiveSegment
	current  []model.Sample
	pos      int
}

// Next returns the next sample or io.EOF when the range is exhausted.
// A segment that fails to parse is logged and skipped; a segment object
// that cannot be fetched fails the iteration with a Transient error.
func (it *Iterator) Next(ctx context.Context) (*model.Sample, error) {
	for {
		if it.pos < len(it.current) {
			s := &it.current[it.pos]
			it.pos++
			return s, nil
		}

		if len(it.segments) == 0 {
			return nil, io.EOF
		}
		seg := it.segments[0]
		it.segments = it.segments[1:]
		it.current, it.pos = nil, 0

		rc, _, err := it.reader.Read(ctx, seg.StoragePath)
		if err == backend.ErrDoesNotExist {
			level.Warn(it.logger).Log("msg", "archive segment object missing, skipping", "path", seg.StoragePath)
			continue
		}
		if err != nil {
			return nil, apierror.Wrap(apierror.KindTransient, err, "fetching archive segment %s", seg.StoragePath)
		}

		samples, err := unpackSegment(rc, it.metricID, it.start, it.end)
		rc.Close()
		if err != nil {
			level.Warn(it.logger).Log("msg", "archive segment failed to parse, treating as empty", "path", seg.StoragePath, "err", err)
			continue
		}
		it.current = samples
	}
}

// Drain collects at most limit samples from the iterator.
func (it *Iterator) Drain(ctx context.Context, limit int) ([]model.Sample, error) {
	var out []model.Sample
	for limit <= 0 || len(out) < limit {
		s, err := it.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}
