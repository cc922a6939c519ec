// Package export renders query results in the formats the query endpoint
// can return: indented JSON, CSV and a line-protocol text form.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grafana/urd/pkg/model"
)

// JSON writes the result as an indented document. Point timestamps use
// RFC 3339 with nanoseconds, so a parse of the output restores them exactly.
func JSON(w io.Writer, res *model.QueryResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// CSV writes one row per data point under a timestamp,metric,value,labels
// header. Labels are a JSON object in the last column; the csv writer takes
// care of quoting it.
func CSV(w io.Writer, res *model.QueryResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "metric", "value", "labels"}); err != nil {
		return err
	}
	for _, p := range res.Data {
		labels := "{}"
		if len(p.Labels) > 0 {
			b, err := json.Marshal(p.Labels)
			if err != nil {
				return err
			}
			labels = string(b)
		}
		row := []string{
			p.Timestamp.UTC().Format(time.RFC3339Nano),
			res.Metric,
			strconv.FormatFloat(p.Value, 'g', -1, 64),
			labels,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// LineProtocol writes `metric{k="v",...} value epochMillis` lines, label
// keys sorted, braces omitted when a point carries no labels.
func LineProtocol(w io.Writer, res *model.QueryResult) error {
	for _, p := range res.Data {
		var sb strings.Builder
		sb.WriteString(res.Metric)
		if len(p.Labels) > 0 {
			keys := make([]string, 0, len(p.Labels))
			for k := range p.Labels {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			sb.WriteByte('{')
			for i, k := range keys {
				if i > 0 {
					sb.WriteByte(',')
				}
				sb.WriteString(k)
				sb.WriteString(`="`)
				sb.WriteString(p.Labels[k])
				sb.WriteByte('"')
			}
			sb.WriteByte('}')
		}
		fmt.Fprintf(w, "%s %s %d\n", sb.String(), strconv.FormatFloat(p.Value, 'g', -1, 64), p.Timestamp.UnixMilli())
	}
	return nil
}
