package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
)

type listSegmentsCmd struct {
	MetricID string `arg:"" help:"metric id to list segments for"`

	dbOptions
}

func (cmd *listSegmentsCmd) Run(opts *globalOptions) error {
	metricID, err := uuid.Parse(cmd.MetricID)
	if err != nil {
		return fmt.Errorf("invalid metric id: %w", err)
	}

	store, err := loadStore(&cmd.dbOptions, opts)
	if err != nil {
		return err
	}
	defer store.Close()

	// the full archive history of the metric
	segments, err := store.SegmentsOverlapping(context.Background(), metricID, time.Unix(0, 0), time.Now())
	if err != nil {
		return err
	}

	fmt.Println("total segments: ", len(segments))

	var totalRows, totalBytes int64
	out := make([][]string, 0, len(segments))
	for _, seg := range segments {
		totalRows += seg.RowCount
		totalBytes += seg.FileSizeBytes
		out = append(out, []string{
			seg.StartTime.Format(time.DateOnly),
			seg.StoragePath,
			humanize.Comma(seg.RowCount),
			humanize.Bytes(uint64(seg.FileSizeBytes)),
			fmt.Sprintf("%.2f", seg.CompressionRatio),
			seg.CreatedAt.Format(time.RFC3339),
		})
	}

	w := tablewriter.NewWriter(os.Stdout)
	w.SetHeader([]string{"day", "path", "rows", "size", "ratio", "archived at"})
	w.SetFooter([]string{"", "total", humanize.Comma(totalRows), humanize.Bytes(uint64(totalBytes)), "", ""})
	w.AppendBulk(out)
	w.Render()
	return nil
}
