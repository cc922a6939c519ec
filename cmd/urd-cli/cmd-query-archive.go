package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/grafana/urd/modules/archiver"
	"github.com/grafana/urd/pkg/model"
)

type queryArchiveCmd struct {
	MetricID string `arg:"" help:"metric id the segment belongs to"`
	Day      string `arg:"" help:"UTC day of the segment (YYYY-MM-DD)"`
	Limit    int    `help:"maximum samples to print, 0 for all" default:"0"`

	backendOptions
}

func (cmd *queryArchiveCmd) Run(opts *globalOptions) error {
	metricID, err := uuid.Parse(cmd.MetricID)
	if err != nil {
		return fmt.Errorf("invalid metric id: %w", err)
	}
	day, err := time.ParseInLocation(time.DateOnly, cmd.Day, time.UTC)
	if err != nil {
		return fmt.Errorf("invalid day: %w", err)
	}

	r, err := loadBackend(&cmd.backendOptions, opts)
	if err != nil {
		return err
	}
	defer r.Shutdown()

	name := model.SegmentObjectName(metricID, day)
	rc, _, err := r.Read(context.Background(), name)
	if err != nil {
		return fmt.Errorf("reading %s: %w", name, err)
	}
	defer rc.Close()

	samples, err := archiver.ReadSegment(rc, metricID, day, day.AddDate(0, 0, 1))
	if err != nil {
		return fmt.Errorf("decoding %s: %w", name, err)
	}

	fmt.Println("total samples: ", len(samples))

	enc := json.NewEncoder(os.Stdout)
	for i, s := range samples {
		if cmd.Limit > 0 && i >= cmd.Limit {
			fmt.Printf("... truncated at %d samples\n", cmd.Limit)
			break
		}
		if err := enc.Encode(s); err != nil {
			return err
		}
	}
	return nil
}
