package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
)

type listMetricsCmd struct {
	IncludeInactive bool `help:"include soft-deleted metrics"`

	dbOptions
}

func (cmd *listMetricsCmd) Run(opts *globalOptions) error {
	store, err := loadStore(&cmd.dbOptions, opts)
	if err != nil {
		return err
	}
	defer store.Close()

	metrics, err := store.ListMetrics(context.Background(), !cmd.IncludeInactive)
	if err != nil {
		return err
	}

	fmt.Println("total metrics: ", len(metrics))

	out := make([][]string, 0, len(metrics))
	for _, m := range metrics {
		out = append(out, []string{
			m.ID.String(),
			m.Name,
			string(m.Kind),
			m.Unit,
			strings.Join(m.LabelSchema, ","),
			strconv.Itoa(m.RetentionDays),
			strconv.FormatBool(m.Active),
			m.CreatedAt.Format("2006-01-02"),
		})
	}

	w := tablewriter.NewWriter(os.Stdout)
	w.SetHeader([]string{"id", "name", "type", "unit", "labels", "retention days", "active", "created"})
	w.AppendBulk(out)
	w.Render()
	return nil
}
