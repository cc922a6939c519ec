package cardinality

import (
	"flag"
	"time"

	"github.com/grafana/urd/pkg/util"
)

type Config struct {
	// MaxSeriesPerMetric rejects new series once a metric has this many
	// distinct label combinations inside the check window.
	MaxSeriesPerMetric int `yaml:"max_series_per_metric"`
	// WarningThreshold is the fraction of MaxSeriesPerMetric above which
	// accepted writes carry a warning.
	WarningThreshold float64 `yaml:"warning_threshold"`

	MaxLabelsPerMetric  int `yaml:"max_labels_per_metric"`
	MaxLabelValueLength int `yaml:"max_label_value_length"`

	// CheckWindow is the trailing period over which series are counted.
	CheckWindow time.Duration `yaml:"check_window"`

	// EstimateTTL bounds how long a counted cardinality is reused before the
	// store is probed again. ProbesPerMinute rate limits those probes across
	// all metrics.
	EstimateTTL       time.Duration `yaml:"estimate_ttl"`
	EstimateCacheSize int           `yaml:"estimate_cache_size"`
	ProbesPerMinute   int           `yaml:"probes_per_minute"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.MaxSeriesPerMetric, util.PrefixConfig(prefix, "max-series-per-metric"), 10000, "Maximum distinct label combinations per metric.")
	f.Float64Var(&cfg.WarningThreshold, util.PrefixConfig(prefix, "warning-threshold"), 0.8, "Fraction of the series limit that triggers warnings.")
	f.IntVar(&cfg.MaxLabelsPerMetric, util.PrefixConfig(prefix, "max-labels-per-metric"), 10, "Maximum labels on a single sample.")
	f.IntVar(&cfg.MaxLabelValueLength, util.PrefixConfig(prefix, "max-label-value-length"), 100, "Maximum length of a label value.")
	f.DurationVar(&cfg.CheckWindow, util.PrefixConfig(prefix, "check-window"), 24*time.Hour, "Window over which series are counted.")
	f.DurationVar(&cfg.EstimateTTL, util.PrefixConfig(prefix, "estimate-ttl"), time.Hour, "How long a counted cardinality is trusted.")
	f.IntVar(&cfg.EstimateCacheSize, util.PrefixConfig(prefix, "estimate-cache-size"), 4096, "Metrics whose cardinality estimate is kept in memory.")
	f.IntVar(&cfg.ProbesPerMinute, util.PrefixConfig(prefix, "probes-per-minute"), 10, "Store cardinality probes allowed per minute.")
}
