package querier

import (
	"flag"
	"time"

	"github.com/grafana/urd/pkg/util"
)

type Config struct {
	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`
	// MaxSpan bounds endTime - startTime for a single query.
	MaxSpan time.Duration `yaml:"max_span"`
	// MaxBuckets rejects bucketed queries that would return more rows than
	// this before they reach the store.
	MaxBuckets    int           `yaml:"max_buckets"`
	BucketTimeout time.Duration `yaml:"bucket_timeout"`
	// HotRetention is how far back the sample store keeps raw data. Query
	// ranges reaching past it fan out to the archive.
	HotRetention time.Duration `yaml:"hot_retention"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.DefaultLimit, util.PrefixConfig(prefix, "default-limit"), 100, "Data points returned when the query names no limit.")
	f.IntVar(&cfg.MaxLimit, util.PrefixConfig(prefix, "max-limit"), 10000, "Upper bound any query limit is clamped to.")
	f.DurationVar(&cfg.MaxSpan, util.PrefixConfig(prefix, "max-span"), 90*24*time.Hour, "Widest allowed query time range.")
	f.IntVar(&cfg.MaxBuckets, util.PrefixConfig(prefix, "max-buckets"), 1000, "Most buckets a single aggregated query may return.")
	f.DurationVar(&cfg.BucketTimeout, util.PrefixConfig(prefix, "bucket-timeout"), 5*time.Second, "Hard deadline for bucketed store reads.")
	f.DurationVar(&cfg.HotRetention, util.PrefixConfig(prefix, "hot-retention"), 10*24*time.Hour, "Age past which queries read from the archive.")
}
