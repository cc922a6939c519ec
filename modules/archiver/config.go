package archiver

import (
	"flag"
	"time"

	"github.com/grafana/urd/pkg/util"
)

type Config struct {
	Enabled bool `yaml:"enabled"`
	// Schedule is a cron expression with a seconds field. The default runs
	// the job daily at 02:00.
	Schedule string `yaml:"schedule"`
	// Retention is the hot-tier age past which samples are moved to the
	// object store.
	Retention time.Duration `yaml:"retention"`
	// BatchSize pages samples out of the store while packing a day and also
	// bounds the per-statement row count of the cleanup delete.
	BatchSize int `yaml:"batch_size"`
	// DelayBetweenDays throttles the job between day segments.
	DelayBetweenDays     time.Duration `yaml:"delay_between_days"`
	MaxConcurrentUploads int           `yaml:"max_concurrent_uploads"`
	// VacuumThresholdRows triggers a store maintenance pass when a run
	// archived more rows than this.
	VacuumThresholdRows int64 `yaml:"vacuum_threshold_rows"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.BoolVar(&cfg.Enabled, util.PrefixConfig(prefix, "enabled"), true, "Archive aged samples to the object store.")
	f.StringVar(&cfg.Schedule, util.PrefixConfig(prefix, "schedule"), "0 0 2 * * ?", "Cron schedule (with seconds) for the archival job.")
	f.DurationVar(&cfg.Retention, util.PrefixConfig(prefix, "retention"), 30*24*time.Hour, "Sample age at which the archival job moves data to the object store.")
	f.IntVar(&cfg.BatchSize, util.PrefixConfig(prefix, "batch-size"), 5000, "Samples read per page while packing a day segment.")
	f.DurationVar(&cfg.DelayBetweenDays, util.PrefixConfig(prefix, "delay-between-days"), time.Second, "Pause between day segments to throttle the job.")
	f.IntVar(&cfg.MaxConcurrentUploads, util.PrefixConfig(prefix, "max-concurrent-uploads"), 3, "Metrics archived in parallel.")
	f.Int64Var(&cfg.VacuumThresholdRows, util.PrefixConfig(prefix, "vacuum-threshold-rows"), 100000, "Archived rows per run above which store maintenance is requested.")
}
