package ingester

import (
	"flag"
	"time"

	"github.com/grafana/urd/pkg/util"
)

type Config struct {
	// BufferMaxSize bounds the in-memory write buffer. Ingest requests with
	// more samples than this are refused outright.
	BufferMaxSize int `yaml:"buffer_max_size"`
	// FlushBatchSize caps the rows handed to the store in one upsert.
	FlushBatchSize int           `yaml:"flush_batch_size"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	FlushOpTimeout time.Duration `yaml:"flush_op_timeout"`
	// WorkerThreads bounds concurrent per-sample validation inside one request.
	WorkerThreads int `yaml:"worker_threads"`

	// MaxAge and MaxFutureDelta bound accepted sample timestamps around now.
	MaxAge         time.Duration `yaml:"max_age"`
	MaxFutureDelta time.Duration `yaml:"max_future_delta"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.BufferMaxSize, util.PrefixConfig(prefix, "buffer-max-size"), 10000, "Samples held in memory awaiting a flush.")
	f.IntVar(&cfg.FlushBatchSize, util.PrefixConfig(prefix, "flush-batch-size"), 1000, "Samples written to the store per batch.")
	f.DurationVar(&cfg.FlushInterval, util.PrefixConfig(prefix, "flush-interval"), 5*time.Second, "How often the buffer is flushed.")
	f.DurationVar(&cfg.FlushOpTimeout, util.PrefixConfig(prefix, "flush-op-timeout"), 30*time.Second, "Timeout for one flush write.")
	f.IntVar(&cfg.WorkerThreads, util.PrefixConfig(prefix, "worker-threads"), 4, "Concurrent sample validations per request.")
	f.DurationVar(&cfg.MaxAge, util.PrefixConfig(prefix, "max-age"), 365*24*time.Hour, "Oldest accepted sample timestamp, relative to now.")
	f.DurationVar(&cfg.MaxFutureDelta, util.PrefixConfig(prefix, "max-future-delta"), 5*time.Minute, "Furthest future sample timestamp, relative to now.")
}
