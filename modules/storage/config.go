package storage

import (
	"flag"

	"github.com/grafana/urd/metricdb/backend/gcs"
	"github.com/grafana/urd/metricdb/backend/local"
	"github.com/grafana/urd/metricdb/backend/s3"
	"github.com/grafana/urd/metricdb/postgres"
	"github.com/grafana/urd/pkg/util"
)

const (
	// StoreBackendPostgres is the TimescaleDB sample store.
	StoreBackendPostgres = "postgres"
	// StoreBackendMemory keeps everything in process memory. Dev and tests.
	StoreBackendMemory = "memory"

	ArchiveBackendS3    = "s3"
	ArchiveBackendGCS   = "gcs"
	ArchiveBackendLocal = "local"
)

// Config selects and configures the sample store and the archive object
// store.
type Config struct {
	Backend  string          `yaml:"backend"`
	Postgres postgres.Config `yaml:"postgres"`
	// Migrate runs the embedded schema migrations on startup.
	Migrate bool `yaml:"migrate_on_start"`
	// CompressionAfterDays installs the hypertable compression policy.
	// Zero disables it.
	CompressionAfterDays int           `yaml:"compression_after_days"`
	Archive              ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig selects the object store archived segments are written to.
type ArchiveConfig struct {
	Backend string        `yaml:"backend"`
	S3      *s3.Config    `yaml:"s3"`
	GCS     *gcs.Config   `yaml:"gcs"`
	Local   *local.Config `yaml:"local"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Backend, util.PrefixConfig(prefix, "backend"), StoreBackendPostgres, "Sample store backend (postgres, memory).")
	f.BoolVar(&cfg.Migrate, util.PrefixConfig(prefix, "migrate-on-start"), true, "Run schema migrations at startup.")
	f.IntVar(&cfg.CompressionAfterDays, util.PrefixConfig(prefix, "compression-after-days"), 7, "Compress hypertable chunks older than this many days. 0 disables.")
	cfg.Postgres.RegisterFlagsAndApplyDefaults(prefix, f)

	f.StringVar(&cfg.Archive.Backend, util.PrefixConfig(prefix, "archive.backend"), ArchiveBackendLocal, "Archive object store backend (s3, gcs, local).")

	cfg.Archive.S3 = &s3.Config{}
	cfg.Archive.S3.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "archive"), f)

	cfg.Archive.GCS = &gcs.Config{}
	cfg.Archive.GCS.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "archive"), f)

	cfg.Archive.Local = &local.Config{}
	cfg.Archive.Local.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "archive"), f)
	if cfg.Archive.Local.Path == "" {
		cfg.Archive.Local.Path = "/var/urd/archive"
	}
}
