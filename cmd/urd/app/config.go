package app

import (
	"flag"
	"time"

	dslog "github.com/grafana/dskit/log"

	"github.com/grafana/urd/modules/archiver"
	"github.com/grafana/urd/modules/cardinality"
	"github.com/grafana/urd/modules/ingester"
	"github.com/grafana/urd/modules/querier"
	"github.com/grafana/urd/modules/registry"
	"github.com/grafana/urd/modules/storage"
)

// ServerConfig holds the HTTP listener and logging options.
type ServerConfig struct {
	HTTPListenAddress string      `yaml:"http_listen_address"`
	HTTPListenPort    int         `yaml:"http_listen_port"`
	LogLevel          dslog.Level `yaml:"log_level"`
	LogFormat         string      `yaml:"log_format"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Config is the root configuration of the server binary.
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Storage     storage.Config     `yaml:"storage"`
	Registry    registry.Config    `yaml:"registry"`
	Cardinality cardinality.Config `yaml:"cardinality"`
	Ingestion   ingester.Config    `yaml:"ingestion"`
	Query       querier.Config     `yaml:"query"`
	Archival    archiver.Config    `yaml:"archival"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.Server.HTTPListenAddress, "server.http-listen-address", "", "HTTP listen address.")
	f.IntVar(&c.Server.HTTPListenPort, "server.http-listen-port", 8082, "HTTP listen port.")
	c.Server.LogLevel.RegisterFlags(f)
	f.StringVar(&c.Server.LogFormat, "log.format", "logfmt", "Log format (logfmt, json).")
	c.Server.ReadTimeout = 30 * time.Second
	c.Server.WriteTimeout = 60 * time.Second
	c.Server.ShutdownTimeout = 30 * time.Second

	c.Storage.RegisterFlagsAndApplyDefaults("storage", f)
	c.Registry.RegisterFlagsAndApplyDefaults("registry", f)
	c.Cardinality.RegisterFlagsAndApplyDefaults("cardinality", f)
	c.Ingestion.RegisterFlagsAndApplyDefaults("ingestion", f)
	c.Query.RegisterFlagsAndApplyDefaults("query", f)
	c.Archival.RegisterFlagsAndApplyDefaults("archival", f)
}

// ConfigWarning bundles a warning message with an optional explanation.
type ConfigWarning struct {
	Message string
	Explain string
}

// CheckConfig returns warnings for valid but suspect configurations.
func (c *Config) CheckConfig() []ConfigWarning {
	var warnings []ConfigWarning

	if c.Storage.Backend == storage.StoreBackendMemory {
		warnings = append(warnings, ConfigWarning{
			Message: "storage.backend is memory",
			Explain: "all metric data is lost when the process exits",
		})
	}
	if c.Archival.Enabled && c.Storage.Archive.Backend == storage.ArchiveBackendLocal {
		warnings = append(warnings, ConfigWarning{
			Message: "archival writes to the local filesystem",
			Explain: "archived segments should live on object storage in production",
		})
	}
	if c.Cardinality.WarningThreshold >= 1 {
		warnings = append(warnings, ConfigWarning{
			Message: "cardinality.warning_threshold is at or above 1",
			Explain: "warnings will only fire once the hard limit already rejects writes",
		})
	}
	if c.Ingestion.FlushInterval > time.Minute {
		warnings = append(warnings, ConfigWarning{
			Message: "ingestion.flush_interval is longer than a minute",
			Explain: "buffered samples are lost on crash; long intervals widen that window",
		})
	}
	if c.Archival.Enabled && c.Archival.Retention < c.Query.HotRetention {
		warnings = append(warnings, ConfigWarning{
			Message: "archival.retention is shorter than query.hot_retention",
			Explain: "queries will look for samples in the hot tier that archival already moved out",
		})
	}
	return warnings
}
