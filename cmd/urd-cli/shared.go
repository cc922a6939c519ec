package main

import (
	"flag"
	"fmt"
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/grafana/dskit/flagext"
	"gopkg.in/yaml.v2"

	"github.com/grafana/urd/cmd/urd/app"
	"github.com/grafana/urd/metricdb"
	"github.com/grafana/urd/metricdb/backend"
	"github.com/grafana/urd/metricdb/backend/gcs"
	"github.com/grafana/urd/metricdb/backend/local"
	"github.com/grafana/urd/metricdb/backend/s3"
	"github.com/grafana/urd/metricdb/postgres"
	"github.com/grafana/urd/modules/storage"
)

type dbOptions struct {
	DBHost string `help:"postgres host" default:"localhost"`
	DBPort int    `help:"postgres port" default:"5432"`
	DBName string `help:"database name" default:"urd"`
	DBUser string `help:"database user" default:"urd"`
	DBPass string `help:"database password"`
}

type backendOptions struct {
	Backend    string `help:"archive backend to read from (s3/gcs/local)"`
	Bucket     string `help:"bucket to read (path of the archive root for the local backend)"`
	S3Endpoint string `name:"s3-endpoint" help:"s3 endpoint"`
	S3User     string `name:"s3-user" help:"s3 username"`
	S3Pass     string `name:"s3-pass" help:"s3 password"`
}

// loadConfigFile reads an urd server config so the CLI can reuse its storage
// settings. Returns nil when no -c flag was given.
func loadConfigFile(g *globalOptions) (*app.Config, error) {
	if g.ConfigFile == "" {
		return nil, nil
	}
	cfg := &app.Config{}
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.PanicOnError))

	buff, err := os.ReadFile(g.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read configFile %s: %w", g.ConfigFile, err)
	}
	if err := yaml.UnmarshalStrict(buff, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configFile %s: %w", g.ConfigFile, err)
	}
	return cfg, nil
}

func loadStore(opts *dbOptions, g *globalOptions) (metricdb.Store, error) {
	cfg, err := loadConfigFile(g)
	if err != nil {
		return nil, err
	}

	pgCfg := postgres.Config{}
	pgCfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.PanicOnError))
	if cfg != nil {
		pgCfg = cfg.Storage.Postgres
	}
	if opts.DBHost != "" {
		pgCfg.Host = opts.DBHost
	}
	if opts.DBPort != 0 {
		pgCfg.Port = opts.DBPort
	}
	if opts.DBName != "" {
		pgCfg.Database = opts.DBName
	}
	if opts.DBUser != "" {
		pgCfg.User = opts.DBUser
	}
	if opts.DBPass != "" {
		pgCfg.Password = flagext.SecretWithValue(opts.DBPass)
	}

	return postgres.New(&pgCfg, kitlog.NewNopLogger())
}

func loadBackend(opts *backendOptions, g *globalOptions) (backend.Reader, error) {
	cfg, err := loadConfigFile(g)
	if err != nil {
		return nil, err
	}
	if cfg != nil && opts.Backend == "" {
		r, _, err := newArchiveBackend(cfg.Storage.Archive)
		return r, err
	}

	switch opts.Backend {
	case "s3":
		r, _, err := s3.New(&s3.Config{
			Bucket:    opts.Bucket,
			Endpoint:  opts.S3Endpoint,
			AccessKey: opts.S3User,
			SecretKey: flagext.SecretWithValue(opts.S3Pass),
			Insecure:  true,
		}, kitlog.NewNopLogger())
		return r, err
	case "gcs":
		r, _, err := gcs.New(&gcs.Config{BucketName: opts.Bucket})
		return r, err
	case "local":
		r, _, err := local.New(&local.Config{Path: opts.Bucket})
		return r, err
	}
	return nil, fmt.Errorf("unknown backend %q, pass -backend or a config file", opts.Backend)
}

func newArchiveBackend(cfg storage.ArchiveConfig) (backend.Reader, backend.Writer, error) {
	switch cfg.Backend {
	case storage.ArchiveBackendS3:
		return s3.New(cfg.S3, kitlog.NewNopLogger())
	case storage.ArchiveBackendGCS:
		return gcs.New(cfg.GCS)
	case storage.ArchiveBackendLocal:
		return local.New(cfg.Local)
	}
	return nil, nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
}
