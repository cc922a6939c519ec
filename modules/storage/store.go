// Package storage builds the configured sample store and archive object
// store for the rest of the modules.
package storage

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/grafana/urd/metricdb"
	"github.com/grafana/urd/metricdb/backend"
	"github.com/grafana/urd/metricdb/backend/gcs"
	"github.com/grafana/urd/metricdb/backend/local"
	"github.com/grafana/urd/metricdb/backend/s3"
	"github.com/grafana/urd/metricdb/memstore"
	"github.com/grafana/urd/metricdb/postgres"
)

// Store bundles the sample store with the archive object store.
type Store struct {
	metricdb.Store

	ArchiveReader backend.Reader
	ArchiveWriter backend.Writer
}

// New builds the store stack from configuration. With the postgres backend
// the schema migrations run first when enabled.
func New(ctx context.Context, cfg Config, logger log.Logger) (*Store, error) {
	var db metricdb.Store
	switch cfg.Backend {
	case StoreBackendPostgres:
		pg, err := postgres.New(&cfg.Postgres, logger)
		if err != nil {
			return nil, err
		}
		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return nil, fmt.Errorf("migrating schema: %w", err)
			}
			if err := pg.ApplyCompressionPolicy(ctx, cfg.CompressionAfterDays); err != nil {
				level.Warn(logger).Log("msg", "compression policy not applied", "err", err)
			}
		}
		db = pg
	case StoreBackendMemory:
		level.Warn(logger).Log("msg", "using the in-memory store, data does not survive restarts")
		db = memstore.New()
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}

	r, w, err := newArchiveBackend(cfg.Archive, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{Store: db, ArchiveReader: r, ArchiveWriter: w}, nil
}

func newArchiveBackend(cfg ArchiveConfig, logger log.Logger) (backend.Reader, backend.Writer, error) {
	switch cfg.Backend {
	case ArchiveBackendS3:
		return s3.New(cfg.S3, logger)
	case ArchiveBackendGCS:
		return gcs.New(cfg.GCS)
	case ArchiveBackendLocal:
		return local.New(cfg.Local)
	default:
		return nil, nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}

// Shutdown closes the store and releases the archive backend.
func (s *Store) Shutdown() {
	if s.ArchiveReader != nil {
		s.ArchiveReader.Shutdown()
	}
	_ = s.Store.Close()
}
