// Package postgres implements metricdb.Store against PostgreSQL with the
// TimescaleDB extension. Samples live in the metric_samples hypertable,
// bucketed reads of the standard intervals are served from continuous
// aggregates.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register the pgx database/sql driver
	"github.com/jmoiron/sqlx"

	"github.com/grafana/urd/metricdb"
	"github.com/grafana/urd/metricdb/migrations"
)

const uniqueViolation = "23505"

type Store struct {
	db     *sqlx.DB
	logger log.Logger
}

var _ metricdb.Store = (*Store)(nil)

// New connects, verifies the connection and configures the pool.
func New(cfg *Config, logger log.Logger) (*Store, error) {
	db, err := sqlx.Connect("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres at %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &Store{db: db, logger: logger}, nil
}

// NewWithDB wraps an existing database handle. Used by tests to inject
// sqlmock.
func NewWithDB(db *sql.DB, logger log.Logger) *Store {
	return &Store{db: sqlx.NewDb(db, "pgx"), logger: logger}
}

// Migrate brings the schema up to date.
func (s *Store) Migrate(ctx context.Context) error {
	return migrations.Up(ctx, s.db.DB)
}

// ApplyCompressionPolicy installs the hypertable compression policy. Safe to
// call on every start.
func (s *Store) ApplyCompressionPolicy(ctx context.Context, afterDays int) error {
	if afterDays <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`SELECT add_compression_policy('metric_samples', compress_after => make_interval(days => $1), if_not_exists => true)`,
		afterDays)
	if err != nil {
		return fmt.Errorf("applying compression policy: %w", err)
	}
	level.Info(s.logger).Log("msg", "compression policy applied", "after_days", afterDays)
	return nil
}

// RunMaintenance reclaims space after bulk deletes. VACUUM runs outside any
// transaction so a plain Exec is required.
func (s *Store) RunMaintenance(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `VACUUM (ANALYZE) metric_samples`)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// isUniqueViolation detects duplicate key errors from the pgx driver.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
