// Package migrations holds the embedded schema migrations for the
// metric store. They are applied with goose at process startup and
// assume a database with the timescaledb extension available.
package migrations

import (
	"context"
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var embedMigrations embed.FS

// Up applies all pending migrations.
func Up(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}
