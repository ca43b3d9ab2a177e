package store

import (
	"context"
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

func Migrate(ctx context.Context, db *sql.DB) error {
	if err := prepareGoose(); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

// MigrateTo applies migrations up to and including version.
func MigrateTo(ctx context.Context, db *sql.DB, version int64) error {
	if err := prepareGoose(); err != nil {
		return err
	}
	return goose.UpToContext(ctx, db, "migrations", version)
}

func prepareGoose() error {
	goose.SetBaseFS(migrations)
	goose.SetTableName("schema_migrations")
	return goose.SetDialect("postgres")
}
