package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

const migrationTable = "goose_db_version"

// Migrate applies every pending migration in migrations to the database
// behind pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool, migrations fs.FS, log zerolog.Logger) error {
	// The sql.DB shares the pool's connections, so it is not closed here.
	db := stdlib.OpenDBFromPool(pool)

	goose.SetBaseFS(migrations)
	goose.SetLogger(&gooseLogger{log: log})
	goose.SetTableName(migrationTable)

	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Join(ErrSetDialect, err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return errors.Join(ErrApplyMigration, err)
	}
	return nil
}

// MigrationStatus logs the applied state of every migration.
func MigrationStatus(ctx context.Context, pool *pgxpool.Pool, migrations fs.FS, log zerolog.Logger) error {
	db := stdlib.OpenDBFromPool(pool)

	goose.SetBaseFS(migrations)
	goose.SetLogger(&gooseLogger{log: log})
	goose.SetTableName(migrationTable)

	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Join(ErrSetDialect, err)
	}
	return goose.StatusContext(ctx, db, ".")
}

type gooseLogger struct {
	log zerolog.Logger
}

func (g *gooseLogger) Printf(format string, args ...any) {
	g.log.Info().Str("component", "goose").Msg(fmt.Sprintf(format, args...))
}

// Fatalf logs only; goose returns the error to the caller.
func (g *gooseLogger) Fatalf(format string, args ...any) {
	g.log.Error().Str("component", "goose").Msg(fmt.Sprintf(format, args...))
}
