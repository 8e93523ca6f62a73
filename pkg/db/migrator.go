package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const (
	migrationsDir   = "migrations"
	migrationsTable = "schema_migrations"
)

// Migrate applies embedded SQL migrations from the "migrations" directory.
// Pass a nil logger to silence migration output.
func Migrate(ctx context.Context, pool *pgxpool.Pool, migrations embed.FS, log *slog.Logger) error {
	// stdlib.OpenDBFromPool shares the pool's connections; closing the
	// returned *sql.DB would disrupt the pool, so it is left open.
	sqlDB := stdlib.OpenDBFromPool(pool)

	goose.SetBaseFS(migrations)
	goose.SetTableName(migrationsTable)

	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	goose.SetLogger(&gooseLogger{log})

	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Join(ErrSetDialect, err)
	}

	if err := goose.UpContext(ctx, sqlDB, migrationsDir); err != nil {
		return errors.Join(ErrApplyMigrations, err)
	}

	return nil
}

type gooseLogger struct {
	log *slog.Logger
}

func (g *gooseLogger) Printf(format string, args ...any) {
	g.log.Info(fmt.Sprintf(format, args...))
}

func (g *gooseLogger) Fatalf(format string, args ...any) {
	// Error level only; goose propagates the failure as a return value.
	g.log.Error(fmt.Sprintf(format, args...))
}
