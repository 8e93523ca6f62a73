// Package db owns the PostgreSQL connection pool shared by the task
// platform: the execution store, the scheduler's schedule instances, the
// conversation transcript, and the River job tables all ride on the single
// pool opened here.
//
// It wraps [github.com/jackc/pgx/v5/pgxpool] with startup retry, embedded
// goose migrations, a transaction helper, and a health check closure.
//
// # Usage
//
//	//go:embed migrations/*.sql
//	var migrations embed.FS
//
//	pool, err := db.Open(ctx, cfg.DatabaseURL,
//		db.WithMigrations(migrations),
//		db.WithLogger(log),
//	)
//	if err != nil {
//		return err
//	}
//	defer pool.Close()
//
// Transactions roll back on error or panic:
//
//	err := db.WithTx(ctx, pool, func(tx pgx.Tx) error {
//		// writes here are atomic
//		return nil
//	})
package db
