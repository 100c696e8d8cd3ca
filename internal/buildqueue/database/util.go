package database

import (
	"context"
	"embed"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/buildqueue/internal/common/database"
)

//go:embed migrations/*.sql
var fs embed.FS

// Migrate updates the supplied database to the latest version.
// If the database is already at the latest version this is a no-op.
func Migrate(ctx context.Context, db database.Querier) error {
	start := time.Now()
	migrations, err := database.ReadMigrations(fs, "migrations")
	if err != nil {
		return err
	}
	if err := database.UpdateDatabase(ctx, db, migrations); err != nil {
		return err
	}
	log.Infof("Updated buildqueue database in %s", time.Since(start))
	return nil
}

// WithTestDb creates a migrated buildqueue database for the duration of action.
func WithTestDb(action func(queue *PostgresQueue, db *pgxpool.Pool) error) error {
	migrations, err := database.ReadMigrations(fs, "migrations")
	if err != nil {
		return err
	}
	return database.WithTestDb(migrations, func(db *pgxpool.Pool) error {
		return action(NewPostgresQueue(db, 0), db)
	})
}
