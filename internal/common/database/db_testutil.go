package database

import (
	"context"
	"os"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/buildqueue/internal/common/util"
)

// TestDbConnectionEnvVar overrides the server WithTestDb connects to.
const TestDbConnectionEnvVar = "BUILDQUEUE_TEST_POSTGRES"

const defaultTestDbConnection = "host=localhost port=5432 user=postgres password=psw sslmode=disable"

// ErrNoTestDb is returned by WithTestDb when no postgres server is reachable.
var ErrNoTestDb = errors.New("no postgres server available for testing")

// WithTestDb creates a dedicated database, applies migrations to it and then runs action against it.
// The database is dropped once action returns.
func WithTestDb(migrations []Migration, action func(db *pgxpool.Pool) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	connectionString := defaultTestDbConnection
	if s := os.Getenv(TestDbConnectionEnvVar); s != "" {
		connectionString = s
	}

	connectCtx, cancelConnect := context.WithTimeout(ctx, 5*time.Second)
	defer cancelConnect()
	db, err := pgx.Connect(connectCtx, connectionString)
	if err != nil {
		return errors.Wrap(ErrNoTestDb, err.Error())
	}
	defer db.Close(ctx)

	dbName := "test_" + util.NewULID()
	if _, err := db.Exec(ctx, "CREATE DATABASE "+dbName); err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		// disconnect all db users before cleanup
		_, err := db.Exec(ctx,
			`SELECT pg_terminate_backend(pg_stat_activity.pid)
			 FROM pg_stat_activity WHERE pg_stat_activity.datname = '`+dbName+`';`)
		if err != nil {
			log.WithError(err).Warn("Failed to disconnect users")
		}
		if _, err := db.Exec(ctx, "DROP DATABASE "+dbName); err != nil {
			log.WithError(err).Warn("Failed to drop database")
		}
	}()

	testDbPool, err := pgxpool.Connect(ctx, connectionString+" dbname="+dbName)
	if err != nil {
		return errors.WithStack(err)
	}
	defer testDbPool.Close()

	if err := UpdateDatabase(ctx, testDbPool, migrations); err != nil {
		return errors.WithStack(err)
	}
	return action(testDbPool)
}
