package database

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/buildqueue/internal/common/config"
)

const (
	defaultConnectTimeout = 30 * time.Second
	connectRetryDelay     = time.Second
)

// CreateConnectionString renders libpq key/value connection parameters.
// See https://www.postgresql.org/docs/current/libpq-connect.html#LIBPQ-CONNSTRING
func CreateConnectionString(values map[string]string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "='" + replacer.Replace(values[k]) + "'"
	}
	return strings.Join(parts, " ")
}

// OpenPgxPool connects to postgres, retrying until config.ConnectTimeout has elapsed.
func OpenPgxPool(ctx context.Context, config config.PostgresConfig) (*pgxpool.Pool, error) {
	timeout := config.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var pool *pgxpool.Pool
	err := retry.Do(
		func() error {
			db, err := pgxpool.Connect(ctx, CreateConnectionString(config.Connection))
			if err != nil {
				return err
			}
			if err := db.Ping(ctx); err != nil {
				db.Close()
				return err
			}
			pool = db
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(timeout/connectRetryDelay)+1),
		retry.Delay(connectRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("postgres connection attempt %d failed", n+1)
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "error connecting to postgres")
	}
	return pool, nil
}
