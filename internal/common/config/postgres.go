package config

import "time"

type PostgresConfig struct {
	// libpq key/value connection parameters, e.g., host, port, user, password, dbname and sslmode.
	Connection map[string]string `validate:"required"`
	// How long to keep retrying the initial connection.
	ConnectTimeout time.Duration
}
