package configuration

import (
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/G-Research/buildqueue/internal/buildqueue/model"
	"github.com/G-Research/buildqueue/internal/common/config"
	"github.com/G-Research/buildqueue/internal/common/logging"
)

const (
	// SourceRedis reads runners or feature flags from redis.
	SourceRedis = "redis"
	// SourceStatic uses the values in this configuration and never changes.
	SourceStatic = "static"
)

type Configuration struct {
	Logging logging.Config
	// Database holding the builds, projects and namespaces.
	Postgres config.PostgresConfig
	// Redis holding runner records and feature flags.
	Redis    config.RedisConfig `validate:"-"`
	Dispatch DispatchConfig
	Features FeaturesConfig
	Runners  RunnersConfig
	Metrics  MetricsConfig
}

type DispatchConfig struct {
	// Maximum number of claims attempted by a single poll.
	// Polls that lose this many claims to concurrent polls report that no build is available.
	MaxClaimAttempts int `validate:"gte=0"`
	// How stale the per-project running build counts used for fair ordering may be.
	// Zero means they're recomputed on every poll.
	// Only the in-memory queue used by the simulate command caches counts: the postgres queue counts running builds
	// inside each candidate query, so with postgres this setting has no effect.
	RunningBuildCountStaleness time.Duration `validate:"gte=0"`
	// Maximum number of candidates considered per poll. Zero means no limit.
	QueueDepthLimit int `validate:"gte=0"`
	Admission       AdmissionConfig
}

// AdmissionConfig bounds how many polls are served at once.
// Polls over Limit queue for a slot; polls over Limit+QueueLimit, or queued for longer than QueueTimeout, are
// rejected and the runner is expected to retry.
type AdmissionConfig struct {
	// Number of polls processed concurrently. Zero disables admission control.
	Limit int `validate:"gte=0"`
	// Number of polls allowed to wait for a slot.
	QueueLimit int `validate:"gte=0"`
	// How long a poll may wait for a slot. Zero means until the poll's context is done.
	QueueTimeout time.Duration `validate:"gte=0"`
}

// Enabled returns true if polls should go through admission control.
func (c AdmissionConfig) Enabled() bool {
	return c.Limit > 0
}

type FeaturesConfig struct {
	// Default values for the feature flags, used as is when Source is static.
	DenormalizedDataStrategy bool
	DisasterRecoveryFifo     bool
	Source                   string `validate:"oneof=redis static"`
	// Suffix of the redis keys holding the flags.
	Name string
}

type RunnersConfig struct {
	Source string `validate:"oneof=redis static"`
	// Number of runner records kept in memory. Zero disables caching.
	CacheSize int `validate:"gte=0"`
	// Suffix of the redis key holding runner records.
	Name string
	// Runners served when Source is static.
	Static []*model.Runner
}

type MetricsConfig struct {
	// Port metrics are served on. Zero disables the endpoint.
	Port uint16
}

// Validate checks field constraints, plus any that span fields, and returns every violation found.
func (c Configuration) Validate() error {
	var result *multierror.Error
	if err := config.Validate(c); err != nil {
		result = multierror.Append(result, err)
	}
	if c.usesRedis() {
		if err := config.Validate(c.Redis); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "redis is used for runners or feature flags"))
		}
	}
	return result.ErrorOrNil()
}

func (c Configuration) usesRedis() bool {
	return c.Features.Source == SourceRedis || c.Runners.Source == SourceRedis
}
