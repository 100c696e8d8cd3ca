package features

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/G-Research/buildqueue/internal/buildqueue/model"
	"github.com/G-Research/buildqueue/internal/common/queuecontext"
)

const (
	featuresPrefix = "buildqueue_features"

	DenormalizedDataStrategyField = "denormalized_data_strategy"
	DisasterRecoveryFifoField     = "disaster_recovery_fifo"
)

// Flags are the feature toggles that influence a single poll.
// They are read once at the start of a poll so that every decision within it is consistent.
type Flags struct {
	// Answer eligibility questions from the denormalized pending build row rather than joining other tables.
	DenormalizedDataStrategy bool
	// Fall back to FIFO ordering for instance runners.
	DisasterRecoveryFifo bool
}

// Source provides the flags in force for a runner.
type Source interface {
	Flags(ctx *queuecontext.Context, runner *model.Runner) (Flags, error)
}

// StaticSource always returns the same flags.
type StaticSource struct {
	Defaults Flags
}

func (s StaticSource) Flags(_ *queuecontext.Context, _ *model.Runner) (Flags, error) {
	return s.Defaults, nil
}

// RedisSource reads flags from a redis hash so that they can be toggled at runtime without a restart.
// The disaster recovery toggle may additionally be overridden per runner.
// Fields that are absent fall back to the configured defaults.
type RedisSource struct {
	db          redis.UniversalClient
	defaults    Flags
	globalKey   string
	overrideKey string
}

func NewRedisSource(db redis.UniversalClient, name string, defaults Flags) *RedisSource {
	return &RedisSource{
		db:          db,
		defaults:    defaults,
		globalKey:   fmt.Sprintf("%s_%s", featuresPrefix, name),
		overrideKey: fmt.Sprintf("%s_%s_%s_runners", featuresPrefix, name, DisasterRecoveryFifoField),
	}
}

func (s *RedisSource) Flags(ctx *queuecontext.Context, runner *model.Runner) (Flags, error) {
	pipe := s.db.Pipeline()
	global := pipe.HGetAll(ctx, s.globalKey)
	override := pipe.HGet(ctx, s.overrideKey, runnerField(runner.ID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Flags{}, errors.Wrap(err, "error retrieving feature flags from redis")
	}

	flags := s.defaults
	values := global.Val()
	var err error
	if flags.DenormalizedDataStrategy, err = parseFlag(values, DenormalizedDataStrategyField, flags.DenormalizedDataStrategy); err != nil {
		return Flags{}, err
	}
	if flags.DisasterRecoveryFifo, err = parseFlag(values, DisasterRecoveryFifoField, flags.DisasterRecoveryFifo); err != nil {
		return Flags{}, err
	}
	if v, err := override.Result(); err == nil {
		if flags.DisasterRecoveryFifo, err = strconv.ParseBool(v); err != nil {
			return Flags{}, errors.Wrapf(err, "invalid %s override for runner %d", DisasterRecoveryFifoField, runner.ID)
		}
	}
	return flags, nil
}

// SetFlag stores a global toggle.
func (s *RedisSource) SetFlag(ctx *queuecontext.Context, field string, value bool) error {
	if err := s.db.HSet(ctx, s.globalKey, field, strconv.FormatBool(value)).Err(); err != nil {
		return errors.Wrapf(err, "error storing feature flag %s in redis", field)
	}
	return nil
}

// SetDisasterRecoveryOverride forces the disaster recovery toggle for a single runner.
func (s *RedisSource) SetDisasterRecoveryOverride(ctx *queuecontext.Context, runnerId model.RunnerID, value bool) error {
	if err := s.db.HSet(ctx, s.overrideKey, runnerField(runnerId), strconv.FormatBool(value)).Err(); err != nil {
		return errors.Wrapf(err, "error storing disaster recovery override for runner %d in redis", runnerId)
	}
	return nil
}

// ClearDisasterRecoveryOverride removes any per-runner override.
func (s *RedisSource) ClearDisasterRecoveryOverride(ctx *queuecontext.Context, runnerId model.RunnerID) error {
	if err := s.db.HDel(ctx, s.overrideKey, runnerField(runnerId)).Err(); err != nil {
		return errors.Wrapf(err, "error removing disaster recovery override for runner %d from redis", runnerId)
	}
	return nil
}

func runnerField(id model.RunnerID) string {
	return strconv.FormatInt(id, 10)
}

func parseFlag(values map[string]string, field string, defaultValue bool) (bool, error) {
	v, ok := values[field]
	if !ok {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.Wrapf(err, "invalid value %q for feature flag %s", v, field)
	}
	return b, nil
}
