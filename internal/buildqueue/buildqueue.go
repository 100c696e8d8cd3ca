package buildqueue

import (
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/buildqueue/internal/buildqueue/configuration"
	"github.com/G-Research/buildqueue/internal/buildqueue/database"
	"github.com/G-Research/buildqueue/internal/buildqueue/dispatch"
	"github.com/G-Research/buildqueue/internal/buildqueue/features"
	"github.com/G-Research/buildqueue/internal/buildqueue/metrics"
	"github.com/G-Research/buildqueue/internal/buildqueue/runners"
	dbcommon "github.com/G-Research/buildqueue/internal/common/database"
	"github.com/G-Research/buildqueue/internal/common/queuecontext"
)

const redisPingTimeout = 5 * time.Second

// App holds the components that answer runner polls, built from configuration.
type App struct {
	Dispatcher *dispatch.Dispatcher
	Queue      *database.PostgresQueue
	Runners    runners.Store
	Features   features.Source
	Metrics    *metrics.Metrics

	db          *pgxpool.Pool
	redisClient redis.UniversalClient
}

// New connects to postgres, and to redis if runners or feature flags are read from it.
// Metrics are registered with reg. Close must be called once the app is no longer needed.
func New(ctx *queuecontext.Context, config configuration.Configuration, reg prometheus.Registerer) (*App, error) {
	app := &App{Metrics: metrics.New(reg)}

	ctx.Log.Info("Setting up database connections")
	db, err := dbcommon.OpenPgxPool(ctx, config.Postgres)
	if err != nil {
		return nil, errors.WithMessage(err, "Error opening connection to postgres")
	}
	app.db = db
	app.Queue = database.NewPostgresQueue(db, config.Dispatch.QueueDepthLimit)

	if config.Features.Source == configuration.SourceRedis || config.Runners.Source == configuration.SourceRedis {
		app.redisClient = redis.NewUniversalClient(config.Redis.AsUniversalOptions())
		pingCtx, cancel := queuecontext.WithTimeout(ctx, redisPingTimeout)
		if err := app.redisClient.Ping(pingCtx).Err(); err != nil {
			ctx.Log.WithError(err).Warn("Redis is unreachable; polls will fail until it's back")
		}
		cancel()
	}

	defaults := features.Flags{
		DenormalizedDataStrategy: config.Features.DenormalizedDataStrategy,
		DisasterRecoveryFifo:     config.Features.DisasterRecoveryFifo,
	}
	switch config.Features.Source {
	case configuration.SourceRedis:
		app.Features = features.NewRedisSource(app.redisClient, config.Features.Name, defaults)
	default:
		app.Features = features.StaticSource{Defaults: defaults}
	}

	var store runners.Store
	switch config.Runners.Source {
	case configuration.SourceRedis:
		store = runners.NewRedisStore(app.redisClient, config.Runners.Name)
	default:
		store, err = runners.NewInMemoryStore(config.Runners.Static...)
		if err != nil {
			app.Close()
			return nil, errors.WithMessage(err, "Invalid static runner")
		}
	}
	if config.Runners.CacheSize > 0 {
		store, err = runners.NewCachingStore(store, config.Runners.CacheSize)
		if err != nil {
			app.Close()
			return nil, err
		}
	}
	app.Runners = store

	app.Dispatcher = dispatch.NewDispatcher(
		app.Queue,
		app.Runners,
		app.Features,
		app.Metrics,
		config.Dispatch.MaxClaimAttempts,
	)
	if admission := config.Dispatch.Admission; admission.Enabled() {
		limiter := dispatch.NewLimiter(admission.Limit, admission.QueueLimit, admission.QueueTimeout, app.Metrics)
		app.Dispatcher.WithLimiter(limiter)
	}
	return app, nil
}

// DB returns the postgres connection pool.
func (app *App) DB() *pgxpool.Pool {
	return app.db
}

func (app *App) Close() {
	if app.redisClient != nil {
		if err := app.redisClient.Close(); err != nil {
			log.WithError(errors.WithStack(err)).Warnf("Redis client didn't close down cleanly")
		}
	}
	if app.db != nil {
		app.db.Close()
	}
}
