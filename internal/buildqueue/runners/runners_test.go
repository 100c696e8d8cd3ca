package runners

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/buildqueue/internal/buildqueue/model"
	"github.com/G-Research/buildqueue/internal/common/queuecontext"
	"github.com/G-Research/buildqueue/internal/common/queueerrors"
)

var (
	instanceRunner = &model.Runner{
		ID:          1,
		Type:        model.InstanceRunner,
		TagIDs:      []model.TagID{1, 2},
		RunUntagged: true,
		AccessLevel: model.AccessLevelNotProtected,
	}
	groupRunner = &model.Runner{
		ID:           2,
		Type:         model.GroupRunner,
		NamespaceIDs: []model.NamespaceID{7},
		AccessLevel:  model.AccessLevelRefProtected,
		Paused:       true,
	}
)

func testStores(t *testing.T, action func(t *testing.T, store Store)) {
	t.Run("in memory", func(t *testing.T) {
		store, err := NewInMemoryStore()
		require.NoError(t, err)
		action(t, store)
	})
	t.Run("redis", func(t *testing.T) {
		withRedisStore(func(store *RedisStore, _ *miniredis.Miniredis) {
			action(t, store)
		})
	})
	t.Run("caching", func(t *testing.T) {
		inner, err := NewInMemoryStore()
		require.NoError(t, err)
		store, err := NewCachingStore(inner, 10)
		require.NoError(t, err)
		action(t, store)
	})
}

func TestStore_RoundTrip(t *testing.T) {
	testStores(t, func(t *testing.T, store Store) {
		ctx := queuecontext.Background()
		require.NoError(t, store.UpsertRunner(ctx, instanceRunner))
		require.NoError(t, store.UpsertRunner(ctx, groupRunner))

		runner, err := store.GetRunner(ctx, instanceRunner.ID)
		require.NoError(t, err)
		assert.Equal(t, instanceRunner, runner)

		runner, err = store.GetRunner(ctx, groupRunner.ID)
		require.NoError(t, err)
		assert.Equal(t, groupRunner, runner)
	})
}

func TestStore_NotFound(t *testing.T) {
	testStores(t, func(t *testing.T, store Store) {
		ctx := queuecontext.Background()
		require.NoError(t, store.UpsertRunner(ctx, instanceRunner))
		require.NoError(t, store.DeleteRunner(ctx, instanceRunner.ID))

		_, err := store.GetRunner(ctx, instanceRunner.ID)
		var notFound *queueerrors.ErrNotFound
		assert.True(t, errors.As(err, &notFound))
	})
}

func TestStore_Update(t *testing.T) {
	testStores(t, func(t *testing.T, store Store) {
		ctx := queuecontext.Background()
		require.NoError(t, store.UpsertRunner(ctx, instanceRunner))
		_, err := store.GetRunner(ctx, instanceRunner.ID)
		require.NoError(t, err)

		paused := copyRunner(instanceRunner)
		paused.Paused = true
		require.NoError(t, store.UpsertRunner(ctx, paused))

		runner, err := store.GetRunner(ctx, instanceRunner.ID)
		require.NoError(t, err)
		assert.True(t, runner.Paused)
	})
}

func TestStore_Validation(t *testing.T) {
	testStores(t, func(t *testing.T, store Store) {
		ctx := queuecontext.Background()
		err := store.UpsertRunner(ctx, &model.Runner{ID: 3, Type: model.RunnerType(9)})
		var typeErr *queueerrors.ErrUnrecognizedRunnerType
		assert.True(t, errors.As(err, &typeErr))

		err = store.UpsertRunner(ctx, &model.Runner{ID: 0, Type: model.InstanceRunner})
		var invalid *queueerrors.ErrInvalidArgument
		assert.True(t, errors.As(err, &invalid))
	})
}

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	store, err := NewInMemoryStore(instanceRunner)
	require.NoError(t, err)
	runner, err := store.GetRunner(nil, instanceRunner.ID)
	require.NoError(t, err)
	runner.TagIDs[0] = 99

	runner, err = store.GetRunner(nil, instanceRunner.ID)
	require.NoError(t, err)
	assert.Equal(t, instanceRunner.TagIDs, runner.TagIDs)
}

func TestCachingStore_ServesFromCache(t *testing.T) {
	withRedisStore(func(inner *RedisStore, db *miniredis.Miniredis) {
		ctx := queuecontext.Background()
		require.NoError(t, inner.UpsertRunner(ctx, instanceRunner))
		store, err := NewCachingStore(inner, 10)
		require.NoError(t, err)

		_, err = store.GetRunner(ctx, instanceRunner.ID)
		require.NoError(t, err)

		// Changes made behind the cache's back are not seen until the entry is invalidated.
		paused := copyRunner(instanceRunner)
		paused.Paused = true
		require.NoError(t, inner.UpsertRunner(ctx, paused))
		runner, err := store.GetRunner(ctx, instanceRunner.ID)
		require.NoError(t, err)
		assert.False(t, runner.Paused)

		store.Invalidate(instanceRunner.ID)
		runner, err = store.GetRunner(ctx, instanceRunner.ID)
		require.NoError(t, err)
		assert.True(t, runner.Paused)

		// Cached runners are served even when redis is gone.
		db.Close()
		runner, err = store.GetRunner(ctx, instanceRunner.ID)
		require.NoError(t, err)
		assert.True(t, runner.Paused)
	})
}

func TestRedisStore_Unavailable(t *testing.T) {
	withRedisStore(func(store *RedisStore, db *miniredis.Miniredis) {
		db.Close()
		_, err := store.GetRunner(queuecontext.Background(), 1)
		var storeErr *queueerrors.ErrStoreUnavailable
		assert.True(t, errors.As(err, &storeErr))
	})
}

func TestNewCachingStore_InvalidSize(t *testing.T) {
	inner, err := NewInMemoryStore()
	require.NoError(t, err)
	_, err = NewCachingStore(inner, 0)
	assert.Error(t, err)
}

func withRedisStore(action func(store *RedisStore, db *miniredis.Miniredis)) {
	db, err := miniredis.Run()
	if err != nil {
		panic(err)
	}
	defer db.Close()

	client := redis.NewClient(&redis.Options{Addr: db.Addr(), MaxRetries: -1})
	defer client.Close()
	action(NewRedisStore(client, "test"), db)
}
