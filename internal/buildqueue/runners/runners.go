package runners

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/G-Research/buildqueue/internal/buildqueue/model"
	"github.com/G-Research/buildqueue/internal/common/queuecontext"
	"github.com/G-Research/buildqueue/internal/common/queueerrors"
)

const runnersPrefix = "buildqueue_runners"

// Directory looks up the runners that poll for builds.
// GetRunner returns an ErrNotFound if no runner with the given id is registered.
type Directory interface {
	GetRunner(ctx *queuecontext.Context, id model.RunnerID) (*model.Runner, error)
}

// Store is a Directory that runners can be registered with.
type Store interface {
	Directory
	UpsertRunner(ctx *queuecontext.Context, runner *model.Runner) error
	DeleteRunner(ctx *queuecontext.Context, id model.RunnerID) error
}

func validateRunner(runner *model.Runner) error {
	if runner.ID <= 0 {
		return errors.WithStack(&queueerrors.ErrInvalidArgument{
			Name:    "ID",
			Value:   strconv.FormatInt(runner.ID, 10),
			Message: "runner ids must be positive",
		})
	}
	if !runner.Type.Valid() {
		return errors.WithStack(&queueerrors.ErrUnrecognizedRunnerType{RunnerId: runner.ID, Type: runner.Type})
	}
	return nil
}

func runnerNotFound(id model.RunnerID) error {
	return errors.WithStack(&queueerrors.ErrNotFound{
		Type:  "runner",
		Value: strconv.FormatInt(id, 10),
	})
}

func copyRunner(runner *model.Runner) *model.Runner {
	c := *runner
	c.NamespaceIDs = append([]model.NamespaceID(nil), runner.NamespaceIDs...)
	c.ProjectIDs = append([]model.ProjectID(nil), runner.ProjectIDs...)
	c.TagIDs = append([]model.TagID(nil), runner.TagIDs...)
	return &c
}

// InMemoryStore holds runners in a map. It's mainly intended for tests and simulations.
type InMemoryStore struct {
	runners map[model.RunnerID]*model.Runner
	mu      sync.RWMutex
}

func NewInMemoryStore(runners ...*model.Runner) (*InMemoryStore, error) {
	s := &InMemoryStore{runners: make(map[model.RunnerID]*model.Runner, len(runners))}
	for _, runner := range runners {
		if err := s.UpsertRunner(nil, runner); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *InMemoryStore) GetRunner(_ *queuecontext.Context, id model.RunnerID) (*model.Runner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runner, ok := s.runners[id]
	if !ok {
		return nil, runnerNotFound(id)
	}
	return copyRunner(runner), nil
}

func (s *InMemoryStore) UpsertRunner(_ *queuecontext.Context, runner *model.Runner) error {
	if err := validateRunner(runner); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runners[runner.ID] = copyRunner(runner)
	return nil
}

func (s *InMemoryStore) DeleteRunner(_ *queuecontext.Context, id model.RunnerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runners, id)
	return nil
}

// RedisStore keeps runners as json documents in a redis hash keyed by runner id.
type RedisStore struct {
	db         redis.UniversalClient
	runnersKey string
}

func NewRedisStore(db redis.UniversalClient, name string) *RedisStore {
	return &RedisStore{
		db:         db,
		runnersKey: fmt.Sprintf("%s_%s", runnersPrefix, name),
	}
}

func (s *RedisStore) GetRunner(ctx *queuecontext.Context, id model.RunnerID) (*model.Runner, error) {
	data, err := s.db.HGet(ctx, s.runnersKey, strconv.FormatInt(id, 10)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, runnerNotFound(id)
	}
	if err != nil {
		return nil, queueerrors.StoreUnavailable("get runner", errors.Wrap(err, "error retrieving runner from redis"))
	}
	runner := &model.Runner{}
	if err := json.Unmarshal([]byte(data), runner); err != nil {
		return nil, errors.Wrapf(err, "error unmarshalling runner %d", id)
	}
	return runner, nil
}

func (s *RedisStore) UpsertRunner(ctx *queuecontext.Context, runner *model.Runner) error {
	if err := validateRunner(runner); err != nil {
		return err
	}
	data, err := json.Marshal(runner)
	if err != nil {
		return errors.Wrap(err, "error marshalling runner")
	}
	pipe := s.db.TxPipeline()
	pipe.HSet(ctx, s.runnersKey, strconv.FormatInt(runner.ID, 10), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "error storing runner in redis")
	}
	return nil
}

func (s *RedisStore) DeleteRunner(ctx *queuecontext.Context, id model.RunnerID) error {
	if err := s.db.HDel(ctx, s.runnersKey, strconv.FormatInt(id, 10)).Err(); err != nil {
		return errors.Wrap(err, "error deleting runner from redis")
	}
	return nil
}

// CachingStore fronts another store with an LRU cache of runners.
// Writes made through the CachingStore invalidate the cached entry; writes made elsewhere are only seen once the
// entry is evicted or invalidated.
type CachingStore struct {
	store   Store
	runners *lru.Cache
}

func NewCachingStore(store Store, size int) (*CachingStore, error) {
	runners, err := lru.New(size)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &CachingStore{store: store, runners: runners}, nil
}

func (s *CachingStore) GetRunner(ctx *queuecontext.Context, id model.RunnerID) (*model.Runner, error) {
	if cached, ok := s.runners.Get(id); ok {
		return copyRunner(cached.(*model.Runner)), nil
	}
	runner, err := s.store.GetRunner(ctx, id)
	if err != nil {
		return nil, err
	}
	s.runners.Add(id, copyRunner(runner))
	return runner, nil
}

func (s *CachingStore) UpsertRunner(ctx *queuecontext.Context, runner *model.Runner) error {
	s.runners.Remove(runner.ID)
	return s.store.UpsertRunner(ctx, runner)
}

func (s *CachingStore) DeleteRunner(ctx *queuecontext.Context, id model.RunnerID) error {
	s.runners.Remove(id)
	return s.store.DeleteRunner(ctx, id)
}

// Invalidate drops a cached runner so that the next lookup reads it from the underlying store.
func (s *CachingStore) Invalidate(id model.RunnerID) {
	s.runners.Remove(id)
}
