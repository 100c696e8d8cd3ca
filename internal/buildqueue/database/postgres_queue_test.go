package database

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/buildqueue/internal/buildqueue/builddb"
	"github.com/G-Research/buildqueue/internal/buildqueue/fairness"
	"github.com/G-Research/buildqueue/internal/buildqueue/features"
	"github.com/G-Research/buildqueue/internal/buildqueue/model"
	"github.com/G-Research/buildqueue/internal/buildqueue/queue"
	"github.com/G-Research/buildqueue/internal/buildqueue/testfixtures"
	"github.com/G-Research/buildqueue/internal/common/database"
	"github.com/G-Research/buildqueue/internal/common/queuecontext"
	"github.com/G-Research/buildqueue/internal/common/queueerrors"
)

func withTestDb(t *testing.T, action func(q *PostgresQueue, db *pgxpool.Pool) error) {
	err := WithTestDb(action)
	if errors.Is(err, database.ErrNoTestDb) {
		t.Skip(err.Error())
	}
	require.NoError(t, err)
}

func populateStandardFixture(ctx *queuecontext.Context, q *PostgresQueue) error {
	if err := q.UpsertNamespaces(ctx, testfixtures.Namespaces()...); err != nil {
		return err
	}
	if err := q.UpsertProjects(ctx, testfixtures.Projects()...); err != nil {
		return err
	}
	for _, build := range testfixtures.StandardBuilds {
		if err := q.CreateBuild(ctx, build); err != nil {
			return err
		}
	}
	return nil
}

// The SQL candidate queries must agree with the in-memory implementation for every runner and strategy.
func TestPostgresQueue_MatchesMemDbQueue(t *testing.T) {
	memDbQueue := queue.NewMemDbQueue(testfixtures.NewStandardBuildDb(), fairness.MemDbRunningBuildCounter{}, 0)
	withTestDb(t, func(q *PostgresQueue, _ *pgxpool.Pool) error {
		ctx := queuecontext.Background()
		require.NoError(t, populateStandardFixture(ctx, q))
		for name, runner := range testfixtures.Runners() {
			for _, flags := range []features.Flags{
				{DenormalizedDataStrategy: true},
				{DenormalizedDataStrategy: false},
				{DenormalizedDataStrategy: true, DisasterRecoveryFifo: true},
			} {
				expected, err := memDbQueue.Candidates(ctx, runner, flags)
				require.NoError(t, err)
				actual, err := q.Candidates(ctx, runner, flags)
				require.NoError(t, err)
				assert.Equal(t, expected, actual, "%s with %+v", name, flags)

				expectedCount, err := memDbQueue.CandidateCount(ctx, runner, flags)
				require.NoError(t, err)
				actualCount, err := q.CandidateCount(ctx, runner, flags)
				require.NoError(t, err)
				assert.Equal(t, expectedCount, actualCount, "%s with %+v", name, flags)
			}
		}
		return nil
	})
}

func TestPostgresQueue_FairOrdering(t *testing.T) {
	withTestDb(t, func(q *PostgresQueue, _ *pgxpool.Pool) error {
		ctx := queuecontext.Background()
		require.NoError(t, q.UpsertNamespaces(ctx, &model.Namespace{ID: 1}))
		require.NoError(t, q.UpsertProjects(ctx,
			&model.Project{ID: 1, NamespaceID: 1, SharedRunnersEnabled: true},
			&model.Project{ID: 2, NamespaceID: 1, SharedRunnersEnabled: true},
		))
		// Project 1 has five builds running on instance runners.
		for i := 1; i <= 5; i++ {
			require.NoError(t, q.CreateBuild(ctx, builddb.NewBuild{ID: model.BuildID(i), ProjectID: 1}))
			_, err := q.Claim(ctx, model.BuildID(i), testfixtures.InstanceRunner(model.RunnerID(100+i), true))
			require.NoError(t, err)
		}
		require.NoError(t, q.CreateBuild(ctx, builddb.NewBuild{ID: 10, ProjectID: 1}))
		require.NoError(t, q.CreateBuild(ctx, builddb.NewBuild{ID: 11, ProjectID: 2}))

		runner := testfixtures.InstanceRunner(1, true)
		for _, denormalized := range []bool{true, false} {
			ids, err := q.Candidates(ctx, runner, features.Flags{DenormalizedDataStrategy: denormalized})
			require.NoError(t, err)
			assert.Equal(t, []model.BuildID{11, 10}, ids)
		}
		ids, err := q.Candidates(ctx, runner, features.Flags{DenormalizedDataStrategy: true, DisasterRecoveryFifo: true})
		require.NoError(t, err)
		assert.Equal(t, []model.BuildID{10, 11}, ids)

		// Once project 1's builds finish it's preferred again.
		for i := 1; i <= 5; i++ {
			require.NoError(t, q.Finish(ctx, model.BuildID(i), model.BuildSuccess))
		}
		ids, err = q.Candidates(ctx, runner, features.Flags{DenormalizedDataStrategy: true})
		require.NoError(t, err)
		assert.Equal(t, []model.BuildID{10, 11}, ids)
		return nil
	})
}

func TestPostgresQueue_Claim(t *testing.T) {
	withTestDb(t, func(q *PostgresQueue, db *pgxpool.Pool) error {
		ctx := queuecontext.Background()
		require.NoError(t, populateStandardFixture(ctx, q))
		runner := testfixtures.WithProtectedAccess(testfixtures.InstanceRunner(1, true, testfixtures.DockerTag))

		claimed, err := q.Claim(ctx, 2, runner)
		require.NoError(t, err)
		assert.Equal(t, model.BuildID(2), claimed.Build.ID)
		assert.Equal(t, model.BuildRunning, claimed.Build.Status)
		assert.Equal(t, testfixtures.SharedProject, claimed.Build.ProjectID)
		assert.True(t, claimed.Build.Protected)
		assert.Equal(t, runner.ID, claimed.Runner)
		require.NotNil(t, claimed.Pending)
		assert.Equal(t, []model.TagID{testfixtures.DockerTag}, claimed.Pending.TagIDs)
		assert.Equal(t, []model.NamespaceID{1, 2, 3}, claimed.Pending.NamespaceTraversalIDs)

		_, err = q.Claim(ctx, 2, runner)
		assert.True(t, queueerrors.IsClaimConflict(err))

		// Unknown builds and builds that were never enqueued conflict too.
		_, err = q.Claim(ctx, 1000, runner)
		assert.True(t, queueerrors.IsClaimConflict(err))
		_, err = q.Claim(ctx, 8, runner)
		assert.True(t, queueerrors.IsClaimConflict(err))

		var running int
		require.NoError(t, db.QueryRow(ctx, `SELECT count(*) FROM running_builds`).Scan(&running))
		assert.Equal(t, 1, running)
		return nil
	})
}

func TestPostgresQueue_ClaimRemovesStalePendingRow(t *testing.T) {
	withTestDb(t, func(q *PostgresQueue, db *pgxpool.Pool) error {
		ctx := queuecontext.Background()
		require.NoError(t, populateStandardFixture(ctx, q))

		// The build record says canceled but the pending row is still there.
		_, err := db.Exec(ctx, `UPDATE builds SET status = 'canceled' WHERE id = 1`)
		require.NoError(t, err)

		_, err = q.Claim(ctx, 1, testfixtures.InstanceRunner(1, true))
		var conflict *queueerrors.ErrClaimConflict
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, "canceled", conflict.Status)

		var pending int
		require.NoError(t, db.QueryRow(ctx, `SELECT count(*) FROM pending_builds WHERE build_id = 1`).Scan(&pending))
		assert.Equal(t, 0, pending)
		return nil
	})
}

func TestPostgresQueue_ConcurrentClaims(t *testing.T) {
	withTestDb(t, func(q *PostgresQueue, _ *pgxpool.Pool) error {
		ctx := queuecontext.Background()
		require.NoError(t, populateStandardFixture(ctx, q))

		var successes int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := q.Claim(ctx, 1, testfixtures.InstanceRunner(model.RunnerID(i+1), true))
				if err == nil {
					atomic.AddInt32(&successes, 1)
				} else {
					assert.True(t, queueerrors.IsClaimConflict(err), "%v", err)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), successes)
		return nil
	})
}

func TestPostgresQueue_UpsertProjectsRefreshesPendingBuilds(t *testing.T) {
	withTestDb(t, func(q *PostgresQueue, _ *pgxpool.Pool) error {
		ctx := queuecontext.Background()
		require.NoError(t, populateStandardFixture(ctx, q))
		runner := testfixtures.InstanceRunner(1, true)
		flags := features.Flags{DenormalizedDataStrategy: true}

		ids, err := q.Candidates(ctx, runner, flags)
		require.NoError(t, err)
		assert.Equal(t, []model.BuildID{1, 6}, ids)

		// Disable shared runners for the shared project.
		require.NoError(t, q.UpsertProjects(ctx, &model.Project{ID: testfixtures.SharedProject, NamespaceID: testfixtures.LeafNamespace}))
		ids, err = q.Candidates(ctx, runner, flags)
		require.NoError(t, err)
		assert.Equal(t, []model.BuildID{6}, ids)
		return nil
	})
}

func TestPostgresQueue_Errors(t *testing.T) {
	withTestDb(t, func(q *PostgresQueue, _ *pgxpool.Pool) error {
		ctx := queuecontext.Background()
		require.NoError(t, populateStandardFixture(ctx, q))

		err := q.CreateBuild(ctx, builddb.NewBuild{ID: 100, ProjectID: testfixtures.SharedProject, Status: model.BuildRunning})
		assert.Error(t, err)
		err = q.CreateBuild(ctx, builddb.NewBuild{ProjectID: testfixtures.SharedProject})
		assert.Error(t, err)
		err = q.Finish(ctx, 1, model.BuildSuccess)
		assert.Error(t, err, "build 1 isn't running")

		_, err = q.Candidates(ctx, &model.Runner{ID: 1}, features.Flags{})
		var typeErr *queueerrors.ErrUnrecognizedRunnerType
		assert.True(t, errors.As(err, &typeErr))
		return nil
	})
}

func TestPostgresQueue_FinishStatuses(t *testing.T) {
	statuses := []model.BuildStatus{
		model.BuildSuccess,
		model.BuildFailed,
		model.BuildCanceled,
		model.BuildSkipped,
		model.BuildPending,
		model.BuildRunning,
	}
	withTestDb(t, func(q *PostgresQueue, _ *pgxpool.Pool) error {
		ctx := queuecontext.Background()
		require.NoError(t, populateStandardFixture(ctx, q))
		memDb := testfixtures.NewBuildDb()
		require.NoError(t, testfixtures.PopulateOrganisation(memDb))
		runner := testfixtures.InstanceRunner(1, true)

		for i, status := range statuses {
			id := model.BuildID(100 + i)
			build := builddb.NewBuild{ID: id, ProjectID: testfixtures.SharedProject}
			require.NoError(t, q.CreateBuild(ctx, build))
			_, err := q.Claim(ctx, id, runner)
			require.NoError(t, err)
			_, err = memDb.CreateBuild(build)
			require.NoError(t, err)
			_, err = memDb.Claim(id, runner)
			require.NoError(t, err)

			pgErr := q.Finish(ctx, id, status)
			memErr := memDb.Finish(id, status)
			assert.Equal(t, memErr == nil, pgErr == nil, "status %s", status)
			assert.Equal(t, status.Finishes(), pgErr == nil, "status %s", status)
		}
		return nil
	})
}

func TestPostgresQueue_FinishRejectsInvalidStatusBeforeQuerying(t *testing.T) {
	q := NewPostgresQueue(nil, 0)
	err := q.Finish(queuecontext.Background(), 1, model.BuildSkipped)
	var invalid *queueerrors.ErrInvalidArgument
	assert.True(t, errors.As(err, &invalid))
}
