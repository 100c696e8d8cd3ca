package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/G-Research/buildqueue/internal/buildqueue/features"
	"github.com/G-Research/buildqueue/internal/buildqueue/model"
	"github.com/G-Research/buildqueue/internal/common/queuecontext"
	"github.com/G-Research/buildqueue/internal/common/queueerrors"
)

// PostgresQueue answers polls from postgres.
// Candidates are read in a single read-only repeatable-read transaction. Claims are conditional updates of the build
// record, so a build claimed by a concurrent poll after the candidates were read results in an ErrClaimConflict.
type PostgresQueue struct {
	db *pgxpool.Pool
	// Maximum number of candidates returned by a poll. Zero means no limit.
	queueDepthLimit int
}

func NewPostgresQueue(db *pgxpool.Pool, queueDepthLimit int) *PostgresQueue {
	return &PostgresQueue{db: db, queueDepthLimit: queueDepthLimit}
}

var readTxOptions = pgx.TxOptions{
	IsoLevel:   pgx.RepeatableRead,
	AccessMode: pgx.ReadOnly,
}

// Candidates returns the ids of the builds the runner may claim, in the order they should be attempted.
func (q *PostgresQueue) Candidates(ctx *queuecontext.Context, runner *model.Runner, flags features.Flags) ([]model.BuildID, error) {
	query := newCandidateQuery(runner, flags, q.queueDepthLimit)
	sql, args, ok, err := query.ToSQL()
	if err != nil || !ok {
		return nil, err
	}
	var ids []model.BuildID
	err = q.db.BeginTxFunc(ctx, readTxOptions, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id model.BuildID
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, queueerrors.StoreUnavailable("select candidate builds", err)
	}
	ctx.Log.
		WithField("fair", query.fair).
		WithField("dataStrategy", flags.DenormalizedDataStrategy).
		Debugf("found %d candidate builds", len(ids))
	return ids, nil
}

// CandidateCount returns the number of builds the runner may claim.
func (q *PostgresQueue) CandidateCount(ctx *queuecontext.Context, runner *model.Runner, flags features.Flags) (int, error) {
	sql, args, ok, err := newCandidateQuery(runner, flags, 0).CountSQL()
	if err != nil || !ok {
		return 0, err
	}
	var count int
	if err := q.db.QueryRow(ctx, sql, args...).Scan(&count); err != nil {
		return 0, queueerrors.StoreUnavailable("count candidate builds", err)
	}
	return count, nil
}

// Claim assigns the build to the runner if it's still pending and unassigned.
// On conflict any stale pending_builds row of the build is removed, since the build record wins.
func (q *PostgresQueue) Claim(ctx *queuecontext.Context, id model.BuildID, runner *model.Runner) (*model.ClaimedBuild, error) {
	var claimed *model.ClaimedBuild
	var conflict error
	err := q.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		var err error
		claimed, err = claim(ctx, tx, id, runner)
		if queueerrors.IsClaimConflict(err) {
			// Commit so the stale pending row is removed.
			conflict = err
			return nil
		}
		return err
	})
	if err != nil {
		return nil, queueerrors.StoreUnavailable("claim build", err)
	}
	if conflict != nil {
		return nil, conflict
	}
	return claimed, nil
}

const claimBuildSql = `
UPDATE builds
SET status = 'running', runner_id = $2, runner_type = $3, token = $4, started_at = now()
WHERE id = $1 AND status = 'pending' AND runner_id IS NULL
RETURNING project_id, protected, queued_at, started_at`

const deletePendingBuildSql = `
DELETE FROM pending_builds
WHERE build_id = $1
RETURNING project_id, namespace_id, namespace_traversal_ids, tag_ids, protected, instance_runners_enabled, created_at`

func claim(ctx context.Context, tx pgx.Tx, id model.BuildID, runner *model.Runner) (*model.ClaimedBuild, error) {
	token := uuid.New()
	build := &model.Build{
		ID:         id,
		Status:     model.BuildRunning,
		RunnerID:   runner.ID,
		RunnerType: runner.Type,
		Token:      token,
	}
	var queuedAt *time.Time
	err := tx.QueryRow(ctx, claimBuildSql, id, runner.ID, int(runner.Type), token.String()).
		Scan(&build.ProjectID, &build.Protected, &queuedAt, &build.StartedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, claimConflict(ctx, tx, id)
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if queuedAt != nil {
		build.QueuedAt = *queuedAt
	}

	pending := &model.PendingBuild{BuildID: id}
	err = tx.QueryRow(ctx, deletePendingBuildSql, id).Scan(
		&pending.ProjectID,
		&pending.NamespaceID,
		&pending.NamespaceTraversalIDs,
		&pending.TagIDs,
		&pending.Protected,
		&pending.InstanceRunnersEnabled,
		&pending.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		pending = nil
	} else if err != nil {
		return nil, errors.WithStack(err)
	}
	if pending != nil {
		build.TagIDs = append([]model.TagID(nil), pending.TagIDs...)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO running_builds (build_id, project_id, runner_type) VALUES ($1, $2, $3)`,
		id, build.ProjectID, int(runner.Type))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &model.ClaimedBuild{Build: build, Pending: pending, Runner: runner.ID}, nil
}

// claimConflict removes the stale pending row of a build that can no longer be claimed.
func claimConflict(ctx context.Context, tx pgx.Tx, id model.BuildID) error {
	conflict := &queueerrors.ErrClaimConflict{BuildId: id}
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM builds WHERE id = $1`, id).Scan(&status)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return errors.WithStack(err)
	}
	conflict.Status = status
	if _, err := tx.Exec(ctx, `DELETE FROM pending_builds WHERE build_id = $1`, id); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(conflict)
}
