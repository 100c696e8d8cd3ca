package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"

	"github.com/G-Research/buildqueue/internal/buildqueue/builddb"
	"github.com/G-Research/buildqueue/internal/buildqueue/model"
	"github.com/G-Research/buildqueue/internal/common/queueerrors"
)

// Parents must be upserted before their children, since traversal ids are copied from the parent.
const upsertNamespaceSql = `
INSERT INTO namespaces (id, parent_id, traversal_ids)
SELECT $1::bigint, NULLIF($2::bigint, 0),
       COALESCE((SELECT traversal_ids FROM namespaces WHERE id = $2::bigint), '{}'::bigint[]) || $1::bigint
ON CONFLICT (id) DO UPDATE SET parent_id = excluded.parent_id, traversal_ids = excluded.traversal_ids`

const upsertProjectSql = `
INSERT INTO projects (id, namespace_id, shared_runners_enabled, pending_delete)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET
    namespace_id = excluded.namespace_id,
    shared_runners_enabled = excluded.shared_runners_enabled,
    pending_delete = excluded.pending_delete`

const upsertProjectFeaturesSql = `
INSERT INTO project_features (project_id, builds_access_level)
VALUES ($1, $2)
ON CONFLICT (project_id) DO UPDATE SET builds_access_level = excluded.builds_access_level`

// Recomputes the project-derived facts copied onto pending_builds.
const refreshPendingBuildsSql = `
UPDATE pending_builds pb
SET namespace_id = p.namespace_id,
    namespace_traversal_ids = n.traversal_ids,
    instance_runners_enabled = p.shared_runners_enabled AND NOT p.pending_delete
        AND (pf.builds_access_level IS NULL OR pf.builds_access_level > 0)
FROM projects p
JOIN namespaces n ON n.id = p.namespace_id
LEFT JOIN project_features pf ON pf.project_id = p.id
WHERE p.id = $1 AND pb.project_id = p.id`

const insertPendingBuildSql = `
INSERT INTO pending_builds (build_id, project_id, namespace_id, namespace_traversal_ids, tag_ids, protected,
                            instance_runners_enabled, created_at)
SELECT b.id, b.project_id, p.namespace_id, n.traversal_ids, $2::bigint[], b.protected,
       p.shared_runners_enabled AND NOT p.pending_delete
           AND (pf.builds_access_level IS NULL OR pf.builds_access_level > 0),
       b.queued_at
FROM builds b
JOIN projects p ON p.id = b.project_id
JOIN namespaces n ON n.id = p.namespace_id
LEFT JOIN project_features pf ON pf.project_id = p.id
WHERE b.id = $1`

// UpsertNamespaces inserts or replaces namespaces.
func (q *PostgresQueue) UpsertNamespaces(ctx context.Context, namespaces ...*model.Namespace) error {
	return q.db.BeginTxFunc(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, ns := range namespaces {
			if _, err := tx.Exec(ctx, upsertNamespaceSql, ns.ID, ns.ParentID); err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	})
}

// UpsertProjects inserts or replaces projects and refreshes the pending builds of each.
func (q *PostgresQueue) UpsertProjects(ctx context.Context, projects ...*model.Project) error {
	return q.db.BeginTxFunc(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, p := range projects {
			_, err := tx.Exec(ctx, upsertProjectSql, p.ID, p.NamespaceID, p.SharedRunnersEnabled, p.PendingDelete)
			if err != nil {
				return errors.WithStack(err)
			}
			if _, err := tx.Exec(ctx, upsertProjectFeaturesSql, p.ID, p.BuildsAccessLevel); err != nil {
				return errors.WithStack(err)
			}
			if _, err := tx.Exec(ctx, refreshPendingBuildsSql, p.ID); err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	})
}

// CreateBuild inserts a build with an explicit id along with its taggings and, if pending, its pending_builds row.
func (q *PostgresQueue) CreateBuild(ctx context.Context, nb builddb.NewBuild) error {
	status := nb.Status
	if status == "" {
		status = model.BuildPending
	}
	if status != model.BuildPending && status != model.BuildCreated {
		return errors.WithStack(&queueerrors.ErrInvalidArgument{
			Name:    "Status",
			Value:   string(status),
			Message: "builds must be created as created or pending",
		})
	}
	if nb.ID <= 0 {
		return errors.WithStack(&queueerrors.ErrInvalidArgument{
			Name:    "ID",
			Value:   fmt.Sprintf("%d", nb.ID),
			Message: "builds stored in postgres need an id",
		})
	}
	tagIds := uniqueTagIds(nb.TagIDs)
	return q.db.BeginTxFunc(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO builds (id, project_id, status, protected, queued_at)
			 VALUES ($1, $2, $3, $4, CASE WHEN $3 = 'pending' THEN now() END)`,
			nb.ID, nb.ProjectID, string(status), nb.Protected)
		if err != nil {
			return errors.WithStack(err)
		}
		for _, tagId := range tagIds {
			if _, err := tx.Exec(ctx, `INSERT INTO taggings (build_id, tag_id) VALUES ($1, $2)`, nb.ID, tagId); err != nil {
				return errors.WithStack(err)
			}
		}
		if status == model.BuildPending {
			if _, err := tx.Exec(ctx, insertPendingBuildSql, nb.ID, tagIds); err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	})
}

// Finish moves a running build to a completed status.
func (q *PostgresQueue) Finish(ctx context.Context, id model.BuildID, status model.BuildStatus) error {
	if !status.Finishes() {
		return errors.WithStack(&queueerrors.ErrInvalidArgument{
			Name:    "Status",
			Value:   string(status),
			Message: "running builds finish as success, failed or canceled",
		})
	}
	return q.db.BeginTxFunc(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE builds SET status = $2 WHERE id = $1 AND status = 'running'`, id, string(status))
		if err != nil {
			return errors.WithStack(err)
		}
		if tag.RowsAffected() == 0 {
			return errors.WithStack(&queueerrors.ErrInvalidArgument{
				Name:    "ID",
				Value:   fmt.Sprintf("%d", id),
				Message: "build is not running",
			})
		}
		_, err = tx.Exec(ctx, `DELETE FROM running_builds WHERE build_id = $1`, id)
		return errors.WithStack(err)
	})
}

func uniqueTagIds(tagIds []model.TagID) []model.TagID {
	seen := make(map[model.TagID]bool, len(tagIds))
	result := make([]model.TagID, 0, len(tagIds))
	for _, id := range tagIds {
		if !seen[id] {
			seen[id] = true
			result = append(result, id)
		}
	}
	return result
}
