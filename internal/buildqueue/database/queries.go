package database

import (
	"github.com/doug-martin/goqu/v9"
	// Registers the postgres dialect.
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/G-Research/buildqueue/internal/buildqueue/features"
	"github.com/G-Research/buildqueue/internal/buildqueue/model"
	"github.com/G-Research/buildqueue/internal/common/queueerrors"
)

var (
	dialect = goqu.Dialect("postgres")

	// Tables
	pendingBuildsTable   = goqu.T("pending_builds").As("pb")
	buildsTable          = goqu.T("builds").As("b")
	projectsTable        = goqu.T("projects").As("p")
	projectFeaturesTable = goqu.T("project_features").As("pf")
	namespacesTable      = goqu.T("namespaces").As("n")
	runningCountsTable   = goqu.T("running_counts").As("rc")

	// Columns: pending_builds
	pb_buildId                = goqu.I("pb.build_id")
	pb_projectId              = goqu.I("pb.project_id")
	pb_namespaceTraversalIds  = goqu.I("pb.namespace_traversal_ids")
	pb_tagIds                 = goqu.I("pb.tag_ids")
	pb_protected              = goqu.I("pb.protected")
	pb_instanceRunnersEnabled = goqu.I("pb.instance_runners_enabled")

	// Columns: builds, projects, project_features and namespaces
	b_id                   = goqu.I("b.id")
	b_protected            = goqu.I("b.protected")
	p_id                   = goqu.I("p.id")
	p_namespaceId          = goqu.I("p.namespace_id")
	p_sharedRunnersEnabled = goqu.I("p.shared_runners_enabled")
	p_pendingDelete        = goqu.I("p.pending_delete")
	pf_projectId           = goqu.I("pf.project_id")
	pf_buildsAccessLevel   = goqu.I("pf.builds_access_level")
	n_id                   = goqu.I("n.id")
	n_traversalIds         = goqu.I("n.traversal_ids")

	// Columns: running_counts
	rc_projectId = goqu.I("rc.project_id")
)

// candidateQuery builds the SQL selecting the builds a runner may claim.
// The denormalized form reads the facts copied onto pending_builds; the normalized form joins them from the tables
// of record. Both select the same rows.
type candidateQuery struct {
	runner       *model.Runner
	denormalized bool
	fair         bool
	limit        uint
}

func newCandidateQuery(runner *model.Runner, flags features.Flags, limit int) candidateQuery {
	q := candidateQuery{
		runner:       runner,
		denormalized: flags.DenormalizedDataStrategy,
		fair:         runner.Type == model.InstanceRunner && !flags.DisasterRecoveryFifo,
	}
	if limit > 0 {
		q.limit = uint(limit)
	}
	return q
}

// eligible returns the dataset of eligible pending builds.
// ok is false if the runner can't be assigned anything, in which case no query needs to be run.
func (q candidateQuery) eligible() (ds *goqu.SelectDataset, ok bool, err error) {
	runner := q.runner
	ds = dialect.From(pendingBuildsTable)
	var scope exp.Expression
	switch runner.Type {
	case model.InstanceRunner:
		if q.denormalized {
			scope = pb_instanceRunnersEnabled.IsTrue()
		} else {
			ds = q.joinProjects(ds).
				LeftJoin(projectFeaturesTable, goqu.On(pf_projectId.Eq(p_id)))
			scope = goqu.And(
				p_sharedRunnersEnabled.IsTrue(),
				p_pendingDelete.IsFalse(),
				goqu.Or(pf_buildsAccessLevel.IsNull(), pf_buildsAccessLevel.Gt(model.BuildsAccessDisabled)),
			)
		}
	case model.GroupRunner:
		if len(runner.NamespaceIDs) == 0 {
			return nil, false, nil
		}
		if q.denormalized {
			scope = overlaps(pb_namespaceTraversalIds, runner.NamespaceIDs)
		} else {
			ds = q.joinProjects(ds).
				InnerJoin(namespacesTable, goqu.On(n_id.Eq(p_namespaceId)))
			scope = overlaps(n_traversalIds, runner.NamespaceIDs)
		}
	case model.ProjectRunner:
		if len(runner.ProjectIDs) == 0 {
			return nil, false, nil
		}
		scope = goqu.L("? = ANY(?)", pb_projectId, pq.Int64Array(runner.ProjectIDs))
	default:
		return nil, false, errors.WithStack(&queueerrors.ErrUnrecognizedRunnerType{
			RunnerId: runner.ID,
			Type:     runner.Type,
		})
	}
	if runner.Paused {
		return nil, false, nil
	}
	ds = ds.Where(scope)

	if !runner.Protected() {
		if q.denormalized {
			ds = ds.Where(pb_protected.IsFalse())
		} else {
			ds = ds.
				InnerJoin(buildsTable, goqu.On(b_id.Eq(pb_buildId))).
				Where(b_protected.IsFalse())
		}
	}
	return q.matchTags(ds), true, nil
}

func (q candidateQuery) joinProjects(ds *goqu.SelectDataset) *goqu.SelectDataset {
	return ds.InnerJoin(projectsTable, goqu.On(p_id.Eq(pb_projectId)))
}

// matchTags keeps builds whose tags are a subset of the runner's, and drops untagged builds if the runner doesn't
// run them.
func (q candidateQuery) matchTags(ds *goqu.SelectDataset) *goqu.SelectDataset {
	runnerTags := pq.Int64Array(q.runner.TagIDs)
	if runnerTags == nil {
		runnerTags = pq.Int64Array{}
	}
	if q.denormalized {
		ds = ds.Where(goqu.L("? <@ ?", pb_tagIds, runnerTags))
		if !q.runner.RunUntagged {
			ds = ds.Where(goqu.L("cardinality(?) > 0", pb_tagIds))
		}
		return ds
	}
	ds = ds.Where(goqu.L(
		"NOT EXISTS (SELECT 1 FROM taggings t WHERE t.build_id = ? AND t.tag_id <> ALL(?))",
		pb_buildId, runnerTags,
	))
	if !q.runner.RunUntagged {
		ds = ds.Where(goqu.L("EXISTS (SELECT 1 FROM taggings t WHERE t.build_id = ?)", pb_buildId))
	}
	return ds
}

// ToSQL returns the ordered candidate ids query.
// Fair ordering prefers projects with the fewest builds running on instance runners, oldest build first.
func (q candidateQuery) ToSQL() (string, []interface{}, bool, error) {
	ds, ok, err := q.eligible()
	if err != nil || !ok {
		return "", nil, ok, err
	}
	ds = ds.Select(pb_buildId)
	if q.fair {
		runningCounts := dialect.
			From(goqu.T("running_builds")).
			Select(goqu.C("project_id"), goqu.COUNT(goqu.Star()).As("running")).
			Where(goqu.C("runner_type").Eq(int(model.InstanceRunner))).
			GroupBy(goqu.C("project_id"))
		ds = ds.
			With("running_counts", runningCounts).
			LeftJoin(runningCountsTable, goqu.On(rc_projectId.Eq(pb_projectId))).
			Order(goqu.L("COALESCE(rc.running, 0)").Asc(), pb_buildId.Asc())
	} else {
		ds = ds.Order(pb_buildId.Asc())
	}
	if q.limit > 0 {
		ds = ds.Limit(q.limit)
	}
	sql, args, err := ds.Prepared(true).ToSQL()
	return sql, args, true, errors.WithStack(err)
}

// CountSQL returns a query counting every eligible build.
func (q candidateQuery) CountSQL() (string, []interface{}, bool, error) {
	ds, ok, err := q.eligible()
	if err != nil || !ok {
		return "", nil, ok, err
	}
	sql, args, err := ds.Select(goqu.COUNT(goqu.Star())).Prepared(true).ToSQL()
	return sql, args, true, errors.WithStack(err)
}

func overlaps(column exp.IdentifierExpression, ids []int64) exp.Expression {
	return goqu.L("? && ?", column, pq.Int64Array(ids))
}
