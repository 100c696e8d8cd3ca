package eligibility

import (
	"github.com/pkg/errors"

	"github.com/G-Research/buildqueue/internal/buildqueue/builddb"
	"github.com/G-Research/buildqueue/internal/buildqueue/model"
	"github.com/G-Research/buildqueue/internal/buildqueue/pendingbuilds"
	"github.com/G-Research/buildqueue/internal/buildqueue/tags"
	"github.com/G-Research/buildqueue/internal/common/queueerrors"
)

// Filter computes the pending builds a runner may be assigned.
type Filter struct {
	data    pendingbuilds.DataStrategy
	matcher tags.Matcher
}

func New(data pendingbuilds.DataStrategy, matcher tags.Matcher) *Filter {
	return &Filter{data: data, matcher: matcher}
}

// ForStrategy returns a filter using the data strategy and tag matcher selected by the toggle.
func ForStrategy(denormalized bool) *Filter {
	return New(pendingbuilds.StrategyFor(denormalized), tags.MatcherFor(denormalized))
}

func (f *Filter) DataStrategy() pendingbuilds.DataStrategy {
	return f.data
}

// Candidates returns the relation of builds eligible for the runner within the snapshot.
// Runners whose scope is empty, and paused runners, get an empty relation.
// An unrecognised runner type returns ErrUnrecognizedRunnerType.
func (f *Filter) Candidates(txn *builddb.Txn, runner *model.Runner) (pendingbuilds.Relation, error) {
	all := pendingbuilds.All(txn)
	var rel pendingbuilds.Relation
	switch runner.Type {
	case model.InstanceRunner:
		rel = f.data.WithInstanceRunners(all)
	case model.GroupRunner:
		if len(runner.NamespaceIDs) == 0 {
			return pendingbuilds.None(txn), nil
		}
		rel = f.data.ForNamespaces(all, runner.NamespaceIDs)
	case model.ProjectRunner:
		if len(runner.ProjectIDs) == 0 {
			return pendingbuilds.None(txn), nil
		}
		rel = f.data.ForProjects(all, runner.ProjectIDs)
	default:
		return pendingbuilds.Relation{}, errors.WithStack(&queueerrors.ErrUnrecognizedRunnerType{
			RunnerId: runner.ID,
			Type:     runner.Type,
		})
	}
	if runner.Paused {
		return pendingbuilds.None(txn), nil
	}
	if !runner.Protected() {
		rel = f.data.Unprotected(rel)
	}
	return tags.ForRunner(f.matcher, rel, runner), nil
}
