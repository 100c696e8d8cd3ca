package pendingbuilds

import (
	"sort"

	"github.com/G-Research/buildqueue/internal/buildqueue/builddb"
	"github.com/G-Research/buildqueue/internal/buildqueue/model"
)

// Predicate decides whether a pending build is part of a relation.
// Predicates may read other tables through the snapshot but must not have side effects.
type Predicate func(txn *builddb.Txn, build *model.PendingBuild) (bool, error)

// source visits the rows a relation starts from.
type source func(txn *builddb.Txn, visit func(*model.PendingBuild) error) error

// Relation is a lazy, composable view over the pending builds of a single snapshot.
// Nothing is read until Each, Collect or Count is called, and a relation may be evaluated any number of times.
// Relations are values: Where returns a new relation and leaves the receiver unchanged.
type Relation struct {
	txn    *builddb.Txn
	source source
	// True once source no longer scans the whole table.
	narrowed   bool
	predicates []Predicate
	none       bool
}

// All returns the relation of every pending build.
func All(txn *builddb.Txn) Relation {
	return Relation{txn: txn, source: allPendingBuilds}
}

// None returns a relation which never yields any builds.
func None(txn *builddb.Txn) Relation {
	return Relation{txn: txn, none: true}
}

// Txn returns the snapshot the relation reads from.
func (r Relation) Txn() *builddb.Txn {
	return r.txn
}

// IsNone returns true if the relation is known to be empty without evaluating it.
func (r Relation) IsNone() bool {
	return r.none
}

// Where returns the subset of r for which predicate holds.
func (r Relation) Where(predicate Predicate) Relation {
	if r.none {
		return r
	}
	predicates := make([]Predicate, len(r.predicates), len(r.predicates)+1)
	copy(predicates, r.predicates)
	r.predicates = append(predicates, predicate)
	return r
}

// withSource replaces the full-table scan with a narrower source.
// Relations that already read from a narrower source keep it; callers then express the restriction as a predicate.
func (r Relation) withSource(s source) (Relation, bool) {
	if r.none || r.narrowed {
		return r, false
	}
	r.source = s
	r.narrowed = true
	return r, true
}

// Each calls fn for every build in the relation, in no particular order.
// Iteration stops at the first error, which is returned.
func (r Relation) Each(fn func(*model.PendingBuild) error) error {
	if r.none {
		return nil
	}
	return r.source(r.txn, func(build *model.PendingBuild) error {
		for _, predicate := range r.predicates {
			ok, err := predicate(r.txn, build)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}
		return fn(build)
	})
}

// Collect returns the builds of the relation ordered by build id.
func (r Relation) Collect() ([]*model.PendingBuild, error) {
	var result []*model.PendingBuild
	err := r.Each(func(build *model.PendingBuild) error {
		result = append(result, build)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].BuildID < result[j].BuildID
	})
	return result, nil
}

// BuildIDs returns the ids of the builds in the relation in ascending order.
func (r Relation) BuildIDs() ([]model.BuildID, error) {
	builds, err := r.Collect()
	if err != nil {
		return nil, err
	}
	var ids []model.BuildID
	for _, build := range builds {
		ids = append(ids, build.BuildID)
	}
	return ids, nil
}

// Count returns the number of builds in the relation.
func (r Relation) Count() (int, error) {
	n := 0
	err := r.Each(func(*model.PendingBuild) error {
		n++
		return nil
	})
	return n, err
}

func allPendingBuilds(txn *builddb.Txn, visit func(*model.PendingBuild) error) error {
	it, err := txn.PendingBuilds()
	if err != nil {
		return err
	}
	return drain(it, visit)
}

func projectPendingBuilds(projectIds []model.ProjectID) source {
	return func(txn *builddb.Txn, visit func(*model.PendingBuild) error) error {
		for _, projectId := range projectIds {
			it, err := txn.PendingBuildsForProject(projectId)
			if err != nil {
				return err
			}
			if err := drain(it, visit); err != nil {
				return err
			}
		}
		return nil
	}
}

func drain(it *builddb.PendingBuildIterator, visit func(*model.PendingBuild) error) error {
	for build, ok := it.Next(); ok; build, ok = it.Next() {
		if err := visit(build); err != nil {
			return err
		}
	}
	return nil
}
