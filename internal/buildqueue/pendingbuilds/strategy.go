package pendingbuilds

import (
	"github.com/G-Research/buildqueue/internal/buildqueue/builddb"
	"github.com/G-Research/buildqueue/internal/buildqueue/model"
)

const (
	DenormalizedName = "denormalized"
	NormalizedName   = "normalized"
)

// DataStrategy answers the eligibility questions asked of pending builds.
// The denormalized strategy reads facts copied onto the pending build row; the normalized strategy derives the same
// facts from the projects, namespaces and builds tables. Both must yield identical sets for the same snapshot.
type DataStrategy interface {
	Name() string
	// WithInstanceRunners restricts rel to builds whose project accepts instance runners.
	WithInstanceRunners(rel Relation) Relation
	// ForNamespaces restricts rel to builds whose namespace ancestry intersects namespaceIds.
	ForNamespaces(rel Relation, namespaceIds []model.NamespaceID) Relation
	// ForProjects restricts rel to builds of the given projects.
	ForProjects(rel Relation, projectIds []model.ProjectID) Relation
	// Unprotected removes protected builds from rel.
	Unprotected(rel Relation) Relation
}

// StrategyFor returns the strategy selected by the denormalized data strategy toggle.
func StrategyFor(denormalized bool) DataStrategy {
	if denormalized {
		return Denormalized{}
	}
	return Normalized{}
}

// Denormalized reads everything from the pending build row.
type Denormalized struct{}

func (Denormalized) Name() string {
	return DenormalizedName
}

func (Denormalized) WithInstanceRunners(rel Relation) Relation {
	return rel.Where(func(_ *builddb.Txn, build *model.PendingBuild) (bool, error) {
		return build.InstanceRunnersEnabled, nil
	})
}

func (Denormalized) ForNamespaces(rel Relation, namespaceIds []model.NamespaceID) Relation {
	wanted := namespaceSet(namespaceIds)
	return rel.Where(func(_ *builddb.Txn, build *model.PendingBuild) (bool, error) {
		return overlaps(build.NamespaceTraversalIDs, wanted), nil
	})
}

func (Denormalized) ForProjects(rel Relation, projectIds []model.ProjectID) Relation {
	return forProjects(rel, projectIds)
}

func (Denormalized) Unprotected(rel Relation) Relation {
	return rel.Where(func(_ *builddb.Txn, build *model.PendingBuild) (bool, error) {
		return !build.Protected, nil
	})
}

// Normalized joins the pending build row against the authoritative tables.
type Normalized struct{}

func (Normalized) Name() string {
	return NormalizedName
}

func (Normalized) WithInstanceRunners(rel Relation) Relation {
	return rel.Where(func(txn *builddb.Txn, build *model.PendingBuild) (bool, error) {
		project, err := txn.GetProject(build.ProjectID)
		if err != nil || project == nil {
			return false, err
		}
		return project.AcceptsInstanceRunners(), nil
	})
}

func (Normalized) ForNamespaces(rel Relation, namespaceIds []model.NamespaceID) Relation {
	wanted := namespaceSet(namespaceIds)
	return rel.Where(func(txn *builddb.Txn, build *model.PendingBuild) (bool, error) {
		project, err := txn.GetProject(build.ProjectID)
		if err != nil || project == nil {
			return false, err
		}
		ns, err := txn.GetNamespace(project.NamespaceID)
		if err != nil || ns == nil {
			return false, err
		}
		return overlaps(ns.TraversalIDs, wanted), nil
	})
}

func (Normalized) ForProjects(rel Relation, projectIds []model.ProjectID) Relation {
	return forProjects(rel, projectIds)
}

func (Normalized) Unprotected(rel Relation) Relation {
	return rel.Where(func(txn *builddb.Txn, pending *model.PendingBuild) (bool, error) {
		build, err := txn.GetBuild(pending.BuildID)
		if err != nil || build == nil {
			return false, err
		}
		return !build.Protected, nil
	})
}

// forProjects is shared by both strategies since the project id is part of every pending build row.
// When possible the relation is read through the project index rather than by scanning every pending build.
func forProjects(rel Relation, projectIds []model.ProjectID) Relation {
	if len(projectIds) == 0 {
		return None(rel.Txn())
	}
	unique := uniqueProjectIds(projectIds)
	if narrowed, ok := rel.withSource(projectPendingBuilds(unique)); ok {
		return narrowed
	}
	wanted := make(map[model.ProjectID]bool, len(unique))
	for _, id := range unique {
		wanted[id] = true
	}
	return rel.Where(func(_ *builddb.Txn, build *model.PendingBuild) (bool, error) {
		return wanted[build.ProjectID], nil
	})
}

func uniqueProjectIds(projectIds []model.ProjectID) []model.ProjectID {
	seen := make(map[model.ProjectID]bool, len(projectIds))
	result := make([]model.ProjectID, 0, len(projectIds))
	for _, id := range projectIds {
		if !seen[id] {
			seen[id] = true
			result = append(result, id)
		}
	}
	return result
}

func namespaceSet(namespaceIds []model.NamespaceID) map[model.NamespaceID]bool {
	set := make(map[model.NamespaceID]bool, len(namespaceIds))
	for _, id := range namespaceIds {
		set[id] = true
	}
	return set
}

func overlaps(ids []model.NamespaceID, set map[model.NamespaceID]bool) bool {
	for _, id := range ids {
		if set[id] {
			return true
		}
	}
	return false
}
