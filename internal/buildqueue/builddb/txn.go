package builddb

import (
	"fmt"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/G-Research/buildqueue/internal/buildqueue/model"
)

// Txn is a read-only snapshot of the BuildDb.
// Snapshots are consistent: writes committed after the snapshot was taken are not visible through it.
// Objects returned through a Txn *must not* be modified.
type Txn struct {
	txn *memdb.Txn
}

// Abort releases the snapshot. It is safe to call more than once.
func (txn *Txn) Abort() {
	txn.txn.Abort()
}

// GetBuild returns the build with the given id or nil if no such build exists.
func (txn *Txn) GetBuild(id model.BuildID) (*model.Build, error) {
	return getBuild(txn.txn, id)
}

// GetPendingBuild returns the pending build with the given id or nil if the build is not queued.
func (txn *Txn) GetPendingBuild(id model.BuildID) (*model.PendingBuild, error) {
	return getPendingBuild(txn.txn, id)
}

// GetProject returns the project with the given id or nil if no such project exists.
func (txn *Txn) GetProject(id model.ProjectID) (*model.Project, error) {
	return getProject(txn.txn, id)
}

// GetNamespace returns the namespace with the given id or nil if no such namespace exists.
func (txn *Txn) GetNamespace(id model.NamespaceID) (*model.Namespace, error) {
	return getNamespace(txn.txn, id)
}

// PendingBuilds returns an iterator over every pending build.
func (txn *Txn) PendingBuilds() (*PendingBuildIterator, error) {
	it, err := txn.txn.Get(pendingBuildsTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &PendingBuildIterator{it: it}, nil
}

// PendingBuildsForProject returns an iterator over the pending builds of a single project.
func (txn *Txn) PendingBuildsForProject(id model.ProjectID) (*PendingBuildIterator, error) {
	return pendingBuildsForProject(txn.txn, id)
}

// TagIDsForBuild reads the tags of a build from the taggings table.
func (txn *Txn) TagIDsForBuild(id model.BuildID) ([]model.TagID, error) {
	it, err := txn.txn.Get(taggingsTable, buildIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var tagIds []model.TagID
	for obj := it.Next(); obj != nil; obj = it.Next() {
		tagIds = append(tagIds, obj.(*model.Tagging).TagID)
	}
	return tagIds, nil
}

// RunningBuilds returns every running build executed by a runner of the given type.
func (txn *Txn) RunningBuilds(runnerType model.RunnerType) ([]*model.RunningBuild, error) {
	it, err := txn.txn.Get(runningBuildsTable, runnerTypeIndex, runnerType)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var result []*model.RunningBuild
	for obj := it.Next(); obj != nil; obj = it.Next() {
		result = append(result, obj.(*model.RunningBuild))
	}
	return result, nil
}

// PendingBuildIterator iterates over pending builds in index order.
type PendingBuildIterator struct {
	it memdb.ResultIterator
}

// Next returns the next pending build, or false once the iterator is exhausted.
func (it *PendingBuildIterator) Next() (*model.PendingBuild, bool) {
	obj := it.it.Next()
	if obj == nil {
		return nil, false
	}
	build, ok := obj.(*model.PendingBuild)
	if !ok {
		panic(fmt.Sprintf("expected *model.PendingBuild, but got %T", obj))
	}
	return build, true
}

func getBuild(txn *memdb.Txn, id model.BuildID) (*model.Build, error) {
	obj, err := txn.First(buildsTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*model.Build), nil
}

func getPendingBuild(txn *memdb.Txn, id model.BuildID) (*model.PendingBuild, error) {
	obj, err := txn.First(pendingBuildsTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*model.PendingBuild), nil
}

func getProject(txn *memdb.Txn, id model.ProjectID) (*model.Project, error) {
	obj, err := txn.First(projectsTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*model.Project), nil
}

func getNamespace(txn *memdb.Txn, id model.NamespaceID) (*model.Namespace, error) {
	obj, err := txn.First(namespacesTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*model.Namespace), nil
}

func pendingBuildsForProject(txn *memdb.Txn, id model.ProjectID) (*PendingBuildIterator, error) {
	it, err := txn.Get(pendingBuildsTable, projectIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &PendingBuildIterator{it: it}, nil
}
