package builddb

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/G-Research/buildqueue/internal/buildqueue/model"
	"github.com/G-Research/buildqueue/internal/common/queueerrors"
)

// BuildDb is the in-memory system of record for builds, together with the pending build index and the project and
// namespace state the index is derived from.
// BuildDb is implemented on top of https://github.com/hashicorp/go-memdb which is a simple in-memory database built on
// immutable radix trees. Readers get consistent snapshots; go-memdb admits a single writer at a time, which is what
// makes Claim an atomic test-and-set.
type BuildDb struct {
	db *memdb.MemDB
	// Id handed to the next build created without an explicit id.
	// Only read or written while holding the go-memdb writer lock.
	nextBuildId model.BuildID
	now         func() time.Time
}

// NewBuild describes a build to be created.
type NewBuild struct {
	// If zero an id is assigned.
	ID        model.BuildID
	ProjectID model.ProjectID
	Protected bool
	TagIDs    []model.TagID
	// Either BuildCreated or BuildPending. Defaults to BuildPending.
	Status model.BuildStatus
}

func NewBuildDb() (*BuildDb, error) {
	return NewBuildDbWithClock(time.Now)
}

func NewBuildDbWithClock(now func() time.Time) (*BuildDb, error) {
	db, err := memdb.NewMemDB(buildDbSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &BuildDb{
		db:          db,
		nextBuildId: 1,
		now:         now,
	}, nil
}

// ReadTxn returns a read-only snapshot.
// Multiple read-only transactions can access the db concurrently.
func (buildDb *BuildDb) ReadTxn() *Txn {
	return &Txn{txn: buildDb.db.Txn(false)}
}

// UpsertNamespaces inserts the given namespaces, computing their traversal ids from their parents.
// Parents must be inserted before their children. Moving an existing namespace to a new parent is not supported.
func (buildDb *BuildDb) UpsertNamespaces(namespaces ...*model.Namespace) error {
	txn := buildDb.db.Txn(true)
	defer txn.Abort()
	for _, ns := range namespaces {
		existing, err := getNamespace(txn, ns.ID)
		if err != nil {
			return err
		}
		if existing != nil && existing.ParentID != ns.ParentID {
			return errors.WithStack(&queueerrors.ErrInvalidArgument{
				Name:    "ParentID",
				Value:   fmt.Sprintf("%d", ns.ParentID),
				Message: fmt.Sprintf("namespace %d cannot be moved", ns.ID),
			})
		}
		traversalIds := []model.NamespaceID{ns.ID}
		if ns.ParentID != 0 {
			parent, err := getNamespace(txn, ns.ParentID)
			if err != nil {
				return err
			}
			if parent == nil {
				return errors.WithStack(&queueerrors.ErrNotFound{
					Type:  "namespace",
					Value: fmt.Sprintf("%d", ns.ParentID),
				})
			}
			traversalIds = append(append([]model.NamespaceID(nil), parent.TraversalIDs...), ns.ID)
		}
		stored := &model.Namespace{ID: ns.ID, ParentID: ns.ParentID, TraversalIDs: traversalIds}
		if err := txn.Insert(namespacesTable, stored); err != nil {
			return errors.WithStack(err)
		}
	}
	txn.Commit()
	return nil
}

// UpsertProjects inserts or updates projects.
// The denormalized facts held by the pending builds of each project are refreshed in the same transaction, so the
// pending build index never disagrees with the project state it was derived from.
func (buildDb *BuildDb) UpsertProjects(projects ...*model.Project) error {
	txn := buildDb.db.Txn(true)
	defer txn.Abort()
	for _, p := range projects {
		ns, err := getNamespace(txn, p.NamespaceID)
		if err != nil {
			return err
		}
		if ns == nil {
			return errors.WithStack(&queueerrors.ErrNotFound{
				Type:  "namespace",
				Value: fmt.Sprintf("%d", p.NamespaceID),
			})
		}
		stored := *p
		if err := txn.Insert(projectsTable, &stored); err != nil {
			return errors.WithStack(err)
		}
		if err := refreshPendingBuilds(txn, &stored, ns); err != nil {
			return err
		}
	}
	txn.Commit()
	return nil
}

// GetProject returns the project with the given id or nil if no such project exists.
func (buildDb *BuildDb) GetProject(id model.ProjectID) (*model.Project, error) {
	txn := buildDb.ReadTxn()
	defer txn.Abort()
	return txn.GetProject(id)
}

// CreateBuild records a new build and its tags. Pending builds are added to the pending build index immediately.
func (buildDb *BuildDb) CreateBuild(nb NewBuild) (*model.Build, error) {
	status := nb.Status
	if status == "" {
		status = model.BuildPending
	}
	if status != model.BuildPending && status != model.BuildCreated {
		return nil, errors.WithStack(&queueerrors.ErrInvalidArgument{
			Name:    "Status",
			Value:   string(status),
			Message: "builds must be created as created or pending",
		})
	}

	txn := buildDb.db.Txn(true)
	defer txn.Abort()

	id := nb.ID
	if id == 0 {
		id = buildDb.nextBuildId
	}
	existing, err := getBuild(txn, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errors.WithStack(&queueerrors.ErrInvalidArgument{
			Name:    "ID",
			Value:   fmt.Sprintf("%d", id),
			Message: "build already exists",
		})
	}
	project, err := getProject(txn, nb.ProjectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, errors.WithStack(&queueerrors.ErrNotFound{
			Type:  "project",
			Value: fmt.Sprintf("%d", nb.ProjectID),
		})
	}

	build := &model.Build{
		ID:        id,
		ProjectID: nb.ProjectID,
		Status:    status,
		Protected: nb.Protected,
		TagIDs:    uniqueTagIds(nb.TagIDs),
	}
	if status == model.BuildPending {
		build.QueuedAt = buildDb.now()
	}
	if err := txn.Insert(buildsTable, build); err != nil {
		return nil, errors.WithStack(err)
	}
	for _, tagId := range build.TagIDs {
		if err := txn.Insert(taggingsTable, &model.Tagging{BuildID: id, TagID: tagId}); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	if status == model.BuildPending {
		if err := insertPendingBuild(txn, build, project); err != nil {
			return nil, err
		}
	}
	if id >= buildDb.nextBuildId {
		buildDb.nextBuildId = id + 1
	}
	txn.Commit()
	return build.DeepCopy(), nil
}

// Enqueue moves a created build to pending and adds it to the pending build index.
func (buildDb *BuildDb) Enqueue(id model.BuildID) error {
	txn := buildDb.db.Txn(true)
	defer txn.Abort()
	build, err := mustGetBuild(txn, id)
	if err != nil {
		return err
	}
	if build.Status != model.BuildCreated {
		return errors.WithStack(&queueerrors.ErrInvalidArgument{
			Name:    "Status",
			Value:   string(build.Status),
			Message: fmt.Sprintf("build %d cannot be enqueued", id),
		})
	}
	project, err := getProject(txn, build.ProjectID)
	if err != nil {
		return err
	}
	if project == nil {
		return errors.WithStack(&queueerrors.ErrNotFound{
			Type:  "project",
			Value: fmt.Sprintf("%d", build.ProjectID),
		})
	}
	updated := build.DeepCopy()
	updated.Status = model.BuildPending
	updated.QueuedAt = buildDb.now()
	if err := txn.Insert(buildsTable, updated); err != nil {
		return errors.WithStack(err)
	}
	if err := insertPendingBuild(txn, updated, project); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// Claim atomically assigns a pending build to the runner.
// The claim only succeeds if the build record is still pending and unassigned; otherwise an ErrClaimConflict is
// returned and any stale pending build row is removed. A successful claim removes the build from the pending build
// index and records it as running, both visible to every snapshot taken afterwards.
func (buildDb *BuildDb) Claim(id model.BuildID, runner *model.Runner) (*model.ClaimedBuild, error) {
	txn := buildDb.db.Txn(true)
	defer txn.Abort()

	build, err := getBuild(txn, id)
	if err != nil {
		return nil, err
	}
	pending, err := getPendingBuild(txn, id)
	if err != nil {
		return nil, err
	}
	if build == nil || build.Status != model.BuildPending || build.Assigned() {
		conflict := &queueerrors.ErrClaimConflict{BuildId: id}
		if build != nil {
			conflict.Status = string(build.Status)
		}
		if pending != nil {
			// The build record wins: drop the stale index row.
			if err := txn.Delete(pendingBuildsTable, pending); err != nil {
				return nil, errors.WithStack(err)
			}
			txn.Commit()
		}
		return nil, errors.WithStack(conflict)
	}

	claimed := build.DeepCopy()
	claimed.Status = model.BuildRunning
	claimed.RunnerID = runner.ID
	claimed.RunnerType = runner.Type
	claimed.Token = uuid.New()
	claimed.StartedAt = buildDb.now()
	if err := txn.Insert(buildsTable, claimed); err != nil {
		return nil, errors.WithStack(err)
	}
	if pending != nil {
		if err := txn.Delete(pendingBuildsTable, pending); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	running := &model.RunningBuild{
		BuildID:    claimed.ID,
		ProjectID:  claimed.ProjectID,
		RunnerType: runner.Type,
	}
	if err := txn.Insert(runningBuildsTable, running); err != nil {
		return nil, errors.WithStack(err)
	}
	txn.Commit()

	return &model.ClaimedBuild{
		Build:   claimed.DeepCopy(),
		Pending: pending.DeepCopy(),
		Runner:  runner.ID,
	}, nil
}

// Cancel removes a pending or created build from the queue and marks it canceled.
func (buildDb *BuildDb) Cancel(id model.BuildID) error {
	return buildDb.dropFromQueue(id, model.BuildCanceled)
}

// Skip removes a pending or created build from the queue and marks it skipped.
func (buildDb *BuildDb) Skip(id model.BuildID) error {
	return buildDb.dropFromQueue(id, model.BuildSkipped)
}

// Fail removes a pending or created build from the queue and marks it failed before it was ever assigned.
func (buildDb *BuildDb) Fail(id model.BuildID) error {
	return buildDb.dropFromQueue(id, model.BuildFailed)
}

func (buildDb *BuildDb) dropFromQueue(id model.BuildID, status model.BuildStatus) error {
	txn := buildDb.db.Txn(true)
	defer txn.Abort()
	build, err := mustGetBuild(txn, id)
	if err != nil {
		return err
	}
	if build.Status != model.BuildPending && build.Status != model.BuildCreated {
		return errors.WithStack(&queueerrors.ErrInvalidArgument{
			Name:    "Status",
			Value:   string(build.Status),
			Message: fmt.Sprintf("build %d is not queued", id),
		})
	}
	updated := build.DeepCopy()
	updated.Status = status
	if err := txn.Insert(buildsTable, updated); err != nil {
		return errors.WithStack(err)
	}
	if err := deletePendingBuild(txn, id); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// Finish completes a running build, removing it from the running build counts.
func (buildDb *BuildDb) Finish(id model.BuildID, status model.BuildStatus) error {
	if !status.Finishes() {
		return errors.WithStack(&queueerrors.ErrInvalidArgument{
			Name:    "Status",
			Value:   string(status),
			Message: "running builds finish as success, failed or canceled",
		})
	}
	txn := buildDb.db.Txn(true)
	defer txn.Abort()
	build, err := mustGetBuild(txn, id)
	if err != nil {
		return err
	}
	if build.Status != model.BuildRunning {
		return errors.WithStack(&queueerrors.ErrInvalidArgument{
			Name:    "Status",
			Value:   string(build.Status),
			Message: fmt.Sprintf("build %d is not running", id),
		})
	}
	updated := build.DeepCopy()
	updated.Status = status
	if err := txn.Insert(buildsTable, updated); err != nil {
		return errors.WithStack(err)
	}
	if _, err := txn.DeleteAll(runningBuildsTable, idIndex, id); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

// Status returns the current status of a build.
func (buildDb *BuildDb) Status(id model.BuildID) (model.BuildStatus, error) {
	txn := buildDb.db.Txn(false)
	defer txn.Abort()
	build, err := mustGetBuild(txn, id)
	if err != nil {
		return "", err
	}
	return build.Status, nil
}

func mustGetBuild(txn *memdb.Txn, id model.BuildID) (*model.Build, error) {
	build, err := getBuild(txn, id)
	if err != nil {
		return nil, err
	}
	if build == nil {
		return nil, errors.WithStack(&queueerrors.ErrNotFound{
			Type:  "build",
			Value: fmt.Sprintf("%d", id),
		})
	}
	return build, nil
}

func insertPendingBuild(txn *memdb.Txn, build *model.Build, project *model.Project) error {
	ns, err := getNamespace(txn, project.NamespaceID)
	if err != nil {
		return err
	}
	if ns == nil {
		return errors.WithStack(&queueerrors.ErrNotFound{
			Type:  "namespace",
			Value: fmt.Sprintf("%d", project.NamespaceID),
		})
	}
	pending := &model.PendingBuild{
		BuildID:                build.ID,
		ProjectID:              build.ProjectID,
		NamespaceID:            ns.ID,
		NamespaceTraversalIDs:  append([]model.NamespaceID(nil), ns.TraversalIDs...),
		TagIDs:                 append([]model.TagID(nil), build.TagIDs...),
		Protected:              build.Protected,
		InstanceRunnersEnabled: project.AcceptsInstanceRunners(),
		CreatedAt:              build.QueuedAt,
	}
	return errors.WithStack(txn.Insert(pendingBuildsTable, pending))
}

func deletePendingBuild(txn *memdb.Txn, id model.BuildID) error {
	_, err := txn.DeleteAll(pendingBuildsTable, idIndex, id)
	return errors.WithStack(err)
}

// refreshPendingBuilds recomputes the project-derived facts of every pending build of a project.
func refreshPendingBuilds(txn *memdb.Txn, project *model.Project, ns *model.Namespace) error {
	it, err := pendingBuildsForProject(txn, project.ID)
	if err != nil {
		return err
	}
	// Collect first: the iterator must not be used while the table is being modified.
	var stale []*model.PendingBuild
	for pending, ok := it.Next(); ok; pending, ok = it.Next() {
		stale = append(stale, pending)
	}
	for _, pending := range stale {
		updated := pending.DeepCopy()
		updated.NamespaceID = ns.ID
		updated.NamespaceTraversalIDs = append([]model.NamespaceID(nil), ns.TraversalIDs...)
		updated.InstanceRunnersEnabled = project.AcceptsInstanceRunners()
		if err := txn.Insert(pendingBuildsTable, updated); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func uniqueTagIds(tagIds []model.TagID) []model.TagID {
	if len(tagIds) == 0 {
		return nil
	}
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
