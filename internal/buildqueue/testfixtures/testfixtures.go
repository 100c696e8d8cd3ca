package testfixtures

// This file contains test fixtures to be used throughout the tests of the build queue.
import (
	"time"

	"github.com/G-Research/buildqueue/internal/buildqueue/builddb"
	"github.com/G-Research/buildqueue/internal/buildqueue/model"
)

// Namespaces of the standard fixture.
//
//	1 ── 2 ── 3
//	4
const (
	RootNamespace   model.NamespaceID = 1
	GroupNamespace  model.NamespaceID = 2
	LeafNamespace   model.NamespaceID = 3
	OtherNamespace  model.NamespaceID = 4
	UnusedNamespace model.NamespaceID = 99
)

// Projects of the standard fixture.
const (
	// In LeafNamespace with shared runners enabled.
	SharedProject model.ProjectID = 10
	// In GroupNamespace, shared runners enabled but pending deletion.
	DeletedProject model.ProjectID = 20
	// In OtherNamespace with shared runners disabled.
	PrivateProject model.ProjectID = 30
	// In OtherNamespace, shared runners enabled but builds disabled.
	BuildsDisabledProject model.ProjectID = 40
	// In RootNamespace, shared runners enabled with builds restricted to members.
	MembersOnlyProject model.ProjectID = 50
)

// Tags of the standard fixture.
const (
	DockerTag model.TagID = 1
	LinuxTag  model.TagID = 2
	GpuTag    model.TagID = 3
)

var BaseTime = time.Date(2022, 3, 1, 15, 4, 5, 0, time.UTC)

// StandardBuilds are the pending builds of the standard fixture, in id order.
var StandardBuilds = []builddb.NewBuild{
	{ID: 1, ProjectID: SharedProject},
	{ID: 2, ProjectID: SharedProject, TagIDs: []model.TagID{DockerTag}, Protected: true},
	{ID: 3, ProjectID: DeletedProject, TagIDs: []model.TagID{DockerTag, LinuxTag}},
	{ID: 4, ProjectID: PrivateProject, Protected: true},
	{ID: 5, ProjectID: BuildsDisabledProject, TagIDs: []model.TagID{LinuxTag}},
	{ID: 6, ProjectID: MembersOnlyProject},
	{ID: 7, ProjectID: MembersOnlyProject, TagIDs: []model.TagID{GpuTag}},
	{ID: 8, ProjectID: SharedProject, Status: model.BuildCreated},
}

// NewBuildDb returns an empty BuildDb whose clock is fixed at BaseTime.
func NewBuildDb() *builddb.BuildDb {
	db, err := builddb.NewBuildDbWithClock(func() time.Time { return BaseTime })
	if err != nil {
		panic(err)
	}
	return db
}

// NewStandardBuildDb returns a BuildDb populated with the standard namespaces, projects and builds.
func NewStandardBuildDb() *builddb.BuildDb {
	db := NewBuildDb()
	if err := PopulateOrganisation(db); err != nil {
		panic(err)
	}
	for _, build := range StandardBuilds {
		if _, err := db.CreateBuild(build); err != nil {
			panic(err)
		}
	}
	return db
}

// Namespaces returns the standard namespaces, parents first.
func Namespaces() []*model.Namespace {
	return []*model.Namespace{
		{ID: RootNamespace},
		{ID: GroupNamespace, ParentID: RootNamespace},
		{ID: LeafNamespace, ParentID: GroupNamespace},
		{ID: OtherNamespace},
		{ID: UnusedNamespace},
	}
}

// Projects returns the standard projects.
func Projects() []*model.Project {
	return []*model.Project{
		{ID: SharedProject, NamespaceID: LeafNamespace, SharedRunnersEnabled: true},
		{ID: DeletedProject, NamespaceID: GroupNamespace, SharedRunnersEnabled: true, PendingDelete: true},
		{ID: PrivateProject, NamespaceID: OtherNamespace},
		{ID: BuildsDisabledProject, NamespaceID: OtherNamespace, SharedRunnersEnabled: true, BuildsAccessLevel: AccessLevel(model.BuildsAccessDisabled)},
		{ID: MembersOnlyProject, NamespaceID: RootNamespace, SharedRunnersEnabled: true, BuildsAccessLevel: AccessLevel(model.BuildsAccessPrivate)},
	}
}

// PopulateOrganisation inserts the standard namespaces and projects.
func PopulateOrganisation(db *builddb.BuildDb) error {
	if err := db.UpsertNamespaces(Namespaces()...); err != nil {
		return err
	}
	return db.UpsertProjects(Projects()...)
}

// Runners returns a set of runners covering every runner type, scope and tag combination of the standard fixture.
func Runners() map[string]*model.Runner {
	return map[string]*model.Runner{
		"instance untagged":          InstanceRunner(1, true),
		"instance docker only":       InstanceRunner(2, false, DockerTag),
		"instance all tags":          WithProtectedAccess(InstanceRunner(3, true, DockerTag, LinuxTag, GpuTag)),
		"instance paused":            WithPaused(InstanceRunner(4, true)),
		"group root":                 GroupRunner(5, []model.NamespaceID{RootNamespace}, true, DockerTag, LinuxTag),
		"group leaf protected":       WithProtectedAccess(GroupRunner(6, []model.NamespaceID{LeafNamespace}, true, DockerTag)),
		"group other and unused":     GroupRunner(7, []model.NamespaceID{OtherNamespace, UnusedNamespace}, true, LinuxTag),
		"group without namespaces":   GroupRunner(8, nil, true),
		"project shared protected":   WithProtectedAccess(ProjectRunner(9, []model.ProjectID{SharedProject}, true, DockerTag)),
		"project private and others": WithProtectedAccess(ProjectRunner(10, []model.ProjectID{PrivateProject, BuildsDisabledProject, DeletedProject}, false, DockerTag, LinuxTag)),
		"project without projects":   ProjectRunner(11, nil, true),
	}
}

func AccessLevel(level int) *int {
	return &level
}

// InstanceRunner returns an unprotected instance runner.
func InstanceRunner(id model.RunnerID, runUntagged bool, tagIds ...model.TagID) *model.Runner {
	return &model.Runner{
		ID:          id,
		Type:        model.InstanceRunner,
		TagIDs:      tagIds,
		RunUntagged: runUntagged,
		AccessLevel: model.AccessLevelNotProtected,
	}
}

// GroupRunner returns an unprotected group runner assigned to the given namespaces.
func GroupRunner(id model.RunnerID, namespaceIds []model.NamespaceID, runUntagged bool, tagIds ...model.TagID) *model.Runner {
	return &model.Runner{
		ID:           id,
		Type:         model.GroupRunner,
		NamespaceIDs: namespaceIds,
		TagIDs:       tagIds,
		RunUntagged:  runUntagged,
		AccessLevel:  model.AccessLevelNotProtected,
	}
}

// ProjectRunner returns an unprotected project runner assigned to the given projects.
func ProjectRunner(id model.RunnerID, projectIds []model.ProjectID, runUntagged bool, tagIds ...model.TagID) *model.Runner {
	return &model.Runner{
		ID:          id,
		Type:        model.ProjectRunner,
		ProjectIDs:  projectIds,
		TagIDs:      tagIds,
		RunUntagged: runUntagged,
		AccessLevel: model.AccessLevelNotProtected,
	}
}

// WithProtectedAccess returns a copy of the runner that may run protected builds.
func WithProtectedAccess(runner *model.Runner) *model.Runner {
	c := *runner
	c.AccessLevel = model.AccessLevelRefProtected
	return &c
}

// WithPaused returns a paused copy of the runner.
func WithPaused(runner *model.Runner) *model.Runner {
	c := *runner
	c.Paused = true
	return &c
}
