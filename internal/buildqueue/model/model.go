package model

import (
	"time"

	"github.com/google/uuid"
)

type (
	BuildID     = int64
	ProjectID   = int64
	NamespaceID = int64
	TagID       = int64
	RunnerID    = int64
)

// BuildStatus is the lifecycle state of a build in the system of record.
type BuildStatus string

const (
	BuildCreated  BuildStatus = "created"
	BuildPending  BuildStatus = "pending"
	BuildRunning  BuildStatus = "running"
	BuildSuccess  BuildStatus = "success"
	BuildFailed   BuildStatus = "failed"
	BuildCanceled BuildStatus = "canceled"
	BuildSkipped  BuildStatus = "skipped"
)

// Completed returns true if no further transitions are possible from this status.
func (s BuildStatus) Completed() bool {
	switch s {
	case BuildSuccess, BuildFailed, BuildCanceled, BuildSkipped:
		return true
	}
	return false
}

// Finishes returns true for the statuses a running build may move to when it ends.
func (s BuildStatus) Finishes() bool {
	switch s {
	case BuildSuccess, BuildFailed, BuildCanceled:
		return true
	}
	return false
}

// Builds access levels as stored against a project's features.
const (
	BuildsAccessDisabled = 0
	BuildsAccessPrivate  = 10
	BuildsAccessEnabled  = 20
)

// Build is the authoritative record of a CI job.
// Builds stored in builddb *must not* be modified in place; use DeepCopy.
type Build struct {
	ID        BuildID
	ProjectID ProjectID
	Status    BuildStatus
	// Protected builds may only run on runners with AccessLevelRefProtected.
	Protected bool
	// Tags required by this build. The normalized tag assignment lives in the taggings table.
	TagIDs []TagID
	// Zero if the build has not been assigned.
	RunnerID   RunnerID
	RunnerType RunnerType
	// Token handed to the runner on a successful claim.
	Token     uuid.UUID
	QueuedAt  time.Time
	StartedAt time.Time
}

func (b *Build) DeepCopy() *Build {
	if b == nil {
		return nil
	}
	c := *b
	c.TagIDs = append([]TagID(nil), b.TagIDs...)
	return &c
}

// Assigned returns true if some runner already holds this build.
func (b *Build) Assigned() bool {
	return b.RunnerID != 0
}

// PendingBuild is a denormalized projection of a pending Build used on the dispatch hot path.
// It is a cache over Build, Project and Namespace; those records win on conflict.
type PendingBuild struct {
	BuildID     BuildID
	ProjectID   ProjectID
	NamespaceID NamespaceID
	// Ancestor chain of the project's namespace, root first.
	NamespaceTraversalIDs []NamespaceID
	// Empty for untagged builds.
	TagIDs    []TagID
	Protected bool
	// True if the owning project opted into the shared runner pool and can run builds.
	InstanceRunnersEnabled bool
	CreatedAt              time.Time
}

func (p *PendingBuild) DeepCopy() *PendingBuild {
	if p == nil {
		return nil
	}
	c := *p
	c.NamespaceTraversalIDs = append([]NamespaceID(nil), p.NamespaceTraversalIDs...)
	c.TagIDs = append([]TagID(nil), p.TagIDs...)
	return &c
}

type Project struct {
	ID                   ProjectID
	NamespaceID          NamespaceID
	SharedRunnersEnabled bool
	PendingDelete        bool
	// Nil means the project has no feature row, which is treated as enabled.
	BuildsAccessLevel *int
}

// BuildsEnabled mirrors `project_features.builds_access_level IS NULL OR builds_access_level > 0`.
func (p *Project) BuildsEnabled() bool {
	return p.BuildsAccessLevel == nil || *p.BuildsAccessLevel > BuildsAccessDisabled
}

// AcceptsInstanceRunners returns true if builds of this project may be picked by instance runners.
func (p *Project) AcceptsInstanceRunners() bool {
	return p.SharedRunnersEnabled && !p.PendingDelete && p.BuildsEnabled()
}

type Namespace struct {
	ID       NamespaceID
	ParentID NamespaceID
	// Root-to-self chain of namespace ids, always ending with ID.
	TraversalIDs []NamespaceID
}

// Tagging assigns a single tag to a build.
type Tagging struct {
	BuildID BuildID
	TagID   TagID
}

// RunningBuild tracks a build that has been claimed and is executing.
type RunningBuild struct {
	BuildID    BuildID
	ProjectID  ProjectID
	RunnerType RunnerType
}

// ClaimedBuild is handed back to a runner after a successful claim.
type ClaimedBuild struct {
	Build   *Build
	Pending *PendingBuild
	Runner  RunnerID
}
