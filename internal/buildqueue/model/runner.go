package model

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// RunnerType is the scope a runner serves.
type RunnerType int

const (
	UnknownRunnerType RunnerType = iota
	InstanceRunner
	GroupRunner
	ProjectRunner
)

var runnerTypeNames = map[RunnerType]string{
	InstanceRunner: "instance",
	GroupRunner:    "group",
	ProjectRunner:  "project",
}

func (t RunnerType) String() string {
	if name, ok := runnerTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// Valid returns true for the three known runner types.
func (t RunnerType) Valid() bool {
	_, ok := runnerTypeNames[t]
	return ok
}

// ParseRunnerType converts the string form used in configuration and fixtures.
func ParseRunnerType(s string) (RunnerType, error) {
	for t, name := range runnerTypeNames {
		if strings.EqualFold(name, s) {
			return t, nil
		}
	}
	return UnknownRunnerType, errors.Errorf("unknown runner type %q", s)
}

// MarshalText and UnmarshalText let runner types round-trip through json and yaml as strings.
func (t RunnerType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *RunnerType) UnmarshalText(text []byte) error {
	parsed, err := ParseRunnerType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

type AccessLevel string

const (
	AccessLevelNotProtected AccessLevel = "not_protected"
	AccessLevelRefProtected AccessLevel = "ref_protected"
)

// Runner is a worker that polls for builds.
type Runner struct {
	ID   RunnerID   `json:"id" yaml:"id"`
	Type RunnerType `json:"type" yaml:"type"`
	// Namespaces a group runner is assigned to.
	NamespaceIDs []NamespaceID `json:"namespaceIds,omitempty" yaml:"namespaceIds"`
	// Projects a project runner is assigned to.
	ProjectIDs  []ProjectID `json:"projectIds,omitempty" yaml:"projectIds"`
	TagIDs      []TagID     `json:"tagIds,omitempty" yaml:"tagIds"`
	RunUntagged bool        `json:"runUntagged" yaml:"runUntagged"`
	AccessLevel AccessLevel `json:"accessLevel" yaml:"accessLevel"`
	// Paused runners receive no builds.
	Paused bool `json:"paused,omitempty" yaml:"paused"`
}

// Protected returns true if the runner may run protected builds.
func (r *Runner) Protected() bool {
	return r.AccessLevel == AccessLevelRefProtected
}

// TagSet returns the runner's tags as a set.
func (r *Runner) TagSet() map[TagID]bool {
	set := make(map[TagID]bool, len(r.TagIDs))
	for _, id := range r.TagIDs {
		set[id] = true
	}
	return set
}
