package simulator

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/G-Research/buildqueue/internal/buildqueue/features"
	"github.com/G-Research/buildqueue/internal/buildqueue/model"
)

// Fixture describes the organisation, builds and runners of a simulation.
type Fixture struct {
	Features struct {
		DenormalizedDataStrategy bool `yaml:"denormalizedDataStrategy"`
		DisasterRecoveryFifo     bool `yaml:"disasterRecoveryFifo"`
	} `yaml:"features"`
	// Zero means the default.
	MaxClaimAttempts int                `yaml:"maxClaimAttempts"`
	Namespaces       []NamespaceFixture `yaml:"namespaces"`
	Projects         []ProjectFixture   `yaml:"projects"`
	Builds           []BuildFixture     `yaml:"builds"`
	Runners          []*model.Runner    `yaml:"runners"`
}

type NamespaceFixture struct {
	ID       model.NamespaceID `yaml:"id"`
	ParentID model.NamespaceID `yaml:"parentId"`
}

type ProjectFixture struct {
	ID                   model.ProjectID   `yaml:"id"`
	NamespaceID          model.NamespaceID `yaml:"namespaceId"`
	SharedRunnersEnabled bool              `yaml:"sharedRunnersEnabled"`
	PendingDelete        bool              `yaml:"pendingDelete"`
	BuildsAccessLevel    *int              `yaml:"buildsAccessLevel"`
}

type BuildFixture struct {
	ID        model.BuildID   `yaml:"id"`
	ProjectID model.ProjectID `yaml:"projectId"`
	TagIDs    []model.TagID   `yaml:"tagIds"`
	Protected bool            `yaml:"protected"`
	// If set the build is already running on this runner when the simulation starts.
	RunnerID model.RunnerID `yaml:"runnerId"`
}

// LoadFixture reads and validates a fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return ParseFixture(data)
}

// ParseFixture parses and validates a yaml fixture.
func ParseFixture(data []byte) (*Fixture, error) {
	fixture := &Fixture{}
	if err := yaml.UnmarshalStrict(data, fixture); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := fixture.Validate(); err != nil {
		return nil, err
	}
	return fixture, nil
}

func (f *Fixture) FeatureFlags() features.Flags {
	return features.Flags{
		DenormalizedDataStrategy: f.Features.DenormalizedDataStrategy,
		DisasterRecoveryFifo:     f.Features.DisasterRecoveryFifo,
	}
}

// Validate returns every problem found with the fixture.
func (f *Fixture) Validate() error {
	var result *multierror.Error
	fail := func(format string, args ...interface{}) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if f.MaxClaimAttempts < 0 {
		fail("maxClaimAttempts must not be negative")
	}
	namespaces := make(map[model.NamespaceID]bool, len(f.Namespaces))
	for _, ns := range f.Namespaces {
		if ns.ID <= 0 {
			fail("namespace ids must be positive, got %d", ns.ID)
		}
		if namespaces[ns.ID] {
			fail("duplicate namespace %d", ns.ID)
		}
		if ns.ParentID != 0 && !namespaces[ns.ParentID] {
			fail("namespace %d is listed before its parent %d", ns.ID, ns.ParentID)
		}
		namespaces[ns.ID] = true
	}
	projects := make(map[model.ProjectID]bool, len(f.Projects))
	for _, p := range f.Projects {
		if projects[p.ID] {
			fail("duplicate project %d", p.ID)
		}
		if !namespaces[p.NamespaceID] {
			fail("project %d has unknown namespace %d", p.ID, p.NamespaceID)
		}
		projects[p.ID] = true
	}
	runners := make(map[model.RunnerID]bool, len(f.Runners))
	for _, r := range f.Runners {
		if r == nil {
			fail("empty runner")
			continue
		}
		if r.ID <= 0 {
			fail("runner ids must be positive, got %d", r.ID)
		}
		if !r.Type.Valid() {
			fail("runner %d has no type", r.ID)
		}
		if runners[r.ID] {
			fail("duplicate runner %d", r.ID)
		}
		runners[r.ID] = true
	}
	builds := make(map[model.BuildID]bool, len(f.Builds))
	for _, b := range f.Builds {
		if b.ID <= 0 {
			fail("build ids must be positive, got %d", b.ID)
		}
		if builds[b.ID] {
			fail("duplicate build %d", b.ID)
		}
		if !projects[b.ProjectID] {
			fail("build %d has unknown project %d", b.ID, b.ProjectID)
		}
		if b.RunnerID != 0 && !runners[b.RunnerID] {
			fail("build %d is running on unknown runner %d", b.ID, b.RunnerID)
		}
		builds[b.ID] = true
	}
	return result.ErrorOrNil()
}
