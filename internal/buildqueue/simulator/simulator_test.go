package simulator

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/buildqueue/internal/buildqueue/configuration"
	"github.com/G-Research/buildqueue/internal/buildqueue/metrics"
	"github.com/G-Research/buildqueue/internal/buildqueue/model"
	"github.com/G-Research/buildqueue/internal/common/queuecontext"
)

const twoProjectsFixture = `
features:
  denormalizedDataStrategy: %t
  disasterRecoveryFifo: %t
namespaces:
  - id: 1
  - id: 2
    parentId: 1
projects:
  - id: 10
    namespaceId: 2
    sharedRunnersEnabled: true
  - id: 20
    namespaceId: 1
    sharedRunnersEnabled: true
builds:
  - id: 1
    projectId: 10
  - id: 2
    projectId: 10
  - id: 3
    projectId: 10
  - id: 4
    projectId: 20
  - id: 5
    projectId: 20
    tagIds: [7]
runners:
  - id: 1
    type: instance
    runUntagged: true
    accessLevel: not_protected
`

func assignedBuilds(result *Result) []model.BuildID {
	var ids []model.BuildID
	for _, a := range result.Assignments {
		ids = append(ids, a.Build)
	}
	return ids
}

func TestRun_SinglePoller(t *testing.T) {
	tests := map[string]struct {
		denormalized         bool
		disasterRecoveryFifo bool
		expected             []model.BuildID
	}{
		// Each claim makes the project busier, so projects alternate.
		"fair": {
			denormalized: true,
			expected:     []model.BuildID{1, 4, 2, 3},
		},
		"fair with normalized data": {
			expected: []model.BuildID{1, 4, 2, 3},
		},
		"disaster recovery fifo": {
			denormalized:         true,
			disasterRecoveryFifo: true,
			expected:             []model.BuildID{1, 2, 3, 4},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			fixture, err := ParseFixture([]byte(fmt.Sprintf(twoProjectsFixture, tc.denormalized, tc.disasterRecoveryFifo)))
			require.NoError(t, err)
			sim, err := New(fixture, configuration.DispatchConfig{}, metrics.New(nil))
			require.NoError(t, err)

			result, err := sim.Run(queuecontext.Background(), 1)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, assignedBuilds(result))
			// Build 5 needs a tag the runner doesn't have.
			assert.Equal(t, 1, result.Pending)
		})
	}
}

func TestRun_SeededRunningBuilds(t *testing.T) {
	fixture, err := ParseFixture([]byte(`
namespaces:
  - id: 1
projects:
  - id: 10
    namespaceId: 1
    sharedRunnersEnabled: true
  - id: 20
    namespaceId: 1
    sharedRunnersEnabled: true
builds:
  - id: 1
    projectId: 10
    runnerId: 2
  - id: 2
    projectId: 10
  - id: 3
    projectId: 20
runners:
  - id: 1
    type: instance
    runUntagged: true
  - id: 2
    type: instance
    paused: true
`))
	require.NoError(t, err)
	sim, err := New(fixture, configuration.DispatchConfig{}, metrics.New(nil))
	require.NoError(t, err)

	result, err := sim.Run(queuecontext.Background(), 1)
	require.NoError(t, err)
	// Project 10 already has a build running, so project 20 goes first.
	assert.Equal(t, []model.BuildID{3, 2}, assignedBuilds(result))
	for _, a := range result.Assignments {
		assert.Equal(t, model.RunnerID(1), a.Runner)
	}
	assert.Equal(t, 0, result.Pending)
}

// busyFixture has 100 builds spread over 5 projects and 10 instance runners.
func busyFixture(t *testing.T) *Fixture {
	var sb strings.Builder
	sb.WriteString("features:\n  denormalizedDataStrategy: true\nmaxClaimAttempts: 1000\n")
	sb.WriteString("namespaces:\n  - id: 1\n")
	sb.WriteString("projects:\n")
	for p := 1; p <= 5; p++ {
		fmt.Fprintf(&sb, "  - id: %d\n    namespaceId: 1\n    sharedRunnersEnabled: true\n", p)
	}
	sb.WriteString("builds:\n")
	numBuilds := 100
	for b := 1; b <= numBuilds; b++ {
		fmt.Fprintf(&sb, "  - id: %d\n    projectId: %d\n", b, b%5+1)
	}
	sb.WriteString("runners:\n")
	for r := 1; r <= 10; r++ {
		fmt.Fprintf(&sb, "  - id: %d\n    type: instance\n    runUntagged: true\n", r)
	}
	fixture, err := ParseFixture([]byte(sb.String()))
	require.NoError(t, err)
	return fixture
}

func assertEachBuildAssignedOnce(t *testing.T, result *Result, numBuilds int) {
	t.Helper()
	seen := make(map[model.BuildID]bool)
	for _, a := range result.Assignments {
		assert.False(t, seen[a.Build], "build %d assigned twice", a.Build)
		seen[a.Build] = true
	}
	assert.Equal(t, numBuilds, len(result.Assignments))
	assert.Equal(t, 0, result.Pending)
}

func TestRun_ConcurrentPollers(t *testing.T) {
	sim, err := New(busyFixture(t), configuration.DispatchConfig{}, metrics.New(nil))
	require.NoError(t, err)

	result, err := sim.Run(queuecontext.Background(), 8)
	require.NoError(t, err)
	assertEachBuildAssignedOnce(t, result, 100)
	assert.Zero(t, result.Rejected)
}

// Pollers turned away by admission control poll again later, so every build still gets assigned.
func TestRun_AdmissionControl(t *testing.T) {
	config := configuration.DispatchConfig{
		Admission: configuration.AdmissionConfig{Limit: 1, QueueLimit: 0},
	}
	sim, err := New(busyFixture(t), config, metrics.New(nil))
	require.NoError(t, err)

	result, err := sim.Run(queuecontext.Background(), 8)
	require.NoError(t, err)
	assertEachBuildAssignedOnce(t, result, 100)
}

func TestRun_NoPollers(t *testing.T) {
	sim, err := New(&Fixture{}, configuration.DispatchConfig{}, metrics.New(nil))
	require.NoError(t, err)
	_, err = sim.Run(queuecontext.Background(), 0)
	assert.Error(t, err)
}

func TestParseFixture_Invalid(t *testing.T) {
	tests := map[string]string{
		"unknown field": `
namespaces:
  - id: 1
    colour: blue
`,
		"unknown runner type": `
runners:
  - id: 1
    type: shared
`,
		"missing runner type": `
runners:
  - id: 1
`,
		"child before parent": `
namespaces:
  - id: 2
    parentId: 1
  - id: 1
`,
		"unknown namespace": `
projects:
  - id: 10
    namespaceId: 1
`,
		"unknown project": `
builds:
  - id: 1
    projectId: 10
`,
		"duplicate builds and unknown runner": `
namespaces:
  - id: 1
projects:
  - id: 10
    namespaceId: 1
builds:
  - id: 1
    projectId: 10
  - id: 1
    projectId: 10
    runnerId: 3
`,
	}
	for name, fixture := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseFixture([]byte(fixture))
			assert.Error(t, err)
		})
	}
}

func TestLoadFixture(t *testing.T) {
	fixture, err := LoadFixture("../../../config/buildqueue/simulation.yaml")
	require.NoError(t, err)
	assert.NotEmpty(t, fixture.Runners)

	sim, err := New(fixture, configuration.DispatchConfig{}, metrics.New(nil))
	require.NoError(t, err)
	result, err := sim.Run(queuecontext.Background(), 4)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Assignments)
}

// With a long staleness tolerance the running build counts read by the first poll are reused, so the fair ordering
// never notices that project 10 got busier.
func TestRun_StaleRunningBuildCounts(t *testing.T) {
	fixture, err := ParseFixture([]byte(fmt.Sprintf(twoProjectsFixture, true, false)))
	require.NoError(t, err)
	sim, err := New(fixture, configuration.DispatchConfig{RunningBuildCountStaleness: time.Hour}, metrics.New(nil))
	require.NoError(t, err)

	result, err := sim.Run(queuecontext.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []model.BuildID{1, 2, 3, 4}, assignedBuilds(result))
}

func TestRun_QueueDepthLimit(t *testing.T) {
	fixture, err := ParseFixture([]byte(fmt.Sprintf(twoProjectsFixture, true, true)))
	require.NoError(t, err)
	sim, err := New(fixture, configuration.DispatchConfig{QueueDepthLimit: 1}, metrics.New(nil))
	require.NoError(t, err)

	result, err := sim.Run(queuecontext.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []model.BuildID{1, 2, 3, 4}, assignedBuilds(result))
}
