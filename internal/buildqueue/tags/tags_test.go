package tags

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/buildqueue/internal/buildqueue/model"
	"github.com/G-Research/buildqueue/internal/buildqueue/pendingbuilds"
	"github.com/G-Research/buildqueue/internal/buildqueue/testfixtures"
)

const (
	docker = testfixtures.DockerTag
	linux  = testfixtures.LinuxTag
	gpu    = testfixtures.GpuTag
)

func TestMatches(t *testing.T) {
	tests := map[string]struct {
		buildTags   []model.TagID
		runnerTags  []model.TagID
		runUntagged bool
		expected    bool
	}{
		"untagged build on runner accepting untagged": {
			runUntagged: true,
			expected:    true,
		},
		"untagged build on runner rejecting untagged": {
			runnerTags: []model.TagID{docker},
			expected:   false,
		},
		"tags are a subset": {
			buildTags:  []model.TagID{docker},
			runnerTags: []model.TagID{docker, linux},
			expected:   true,
		},
		"tags are equal": {
			buildTags:  []model.TagID{linux, docker},
			runnerTags: []model.TagID{docker, linux},
			expected:   true,
		},
		"missing tag": {
			buildTags:  []model.TagID{docker, linux},
			runnerTags: []model.TagID{docker},
			expected:   false,
		},
		"tagged build on untagged runner": {
			buildTags:   []model.TagID{docker},
			runUntagged: true,
			expected:    false,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			runner := testfixtures.InstanceRunner(1, tc.runUntagged, tc.runnerTags...)
			assert.Equal(t, tc.expected, Matches(tc.buildTags, runner))
		})
	}
}

func TestMatcherFor(t *testing.T) {
	assert.Equal(t, pendingbuilds.DenormalizedName, MatcherFor(true).Name())
	assert.Equal(t, pendingbuilds.NormalizedName, MatcherFor(false).Name())
}

// Both matchers must select the builds for which Matches holds.
func TestForRunner(t *testing.T) {
	tests := map[string]struct {
		runner   *model.Runner
		expected []model.BuildID
	}{
		"untagged only": {
			runner:   testfixtures.InstanceRunner(1, true),
			expected: []model.BuildID{1, 4, 6},
		},
		"docker only": {
			runner:   testfixtures.InstanceRunner(1, false, docker),
			expected: []model.BuildID{2},
		},
		"docker and linux with untagged": {
			runner:   testfixtures.InstanceRunner(1, true, docker, linux),
			expected: []model.BuildID{1, 2, 3, 4, 5, 6},
		},
		"every tag without untagged": {
			runner:   testfixtures.InstanceRunner(1, false, docker, linux, gpu),
			expected: []model.BuildID{2, 3, 5, 7},
		},
		"nothing": {
			runner:   testfixtures.InstanceRunner(1, false),
			expected: nil,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			db := testfixtures.NewStandardBuildDb()
			txn := db.ReadTxn()
			defer txn.Abort()

			all, err := pendingbuilds.All(txn).Collect()
			require.NoError(t, err)
			var matching []model.BuildID
			for _, build := range all {
				if Matches(build.TagIDs, tc.runner) {
					matching = append(matching, build.BuildID)
				}
			}
			assert.Equal(t, tc.expected, matching)

			for _, matcher := range []Matcher{Denormalized{}, Normalized{}} {
				ids, err := ForRunner(matcher, pendingbuilds.All(txn), tc.runner).BuildIDs()
				require.NoError(t, err)
				assert.Equal(t, tc.expected, ids, matcher.Name())
			}
		})
	}
}

func TestBuildTagIDs(t *testing.T) {
	db := testfixtures.NewStandardBuildDb()
	txn := db.ReadTxn()
	defer txn.Abort()

	build, err := txn.GetPendingBuild(3)
	require.NoError(t, err)
	for _, matcher := range []Matcher{Denormalized{}, Normalized{}} {
		tagIds, err := matcher.BuildTagIDs(txn, build)
		require.NoError(t, err)
		assert.ElementsMatch(t, []model.TagID{docker, linux}, tagIds, matcher.Name())
	}
}
