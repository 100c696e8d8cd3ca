// Package tags decides which pending builds a runner's tags allow it to run.
//
// A build without tags may only run on runners that accept untagged builds. A tagged build may only run on runners
// carrying every one of its tags; runners may carry additional tags.
package tags

import (
	"github.com/G-Research/buildqueue/internal/buildqueue/builddb"
	"github.com/G-Research/buildqueue/internal/buildqueue/model"
	"github.com/G-Research/buildqueue/internal/buildqueue/pendingbuilds"
)

// Matches returns true if the runner may run a build with the given tags.
func Matches(buildTagIds []model.TagID, runner *model.Runner) bool {
	if len(buildTagIds) == 0 {
		return runner.RunUntagged
	}
	return subsetOf(buildTagIds, runner.TagSet())
}

// Matcher expresses tag matching as restrictions of a pending build relation.
type Matcher interface {
	Name() string
	// BuildTagIDs returns the tags required by a pending build.
	BuildTagIDs(txn *builddb.Txn, build *model.PendingBuild) ([]model.TagID, error)
	// MatchingTagIDs restricts rel to builds all of whose tags are in tagIds. Untagged builds always match.
	MatchingTagIDs(rel pendingbuilds.Relation, tagIds []model.TagID) pendingbuilds.Relation
	// WithAnyTags restricts rel to builds with at least one tag.
	WithAnyTags(rel pendingbuilds.Relation) pendingbuilds.Relation
}

// MatcherFor returns the matcher selected by the denormalized data strategy toggle.
func MatcherFor(denormalized bool) Matcher {
	if denormalized {
		return Denormalized{}
	}
	return Normalized{}
}

// ForRunner restricts rel to the builds the runner's tags allow it to run.
// The result is the subset of rel for which Matches holds.
func ForRunner(m Matcher, rel pendingbuilds.Relation, runner *model.Runner) pendingbuilds.Relation {
	rel = m.MatchingTagIDs(rel, runner.TagIDs)
	if !runner.RunUntagged {
		rel = m.WithAnyTags(rel)
	}
	return rel
}

// Denormalized reads the tag array stored on the pending build row.
type Denormalized struct{}

func (Denormalized) Name() string {
	return pendingbuilds.DenormalizedName
}

func (Denormalized) BuildTagIDs(_ *builddb.Txn, build *model.PendingBuild) ([]model.TagID, error) {
	return build.TagIDs, nil
}

func (m Denormalized) MatchingTagIDs(rel pendingbuilds.Relation, tagIds []model.TagID) pendingbuilds.Relation {
	return matchingTagIds(m, rel, tagIds)
}

func (m Denormalized) WithAnyTags(rel pendingbuilds.Relation) pendingbuilds.Relation {
	return withAnyTags(m, rel)
}

// Normalized reads tags from the taggings table.
type Normalized struct{}

func (Normalized) Name() string {
	return pendingbuilds.NormalizedName
}

func (Normalized) BuildTagIDs(txn *builddb.Txn, build *model.PendingBuild) ([]model.TagID, error) {
	return txn.TagIDsForBuild(build.BuildID)
}

func (m Normalized) MatchingTagIDs(rel pendingbuilds.Relation, tagIds []model.TagID) pendingbuilds.Relation {
	return matchingTagIds(m, rel, tagIds)
}

func (m Normalized) WithAnyTags(rel pendingbuilds.Relation) pendingbuilds.Relation {
	return withAnyTags(m, rel)
}

func matchingTagIds(m Matcher, rel pendingbuilds.Relation, tagIds []model.TagID) pendingbuilds.Relation {
	allowed := make(map[model.TagID]bool, len(tagIds))
	for _, id := range tagIds {
		allowed[id] = true
	}
	return rel.Where(func(txn *builddb.Txn, build *model.PendingBuild) (bool, error) {
		buildTagIds, err := m.BuildTagIDs(txn, build)
		if err != nil {
			return false, err
		}
		return subsetOf(buildTagIds, allowed), nil
	})
}

func withAnyTags(m Matcher, rel pendingbuilds.Relation) pendingbuilds.Relation {
	return rel.Where(func(txn *builddb.Txn, build *model.PendingBuild) (bool, error) {
		buildTagIds, err := m.BuildTagIDs(txn, build)
		if err != nil {
			return false, err
		}
		return len(buildTagIds) > 0, nil
	})
}

func subsetOf(ids []model.TagID, set map[model.TagID]bool) bool {
	for _, id := range ids {
		if !set[id] {
			return false
		}
	}
	return true
}
