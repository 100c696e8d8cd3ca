package queue

import (
	"github.com/G-Research/buildqueue/internal/buildqueue/builddb"
	"github.com/G-Research/buildqueue/internal/buildqueue/eligibility"
	"github.com/G-Research/buildqueue/internal/buildqueue/fairness"
	"github.com/G-Research/buildqueue/internal/buildqueue/features"
	"github.com/G-Research/buildqueue/internal/buildqueue/model"
	"github.com/G-Research/buildqueue/internal/common/queuecontext"
)

// MemDbQueue answers polls from a BuildDb.
// Candidates are computed from a single read snapshot; claims go through the BuildDb's conditional claim, so a
// candidate taken by a concurrent poll after the snapshot was read results in an ErrClaimConflict.
type MemDbQueue struct {
	db   *builddb.BuildDb
	fair *fairness.Fair
	// Maximum number of candidates returned by a poll. Zero means no limit.
	queueDepthLimit int
}

func NewMemDbQueue(db *builddb.BuildDb, counter fairness.RunningBuildCounter, queueDepthLimit int) *MemDbQueue {
	return &MemDbQueue{
		db:              db,
		fair:            fairness.NewFair(counter),
		queueDepthLimit: queueDepthLimit,
	}
}

// Candidates returns the ids of the builds the runner may claim, in the order they should be attempted.
func (q *MemDbQueue) Candidates(ctx *queuecontext.Context, runner *model.Runner, flags features.Flags) ([]model.BuildID, error) {
	txn := q.db.ReadTxn()
	defer txn.Abort()

	rel, err := eligibility.ForStrategy(flags.DenormalizedDataStrategy).Candidates(txn, runner)
	if err != nil {
		return nil, err
	}
	if rel.IsNone() {
		return nil, nil
	}
	builds, err := rel.Collect()
	if err != nil {
		return nil, err
	}
	ordering := fairness.ForRunner(runner, flags.DisasterRecoveryFifo, q.fair)
	ordered, err := ordering.Order(txn, builds)
	if err != nil {
		return nil, err
	}
	if q.queueDepthLimit > 0 && len(ordered) > q.queueDepthLimit {
		ordered = ordered[:q.queueDepthLimit]
	}
	var ids []model.BuildID
	for _, build := range ordered {
		ids = append(ids, build.BuildID)
	}
	ctx.Log.
		WithField("ordering", ordering.Name()).
		WithField("dataStrategy", flags.DenormalizedDataStrategy).
		Debugf("found %d candidate builds", len(ids))
	return ids, nil
}

// CandidateCount returns the number of builds the runner may claim.
func (q *MemDbQueue) CandidateCount(_ *queuecontext.Context, runner *model.Runner, flags features.Flags) (int, error) {
	txn := q.db.ReadTxn()
	defer txn.Abort()
	rel, err := eligibility.ForStrategy(flags.DenormalizedDataStrategy).Candidates(txn, runner)
	if err != nil {
		return 0, err
	}
	return rel.Count()
}

// Claim assigns the build to the runner if it's still pending.
func (q *MemDbQueue) Claim(_ *queuecontext.Context, id model.BuildID, runner *model.Runner) (*model.ClaimedBuild, error) {
	return q.db.Claim(id, runner)
}
