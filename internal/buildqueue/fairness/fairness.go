package fairness

import (
	"sort"

	"github.com/G-Research/buildqueue/internal/buildqueue/builddb"
	"github.com/G-Research/buildqueue/internal/buildqueue/model"
)

const (
	FifoName = "fifo"
	FairName = "fair"
)

// Ordering decides the order in which eligible builds are offered to a runner.
type Ordering interface {
	Name() string
	// Order returns builds sorted into dispatch order. The input slice is not modified.
	Order(txn *builddb.Txn, builds []*model.PendingBuild) ([]*model.PendingBuild, error)
}

// RunningBuildCounter reports, per project, how many builds are currently running on instance runners.
// Projects without running builds may be absent from the returned map.
// Callers must not modify the returned map.
type RunningBuildCounter interface {
	RunningBuildCounts(txn *builddb.Txn) (map[model.ProjectID]int, error)
}

// ForRunner selects the ordering for a poll.
// Only instance runners are scheduled fairly, and only while the disaster recovery toggle is off.
func ForRunner(runner *model.Runner, disasterRecoveryFifo bool, fair Ordering) Ordering {
	if OrderingName(runner, disasterRecoveryFifo) == FifoName {
		return FIFO{}
	}
	return fair
}

// FIFO orders builds by ascending build id.
type FIFO struct{}

func (FIFO) Name() string {
	return FifoName
}

func (FIFO) Order(_ *builddb.Txn, builds []*model.PendingBuild) ([]*model.PendingBuild, error) {
	ordered := append([]*model.PendingBuild(nil), builds...)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].BuildID < ordered[j].BuildID
	})
	return ordered, nil
}

// Fair prefers projects with fewer builds running on instance runners, breaking ties by build id.
// Projects absent from the running build counts are treated as having none running.
type Fair struct {
	counter RunningBuildCounter
}

func NewFair(counter RunningBuildCounter) *Fair {
	return &Fair{counter: counter}
}

func (f *Fair) Name() string {
	return FairName
}

func (f *Fair) Order(txn *builddb.Txn, builds []*model.PendingBuild) ([]*model.PendingBuild, error) {
	counts, err := f.counter.RunningBuildCounts(txn)
	if err != nil {
		return nil, err
	}
	ordered := append([]*model.PendingBuild(nil), builds...)
	sort.Slice(ordered, func(i, j int) bool {
		ci, cj := counts[ordered[i].ProjectID], counts[ordered[j].ProjectID]
		if ci != cj {
			return ci < cj
		}
		return ordered[i].BuildID < ordered[j].BuildID
	})
	return ordered, nil
}

// MemDbRunningBuildCounter computes running build counts from the running builds table of the snapshot.
type MemDbRunningBuildCounter struct{}

func (MemDbRunningBuildCounter) RunningBuildCounts(txn *builddb.Txn) (map[model.ProjectID]int, error) {
	running, err := txn.RunningBuilds(model.InstanceRunner)
	if err != nil {
		return nil, err
	}
	counts := make(map[model.ProjectID]int)
	for _, build := range running {
		counts[build.ProjectID]++
	}
	return counts, nil
}

// OrderingName returns the name of the ordering ForRunner would select.
func OrderingName(runner *model.Runner, disasterRecoveryFifo bool) string {
	if runner.Type != model.InstanceRunner || disasterRecoveryFifo {
		return FifoName
	}
	return FairName
}
