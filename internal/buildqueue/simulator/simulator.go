package simulator

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/G-Research/buildqueue/internal/buildqueue/builddb"
	"github.com/G-Research/buildqueue/internal/buildqueue/configuration"
	"github.com/G-Research/buildqueue/internal/buildqueue/dispatch"
	"github.com/G-Research/buildqueue/internal/buildqueue/fairness"
	"github.com/G-Research/buildqueue/internal/buildqueue/features"
	"github.com/G-Research/buildqueue/internal/buildqueue/metrics"
	"github.com/G-Research/buildqueue/internal/buildqueue/model"
	"github.com/G-Research/buildqueue/internal/buildqueue/pendingbuilds"
	"github.com/G-Research/buildqueue/internal/buildqueue/queue"
	"github.com/G-Research/buildqueue/internal/buildqueue/runners"
	"github.com/G-Research/buildqueue/internal/common/queuecontext"
	"github.com/G-Research/buildqueue/internal/common/queueerrors"
)

// Assignment records a build handed to a runner.
type Assignment struct {
	// Index of the poller that made the poll.
	Poller  int
	Runner  model.RunnerID
	Build   model.BuildID
	Project model.ProjectID
}

type Result struct {
	Assignments []Assignment
	// Builds still pending once every runner has been told there's nothing for it.
	Pending int
	// Polls turned away by admission control. The runner is polled again later.
	Rejected int
}

// Simulator runs pollers against an in-memory build queue populated from a fixture.
type Simulator struct {
	db         *builddb.BuildDb
	runners    []model.RunnerID
	dispatcher *dispatch.Dispatcher
}

// New loads the fixture into an in-memory build queue.
// The fixture's maxClaimAttempts, if set, takes precedence over config.
func New(fixture *Fixture, config configuration.DispatchConfig, m *metrics.Metrics) (*Simulator, error) {
	db, err := builddb.NewBuildDb()
	if err != nil {
		return nil, err
	}
	store, err := runners.NewInMemoryStore(fixture.Runners...)
	if err != nil {
		return nil, err
	}
	if err := populate(db, fixture); err != nil {
		return nil, err
	}
	runnerIds := make([]model.RunnerID, len(fixture.Runners))
	for i, r := range fixture.Runners {
		runnerIds[i] = r.ID
	}
	var counter fairness.RunningBuildCounter = fairness.MemDbRunningBuildCounter{}
	if config.RunningBuildCountStaleness > 0 {
		counter = fairness.NewCachedRunningBuildCounter(counter, config.RunningBuildCountStaleness)
	}
	maxClaimAttempts := config.MaxClaimAttempts
	if fixture.MaxClaimAttempts > 0 {
		maxClaimAttempts = fixture.MaxClaimAttempts
	}
	dispatcher := dispatch.NewDispatcher(
		queue.NewMemDbQueue(db, counter, config.QueueDepthLimit),
		store,
		features.StaticSource{Defaults: fixture.FeatureFlags()},
		m,
		maxClaimAttempts,
	)
	if admission := config.Admission; admission.Enabled() {
		dispatcher.WithLimiter(dispatch.NewLimiter(admission.Limit, admission.QueueLimit, admission.QueueTimeout, m))
	}
	return &Simulator{db: db, runners: runnerIds, dispatcher: dispatcher}, nil
}

func populate(db *builddb.BuildDb, fixture *Fixture) error {
	for _, ns := range fixture.Namespaces {
		if err := db.UpsertNamespaces(&model.Namespace{ID: ns.ID, ParentID: ns.ParentID}); err != nil {
			return err
		}
	}
	for _, p := range fixture.Projects {
		err := db.UpsertProjects(&model.Project{
			ID:                   p.ID,
			NamespaceID:          p.NamespaceID,
			SharedRunnersEnabled: p.SharedRunnersEnabled,
			PendingDelete:        p.PendingDelete,
			BuildsAccessLevel:    p.BuildsAccessLevel,
		})
		if err != nil {
			return err
		}
	}
	runnersById := make(map[model.RunnerID]*model.Runner, len(fixture.Runners))
	for _, r := range fixture.Runners {
		runnersById[r.ID] = r
	}
	for _, b := range fixture.Builds {
		_, err := db.CreateBuild(builddb.NewBuild{
			ID:        b.ID,
			ProjectID: b.ProjectID,
			Protected: b.Protected,
			TagIDs:    b.TagIDs,
		})
		if err != nil {
			return err
		}
		if b.RunnerID != 0 {
			if _, err := db.Claim(b.ID, runnersById[b.RunnerID]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Run polls with every runner until none of them is assigned anything more.
// Runners are taken round-robin by the pollers; a runner is polled by at most one poller at a time and retires once
// it's told no build is available.
func (s *Simulator) Run(ctx *queuecontext.Context, pollers int) (*Result, error) {
	if pollers <= 0 {
		return nil, errors.Errorf("need at least one poller, got %d", pollers)
	}
	ctx = queuecontext.WithLogField(ctx, "simulation", uuid.NewString())

	var mu sync.Mutex
	waiting := append([]model.RunnerID(nil), s.runners...)
	next := func() (model.RunnerID, bool) {
		mu.Lock()
		defer mu.Unlock()
		if len(waiting) == 0 {
			return 0, false
		}
		id := waiting[0]
		waiting = waiting[1:]
		return id, true
	}
	result := &Result{}
	rejected := func(id model.RunnerID) {
		mu.Lock()
		defer mu.Unlock()
		result.Rejected++
		waiting = append(waiting, id)
	}
	assigned := func(a Assignment) {
		mu.Lock()
		defer mu.Unlock()
		result.Assignments = append(result.Assignments, a)
		waiting = append(waiting, a.Runner)
	}

	g, ctx := queuecontext.ErrGroup(ctx)
	for i := 0; i < pollers; i++ {
		poller := i
		g.Go(func() error {
			for {
				runnerId, ok := next()
				if !ok {
					return nil
				}
				claimed, err := s.dispatcher.Poll(ctx, runnerId)
				if queueerrors.IsRejected(err) {
					rejected(runnerId)
					continue
				}
				if err != nil {
					return err
				}
				if claimed == nil {
					ctx.Log.WithFields(logrus.Fields{"poller": poller, "runner": runnerId}).Debug("runner retired")
					continue
				}
				assigned(Assignment{
					Poller:  poller,
					Runner:  runnerId,
					Build:   claimed.Build.ID,
					Project: claimed.Build.ProjectID,
				})
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	txn := s.db.ReadTxn()
	defer txn.Abort()
	pending, err := pendingbuilds.All(txn).Count()
	if err != nil {
		return nil, err
	}
	result.Pending = pending
	return result, nil
}
