package dispatch

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/G-Research/buildqueue/internal/buildqueue/fairness"
	"github.com/G-Research/buildqueue/internal/buildqueue/features"
	"github.com/G-Research/buildqueue/internal/buildqueue/metrics"
	"github.com/G-Research/buildqueue/internal/buildqueue/model"
	"github.com/G-Research/buildqueue/internal/buildqueue/runners"
	"github.com/G-Research/buildqueue/internal/common/queuecontext"
	"github.com/G-Research/buildqueue/internal/common/queueerrors"
)

const DefaultMaxClaimAttempts = 3

// Queue is the view of pending builds the dispatcher works from.
type Queue interface {
	// Candidates returns the ids of the builds the runner may claim, in the order they should be attempted.
	Candidates(ctx *queuecontext.Context, runner *model.Runner, flags features.Flags) ([]model.BuildID, error)
	// CandidateCount returns the number of builds the runner may claim.
	CandidateCount(ctx *queuecontext.Context, runner *model.Runner, flags features.Flags) (int, error)
	// Claim assigns the build to the runner, returning an ErrClaimConflict if it's no longer pending.
	Claim(ctx *queuecontext.Context, id model.BuildID, runner *model.Runner) (*model.ClaimedBuild, error)
}

// Dispatcher answers runner polls.
// Each poll reads the runner and the feature flags once, computes the ordered candidates and then claims them in
// order until one claim succeeds. Claims lost to concurrent polls move on to the next candidate; at most
// maxClaimAttempts claims are made before the poll gives up and reports that nothing is available.
type Dispatcher struct {
	queue            Queue
	runners          runners.Directory
	features         features.Source
	metrics          *metrics.Metrics
	maxClaimAttempts int
	// Optional; when set every poll holds one of its slots.
	limiter *Limiter
	clock   func() time.Time
}

func NewDispatcher(
	queue Queue,
	runnerDirectory runners.Directory,
	featureSource features.Source,
	m *metrics.Metrics,
	maxClaimAttempts int,
) *Dispatcher {
	if maxClaimAttempts <= 0 {
		maxClaimAttempts = DefaultMaxClaimAttempts
	}
	return &Dispatcher{
		queue:            queue,
		runners:          runnerDirectory,
		features:         featureSource,
		metrics:          m,
		maxClaimAttempts: maxClaimAttempts,
		clock:            time.Now,
	}
}

// WithLimiter makes every subsequent poll wait for a slot from limiter before doing any work.
func (d *Dispatcher) WithLimiter(limiter *Limiter) *Dispatcher {
	d.limiter = limiter
	return d
}

// Poll assigns a pending build to the runner.
// A nil build with a nil error means no build is available for the runner right now.
// If the dispatcher has a limiter and it turns the poll away, the error satisfies queueerrors.IsRejected.
func (d *Dispatcher) Poll(ctx *queuecontext.Context, runnerId model.RunnerID) (*model.ClaimedBuild, error) {
	if d.limiter != nil {
		if err := d.limiter.Acquire(ctx); err != nil {
			return nil, err
		}
		defer d.limiter.Release()
	}
	start := d.clock()
	runner, err := d.runners.GetRunner(ctx, runnerId)
	if err != nil {
		d.metrics.ReportPoll(model.UnknownRunnerType, metrics.OutcomeError, d.clock().Sub(start))
		return nil, err
	}
	claimed, err := d.PollRunner(ctx, runner)
	outcome := metrics.OutcomeAssigned
	if err != nil {
		outcome = metrics.OutcomeError
	} else if claimed == nil {
		outcome = metrics.OutcomeEmpty
	}
	d.metrics.ReportPoll(runner.Type, outcome, d.clock().Sub(start))
	return claimed, err
}

// PollRunner is Poll for a runner that has already been looked up.
func (d *Dispatcher) PollRunner(ctx *queuecontext.Context, runner *model.Runner) (*model.ClaimedBuild, error) {
	ctx = queuecontext.WithLogFields(ctx, logrus.Fields{
		"runner":     runner.ID,
		"runnerType": runner.Type.String(),
	})
	if !runner.Type.Valid() {
		return nil, errors.WithStack(&queueerrors.ErrUnrecognizedRunnerType{RunnerId: runner.ID, Type: runner.Type})
	}
	flags, err := d.features.Flags(ctx, runner)
	if err != nil {
		return nil, queueerrors.StoreUnavailable("read feature flags", err)
	}
	candidates, err := d.queue.Candidates(ctx, runner, flags)
	if err != nil {
		return nil, classify("find candidates", err)
	}
	d.metrics.ReportCandidates(runner.Type, fairness.OrderingName(runner, flags.DisasterRecoveryFifo), len(candidates))

	attempts := 0
	for _, id := range candidates {
		if attempts == d.maxClaimAttempts {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, errors.WithStack(err)
		}
		attempts++
		claimed, err := d.queue.Claim(ctx, id, runner)
		if queueerrors.IsClaimConflict(err) {
			ctx.Log.WithField("build", id).Debug("build was claimed by another runner")
			d.metrics.ReportClaimConflict(runner.Type)
			continue
		}
		if err != nil {
			return nil, classify("claim build", err)
		}
		ctx.Log.WithField("build", id).Debugf("assigned build after %d attempts", attempts)
		return claimed, nil
	}
	if attempts == d.maxClaimAttempts {
		ctx.Log.Debugf("giving up after %d conflicting claims", attempts)
		d.metrics.ReportExhausted(runner.Type)
		return nil, nil
	}
	ctx.Log.Debug("no build available")
	return nil, nil
}

// CandidateCount returns the number of builds the runner could currently be assigned.
func (d *Dispatcher) CandidateCount(ctx *queuecontext.Context, runnerId model.RunnerID) (int, error) {
	runner, err := d.runners.GetRunner(ctx, runnerId)
	if err != nil {
		return 0, err
	}
	if !runner.Type.Valid() {
		return 0, errors.WithStack(&queueerrors.ErrUnrecognizedRunnerType{RunnerId: runner.ID, Type: runner.Type})
	}
	flags, err := d.features.Flags(ctx, runner)
	if err != nil {
		return 0, queueerrors.StoreUnavailable("read feature flags", err)
	}
	count, err := d.queue.CandidateCount(ctx, runner, flags)
	if err != nil {
		return 0, classify("count candidates", err)
	}
	return count, nil
}

// classify passes typed errors through and treats everything else as a failure of the backing store.
func classify(operation string, err error) error {
	var typeErr *queueerrors.ErrUnrecognizedRunnerType
	if errors.As(err, &typeErr) {
		return err
	}
	return queueerrors.StoreUnavailable(operation, err)
}
