package dispatch

import (
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/buildqueue/internal/buildqueue/metrics"
	"github.com/G-Research/buildqueue/internal/common/queuecontext"
	"github.com/G-Research/buildqueue/internal/common/queueerrors"
)

// Limiter bounds the number of polls processed at once.
// Up to limit polls run concurrently and up to queueLimit more wait for a free slot, each for at most queueTimeout.
// Any poll beyond that is rejected straight away with an ErrTooManyPolls.
type Limiter struct {
	slots        chan struct{}
	queue        chan struct{}
	queueTimeout time.Duration
	metrics      *metrics.Metrics
	clock        func() time.Time
}

// NewLimiter returns a limiter admitting limit concurrent polls.
// A queueTimeout of zero means queued polls wait until their context is done.
func NewLimiter(limit, queueLimit int, queueTimeout time.Duration, m *metrics.Metrics) *Limiter {
	if limit <= 0 {
		limit = 1
	}
	if queueLimit < 0 {
		queueLimit = 0
	}
	return &Limiter{
		slots:        make(chan struct{}, limit),
		queue:        make(chan struct{}, queueLimit),
		queueTimeout: queueTimeout,
		metrics:      m,
		clock:        time.Now,
	}
}

// Acquire takes a processing slot, waiting for one if necessary.
// Every successful Acquire must be paired with a Release.
func (l *Limiter) Acquire(ctx *queuecontext.Context) error {
	select {
	case l.slots <- struct{}{}:
		l.metrics.ReportAdmitted(0)
		return nil
	default:
	}

	select {
	case l.queue <- struct{}{}:
	default:
		l.metrics.ReportRejected(metrics.RejectionTooManyPolls)
		return errors.WithStack(&queueerrors.ErrTooManyPolls{Limit: cap(l.slots), QueueLimit: cap(l.queue)})
	}
	l.metrics.ReportQueued(1)
	defer func() {
		<-l.queue
		l.metrics.ReportQueued(-1)
	}()

	waitCtx := ctx
	if l.queueTimeout > 0 {
		var cancel func()
		waitCtx, cancel = queuecontext.WithTimeout(ctx, l.queueTimeout)
		defer cancel()
	}
	start := l.clock()
	select {
	case l.slots <- struct{}{}:
		l.metrics.ReportAdmitted(l.clock().Sub(start))
		return nil
	case <-waitCtx.Done():
		if err := ctx.Err(); err != nil {
			return errors.WithStack(err)
		}
		ctx.Log.Debugf("poll gave up after waiting %s for a slot", l.queueTimeout)
		l.metrics.ReportRejected(metrics.RejectionQueueTimeout)
		return errors.WithStack(&queueerrors.ErrPollQueueTimeout{Timeout: l.queueTimeout})
	}
}

// Release frees a slot taken by Acquire, letting the longest-queued poll, if any, proceed.
func (l *Limiter) Release() {
	<-l.slots
	l.metrics.ReportReleased()
}
