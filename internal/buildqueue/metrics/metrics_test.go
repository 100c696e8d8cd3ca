package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/buildqueue/internal/buildqueue/model"
)

func TestMetrics_Registration(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := New(reg)
	m.ReportPoll(model.InstanceRunner, OutcomeAssigned, time.Millisecond)
	m.ReportClaimConflict(model.InstanceRunner)
	m.ReportExhausted(model.InstanceRunner)
	m.ReportCandidates(model.InstanceRunner, "fair", 3)
	m.ReportAdmitted(time.Millisecond)
	m.ReportQueued(1)
	m.ReportRejected(RejectionTooManyPolls)

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, family := range families {
		names = append(names, family.GetName())
	}
	assert.ElementsMatch(t, []string{
		"buildqueue_dispatch_polls_total",
		"buildqueue_dispatch_claim_conflicts_total",
		"buildqueue_dispatch_exhausted_polls_total",
		"buildqueue_dispatch_candidates",
		"buildqueue_dispatch_poll_duration_seconds",
		"buildqueue_dispatch_admission_busy",
		"buildqueue_dispatch_admission_waiting",
		"buildqueue_dispatch_admission_wait_seconds",
		"buildqueue_dispatch_admission_rejections_total",
	}, names)
}

func TestMetrics_Counters(t *testing.T) {
	m := New(nil)
	m.ReportPoll(model.InstanceRunner, OutcomeAssigned, time.Millisecond)
	m.ReportPoll(model.InstanceRunner, OutcomeAssigned, time.Millisecond)
	m.ReportPoll(model.GroupRunner, OutcomeEmpty, time.Millisecond)
	m.ReportClaimConflict(model.ProjectRunner)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.polls.WithLabelValues("instance", OutcomeAssigned)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.polls.WithLabelValues("group", OutcomeEmpty)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.polls.WithLabelValues("group", OutcomeError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.claimConflicts.WithLabelValues("project")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.pollDuration))
}

func TestMetrics_InvalidRunnerTypesShareOneLabel(t *testing.T) {
	m := New(nil)
	m.ReportPoll(model.UnknownRunnerType, OutcomeError, time.Millisecond)
	m.ReportPoll(model.RunnerType(7), OutcomeError, time.Millisecond)
	m.ReportPoll(model.RunnerType(42), OutcomeError, time.Millisecond)
	m.ReportClaimConflict(model.RunnerType(9))

	assert.Equal(t, 3.0, testutil.ToFloat64(m.polls.WithLabelValues("unknown", OutcomeError)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.polls))
	assert.Equal(t, 1, testutil.CollectAndCount(m.pollDuration))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.claimConflicts.WithLabelValues("unknown")))
}

func TestMetrics_Admission(t *testing.T) {
	m := New(nil)
	m.ReportQueued(1)
	m.ReportQueued(1)
	m.ReportQueued(-1)
	m.ReportAdmitted(0)
	m.ReportAdmitted(20 * time.Millisecond)
	m.ReportReleased()
	m.ReportRejected(RejectionQueueTimeout)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.admissionWaiting))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.admissionBusy))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.admissionRejections.WithLabelValues(RejectionQueueTimeout)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.admissionRejections.WithLabelValues(RejectionTooManyPolls)))
}
