package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/buildqueue/internal/buildqueue/model"
)

const (
	NAMESPACE = "buildqueue"
	SUBSYSTEM = "dispatch"
)

// Poll outcomes.
const (
	OutcomeAssigned = "assigned"
	OutcomeEmpty    = "empty"
	OutcomeError    = "error"
)

// Reasons a poll is turned away by the admission limiter.
const (
	RejectionTooManyPolls = "too_many_polls"
	RejectionQueueTimeout = "queue_timeout"
)

// Label used for every runner type outside the known three, so a bad runner record can't create new series.
const unknownRunnerTypeLabel = "unknown"

type Metrics struct {
	// Number of polls by outcome.
	polls *prometheus.CounterVec
	// Number of claims lost to another runner.
	claimConflicts *prometheus.CounterVec
	// Number of polls that ran out of claim attempts.
	exhaustedPolls *prometheus.CounterVec
	// Number of eligible builds seen by each poll.
	candidates *prometheus.HistogramVec
	// Time taken by each poll.
	pollDuration *prometheus.HistogramVec
	// Polls holding an admission slot.
	admissionBusy prometheus.Gauge
	// Polls queued for an admission slot.
	admissionWaiting prometheus.Gauge
	admissionWait    prometheus.Histogram
	// Polls turned away by reason.
	admissionRejections *prometheus.CounterVec
}

// New creates the dispatch metrics and registers them with reg.
// Passing a nil registerer creates unregistered metrics, which is useful in tests.
func New(reg prometheus.Registerer) *Metrics {
	polls := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: NAMESPACE,
			Subsystem: SUBSYSTEM,
			Name:      "polls_total",
			Help:      "Number of runner polls by outcome.",
		},
		[]string{"runner_type", "outcome"},
	)
	claimConflicts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: NAMESPACE,
			Subsystem: SUBSYSTEM,
			Name:      "claim_conflicts_total",
			Help:      "Number of claims lost to a concurrent poll.",
		},
		[]string{"runner_type"},
	)
	exhaustedPolls := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: NAMESPACE,
			Subsystem: SUBSYSTEM,
			Name:      "exhausted_polls_total",
			Help:      "Number of polls that gave up after using every claim attempt.",
		},
		[]string{"runner_type"},
	)
	candidates := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: NAMESPACE,
			Subsystem: SUBSYSTEM,
			Name:      "candidates",
			Help:      "Number of eligible builds considered by a poll.",
			Buckets:   []float64{0, 1, 5, 10, 50, 100, 500, 1000, 5000},
		},
		[]string{"runner_type", "ordering"},
	)
	pollDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: NAMESPACE,
			Subsystem: SUBSYSTEM,
			Name:      "poll_duration_seconds",
			Help:      "Time taken to answer a poll.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"runner_type"},
	)

	admissionBusy := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: NAMESPACE,
			Subsystem: SUBSYSTEM,
			Name:      "admission_busy",
			Help:      "Number of polls currently being processed.",
		},
	)
	admissionWaiting := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: NAMESPACE,
			Subsystem: SUBSYSTEM,
			Name:      "admission_waiting",
			Help:      "Number of polls waiting for a processing slot.",
		},
	)
	admissionWait := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: NAMESPACE,
			Subsystem: SUBSYSTEM,
			Name:      "admission_wait_seconds",
			Help:      "Time polls spent waiting for a processing slot.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)
	admissionRejections := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: NAMESPACE,
			Subsystem: SUBSYSTEM,
			Name:      "admission_rejections_total",
			Help:      "Number of polls turned away before being processed.",
		},
		[]string{"reason"},
	)

	if reg != nil {
		reg.MustRegister(
			polls,
			claimConflicts,
			exhaustedPolls,
			candidates,
			pollDuration,
			admissionBusy,
			admissionWaiting,
			admissionWait,
			admissionRejections,
		)
	}

	return &Metrics{
		polls:               polls,
		claimConflicts:      claimConflicts,
		exhaustedPolls:      exhaustedPolls,
		candidates:          candidates,
		pollDuration:        pollDuration,
		admissionBusy:       admissionBusy,
		admissionWaiting:    admissionWaiting,
		admissionWait:       admissionWait,
		admissionRejections: admissionRejections,
	}
}

func runnerTypeLabel(runnerType model.RunnerType) string {
	if !runnerType.Valid() {
		return unknownRunnerTypeLabel
	}
	return runnerType.String()
}

func (m *Metrics) ReportPoll(runnerType model.RunnerType, outcome string, duration time.Duration) {
	counter, err := m.polls.GetMetricWithLabelValues(runnerTypeLabel(runnerType), outcome)
	if err != nil {
		log.Error(err)
		return
	}
	counter.Inc()
	m.pollDuration.WithLabelValues(runnerTypeLabel(runnerType)).Observe(duration.Seconds())
}

func (m *Metrics) ReportClaimConflict(runnerType model.RunnerType) {
	m.claimConflicts.WithLabelValues(runnerTypeLabel(runnerType)).Inc()
}

func (m *Metrics) ReportExhausted(runnerType model.RunnerType) {
	m.exhaustedPolls.WithLabelValues(runnerTypeLabel(runnerType)).Inc()
}

func (m *Metrics) ReportCandidates(runnerType model.RunnerType, ordering string, count int) {
	m.candidates.WithLabelValues(runnerTypeLabel(runnerType), ordering).Observe(float64(count))
}

// ReportAdmitted records a poll taking a processing slot after waiting for the given time.
func (m *Metrics) ReportAdmitted(waited time.Duration) {
	m.admissionBusy.Inc()
	m.admissionWait.Observe(waited.Seconds())
}

func (m *Metrics) ReportReleased() {
	m.admissionBusy.Dec()
}

// ReportQueued adjusts the number of polls waiting for a slot by delta.
func (m *Metrics) ReportQueued(delta int) {
	m.admissionWaiting.Add(float64(delta))
}

func (m *Metrics) ReportRejected(reason string) {
	m.admissionRejections.WithLabelValues(reason).Inc()
}
