package queue

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/joseph-ayodele/tender-extractor/constants"
	"github.com/joseph-ayodele/tender-extractor/internal/entity"
)

// Metrics are the queue's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	claimed        prometheus.Counter
	failed         *prometheus.CounterVec
	committed      *prometheus.CounterVec
	released       prometheus.Counter
	reclaimed      prometheus.Counter
	processSeconds prometheus.Histogram
	jobs           *prometheus.GaugeVec
}

// NewMetrics registers the collectors with reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		claimed: f.NewCounter(prometheus.CounterOpts{
			Name: "tender_queue_claimed_total",
			Help: "Jobs handed to workers.",
		}),
		failed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tender_queue_failed_total",
			Help: "Failed attempts by failure kind and resulting status.",
		}, []string{"kind", "outcome"}),
		committed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tender_queue_committed_total",
			Help: "Result commits, split by whether the result already existed.",
		}, []string{"duplicate"}),
		released: f.NewCounter(prometheus.CounterOpts{
			Name: "tender_queue_released_total",
			Help: "Claims given back voluntarily.",
		}),
		reclaimed: f.NewCounter(prometheus.CounterOpts{
			Name: "tender_lease_reclaimed_total",
			Help: "Claims reclaimed after the lease expired.",
		}),
		processSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tender_worker_process_seconds",
			Help:    "Time spent in the extraction engine per job.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		jobs: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tender_jobs",
			Help: "Jobs per status at the last count.",
		}, []string{"status"}),
	}
	for _, k := range constants.FailureKinds() {
		m.failed.WithLabelValues(string(k), string(constants.JobStatusQueued))
		m.failed.WithLabelValues(string(k), string(constants.JobStatusFailed))
	}
	return m
}

func (m *Metrics) addClaimed(n int) {
	if m == nil || n == 0 {
		return
	}
	m.claimed.Add(float64(n))
}

func (m *Metrics) incFailed(kind constants.FailureKind, outcome constants.JobStatus) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(string(kind), string(outcome)).Inc()
}

func (m *Metrics) incCommitted(duplicate bool) {
	if m == nil {
		return
	}
	m.committed.WithLabelValues(strconv.FormatBool(duplicate)).Inc()
}

func (m *Metrics) incReleased() {
	if m == nil {
		return
	}
	m.released.Inc()
}

func (m *Metrics) incReclaimed() {
	if m == nil {
		return
	}
	m.reclaimed.Inc()
}

// ObserveProcess records how long one extraction took.
func (m *Metrics) ObserveProcess(d time.Duration) {
	if m == nil {
		return
	}
	m.processSeconds.Observe(d.Seconds())
}

func (m *Metrics) setJobs(counts entity.StatusCounts) {
	if m == nil {
		return
	}
	for status, n := range counts {
		m.jobs.WithLabelValues(string(status)).Set(float64(n))
	}
}
