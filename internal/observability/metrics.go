// Package observability exposes the coordinator's operational metrics as
// registered Prometheus collectors, served by the serve command on a
// metrics listener separate from the Control Facade's HTTP surface.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/types"
)

// Metrics holds every collector the coordinator registers. Construct once
// per process with NewMetrics; the driver, scheduler, pool, and uploader
// each receive the subset of methods they need to record against.
type Metrics struct {
	JobTransitions   *prometheus.CounterVec
	RecordsDelivered prometheus.Counter
	RecordsDuplicate prometheus.Counter
	ShortfallTotal   prometheus.Counter

	ProfileLeaseWait   prometheus.Histogram
	ProfileQuarantined prometheus.Counter

	RateGovernorWait prometheus.Histogram

	UploadBatchLatency *prometheus.HistogramVec
	UploadRecordsTotal *prometheus.CounterVec
}

// NewMetrics registers every collector against the default registry and
// returns the handle components record against.
func NewMetrics() *Metrics {
	return &Metrics{
		JobTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_job_transitions_total",
			Help: "Total job state transitions, labeled by the state entered.",
		}, []string{"state"}),
		RecordsDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scraper_records_delivered_total",
			Help: "Total records accepted (post-dedup, post-threshold) across all jobs.",
		}),
		RecordsDuplicate: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scraper_records_duplicate_total",
			Help: "Total candidate records skipped as duplicates of an already-seen fingerprint.",
		}),
		ShortfallTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scraper_target_shortfalls_total",
			Help: "Total targets that finished with delivered < requested records.",
		}),
		ProfileLeaseWait: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "scraper_profile_lease_wait_seconds",
			Help:    "Time a job spent queued waiting for a profile lease.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		ProfileQuarantined: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scraper_profile_quarantine_total",
			Help: "Total times a profile crossed the consecutive-failure quarantine threshold.",
		}),
		RateGovernorWait: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "scraper_rate_governor_wait_seconds",
			Help:    "Time an Acquire* call blocked before being allowed to dispatch.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		UploadBatchLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scraper_upload_batch_latency_seconds",
			Help:    "Round-trip latency of one external-service batch_create call.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		UploadRecordsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_upload_records_total",
			Help: "Total records whose upload outcome was observed.",
		}, []string{"outcome"}),
	}
}

// ObserveJobState records a transition into the given state.
func (m *Metrics) ObserveJobState(state types.JobState) {
	m.JobTransitions.WithLabelValues(string(state)).Inc()
}
