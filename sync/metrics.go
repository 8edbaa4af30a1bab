package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes sync engine counters to Prometheus. All metrics carry the
// bentube_sync_ prefix.
type Metrics struct {
	SyncsStarted    prometheus.Counter
	SyncsFinished   *prometheus.CounterVec
	VideosCommitted prometheus.Counter
	QuotaUnits      prometheus.Counter
	APICalls        prometheus.Counter
	SyncDuration    prometheus.Histogram
}

// NewMetrics registers the sync metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SyncsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "bentube_sync_runs_started_total",
			Help: "Sync runs started.",
		}),
		SyncsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bentube_sync_runs_finished_total",
			Help: "Sync runs finished, by result.",
		}, []string{"result"}),
		VideosCommitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "bentube_sync_videos_committed_total",
			Help: "Videos committed to permanent storage.",
		}),
		QuotaUnits: factory.NewCounter(prometheus.CounterOpts{
			Name: "bentube_sync_quota_units_total",
			Help: "API quota units consumed by sync runs.",
		}),
		APICalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "bentube_sync_api_calls_total",
			Help: "External API calls made by sync runs.",
		}),
		SyncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bentube_sync_run_duration_seconds",
			Help:    "Wall-clock duration of sync runs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

// NopMetrics returns metrics bound to a throwaway registry, for tests.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

func (m *Metrics) finish(result string, videos, quotaUnits, apiCalls int, seconds float64) {
	if m == nil {
		return
	}
	m.SyncsFinished.WithLabelValues(result).Inc()
	m.VideosCommitted.Add(float64(videos))
	m.QuotaUnits.Add(float64(quotaUnits))
	m.APICalls.Add(float64(apiCalls))
	m.SyncDuration.Observe(seconds)
}
