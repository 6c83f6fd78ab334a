package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	casesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querybench_cases_total",
			Help: "Total number of processed questions by outcome.",
		},
		[]string{"outcome"},
	)
	stageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querybench_stage_duration_seconds",
			Help:    "Pipeline stage latency in seconds.",
			Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)
	guardRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querybench_guard_rejections_total",
			Help: "Total number of statements rejected by the safety guard, by rule.",
		},
		[]string{"rule"},
	)
	backendRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querybench_backend_requests_total",
			Help: "Total number of generation backend calls by backend and status.",
		},
		[]string{"backend", "status"},
	)
	queryRows = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "querybench_query_rows",
			Help:    "Rows returned per executed statement.",
			Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000, 5000},
		},
	)
	lastAccuracy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "querybench_last_run_accuracy",
			Help: "Accuracy of the most recent evaluation run.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		casesTotal,
		stageDurationSeconds,
		guardRejectionsTotal,
		backendRequestsTotal,
		queryRows,
		lastAccuracy,
	)
}

// Stage names used as the stage label.
const (
	StageSchema   = "schema"
	StageGenerate = "generate"
	StageGuard    = "guard"
	StageExecute  = "execute"
	StageCompare  = "compare"
)

func ObserveStage(stage string, elapsed time.Duration) {
	stageDurationSeconds.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// ObserveCase counts one processed question. An empty outcome counts as
// "ok".
func ObserveCase(outcome string) {
	if outcome == "" {
		outcome = "ok"
	}
	casesTotal.WithLabelValues(outcome).Inc()
}

func IncrementGuardRejection(rule string) {
	guardRejectionsTotal.WithLabelValues(rule).Inc()
}

func ObserveBackendRequest(backend, status string) {
	backendRequestsTotal.WithLabelValues(backend, status).Inc()
}

func ObserveQueryRows(rows int) {
	if rows < 0 {
		rows = 0
	}
	queryRows.Observe(float64(rows))
}

func SetLastAccuracy(accuracy float64) {
	lastAccuracy.Set(accuracy)
}
