package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	pipelineStageDurationMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "askdb_pipeline_stage_duration_ms",
			Help:    "Pipeline stage wall-clock duration in milliseconds.",
			Buckets: []float64{5, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"stage", "outcome"},
	)
	pipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdb_pipeline_runs_total",
			Help: "Total number of pipeline runs by terminal state.",
		},
		[]string{"state"},
	)
	queryRowsReturned = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "askdb_query_rows_returned",
			Help:    "Rows returned per executed statement.",
			Buckets: []float64{0, 1, 10, 50, 100, 250, 500, 1000},
		},
	)
	queryTruncatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "askdb_query_truncated_total",
			Help: "Total number of results cut at the row cap.",
		},
	)
	tenantRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdb_tenant_retries_total",
			Help: "Total number of retries after transient tenant connection failures.",
		},
		[]string{"dialect"},
	)
	tenantPools = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "askdb_tenant_pools",
			Help: "Current number of open tenant connection pools.",
		},
	)
	quotaRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "askdb_quota_rejections_total",
			Help: "Total number of requests rejected by the monthly quota.",
		},
	)
	observerFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "askdb_observer_failures_total",
			Help: "Total number of stage observer failures that were swallowed.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		pipelineStageDurationMs,
		pipelineRunsTotal,
		queryRowsReturned,
		queryTruncatedTotal,
		tenantRetriesTotal,
		tenantPools,
		quotaRejectionsTotal,
		observerFailuresTotal,
	)
}

func ObserveStage(stage, outcome string, elapsed time.Duration) {
	pipelineStageDurationMs.WithLabelValues(stage, outcome).Observe(float64(elapsed.Milliseconds()))
}

func ObservePipelineRun(state string) {
	pipelineRunsTotal.WithLabelValues(state).Inc()
}

func ObserveQueryRows(rows int, truncated bool) {
	if rows < 0 {
		rows = 0
	}
	queryRowsReturned.Observe(float64(rows))
	if truncated {
		queryTruncatedTotal.Inc()
	}
}

func IncrementTenantRetry(dialect string) {
	tenantRetriesTotal.WithLabelValues(dialect).Inc()
}

func SetTenantPools(count int) {
	if count < 0 {
		count = 0
	}
	tenantPools.Set(float64(count))
}

func IncrementQuotaRejection() {
	quotaRejectionsTotal.Inc()
}

func IncrementObserverFailure() {
	observerFailuresTotal.Inc()
}
