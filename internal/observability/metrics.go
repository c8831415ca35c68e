package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asksql_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "asksql_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asksql_cache_lookups_total",
			Help: "Total number of query cache lookups by result (hit or miss).",
		},
		[]string{"result"},
	)
	cacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asksql_cache_errors_total",
			Help: "Total number of swallowed cache store errors by operation.",
		},
		[]string{"op"},
	)
	generationAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asksql_generation_attempts_total",
			Help: "Total number of calls to the text-generation endpoint by outcome.",
		},
		[]string{"outcome"},
	)
	generationDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "asksql_generation_duration_seconds",
			Help:    "Wall time spent obtaining SQL from the generation endpoint, retries included.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
		},
	)
	sqlRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asksql_sql_rejections_total",
			Help: "Total number of generated statements rejected by the SQL guard, by rule.",
		},
		[]string{"rule"},
	)
	queryExecutionSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "asksql_query_execution_seconds",
			Help:    "Database execution latency of sanitized statements.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)
	suspiciousQuestionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "asksql_suspicious_questions_total",
			Help: "Total number of questions that resemble SQL injection payloads.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		cacheLookupsTotal,
		cacheErrorsTotal,
		generationAttemptsTotal,
		generationDurationSeconds,
		sqlRejectionsTotal,
		queryExecutionSeconds,
		suspiciousQuestionsTotal,
	)
}

func ObserveCacheLookup(hit bool) {
	if hit {
		cacheLookupsTotal.WithLabelValues("hit").Inc()
		return
	}
	cacheLookupsTotal.WithLabelValues("miss").Inc()
}

func IncrementCacheError(op string) {
	cacheErrorsTotal.WithLabelValues(op).Inc()
}

func IncrementGenerationAttempt(outcome string) {
	generationAttemptsTotal.WithLabelValues(outcome).Inc()
}

func ObserveGeneration(elapsed time.Duration) {
	generationDurationSeconds.Observe(elapsed.Seconds())
}

func IncrementSQLRejection(rule string) {
	sqlRejectionsTotal.WithLabelValues(rule).Inc()
}

func ObserveQueryExecution(elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	queryExecutionSeconds.WithLabelValues(status).Observe(elapsed.Seconds())
}

func IncrementSuspiciousQuestion() {
	suspiciousQuestionsTotal.Inc()
}
