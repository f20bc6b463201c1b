package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_runs_started_total",
			Help: "Total number of research runs started",
		},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_runs_completed_total",
			Help: "Total number of research runs completed",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_run_duration_seconds",
			Help:    "Research run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	RunIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_run_iterations",
			Help:    "Number of quality-gated iterations per run",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)

	// Worker metrics
	WorkersDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_workers_dispatched_total",
			Help: "Total number of worker tasks dispatched",
		},
	)

	WorkerResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_worker_results_total",
			Help: "Terminal worker results by status",
		},
		[]string{"status"},
	)

	WorkerDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_worker_duration_ms",
			Help:    "Worker task duration in milliseconds",
			Buckets: []float64{100, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		},
	)

	// Quality gate metrics
	QualityScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_quality_score",
			Help:    "Quality gate score per iteration (0-100)",
			Buckets: []float64{10, 25, 50, 60, 70, 75, 80, 90, 100},
		},
	)

	QualityVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_quality_verdicts_total",
			Help: "Quality gate verdicts by outcome",
		},
		[]string{"outcome"},
	)

	// Evidence cache metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_evidence_cache_hits_total",
			Help: "Evidence cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_evidence_cache_misses_total",
			Help: "Evidence cache misses",
		},
	)

	CacheFetchErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_evidence_cache_fetch_errors_total",
			Help: "Evidence cache fetch failures (never stored)",
		},
	)

	CacheSharedFetches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_evidence_cache_shared_fetches_total",
			Help: "Lookups coalesced onto an in-flight fetch for the same fingerprint",
		},
	)

	// Model invocation metrics
	ModelRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_model_requests_total",
			Help: "Model invocations by role and status",
		},
		[]string{"role", "status"},
	)

	ModelTokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_model_tokens_used",
			Help:    "Tokens consumed per model invocation",
			Buckets: []float64{100, 500, 1000, 2000, 5000, 10000, 20000},
		},
	)

	ModelCostUSD = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_model_cost_usd",
			Help:    "Estimated cost in USD per model invocation",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1},
		},
	)

	// Search provider metrics
	SearchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_search_requests_total",
			Help: "External search provider calls by status",
		},
		[]string{"status"},
	)

	// Persistence metrics
	DBWritesQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_db_writes_queued_total",
			Help: "Async database writes queued",
		},
	)

	DBWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_db_write_errors_total",
			Help: "Async database write failures",
		},
	)

	DBQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "research_db_queue_depth",
			Help: "Current depth of the async write queue",
		},
	)
)
