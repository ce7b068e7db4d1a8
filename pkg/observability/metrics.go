package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric registries for different subsystems

// Pod Lifecycle Metrics
var (
	PodsByPhase = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wasmlet_pods_by_phase",
			Help: "Number of pods in each lifecycle phase",
		},
		[]string{"phase"}, // pending, image_pulling, container_creating, running, succeeded, failed, terminating
	)

	PodSyncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmlet_pod_syncs_total",
			Help: "Total number of pod sync operations",
		},
		[]string{"result"}, // success, failure
	)

	PodSyncDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wasmlet_pod_sync_duration_seconds",
			Help:    "Duration of pod sync operations in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0},
		},
		[]string{"operation"}, // create, update, delete
	)

	PodStartDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wasmlet_pod_start_duration_seconds",
			Help:    "Time from first pod sync to the running phase",
			Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0, 120.0},
		},
	)

	ContainerRestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmlet_container_restarts_total",
			Help: "Total number of container restarts",
		},
		[]string{"reason"}, // error, completed, backoff
	)

	PodWorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wasmlet_pod_workers_active",
			Help: "Number of active pod worker goroutines",
		},
	)
)

// Image Pull Metrics
var (
	ImagePullsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmlet_image_pulls_total",
			Help: "Total number of module image pull attempts",
		},
		[]string{"result"}, // success, not_found, unauthorized, digest_mismatch, error
	)

	ImagePullDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wasmlet_image_pull_duration_seconds",
			Help:    "Duration of module image pulls in seconds",
			Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0, 120.0},
		},
	)

	ImagePullBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wasmlet_image_pull_bytes_total",
			Help: "Total bytes fetched from module registries",
		},
	)

	RegistryRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmlet_registry_requests_total",
			Help: "Total number of registry HTTP requests",
		},
		[]string{"operation", "code"}, // operation: manifest/blob/token
	)

	RegistryRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmlet_registry_retries_total",
			Help: "Total number of retried registry requests",
		},
		[]string{"operation"},
	)
)

// Module Cache Metrics
var (
	CacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wasmlet_cache_hits_total",
			Help: "Total number of module cache hits",
		},
	)

	CacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wasmlet_cache_misses_total",
			Help: "Total number of module cache misses",
		},
	)

	CacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wasmlet_cache_evictions_total",
			Help: "Total number of module cache evictions",
		},
	)

	CacheSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wasmlet_cache_size_bytes",
			Help: "Current size of the module cache in bytes",
		},
	)

	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wasmlet_cache_entries",
			Help: "Current number of modules in the cache",
		},
	)

	CacheSharedFetches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wasmlet_cache_shared_fetches_total",
			Help: "Total number of fetches coalesced onto an in-flight download",
		},
	)
)

// Module Runtime Metrics
var (
	ModuleExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmlet_module_executions_total",
			Help: "Total number of module executions",
		},
		[]string{"result"}, // completed, error, trap, deadline, cancelled
	)

	ModuleExecutionDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wasmlet_module_execution_duration_seconds",
			Help:    "Wall-clock duration of module executions in seconds",
			Buckets: []float64{0.01, 0.1, 0.5, 1.0, 5.0, 30.0, 60.0, 300.0, 1800.0},
		},
	)

	ModuleCompileDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wasmlet_module_compile_duration_seconds",
			Help:    "Duration of module compilation in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		},
	)

	ModulesRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wasmlet_modules_running",
			Help: "Number of module instances currently executing",
		},
	)
)

// Node Metrics
var (
	NodeHeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmlet_node_heartbeats_total",
			Help: "Total number of node lease heartbeats",
		},
		[]string{"result"}, // success, failure
	)

	NodeStatusUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmlet_node_status_updates_total",
			Help: "Total number of node status updates",
		},
		[]string{"result"},
	)

	NodeResourceCapacity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wasmlet_node_resource_capacity",
			Help: "Detected resource capacity of the node",
		},
		[]string{"resource"}, // cpu_millicores, memory_bytes, disk_bytes, pods
	)

	NodeResourceUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wasmlet_node_resource_usage",
			Help: "Current resource usage of the node",
		},
		[]string{"resource"},
	)
)

// Status Reporter Metrics
var (
	StatusUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmlet_status_updates_total",
			Help: "Total number of pod status writes to the API server",
		},
		[]string{"result"}, // success, conflict_retried, dropped, failure
	)

	StatusUpdateDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wasmlet_status_update_duration_seconds",
			Help:    "Duration of pod status writes in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
	)

	WatchEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmlet_watch_events_total",
			Help: "Total number of pod watch events received",
		},
		[]string{"type"}, // added, modified, deleted, set
	)

	WatchResyncsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wasmlet_watch_resyncs_total",
			Help: "Total number of full list resyncs after watch interruptions",
		},
	)
)

// HTTP Server Metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmlet_http_requests_total",
			Help: "Total number of HTTP requests served",
		},
		[]string{"path", "code"},
	)

	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wasmlet_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)
)

// General System Metrics
var (
	SystemInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wasmlet_system_info",
			Help: "System information (version, build time, etc.)",
		},
		[]string{"version", "build_time", "git_commit"},
	)

	UptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wasmlet_uptime_seconds",
			Help: "Uptime of the agent in seconds",
		},
	)
)
