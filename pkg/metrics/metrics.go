package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	WorkItemsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "membersync_work_items_total",
			Help: "Total number of live work items by status",
		},
		[]string{"status"},
	)

	OldestPendingAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "membersync_oldest_pending_work_item_age_seconds",
			Help: "Age of the oldest pending work item, 0 when the queue is empty",
		},
	)

	WorkItemsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membersync_work_items_enqueued_total",
			Help: "Total number of work items enqueued by type",
		},
		[]string{"type"},
	)

	WorkItemsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membersync_work_items_processed_total",
			Help: "Total number of work item attempts by type and outcome (completed, retry, error)",
		},
		[]string{"type", "outcome"},
	)

	WorkItemsRecovered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membersync_work_items_recovered_total",
			Help: "Total number of abandoned in-progress work items recovered by outcome (requeued, error)",
		},
		[]string{"outcome"},
	)

	WorkItemDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "membersync_work_item_duration_seconds",
			Help:    "Handler execution time per work item attempt in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	PollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "membersync_poll_duration_seconds",
			Help:    "Time taken by one poll-and-process cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PollsSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "membersync_polls_skipped_total",
			Help: "Total number of polls skipped because a previous poll was still running",
		},
	)

	HandlerPanics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membersync_handler_panics_total",
			Help: "Total number of recovered handler panics by work type",
		},
		[]string{"type"},
	)

	WorkItemsArchived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "membersync_work_items_archived_total",
			Help: "Total number of terminal work items moved to the archive",
		},
	)

	// Batch metrics
	SubtasksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membersync_subtasks_processed_total",
			Help: "Total number of subtask results recorded by outcome",
		},
		[]string{"outcome"},
	)

	BatchTasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membersync_batch_tasks_finished_total",
			Help: "Total number of parent tasks reaching a terminal status",
		},
		[]string{"status"},
	)

	// Reconciliation metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "membersync_reconciliation_duration_seconds",
			Help:    "Time taken to reconcile one member in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membersync_reconciliation_operations_total",
			Help: "Total number of role operations planned by reconciliation",
		},
		[]string{"action"},
	)

	ReconciliationsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membersync_reconciliations_skipped_total",
			Help: "Total number of reconciliations that produced no work by reason",
		},
		[]string{"reason"},
	)

	// Identity provider metrics
	IdentityRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membersync_identity_requests_total",
			Help: "Total number of identity provider calls by operation and result",
		},
		[]string{"operation", "result"},
	)

	IdentityRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "membersync_identity_request_duration_seconds",
			Help:    "Identity provider call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membersync_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "membersync_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(WorkItemsTotal)
	prometheus.MustRegister(OldestPendingAge)
	prometheus.MustRegister(WorkItemsEnqueued)
	prometheus.MustRegister(WorkItemsProcessed)
	prometheus.MustRegister(WorkItemsRecovered)
	prometheus.MustRegister(WorkItemDuration)
	prometheus.MustRegister(PollDuration)
	prometheus.MustRegister(PollsSkipped)
	prometheus.MustRegister(HandlerPanics)
	prometheus.MustRegister(WorkItemsArchived)
	prometheus.MustRegister(SubtasksProcessed)
	prometheus.MustRegister(BatchTasksFinished)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationOperations)
	prometheus.MustRegister(ReconciliationsSkipped)
	prometheus.MustRegister(IdentityRequests)
	prometheus.MustRegister(IdentityRequestDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
