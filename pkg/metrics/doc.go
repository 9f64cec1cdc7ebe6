/*
Package metrics provides Prometheus metrics and health endpoints for membersync.

Every metric is registered with the default registry in init and exposed by
Handler at /metrics. Names carry the membersync_ prefix.

# Metrics

Queue:

	membersync_work_items_total{status}                 gauge, refreshed by Collector
	membersync_oldest_pending_work_item_age_seconds     gauge, refreshed by Collector
	membersync_work_items_enqueued_total{type}          counter
	membersync_work_items_processed_total{type,outcome} counter, outcome = completed|retry|error
	membersync_work_item_duration_seconds{type}         histogram
	membersync_poll_duration_seconds                    histogram
	membersync_polls_skipped_total                      counter
	membersync_handler_panics_total{type}               counter
	membersync_work_items_archived_total                counter

Batches and reconciliation:

	membersync_subtasks_processed_total{outcome}
	membersync_batch_tasks_finished_total{status}
	membersync_reconciliation_duration_seconds
	membersync_reconciliation_operations_total{action}
	membersync_reconciliations_skipped_total{reason}

Identity provider and API:

	membersync_identity_requests_total{operation,result}
	membersync_identity_request_duration_seconds{operation}
	membersync_api_requests_total{method,status}
	membersync_api_request_duration_seconds{method}

# Timing

	timer := metrics.NewTimer()
	err := handler(ctx, item)
	timer.ObserveDurationVec(metrics.WorkItemDuration, string(item.Type))

# Health

Components report their state with RegisterComponent and UpdateComponent.
/health is unhealthy (503) when a critical component is, and degraded (200)
when only other components fail. /ready only looks at the critical
components set with SetCriticalComponents, so an API-only process does not
wait for a worker. /live always answers 200 while the process runs.

The Collector counts work items by status and measures the age of the
oldest pending item every interval. It marks the storage component
unhealthy when either read fails.
*/
package metrics
