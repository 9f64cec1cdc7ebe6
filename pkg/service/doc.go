/*
Package service is the operator-facing surface of the engine. The HTTP API and
the CLI call it; it calls the queue, the batch manager and the reconciler.

Retry and cancel accept either a parent task id or a work item id. For a
task, both act on the task and the work item behind it together:

	RetryTask   failed task whose work item is in error:
	            failed subtasks → pending, work item → pending with attempts 0
	CancelTask  pending task: work item → cancelled, subtasks → cancelled
*/
package service
