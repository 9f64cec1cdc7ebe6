/*
Package api serves the engine over HTTP with a chi router.

Routes:

	POST /v1/work                 enqueue {type, payload}            201 {id}
	GET  /v1/work/{id}            work item
	GET  /v1/tasks?status=        parent tasks                       {tasks}
	GET  /v1/tasks/{id}           task with subtasks and work item
	POST /v1/tasks/{id}/retry     {retried}
	POST /v1/tasks/{id}/cancel    {cancelled}
	GET  /v1/queue/status         work item counts by state
	POST /v1/members/reconcile    member JSON                        202 result, 200 when skipped
	POST /v1/admin/archive        ?older_than=720h                   {archived}
	GET  /v1/events               server-sent events, ?type= filter
	GET  /health /ready /live /metrics

Errors use one shape, {"error": {"code", "message"}}. Unknown work types,
undecodable payloads and unknown statuses are 400 INVALID_INPUT; missing
records are 404 NOT_FOUND.

A server built with Config.ReadOnly rejects every non-GET request under /v1
with 403 READ_ONLY.
*/
package api
