/*
Package queue implements the work item queue and the retrying worker loop.

Producers call Enqueue with a typed payload. The worker loop polls on a fixed
interval, claims up to BatchSize pending items oldest first, and runs each one
through the dispatcher:

	pending ──claim──► in_progress ──ok──────────────────► completed
	   ▲                    │
	   └───── fail, attempts < MaxRetries
	                        │
	                        └── fail, attempts == MaxRetries ► error
	                            or undecodable payload

	pending ──Cancel──► cancelled
	error   ──Reset───► pending (attempts = 0)

	in_progress ──Recover, claim older than HandlerTimeout──► pending
	                                                          or error when
	                                                          out of retries

A claim is a conditional update, so an item cancelled or taken by another
worker between listing and claiming is skipped. PollAndProcess is guarded by
an atomic flag; an overlapping call returns with Skipped set instead of
running a second batch.

Handler failures never escape PollAndProcess. They are written to the item's
ErrorMessage and decide its next status. Only storage failures are returned,
and the loop logs them and tries again on the next tick.

When an item reaches error the dispatcher's failure hook for its type runs
on a context detached from the poll, so the batch handler can fail the
subtasks it never finished.

A claim that never gets a result, because the process died or the result
write failed, is released by Recover. The loop runs it on start and then
once per HandlerTimeout. Attempts are kept, so the retry limit still holds.
*/
package queue
