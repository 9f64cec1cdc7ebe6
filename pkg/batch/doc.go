/*
Package batch tracks multi-step role updates as a parent task with one
subtask per role operation.

CreateBatch writes the parent and its subtasks in one transaction. Subtask i
carries step index i and mirrors operation i of the batch_role_update payload
that will execute it, so the worker finds its progress record by position:

	payload ops:  [revoke X] [grant A] [grant B]
	subtasks:      step 0     step 1    step 2

The parent's status is never set directly. Every subtask update recomputes it
with DeriveStatus inside the same write, so readers never see a parent that
disagrees with its subtasks.

Handler is the dispatch handler for batch_role_update. It runs every
operation even after one fails, and on a retry it skips subtasks that already
completed, so a partial failure never repeats a successful grant.
*/
package batch
