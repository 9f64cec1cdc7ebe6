/*
Package storage persists membersync's work items and batch tasks.

Two implementations share the Store interface:

  - BoltStore keeps everything in one bbolt file, <dataDir>/membersync.db.
    It is the default and needs no external services, but bbolt takes an
    exclusive file lock, so exactly one process may open a data directory.
  - PostgresStore uses lib/pq and applies the embedded schema.sql on start.
    Several worker processes may share one database.

# Layout

	┌──────────────────────── BoltStore ────────────────────────┐
	│                                                            │
	│  work_items          id → WorkItem JSON                    │
	│  pending_index       createdAt|seq → id   (pending only)   │
	│  work_items_archive  id → WorkItem JSON   (terminal, old)  │
	│  tasks               id → Task JSON       (parents + subs) │
	│  subtask_index       parentID|step → subtask id            │
	│                                                            │
	└────────────────────────────────────────────────────────────┘

	┌─────────────────────── PostgresStore ──────────────────────┐
	│                                                            │
	│  work_items          partial index on pending rows         │
	│  work_items_archive  archived_at defaults to now()         │
	│  tasks               UNIQUE (parent_task_id, step_index)   │
	│                                                            │
	└────────────────────────────────────────────────────────────┘

Both keep the pending set ordered by creation time with the insertion
sequence as a tie breaker, so ListPendingWorkItems is FIFO even when two
items share a timestamp.

# Work items

Only the queue writes work items. ClaimWorkItem is a conditional update:
it moves a pending item to in-progress and increments attempts, or fails
with ErrConflict when another claimer got there first. On bolt this is a
read-check-write inside one Update transaction; on Postgres it is

	UPDATE work_items SET status = 'in_progress', attempts = attempts + 1
	WHERE id = $1 AND status = 'pending'

and an empty result means the claim was lost.

UpdateWorkItem runs a WorkItemMutation inside a transaction. The id, seq
and createdAt of an item never change; every write is validated against
the closed status and type enumerations before it is stored.

ArchiveWorkItems moves completed, failed and cancelled items last updated
before a cutoff out of the live set. Archived items no longer count in
CountWorkItems and GetWorkItem reports ErrNotFound for them.

# Task trees

A parent task and its subtasks are written together by CreateTaskTree.
Subtask i must have StepIndex i; the tree's shape is fixed from then on.
MutateTaskTree hands the parent and its ordered subtasks to a
TaskTreeMutation in one transaction and rejects mutations that add,
remove, re-parent or renumber subtasks. The batch manager uses it to write
a subtask result and the parent's derived status in the same commit.

GetSubtaskAt is the step lookup the batch handler relies on:

	ops[i]  ──▶  GetSubtaskAt(parentID, i)  ──▶  subtask with StepIndex i

# Errors

	ErrNotFound   the record does not exist (or was archived)
	ErrConflict   a conditional write found an unexpected state

Validation failures wrap types.ErrInvalidTask, types.ErrInvalidStatus or
types.ErrInvalidWorkType.

# Testing

The store tests run one suite against every implementation. Bolt runs in
t.TempDir(); Postgres runs only when MEMBERSYNC_TEST_POSTGRES_URL is set.
*/
package storage
