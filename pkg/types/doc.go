/*
Package types defines the records shared by every membersync component.

# Work items

A WorkItem is one retryable unit of asynchronous work. Its Type is a closed
enumeration (WorkType) and its Payload is the JSON encoding of the matching
Payload implementation:

	batch_role_update  → BatchRoleUpdatePayload
	grant_role         → GrantRolePayload
	revoke_role        → RevokeRolePayload
	create_user        → CreateUserPayload
	deactivate_user    → DeactivateUserPayload

Status moves Pending → InProgress → {Completed | Pending | Error}. Cancelled
is reachable only from Pending.

# Tasks

A Task is a durable, operator-visible progress record. Parents have an empty
ParentTaskID; subtasks carry the parent id and a StepIndex that is unique
within the parent. A parent's Status and Progress are always derived from its
subtasks and never patched independently.

# Role operations

RoleOperation is transient. RoleOperations fixes the step order (revokes, then
grants) shared by the work item payload and the subtask rows.
*/
package types
