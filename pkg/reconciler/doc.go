/*
Package reconciler computes the role grants and revokes that bring a member's
external identity in line with their attributes, and queues them as a batch.

The reconciler never reads the provider's current roles. It works from two
sets resolved through the role config:

	universe = membership ∪ affiliation.<tier> for every tier ∪ interest.<tag> for every tag
	target   = membership ∪ affiliation.<member tier> ∪ interest.<member tag>...

	toGrant  = target ∩ universe
	toRevoke = universe − target

Every target role is granted again on each run so drift in the provider heals
itself. Revokes stay inside the universe, so roles managed by someone else are
never removed. Keys without a configured role id drop out of both sets.

Reconcile persists the batch first, then enqueues one batch_role_update work
item that references it. If the enqueue fails the batch is abandoned. Members
without an external identity are skipped: no batch, no work item.
*/
package reconciler
