package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/membersync/pkg/dispatch"
	"github.com/cuemby/membersync/pkg/integrations"
	"github.com/cuemby/membersync/pkg/storage"
	"github.com/cuemby/membersync/pkg/types"
)

// resultTimeout bounds each subtask result write. Results are written on a
// context detached from the handler deadline so that a timed out operation
// is still recorded as failed.
const resultTimeout = 5 * time.Second

// Handler executes batch_role_update work items, one role operation per
// subtask
type Handler struct {
	manager *Manager
	granter integrations.RoleGranter
}

// NewHandler creates a batch handler
func NewHandler(manager *Manager, granter integrations.RoleGranter) *Handler {
	return &Handler{manager: manager, granter: granter}
}

// Register adds the handler and its failure hook to r
func (h *Handler) Register(r *dispatch.Registry) error {
	if err := dispatch.Register(r, h.Execute); err != nil {
		return err
	}
	return dispatch.RegisterFailure(r, h.Fail)
}

// Fail settles the batch of an item that has failed for good: subtasks the
// handler never finished are failed so the task can be retried.
func (h *Handler) Fail(ctx context.Context, item *types.WorkItem, p types.BatchRoleUpdatePayload, cause error) error {
	n, err := h.manager.FailRemaining(ctx, p.BatchTaskID, cause)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if n > 0 {
		h.manager.logger.Warn().
			Str("work_item_id", item.ID).
			Str("task_id", p.BatchTaskID).
			Int("subtasks", n).
			Msg("Failed unfinished subtasks")
	}
	return nil
}

func (h *Handler) record(ctx context.Context, parentID string, step int, outcome Outcome) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resultTimeout)
	defer cancel()
	_, err := h.manager.MarkSubtaskResult(rctx, parentID, step, outcome)
	return err
}

// Execute checks that every operation lines up with its subtask, then
// attempts each one even after another fails and records the result on the
// matching subtask. Subtasks already completed by an earlier attempt are
// skipped. The returned error joins every operation failure so the queue
// retries the item.
func (h *Handler) Execute(ctx context.Context, item *types.WorkItem, p types.BatchRoleUpdatePayload) error {
	logger := h.manager.logger.With().
		Str("work_item_id", item.ID).
		Str("task_id", p.BatchTaskID).
		Logger()

	ops := p.Operations()
	subtasks := make([]*types.Task, len(ops))
	for step, op := range ops {
		sub, err := h.manager.GetSubtaskAt(ctx, p.BatchTaskID, step)
		if errors.Is(err, ErrSubtaskNotFound) {
			return fmt.Errorf("%w: %w", types.ErrInvalidPayload, err)
		}
		if err != nil {
			return err
		}
		if sub.Name != op.Name() {
			return fmt.Errorf("%w: step %d is %q in task %s but %q in payload",
				types.ErrInvalidPayload, step, sub.Name, p.BatchTaskID, op.Name())
		}
		subtasks[step] = sub
	}
	if _, err := h.manager.GetSubtaskAt(ctx, p.BatchTaskID, len(ops)); err == nil {
		return fmt.Errorf("%w: task %s has more subtasks than the payload has operations",
			types.ErrInvalidPayload, p.BatchTaskID)
	} else if !errors.Is(err, ErrSubtaskNotFound) {
		return err
	}

	var errs []error
	for step, op := range ops {
		switch subtasks[step].Status {
		case types.TaskStatusCompleted, types.TaskStatusCancelled:
			logger.Debug().Int("step", step).Str("status", string(subtasks[step].Status)).Msg("Skipping finished subtask")
			continue
		}

		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		if err := h.record(ctx, p.BatchTaskID, step, Started()); err != nil {
			return errors.Join(append(errs, err)...)
		}

		opErr := h.apply(ctx, op)
		outcome := Succeeded()
		if opErr != nil {
			opErr = fmt.Errorf("step %d %s: %w", step, op.Name(), opErr)
			outcome = Failed(opErr)
			errs = append(errs, opErr)
			logger.Warn().Err(opErr).Int("step", step).Msg("Role operation failed")
		}

		if err := h.record(ctx, p.BatchTaskID, step, outcome); err != nil {
			return errors.Join(append(errs, err)...)
		}
	}
	return errors.Join(errs...)
}

func (h *Handler) apply(ctx context.Context, op types.RoleOperation) error {
	switch op.Action {
	case types.RoleActionGrant:
		return h.granter.GrantRole(ctx, op.SubjectID, op.RoleID)
	case types.RoleActionRevoke:
		return h.granter.RevokeRole(ctx, op.SubjectID, op.RoleID)
	default:
		return fmt.Errorf("unknown role action %q", op.Action)
	}
}
