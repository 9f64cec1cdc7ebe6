package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/membersync/pkg/batch"
	"github.com/cuemby/membersync/pkg/log"
	"github.com/cuemby/membersync/pkg/queue"
	"github.com/cuemby/membersync/pkg/reconciler"
	"github.com/cuemby/membersync/pkg/storage"
	"github.com/cuemby/membersync/pkg/types"
	"github.com/rs/zerolog"
)

// ErrInvalidMember is returned when a member record cannot be reconciled
var ErrInvalidMember = errors.New("invalid member")

// TaskDetail is a parent task with its subtasks and the work item running it
type TaskDetail struct {
	*types.Task
	Subtasks []*types.Task   `json:"subtasks,omitempty"`
	WorkItem *types.WorkItem `json:"workItem,omitempty"`
}

// Service is the surface the API and CLI drive. Task ids and work item ids
// are both accepted where an operation makes sense for either.
type Service struct {
	queue      *queue.Queue
	batches    *batch.Manager
	reconciler *reconciler.Reconciler
	logger     zerolog.Logger
}

// New creates a service
func New(q *queue.Queue, batches *batch.Manager, rec *reconciler.Reconciler) *Service {
	return &Service{
		queue:      q,
		batches:    batches,
		reconciler: rec,
		logger:     log.WithComponent("service"),
	}
}

// EnqueueWork stores a work item after checking payload against the shape
// of t
func (s *Service) EnqueueWork(ctx context.Context, t types.WorkType, payload json.RawMessage) (string, error) {
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", types.ErrInvalidWorkType, t)
	}
	return s.queue.EnqueueRaw(ctx, t, payload)
}

// GetWorkItem returns a work item by id
func (s *Service) GetWorkItem(ctx context.Context, id string) (*types.WorkItem, error) {
	return s.queue.Get(ctx, id)
}

// GetTask returns a task with its subtasks and work item. A work item that
// was archived is left out.
func (s *Service) GetTask(ctx context.Context, id string) (*TaskDetail, error) {
	task, err := s.batches.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &TaskDetail{Task: task}
	if task.IsSubtask() {
		return detail, nil
	}

	if detail.Subtasks, err = s.batches.Subtasks(ctx, id); err != nil {
		return nil, err
	}
	if task.WorkItemID != "" {
		item, err := s.queue.Get(ctx, task.WorkItemID)
		switch {
		case err == nil:
			detail.WorkItem = item
		case !errors.Is(err, storage.ErrNotFound):
			return nil, err
		}
	}
	return detail, nil
}

// ListTasks returns parent tasks, optionally filtered by status
func (s *Service) ListTasks(ctx context.Context, status types.TaskStatus) ([]*types.Task, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: task status %q", types.ErrInvalidStatus, status)
	}
	return s.batches.List(ctx, types.TaskFilter{Status: status})
}

// RetryTask gives a terminally failed task or work item a fresh retry
// budget. For a batch, failed subtasks go back to pending and completed ones
// are kept. A batch still running whose work item has failed for good is
// retried as well, since nothing else will finish it. It returns false when
// there is nothing to retry.
func (s *Service) RetryTask(ctx context.Context, id string) (bool, error) {
	task, err := s.batches.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return s.queue.Reset(ctx, id)
	}
	if err != nil {
		return false, err
	}
	if task.IsSubtask() || task.WorkItemID == "" {
		return false, nil
	}
	if task.Status != types.TaskStatusFailed && task.Status != types.TaskStatusRunning {
		return false, nil
	}

	item, err := s.queue.Get(ctx, task.WorkItemID)
	if err != nil {
		return false, fmt.Errorf("failed to load work item of task %s: %w", id, err)
	}
	if item.Status != types.WorkStatusError {
		return false, nil
	}

	n, err := s.batches.ResetFailed(ctx, id)
	if err != nil {
		return false, err
	}
	ok, err := s.queue.Reset(ctx, item.ID)
	if err != nil || !ok {
		return false, err
	}

	s.logger.Info().
		Str("task_id", id).
		Str("work_item_id", item.ID).
		Int("subtasks_reset", n).
		Msg("Task queued for retry")
	return true, nil
}

// CancelTask cancels a task or work item that has not started. Once the
// worker has claimed it, it returns false.
func (s *Service) CancelTask(ctx context.Context, id string) (bool, error) {
	task, err := s.batches.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return s.queue.Cancel(ctx, id)
	}
	if err != nil {
		return false, err
	}
	if task.IsSubtask() || task.Status != types.TaskStatusPending {
		return false, nil
	}

	if task.WorkItemID != "" {
		ok, err := s.queue.Cancel(ctx, task.WorkItemID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return false, err
		}
		if err == nil && !ok {
			return false, nil
		}
	}
	return s.batches.Cancel(ctx, id)
}

// GetQueueStatus counts live work items by state
func (s *Service) GetQueueStatus(ctx context.Context) (types.QueueStatus, error) {
	return s.queue.Status(ctx)
}

// ReconcileMember queues the role changes for member
func (s *Service) ReconcileMember(ctx context.Context, member types.Member) (reconciler.Result, error) {
	if member.ID == "" {
		return reconciler.Result{}, fmt.Errorf("%w: id is required", ErrInvalidMember)
	}
	return s.reconciler.Reconcile(ctx, member)
}

// ArchiveWorkItems moves finished work items older than olderThan out of the
// live set
func (s *Service) ArchiveWorkItems(ctx context.Context, olderThan time.Duration) (int, error) {
	return s.queue.Archive(ctx, olderThan)
}
