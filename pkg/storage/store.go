package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/membersync/pkg/types"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a conditional update finds the record in
	// an unexpected state, e.g. a claim on an item that is no longer pending
	ErrConflict = errors.New("conflict")
)

// WorkItemMutation edits a work item inside a storage transaction. Returning
// an error aborts the write.
type WorkItemMutation func(item *types.WorkItem) error

// TaskTreeMutation edits a parent task and its ordered subtasks inside a
// storage transaction. Returning an error aborts the write.
type TaskTreeMutation func(parent *types.Task, subtasks []*types.Task) error

// WorkItemStore persists work items
type WorkItemStore interface {
	// CreateWorkItem inserts a new item and assigns its Seq
	CreateWorkItem(ctx context.Context, item *types.WorkItem) error
	GetWorkItem(ctx context.Context, id string) (*types.WorkItem, error)

	// ListPendingWorkItems returns up to limit pending items, oldest first
	ListPendingWorkItems(ctx context.Context, limit int) ([]*types.WorkItem, error)

	// ListStaleWorkItems returns in-progress items last updated before
	// cutoff, oldest first. These are claims whose worker never recorded a
	// result.
	ListStaleWorkItems(ctx context.Context, cutoff time.Time) ([]*types.WorkItem, error)

	// ClaimWorkItem moves a pending item to in-progress and increments its
	// attempts. It returns ErrConflict if the item is no longer pending.
	ClaimWorkItem(ctx context.Context, id string) (*types.WorkItem, error)

	UpdateWorkItem(ctx context.Context, id string, fn WorkItemMutation) (*types.WorkItem, error)
	CountWorkItems(ctx context.Context) (map[types.WorkStatus]int, error)

	// ArchiveWorkItems moves terminal items last updated before cutoff out of
	// the live set and returns how many moved
	ArchiveWorkItems(ctx context.Context, cutoff time.Time) (int, error)
}

// TaskStore persists parent tasks and subtasks
type TaskStore interface {
	// CreateTaskTree writes a parent and its subtasks atomically
	CreateTaskTree(ctx context.Context, parent *types.Task, subtasks []*types.Task) error
	GetTask(ctx context.Context, id string) (*types.Task, error)
	GetSubtaskAt(ctx context.Context, parentID string, step int) (*types.Task, error)

	// ListSubtasks returns a parent's subtasks ordered by step index
	ListSubtasks(ctx context.Context, parentID string) ([]*types.Task, error)
	ListTasks(ctx context.Context, filter types.TaskFilter) ([]*types.Task, error)
	MutateTaskTree(ctx context.Context, parentID string, fn TaskTreeMutation) (*types.Task, error)
}

// Store defines the interface for membersync state storage
type Store interface {
	WorkItemStore
	TaskStore

	// Ping verifies the backing store is reachable
	Ping(ctx context.Context) error
	Close() error
}

// validateTaskTree checks that subtasks belong to parent and are numbered
// 0..n-1 in slice order
func validateTaskTree(parent *types.Task, subtasks []*types.Task) error {
	if parent.IsSubtask() {
		return fmt.Errorf("%w: %s is a subtask", types.ErrInvalidTask, parent.ID)
	}
	if err := parent.Validate(); err != nil {
		return err
	}
	for i, sub := range subtasks {
		if sub.ParentTaskID != parent.ID {
			return fmt.Errorf("%w: subtask %s does not belong to %s", types.ErrInvalidTask, sub.ID, parent.ID)
		}
		if sub.Step() != i {
			return fmt.Errorf("%w: subtask %s has step %d at position %d", types.ErrInvalidTask, sub.ID, sub.Step(), i)
		}
		if err := sub.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// checkTreeStructure rejects mutations that re-parent or renumber subtasks.
// Structure is fixed by CreateTaskTree; mutations only touch state.
func checkTreeStructure(parentID string, steps []int, subtasks []*types.Task) error {
	if len(steps) != len(subtasks) {
		return fmt.Errorf("%w: subtasks of %s added or removed", types.ErrInvalidTask, parentID)
	}
	for i, sub := range subtasks {
		if sub.ParentTaskID != parentID || sub.Step() != steps[i] {
			return fmt.Errorf("%w: subtask %s structure changed", types.ErrInvalidTask, sub.ID)
		}
		if err := sub.Validate(); err != nil {
			return err
		}
	}
	return nil
}
