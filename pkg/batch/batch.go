package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/membersync/pkg/events"
	"github.com/cuemby/membersync/pkg/log"
	"github.com/cuemby/membersync/pkg/metrics"
	"github.com/cuemby/membersync/pkg/storage"
	"github.com/cuemby/membersync/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrEmptyBatch is returned when a batch is created without operations
	ErrEmptyBatch = errors.New("batch has no operations")

	// ErrSubtaskNotFound is returned when a parent has no subtask at a step
	ErrSubtaskNotFound = errors.New("subtask not found")
)

// Subject identifies the external identity a batch concerns
type Subject struct {
	EntityType string
	EntityID   string
}

// Outcome is the result recorded for one subtask
type Outcome struct {
	Status types.TaskStatus
	Error  string
}

// Started marks a subtask as running
func Started() Outcome { return Outcome{Status: types.TaskStatusRunning} }

// Succeeded marks a subtask as completed
func Succeeded() Outcome { return Outcome{Status: types.TaskStatusCompleted} }

// Failed marks a subtask as failed with err
func Failed(err error) Outcome {
	return Outcome{Status: types.TaskStatusFailed, Error: err.Error()}
}

// Manager owns parent tasks and subtasks. It is the only writer of task rows.
type Manager struct {
	store  storage.TaskStore
	events events.Publisher
	logger zerolog.Logger
}

// NewManager creates a batch manager. A nil publisher discards events.
func NewManager(store storage.TaskStore, publisher events.Publisher) *Manager {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Manager{
		store:  store,
		events: publisher,
		logger: log.WithComponent("batch"),
	}
}

// CreateBatch stores a pending parent task with one pending subtask per
// operation, in operation order, and returns the parent id. Subtask i
// mirrors ops[i]; the worker relies on that alignment.
func (m *Manager) CreateBatch(ctx context.Context, subject Subject, ops []types.RoleOperation, description string) (string, error) {
	if len(ops) == 0 {
		return "", ErrEmptyBatch
	}
	for i, op := range ops {
		if !op.Action.Valid() || op.RoleID == "" || op.SubjectID == "" {
			return "", fmt.Errorf("%w: operation %d is incomplete", types.ErrInvalidTask, i)
		}
	}

	now := time.Now().UTC()
	parent := &types.Task{
		ID:          uuid.New().String(),
		Name:        fmt.Sprintf("Role update for %s %s", subject.EntityType, subject.EntityID),
		Description: description,
		Status:      types.TaskStatusPending,
		EntityType:  subject.EntityType,
		EntityID:    subject.EntityID,
		CreatedAt:   now,
	}

	subtasks := make([]*types.Task, len(ops))
	for i, op := range ops {
		step := i
		subtasks[i] = &types.Task{
			ID:           uuid.New().String(),
			Name:         op.Name(),
			Status:       types.TaskStatusPending,
			EntityType:   subject.EntityType,
			EntityID:     subject.EntityID,
			ParentTaskID: parent.ID,
			StepIndex:    &step,
			CreatedAt:    now,
		}
	}

	if err := m.store.CreateTaskTree(ctx, parent, subtasks); err != nil {
		return "", fmt.Errorf("failed to create batch: %w", err)
	}

	m.publish(events.EventTaskCreated, parent)
	m.logger.Info().
		Str("task_id", parent.ID).
		Str("entity_id", subject.EntityID).
		Int("operations", len(ops)).
		Msg("Batch created")
	return parent.ID, nil
}

// Get returns a task by id
func (m *Manager) Get(ctx context.Context, id string) (*types.Task, error) {
	return m.store.GetTask(ctx, id)
}

// Subtasks returns a parent's subtasks in step order
func (m *Manager) Subtasks(ctx context.Context, parentID string) ([]*types.Task, error) {
	return m.store.ListSubtasks(ctx, parentID)
}

// List returns tasks matching filter
func (m *Manager) List(ctx context.Context, filter types.TaskFilter) ([]*types.Task, error) {
	return m.store.ListTasks(ctx, filter)
}

// GetSubtaskAt returns the subtask mirroring operation step of the batch
func (m *Manager) GetSubtaskAt(ctx context.Context, parentID string, step int) (*types.Task, error) {
	sub, err := m.store.GetSubtaskAt(ctx, parentID, step)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: step %d of %s: %w", ErrSubtaskNotFound, step, parentID, err)
	}
	return sub, err
}

// MarkSubtaskResult records outcome on the subtask at step and recomputes
// the parent's status and progress in the same write
func (m *Manager) MarkSubtaskResult(ctx context.Context, parentID string, step int, outcome Outcome) (*types.Task, error) {
	switch outcome.Status {
	case types.TaskStatusRunning, types.TaskStatusCompleted, types.TaskStatusFailed:
	default:
		return nil, fmt.Errorf("%w: %q is not a subtask outcome", types.ErrInvalidStatus, outcome.Status)
	}

	var before types.TaskStatus
	parent, err := m.store.MutateTaskTree(ctx, parentID, func(parent *types.Task, subtasks []*types.Task) error {
		before = parent.Status
		sub := subtaskAt(subtasks, step)
		if sub == nil {
			return fmt.Errorf("%w: step %d of %s", ErrSubtaskNotFound, step, parentID)
		}
		now := time.Now().UTC()
		applyOutcome(sub, outcome, now)
		applyDerived(parent, subtasks, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if outcome.Status != types.TaskStatusRunning {
		metrics.SubtasksProcessed.WithLabelValues(string(outcome.Status)).Inc()
	}
	m.finished(before, parent)
	return parent, nil
}

// AttachWorkItem records the work item executing the batch
func (m *Manager) AttachWorkItem(ctx context.Context, parentID, workItemID string) error {
	_, err := m.store.MutateTaskTree(ctx, parentID, func(parent *types.Task, _ []*types.Task) error {
		parent.WorkItemID = workItemID
		return nil
	})
	return err
}

// Abandon fails every unfinished subtask of a batch whose work item could
// not be enqueued, so the batch does not stay pending forever
func (m *Manager) Abandon(ctx context.Context, parentID string, cause error) error {
	_, err := m.failUnfinished(ctx, parentID, "not enqueued: "+cause.Error())
	return err
}

// FailRemaining is called once the batch's work item has failed for good.
// Subtasks still pending or running will not be attempted again until a
// retry, so they are failed with cause and the parent settles as failed.
func (m *Manager) FailRemaining(ctx context.Context, parentID string, cause error) (int, error) {
	return m.failUnfinished(ctx, parentID, cause.Error())
}

func (m *Manager) failUnfinished(ctx context.Context, parentID, message string) (int, error) {
	failed := 0
	parent, err := m.store.MutateTaskTree(ctx, parentID, func(parent *types.Task, subtasks []*types.Task) error {
		now := time.Now().UTC()
		for _, sub := range subtasks {
			if !sub.Status.IsTerminal() {
				applyOutcome(sub, Outcome{Status: types.TaskStatusFailed, Error: message}, now)
				failed++
			}
		}
		applyDerived(parent, subtasks, now)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if failed > 0 {
		metrics.SubtasksProcessed.WithLabelValues(string(types.TaskStatusFailed)).Add(float64(failed))
	}
	if parent.Status == types.TaskStatusFailed {
		m.reportFailed(parent)
	}
	return failed, nil
}

// ResetFailed puts failed subtasks, and running ones whose result was never
// recorded, back to pending ahead of a retry. It returns how many were reset.
func (m *Manager) ResetFailed(ctx context.Context, parentID string) (int, error) {
	reset := 0
	_, err := m.store.MutateTaskTree(ctx, parentID, func(parent *types.Task, subtasks []*types.Task) error {
		for _, sub := range subtasks {
			switch sub.Status {
			case types.TaskStatusFailed, types.TaskStatusRunning:
				sub.Status = types.TaskStatusPending
				sub.Error = ""
				sub.Progress = 0
				sub.StartedAt = nil
				sub.FinishedAt = nil
				reset++
			}
		}
		applyDerived(parent, subtasks, time.Now().UTC())
		return nil
	})
	return reset, err
}

// Cancel cancels a batch that has not started. It returns false once any
// subtask has moved out of pending.
func (m *Manager) Cancel(ctx context.Context, parentID string) (bool, error) {
	cancelled := false
	var before types.TaskStatus
	parent, err := m.store.MutateTaskTree(ctx, parentID, func(parent *types.Task, subtasks []*types.Task) error {
		before = parent.Status
		if parent.Status != types.TaskStatusPending {
			return nil
		}
		now := time.Now().UTC()
		for _, sub := range subtasks {
			sub.Status = types.TaskStatusCancelled
			sub.FinishedAt = &now
		}
		applyDerived(parent, subtasks, now)
		cancelled = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if cancelled {
		m.finished(before, parent)
	}
	return cancelled, nil
}

// DeriveStatus computes a parent's status from its subtasks:
//
//	all pending                   → pending
//	any running or pending        → running
//	any failed                    → failed
//	any cancelled                 → cancelled
//	otherwise (all completed)     → completed
func DeriveStatus(subtasks []*types.Task) types.TaskStatus {
	var pending, running, failed, cancelled int
	for _, sub := range subtasks {
		switch sub.Status {
		case types.TaskStatusPending:
			pending++
		case types.TaskStatusRunning:
			running++
		case types.TaskStatusFailed:
			failed++
		case types.TaskStatusCancelled:
			cancelled++
		}
	}

	switch {
	case len(subtasks) == 0 || pending == len(subtasks):
		return types.TaskStatusPending
	case running > 0 || pending > 0:
		return types.TaskStatusRunning
	case failed > 0:
		return types.TaskStatusFailed
	case cancelled > 0:
		return types.TaskStatusCancelled
	default:
		return types.TaskStatusCompleted
	}
}

// Progress is the completed share of subtasks, 0 to 100
func Progress(subtasks []*types.Task) int {
	if len(subtasks) == 0 {
		return 0
	}
	completed := 0
	for _, sub := range subtasks {
		if sub.Status == types.TaskStatusCompleted {
			completed++
		}
	}
	return completed * 100 / len(subtasks)
}

func subtaskAt(subtasks []*types.Task, step int) *types.Task {
	for _, sub := range subtasks {
		if sub.Step() == step {
			return sub
		}
	}
	return nil
}

func applyOutcome(sub *types.Task, outcome Outcome, now time.Time) {
	sub.Status = outcome.Status
	sub.Error = outcome.Error
	if sub.StartedAt == nil {
		sub.StartedAt = &now
	}
	switch outcome.Status {
	case types.TaskStatusRunning:
		sub.Progress = 0
		sub.FinishedAt = nil
	case types.TaskStatusCompleted:
		sub.Progress = 100
		sub.FinishedAt = &now
	default:
		sub.FinishedAt = &now
	}
}

// applyDerived overwrites the parent's status fields from its subtasks
func applyDerived(parent *types.Task, subtasks []*types.Task, now time.Time) {
	parent.Status = DeriveStatus(subtasks)
	parent.Progress = Progress(subtasks)

	if parent.Status != types.TaskStatusPending && parent.StartedAt == nil {
		parent.StartedAt = &now
	}
	if parent.Status.IsTerminal() {
		if parent.FinishedAt == nil {
			parent.FinishedAt = &now
		}
	} else {
		parent.FinishedAt = nil
	}

	parent.Error = ""
	if parent.Status == types.TaskStatusFailed {
		failed := 0
		for _, sub := range subtasks {
			if sub.Status == types.TaskStatusFailed {
				failed++
			}
		}
		parent.Error = fmt.Sprintf("%d of %d operations failed", failed, len(subtasks))
	}
}

// finished reports a parent that just completed or was cancelled. A failed
// parent is reported by reportFailed instead, once its work item has failed
// for good, so retried attempts are not counted as separate failures.
func (m *Manager) finished(before types.TaskStatus, parent *types.Task) {
	if before == parent.Status {
		return
	}

	logger := log.WithTaskID(parent.ID)
	switch parent.Status {
	case types.TaskStatusCompleted:
		metrics.BatchTasksFinished.WithLabelValues(string(parent.Status)).Inc()
		m.publish(events.EventTaskCompleted, parent)
		logger.Info().Msg("Batch completed")
	case types.TaskStatusCancelled:
		metrics.BatchTasksFinished.WithLabelValues(string(parent.Status)).Inc()
		m.publish(events.EventTaskCancelled, parent)
		logger.Info().Msg("Batch cancelled")
	case types.TaskStatusFailed:
		logger.Debug().Str("error", parent.Error).Msg("Batch attempt failed")
	}
}

func (m *Manager) reportFailed(parent *types.Task) {
	metrics.BatchTasksFinished.WithLabelValues(string(types.TaskStatusFailed)).Inc()
	m.publish(events.EventTaskFailed, parent)
	logger := log.WithTaskID(parent.ID)
	logger.Warn().Str("error", parent.Error).Msg("Batch failed")
}

func (m *Manager) publish(t events.EventType, parent *types.Task) {
	m.events.Publish(&events.Event{
		Type:    t,
		Message: parent.Error,
		Metadata: map[string]string{
			"task_id":      parent.ID,
			"entity_id":    parent.EntityID,
			"status":       string(parent.Status),
			"work_item_id": parent.WorkItemID,
		},
	})
}
