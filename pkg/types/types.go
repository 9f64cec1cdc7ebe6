package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidWorkType is returned when a work type is not one of the registered tags
	ErrInvalidWorkType = errors.New("invalid work type")

	// ErrInvalidStatus is returned when a status value is outside its enumeration
	ErrInvalidStatus = errors.New("invalid status")

	// ErrInvalidTask is returned when a task record violates its structural rules
	ErrInvalidTask = errors.New("invalid task")
)

// WorkType tags the operation a work item performs
type WorkType string

const (
	WorkTypeBatchRoleUpdate WorkType = "batch_role_update"
	WorkTypeGrantRole       WorkType = "grant_role"
	WorkTypeRevokeRole      WorkType = "revoke_role"
	WorkTypeCreateUser      WorkType = "create_user"
	WorkTypeDeactivateUser  WorkType = "deactivate_user"
)

var workTypes = []WorkType{
	WorkTypeBatchRoleUpdate,
	WorkTypeGrantRole,
	WorkTypeRevokeRole,
	WorkTypeCreateUser,
	WorkTypeDeactivateUser,
}

// WorkTypes returns every known work type
func WorkTypes() []WorkType {
	out := make([]WorkType, len(workTypes))
	copy(out, workTypes)
	return out
}

// Valid reports whether t is a known work type
func (t WorkType) Valid() bool {
	for _, known := range workTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseWorkType converts a string into a WorkType, rejecting unknown tags
func ParseWorkType(s string) (WorkType, error) {
	t := WorkType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidWorkType, s)
	}
	return t, nil
}

// WorkStatus is the lifecycle state of a work item
type WorkStatus string

const (
	WorkStatusPending    WorkStatus = "pending"
	WorkStatusInProgress WorkStatus = "in_progress"
	WorkStatusCompleted  WorkStatus = "completed"
	WorkStatusError      WorkStatus = "error"
	WorkStatusCancelled  WorkStatus = "cancelled"
)

// WorkStatuses returns every work status in lifecycle order
func WorkStatuses() []WorkStatus {
	return []WorkStatus{
		WorkStatusPending,
		WorkStatusInProgress,
		WorkStatusCompleted,
		WorkStatusError,
		WorkStatusCancelled,
	}
}

// Valid reports whether s is a known work status
func (s WorkStatus) Valid() bool {
	switch s {
	case WorkStatusPending, WorkStatusInProgress, WorkStatusCompleted, WorkStatusError, WorkStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further processing happens in this state
func (s WorkStatus) IsTerminal() bool {
	return s == WorkStatusCompleted || s == WorkStatusError || s == WorkStatusCancelled
}

// CanTransitionTo reports whether the worker may move an item from s to next.
// Operator resets (Error → Pending) are handled separately by the queue.
func (s WorkStatus) CanTransitionTo(next WorkStatus) bool {
	switch s {
	case WorkStatusPending:
		return next == WorkStatusInProgress || next == WorkStatusCancelled
	case WorkStatusInProgress:
		return next == WorkStatusCompleted || next == WorkStatusPending || next == WorkStatusError
	}
	return false
}

// ParseWorkStatus converts a string into a WorkStatus
func ParseWorkStatus(s string) (WorkStatus, error) {
	st := WorkStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: work status %q", ErrInvalidStatus, s)
	}
	return st, nil
}

// WorkItem is one retryable unit of asynchronous work
type WorkItem struct {
	ID           string          `json:"id"`
	Seq          uint64          `json:"seq"`
	Type         WorkType        `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Status       WorkStatus      `json:"status"`
	Attempts     int             `json:"attempts"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Validate checks the closed enumerations and counters before a write
func (w *WorkItem) Validate() error {
	if w.ID == "" {
		return errors.New("work item id is required")
	}
	if !w.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidWorkType, w.Type)
	}
	if !w.Status.Valid() {
		return fmt.Errorf("%w: work status %q", ErrInvalidStatus, w.Status)
	}
	if w.Attempts < 0 {
		return fmt.Errorf("work item %s has negative attempts", w.ID)
	}
	return nil
}

// TaskStatus is the lifecycle state of a task or subtask
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid reports whether s is a known task status
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the task has finished
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// ParseTaskStatus converts a string into a TaskStatus
func ParseTaskStatus(s string) (TaskStatus, error) {
	st := TaskStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: task status %q", ErrInvalidStatus, s)
	}
	return st, nil
}

// Task is a durable progress record. A task with an empty ParentTaskID is a
// parent; otherwise it is a subtask positioned by StepIndex.
type Task struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	Status       TaskStatus `json:"status"`
	Progress     int        `json:"progress"`
	EntityType   string     `json:"entityType,omitempty"`
	EntityID     string     `json:"entityId,omitempty"`
	ParentTaskID string     `json:"parentTaskId,omitempty"`
	StepIndex    *int       `json:"stepIndex,omitempty"`
	WorkItemID   string     `json:"workItemId,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
}

// IsSubtask reports whether the task belongs to a parent
func (t *Task) IsSubtask() bool {
	return t.ParentTaskID != ""
}

// Step returns the subtask position, or -1 for parents
func (t *Task) Step() int {
	if t.StepIndex == nil {
		return -1
	}
	return *t.StepIndex
}

// Validate checks the status enumeration and parent/subtask structure
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidTask)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w: task status %q", ErrInvalidStatus, t.Status)
	}
	if t.Progress < 0 || t.Progress > 100 {
		return fmt.Errorf("%w: progress %d out of range", ErrInvalidTask, t.Progress)
	}
	if t.IsSubtask() {
		if t.StepIndex == nil || *t.StepIndex < 0 {
			return fmt.Errorf("%w: subtask %s needs a step index", ErrInvalidTask, t.ID)
		}
	} else if t.StepIndex != nil {
		return fmt.Errorf("%w: parent task %s cannot have a step index", ErrInvalidTask, t.ID)
	}
	return nil
}

// TaskFilter narrows ListTasks. An empty ParentTaskID lists parent tasks.
type TaskFilter struct {
	Status       TaskStatus
	ParentTaskID string
}

// Matches reports whether t passes the filter
func (f TaskFilter) Matches(t *Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	return t.ParentTaskID == f.ParentTaskID
}

// RoleAction is either a grant or a revoke
type RoleAction string

const (
	RoleActionGrant  RoleAction = "grant"
	RoleActionRevoke RoleAction = "revoke"
)

// Valid reports whether a is a known action
func (a RoleAction) Valid() bool {
	return a == RoleActionGrant || a == RoleActionRevoke
}

// RoleOperation is a single grant or revoke against an external system
type RoleOperation struct {
	Action    RoleAction `json:"action"`
	SubjectID string     `json:"subjectId"`
	RoleID    string     `json:"roleId"`
}

// Name is the subtask name that mirrors this operation
func (o RoleOperation) Name() string {
	return fmt.Sprintf("%s %s", o.Action, o.RoleID)
}

// RoleOperations lays out revokes before grants. Both the work item payload
// and the subtask rows are built from this order, so it must not change.
func RoleOperations(subjectID string, toRevoke, toGrant []string) []RoleOperation {
	ops := make([]RoleOperation, 0, len(toRevoke)+len(toGrant))
	for _, role := range toRevoke {
		ops = append(ops, RoleOperation{Action: RoleActionRevoke, SubjectID: subjectID, RoleID: role})
	}
	for _, role := range toGrant {
		ops = append(ops, RoleOperation{Action: RoleActionGrant, SubjectID: subjectID, RoleID: role})
	}
	return ops
}

// Member is the slice of a member record the role reconciler needs
type Member struct {
	ID          string   `json:"id"`
	ExternalID  string   `json:"externalId,omitempty"`
	Affiliation string   `json:"affiliation,omitempty"`
	Interests   []string `json:"interests,omitempty"`
}

// Linked reports whether the member has an identity in the external system
func (m Member) Linked() bool {
	return m.ExternalID != ""
}

// QueueStatus counts work items by state
type QueueStatus struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// NewQueueStatus folds per-status counts into a QueueStatus
func NewQueueStatus(counts map[WorkStatus]int) QueueStatus {
	return QueueStatus{
		Pending:   counts[WorkStatusPending],
		Running:   counts[WorkStatusInProgress],
		Completed: counts[WorkStatusCompleted],
		Failed:    counts[WorkStatusError],
		Cancelled: counts[WorkStatusCancelled],
	}
}
