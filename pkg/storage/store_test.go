package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/membersync/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactory returns an empty store for one test
type storeFactory func(t *testing.T) Store

func newBoltForTest(t *testing.T) Store {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBoltStore(t *testing.T) {
	runStoreSuite(t, newBoltForTest)
}

func TestBoltStoreReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	item := newItem(time.Now().UTC())
	require.NoError(t, store.CreateWorkItem(ctx, item))
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	pending, err := reopened.ListPendingWorkItems(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, item.ID, pending[0].ID)
}

func TestBoltStoreBackup(t *testing.T) {
	ctx := context.Background()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	item := newItem(time.Now().UTC())
	require.NoError(t, store.CreateWorkItem(ctx, item))

	restoreDir := t.TempDir()
	f, err := os.Create(filepath.Join(restoreDir, "membersync.db"))
	require.NoError(t, err)
	n, err := store.Backup(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Positive(t, n)

	restored, err := NewBoltStore(restoreDir)
	require.NoError(t, err)
	defer restored.Close()

	got, err := restored.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.Type, got.Type)
}

func runStoreSuite(t *testing.T, newStore storeFactory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"CreateWorkItem", testCreateWorkItem},
		{"PendingFIFO", testPendingFIFO},
		{"Claim", testClaim},
		{"StaleWorkItems", testStaleWorkItems},
		{"UpdateWorkItem", testUpdateWorkItem},
		{"CountWorkItems", testCountWorkItems},
		{"ArchiveWorkItems", testArchiveWorkItems},
		{"TaskTree", testTaskTree},
		{"InvalidTaskTree", testInvalidTaskTree},
		{"ListTasks", testListTasks},
		{"MutateTaskTree", testMutateTaskTree},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func newItem(createdAt time.Time) *types.WorkItem {
	payload, _ := json.Marshal(types.GrantRolePayload{SubjectID: "42", RoleID: "role-a"})
	return &types.WorkItem{
		ID:        uuid.New().String(),
		Type:      types.WorkTypeGrantRole,
		Payload:   payload,
		Status:    types.WorkStatusPending,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func newTree(n int) (*types.Task, []*types.Task) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	parent := &types.Task{
		ID:         uuid.New().String(),
		Name:       "role update",
		Status:     types.TaskStatusPending,
		EntityType: "user",
		EntityID:   "42",
		CreatedAt:  now,
	}
	subtasks := make([]*types.Task, n)
	for i := range subtasks {
		step := i
		subtasks[i] = &types.Task{
			ID:           uuid.New().String(),
			Name:         fmt.Sprintf("grant role-%d", i),
			Status:       types.TaskStatusPending,
			EntityType:   "user",
			EntityID:     "42",
			ParentTaskID: parent.ID,
			StepIndex:    &step,
			CreatedAt:    now,
		}
	}
	return parent, subtasks
}

func testCreateWorkItem(t *testing.T, s Store) {
	ctx := context.Background()

	first := newItem(time.Now().UTC())
	second := newItem(time.Now().UTC())
	require.NoError(t, s.CreateWorkItem(ctx, first))
	require.NoError(t, s.CreateWorkItem(ctx, second))
	assert.Greater(t, second.Seq, first.Seq)

	got, err := s.GetWorkItem(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkTypeGrantRole, got.Type)
	assert.Equal(t, types.WorkStatusPending, got.Status)
	assert.JSONEq(t, string(first.Payload), string(got.Payload))

	err = s.CreateWorkItem(ctx, first)
	assert.ErrorIs(t, err, ErrConflict)

	bad := newItem(time.Now().UTC())
	bad.Type = "send_email"
	assert.ErrorIs(t, s.CreateWorkItem(ctx, bad), types.ErrInvalidWorkType)

	_, err = s.GetWorkItem(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testPendingFIFO(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)

	// Insert out of creation order
	newest := newItem(base.Add(2 * time.Second))
	oldest := newItem(base)
	middle := newItem(base.Add(time.Second))
	for _, item := range []*types.WorkItem{newest, oldest, middle} {
		require.NoError(t, s.CreateWorkItem(ctx, item))
	}

	pending, err := s.ListPendingWorkItems(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []string{oldest.ID, middle.ID, newest.ID}, itemIDs(pending))

	limited, err := s.ListPendingWorkItems(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{oldest.ID, middle.ID}, itemIDs(limited))
}

func testStaleWorkItems(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)

	stuck := newItem(base.Add(time.Second))
	older := newItem(base)
	fresh := newItem(base.Add(2 * time.Second))
	pending := newItem(base)
	for _, item := range []*types.WorkItem{stuck, older, fresh, pending} {
		require.NoError(t, s.CreateWorkItem(ctx, item))
	}
	for _, item := range []*types.WorkItem{stuck, older, fresh} {
		_, err := s.ClaimWorkItem(ctx, item.ID)
		require.NoError(t, err)
	}
	for _, item := range []*types.WorkItem{stuck, older} {
		_, err := s.UpdateWorkItem(ctx, item.ID, func(w *types.WorkItem) error {
			w.UpdatedAt = base.Add(10 * time.Minute)
			return nil
		})
		require.NoError(t, err)
	}

	stale, err := s.ListStaleWorkItems(ctx, base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{older.ID, stuck.ID}, itemIDs(stale))
	assert.Equal(t, types.WorkStatusInProgress, stale[0].Status)
	assert.Equal(t, 1, stale[0].Attempts)

	none, err := s.ListStaleWorkItems(ctx, base)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testClaim(t *testing.T, s Store) {
	ctx := context.Background()
	item := newItem(time.Now().UTC())
	require.NoError(t, s.CreateWorkItem(ctx, item))

	claimed, err := s.ClaimWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkStatusInProgress, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)

	_, err = s.ClaimWorkItem(ctx, item.ID)
	assert.ErrorIs(t, err, ErrConflict)

	pending, err := s.ListPendingWorkItems(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = s.ClaimWorkItem(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testUpdateWorkItem(t *testing.T, s Store) {
	ctx := context.Background()
	item := newItem(time.Now().UTC())
	require.NoError(t, s.CreateWorkItem(ctx, item))
	_, err := s.ClaimWorkItem(ctx, item.ID)
	require.NoError(t, err)

	// Back to pending re-enters the pending set
	updated, err := s.UpdateWorkItem(ctx, item.ID, func(w *types.WorkItem) error {
		w.Status = types.WorkStatusPending
		w.ErrorMessage = "connection refused"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "connection refused", updated.ErrorMessage)

	pending, err := s.ListPendingWorkItems(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{item.ID}, itemIDs(pending))

	// A failing mutation leaves the row untouched
	_, err = s.UpdateWorkItem(ctx, item.ID, func(w *types.WorkItem) error {
		w.Status = types.WorkStatusCompleted
		return errors.New("abort")
	})
	require.Error(t, err)
	got, err := s.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkStatusPending, got.Status)

	// Unknown status is rejected at the write boundary
	_, err = s.UpdateWorkItem(ctx, item.ID, func(w *types.WorkItem) error {
		w.Status = "paused"
		return nil
	})
	assert.ErrorIs(t, err, types.ErrInvalidStatus)

	_, err = s.UpdateWorkItem(ctx, item.ID, func(w *types.WorkItem) error {
		w.Seq += 100
		return nil
	})
	assert.Error(t, err)
}

func testCountWorkItems(t *testing.T, s Store) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateWorkItem(ctx, newItem(time.Now().UTC())))
	}
	done := newItem(time.Now().UTC())
	require.NoError(t, s.CreateWorkItem(ctx, done))
	_, err := s.ClaimWorkItem(ctx, done.ID)
	require.NoError(t, err)
	_, err = s.UpdateWorkItem(ctx, done.ID, func(w *types.WorkItem) error {
		w.Status = types.WorkStatusCompleted
		return nil
	})
	require.NoError(t, err)

	counts, err := s.CountWorkItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[types.WorkStatusPending])
	assert.Equal(t, 1, counts[types.WorkStatusCompleted])
	assert.Equal(t, 0, counts[types.WorkStatusError])
}

func testArchiveWorkItems(t *testing.T, s Store) {
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)

	finished := newItem(old)
	require.NoError(t, s.CreateWorkItem(ctx, finished))
	_, err := s.UpdateWorkItem(ctx, finished.ID, func(w *types.WorkItem) error {
		w.Status = types.WorkStatusCancelled
		w.UpdatedAt = old
		return nil
	})
	require.NoError(t, err)

	stillPending := newItem(old)
	require.NoError(t, s.CreateWorkItem(ctx, stillPending))

	n, err := s.ArchiveWorkItems(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetWorkItem(ctx, finished.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetWorkItem(ctx, stillPending.ID)
	assert.NoError(t, err)
}

func testTaskTree(t *testing.T, s Store) {
	ctx := context.Background()
	parent, subtasks := newTree(4)
	require.NoError(t, s.CreateTaskTree(ctx, parent, subtasks))

	for i := range subtasks {
		first, err := s.GetSubtaskAt(ctx, parent.ID, i)
		require.NoError(t, err)
		second, err := s.GetSubtaskAt(ctx, parent.ID, i)
		require.NoError(t, err)
		assert.Equal(t, subtasks[i].ID, first.ID)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, i, first.Step())
	}

	_, err := s.GetSubtaskAt(ctx, parent.ID, 4)
	assert.ErrorIs(t, err, ErrNotFound)

	listed, err := s.ListSubtasks(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, taskIDs(subtasks), taskIDs(listed))

	assert.ErrorIs(t, s.CreateTaskTree(ctx, parent, nil), ErrConflict)
}

func testInvalidTaskTree(t *testing.T, s Store) {
	ctx := context.Background()

	parent, subtasks := newTree(2)
	subtasks[0], subtasks[1] = subtasks[1], subtasks[0]
	assert.ErrorIs(t, s.CreateTaskTree(ctx, parent, subtasks), types.ErrInvalidTask)

	parent, subtasks = newTree(1)
	subtasks[0].ParentTaskID = "someone-else"
	assert.ErrorIs(t, s.CreateTaskTree(ctx, parent, subtasks), types.ErrInvalidTask)

	parent, subtasks = newTree(1)
	subtasks[0].Status = "paused"
	assert.ErrorIs(t, s.CreateTaskTree(ctx, parent, subtasks), types.ErrInvalidStatus)

	_, err := s.GetTask(ctx, parent.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testListTasks(t *testing.T, s Store) {
	ctx := context.Background()
	failed, failedSubs := newTree(2)
	failed.Status = types.TaskStatusFailed
	pending, pendingSubs := newTree(1)
	pending.CreatedAt = failed.CreatedAt.Add(time.Second)

	require.NoError(t, s.CreateTaskTree(ctx, failed, failedSubs))
	require.NoError(t, s.CreateTaskTree(ctx, pending, pendingSubs))

	parents, err := s.ListTasks(ctx, types.TaskFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{failed.ID, pending.ID}, taskIDs(parents))

	onlyFailed, err := s.ListTasks(ctx, types.TaskFilter{Status: types.TaskStatusFailed})
	require.NoError(t, err)
	assert.Equal(t, []string{failed.ID}, taskIDs(onlyFailed))

	children, err := s.ListTasks(ctx, types.TaskFilter{ParentTaskID: failed.ID})
	require.NoError(t, err)
	assert.Equal(t, taskIDs(failedSubs), taskIDs(children))
}

func testMutateTaskTree(t *testing.T, s Store) {
	ctx := context.Background()
	parent, subtasks := newTree(2)
	require.NoError(t, s.CreateTaskTree(ctx, parent, subtasks))

	updated, err := s.MutateTaskTree(ctx, parent.ID, func(p *types.Task, subs []*types.Task) error {
		subs[1].Status = types.TaskStatusFailed
		subs[1].Error = "403 forbidden"
		p.Status = types.TaskStatusRunning
		p.WorkItemID = "work-1"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRunning, updated.Status)

	sub, err := s.GetSubtaskAt(ctx, parent.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, sub.Status)
	assert.Equal(t, "403 forbidden", sub.Error)

	got, err := s.GetTask(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, "work-1", got.WorkItemID)

	// Renumbering is a structural change and is rejected
	_, err = s.MutateTaskTree(ctx, parent.ID, func(p *types.Task, subs []*types.Task) error {
		step := 7
		subs[0].StepIndex = &step
		return nil
	})
	assert.ErrorIs(t, err, types.ErrInvalidTask)

	_, err = s.MutateTaskTree(ctx, subtasks[0].ID, func(*types.Task, []*types.Task) error { return nil })
	assert.ErrorIs(t, err, types.ErrInvalidTask)

	_, err = s.MutateTaskTree(ctx, "missing", func(*types.Task, []*types.Task) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func itemIDs(items []*types.WorkItem) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.ID)
	}
	return out
}

func taskIDs(tasks []*types.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.ID)
	}
	return out
}
