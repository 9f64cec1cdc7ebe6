package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/membersync/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketWorkItems        = []byte("work_items")
	bucketWorkItemsArchive = []byte("work_items_archive")
	bucketPendingIndex     = []byte("pending_index")
	bucketTasks            = []byte("tasks")
	bucketSubtaskIndex     = []byte("subtask_index")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "membersync.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketWorkItems,
			bucketWorkItemsArchive,
			bucketPendingIndex,
			bucketTasks,
			bucketSubtaskIndex,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Ping runs an empty read transaction
func (s *BoltStore) Ping(_ context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketWorkItems) == nil {
			return fmt.Errorf("bucket %s missing", bucketWorkItems)
		}
		return nil
	})
}

// Backup writes a consistent snapshot of the database to w
func (s *BoltStore) Backup(w io.Writer) (int64, error) {
	var n int64
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		n, err = tx.WriteTo(w)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to back up database: %w", err)
	}
	return n, nil
}

// Work item operations

func (s *BoltStore) CreateWorkItem(_ context.Context, item *types.WorkItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	if item.Status != types.WorkStatusPending {
		return fmt.Errorf("new work item %s must be pending, got %s", item.ID, item.Status)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkItems)
		if b.Get([]byte(item.ID)) != nil {
			return fmt.Errorf("work item %s already exists: %w", item.ID, ErrConflict)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		item.Seq = seq
		return putWorkItem(tx, nil, item)
	})
}

func (s *BoltStore) GetWorkItem(_ context.Context, id string) (*types.WorkItem, error) {
	var item *types.WorkItem
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		item, err = getWorkItem(tx, id)
		return err
	})
	return item, err
}

func (s *BoltStore) ListPendingWorkItems(_ context.Context, limit int) ([]*types.WorkItem, error) {
	var items []*types.WorkItem
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPendingIndex).Cursor()
		for k, v := c.First(); k != nil && (limit <= 0 || len(items) < limit); k, v = c.Next() {
			item, err := getWorkItem(tx, string(v))
			if err != nil {
				return fmt.Errorf("pending index points at %s: %w", v, err)
			}
			items = append(items, item)
		}
		return nil
	})
	return items, err
}

func (s *BoltStore) ListStaleWorkItems(_ context.Context, cutoff time.Time) ([]*types.WorkItem, error) {
	var items []*types.WorkItem
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkItems).ForEach(func(_, v []byte) error {
			var item types.WorkItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if item.Status == types.WorkStatusInProgress && item.UpdatedAt.Before(cutoff) {
				items = append(items, &item)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].Seq < items[j].Seq
	})
	return items, nil
}

func (s *BoltStore) ClaimWorkItem(ctx context.Context, id string) (*types.WorkItem, error) {
	return s.UpdateWorkItem(ctx, id, func(item *types.WorkItem) error {
		if item.Status != types.WorkStatusPending {
			return fmt.Errorf("work item %s is %s: %w", id, item.Status, ErrConflict)
		}
		item.Status = types.WorkStatusInProgress
		item.Attempts++
		item.UpdatedAt = time.Now().UTC()
		return nil
	})
}

func (s *BoltStore) UpdateWorkItem(_ context.Context, id string, fn WorkItemMutation) (*types.WorkItem, error) {
	var updated *types.WorkItem
	err := s.db.Update(func(tx *bolt.Tx) error {
		current, err := getWorkItem(tx, id)
		if err != nil {
			return err
		}
		prev := *current
		if err := fn(current); err != nil {
			return err
		}
		if current.ID != prev.ID || current.Seq != prev.Seq || !current.CreatedAt.Equal(prev.CreatedAt) {
			return fmt.Errorf("work item %s: id, seq and createdAt are immutable", id)
		}
		if err := current.Validate(); err != nil {
			return err
		}
		updated = current
		return putWorkItem(tx, &prev, current)
	})
	return updated, err
}

func (s *BoltStore) CountWorkItems(_ context.Context) (map[types.WorkStatus]int, error) {
	counts := make(map[types.WorkStatus]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkItems)
		return b.ForEach(func(k, v []byte) error {
			var item types.WorkItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			counts[item.Status]++
			return nil
		})
	})
	return counts, err
}

func (s *BoltStore) ArchiveWorkItems(_ context.Context, cutoff time.Time) (int, error) {
	archived := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		live := tx.Bucket(bucketWorkItems)
		archive := tx.Bucket(bucketWorkItemsArchive)

		var keys [][]byte
		err := live.ForEach(func(k, v []byte) error {
			var item types.WorkItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if item.Status.IsTerminal() && item.UpdatedAt.Before(cutoff) {
				if err := archive.Put(k, v); err != nil {
					return err
				}
				keys = append(keys, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		// Deleting while iterating with ForEach is not allowed
		for _, k := range keys {
			if err := live.Delete(k); err != nil {
				return err
			}
		}
		archived = len(keys)
		return nil
	})
	return archived, err
}

func getWorkItem(tx *bolt.Tx, id string) (*types.WorkItem, error) {
	data := tx.Bucket(bucketWorkItems).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	var item types.WorkItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// putWorkItem writes item and keeps the pending index in step with its status
func putWorkItem(tx *bolt.Tx, prev, item *types.WorkItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketWorkItems).Put([]byte(item.ID), data); err != nil {
		return err
	}

	index := tx.Bucket(bucketPendingIndex)
	key := pendingKey(item)
	wasPending := prev != nil && prev.Status == types.WorkStatusPending
	isPending := item.Status == types.WorkStatusPending

	switch {
	case isPending && !wasPending:
		return index.Put(key, []byte(item.ID))
	case wasPending && !isPending:
		return index.Delete(key)
	}
	return nil
}

// pendingKey orders the index by creation time, then insertion sequence
func pendingKey(item *types.WorkItem) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(item.CreatedAt.UnixNano()))
	binary.BigEndian.PutUint64(key[8:], item.Seq)
	return key
}

// Task operations

func (s *BoltStore) CreateTaskTree(_ context.Context, parent *types.Task, subtasks []*types.Task) error {
	if err := validateTaskTree(parent, subtasks); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		if tasks.Get([]byte(parent.ID)) != nil {
			return fmt.Errorf("task %s already exists: %w", parent.ID, ErrConflict)
		}
		if err := putTask(tx, parent); err != nil {
			return err
		}
		index := tx.Bucket(bucketSubtaskIndex)
		for _, sub := range subtasks {
			if err := putTask(tx, sub); err != nil {
				return err
			}
			if err := index.Put(subtaskKey(parent.ID, sub.Step()), []byte(sub.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetTask(_ context.Context, id string) (*types.Task, error) {
	var task *types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		task, err = getTask(tx, id)
		return err
	})
	return task, err
}

func (s *BoltStore) GetSubtaskAt(_ context.Context, parentID string, step int) (*types.Task, error) {
	var task *types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketSubtaskIndex).Get(subtaskKey(parentID, step))
		if id == nil {
			return fmt.Errorf("subtask %d of %s: %w", step, parentID, ErrNotFound)
		}
		var err error
		task, err = getTask(tx, string(id))
		return err
	})
	return task, err
}

func (s *BoltStore) ListSubtasks(_ context.Context, parentID string) ([]*types.Task, error) {
	var subtasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		subtasks, err = listSubtasks(tx, parentID)
		return err
	})
	return subtasks, err
}

func (s *BoltStore) ListTasks(_ context.Context, filter types.TaskFilter) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if filter.Matches(&task) {
				tasks = append(tasks, &task)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].ParentTaskID != "" && tasks[i].ParentTaskID == tasks[j].ParentTaskID {
			return tasks[i].Step() < tasks[j].Step()
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

func (s *BoltStore) MutateTaskTree(_ context.Context, parentID string, fn TaskTreeMutation) (*types.Task, error) {
	var updated *types.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		parent, err := getTask(tx, parentID)
		if err != nil {
			return err
		}
		if parent.IsSubtask() {
			return fmt.Errorf("%w: %s is a subtask", types.ErrInvalidTask, parentID)
		}
		subtasks, err := listSubtasks(tx, parentID)
		if err != nil {
			return err
		}

		steps := make([]int, len(subtasks))
		for i, sub := range subtasks {
			steps[i] = sub.Step()
		}

		if err := fn(parent, subtasks); err != nil {
			return err
		}

		if err := checkTreeStructure(parentID, steps, subtasks); err != nil {
			return err
		}
		for _, sub := range subtasks {
			if err := putTask(tx, sub); err != nil {
				return err
			}
		}
		if err := parent.Validate(); err != nil {
			return err
		}
		updated = parent
		return putTask(tx, parent)
	})
	return updated, err
}

func getTask(tx *bolt.Tx, id string) (*types.Task, error) {
	data := tx.Bucket(bucketTasks).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func putTask(tx *bolt.Tx, task *types.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketTasks).Put([]byte(task.ID), data)
}

func listSubtasks(tx *bolt.Tx, parentID string) ([]*types.Task, error) {
	var subtasks []*types.Task
	prefix := []byte(parentID + "/")
	c := tx.Bucket(bucketSubtaskIndex).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		task, err := getTask(tx, string(v))
		if err != nil {
			return nil, err
		}
		subtasks = append(subtasks, task)
	}
	return subtasks, nil
}

// subtaskKey is "<parent>/<step>" with a fixed-width step so keys sort numerically
func subtaskKey(parentID string, step int) []byte {
	return []byte(fmt.Sprintf("%s/%08d", parentID, step))
}
