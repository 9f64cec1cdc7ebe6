package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/membersync/pkg/types"
	"github.com/lib/pq"
)

//go:embed schema.sql
var postgresSchema string

const (
	workItemColumns = `id, seq, type, payload, status, attempts, error_message, created_at, updated_at`
	taskColumns     = `id, name, description, status, progress, entity_type, entity_id,
        parent_task_id, step_index, work_item_id, error, created_at, started_at, finished_at`
)

// DBTX is satisfied by both *sql.DB and *sql.Tx
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresConfig holds connection pool settings
type PostgresConfig struct {
	URL            string
	MaxConnections int
	MaxIdle        int
	ConnLifetime   time.Duration
}

// PostgresStore implements Store on PostgreSQL. Unlike BoltStore it is safe
// to share between processes: claims are conditional updates.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects, verifies the connection and applies the schema
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	connector, err := pq.NewConnector(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres url: %w", err)
	}

	db := sql.OpenDB(connector)
	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	if cfg.ConnLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Work item operations

func (s *PostgresStore) CreateWorkItem(ctx context.Context, item *types.WorkItem) error {
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

	query := `
        INSERT INTO work_items (id, type, payload, status, attempts, error_message, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING seq
    `
	var seq int64
	err := s.db.QueryRowContext(ctx, query,
		item.ID,
		string(item.Type),
		payloadParam(item.Payload),
		string(item.Status),
		item.Attempts,
		nullString(item.ErrorMessage),
		item.CreatedAt,
		item.UpdatedAt,
	).Scan(&seq)
	if err != nil {
		if isUniqueViolation(err, "work_items_pkey") {
			return fmt.Errorf("work item %s already exists: %w", item.ID, ErrConflict)
		}
		return fmt.Errorf("failed to create work item: %w", err)
	}
	item.Seq = uint64(seq)
	return nil
}

func (s *PostgresStore) GetWorkItem(ctx context.Context, id string) (*types.WorkItem, error) {
	return getWorkItemRow(ctx, s.db, id, false)
}

func (s *PostgresStore) ListPendingWorkItems(ctx context.Context, limit int) ([]*types.WorkItem, error) {
	query := `SELECT ` + workItemColumns + `
        FROM work_items
        WHERE status = $1
        ORDER BY created_at, seq
        LIMIT $2
    `
	rows, err := s.db.QueryContext(ctx, query, string(types.WorkStatusPending), sql.NullInt64{Int64: int64(limit), Valid: limit > 0})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending work items: %w", err)
	}
	defer rows.Close()

	var items []*types.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ClaimWorkItem is a conditional update: it only succeeds while the row is
// still pending, so two workers cannot both claim the same item.
func (s *PostgresStore) ListStaleWorkItems(ctx context.Context, cutoff time.Time) ([]*types.WorkItem, error) {
	query := `SELECT ` + workItemColumns + `
        FROM work_items
        WHERE status = $1 AND updated_at < $2
        ORDER BY created_at, seq
    `
	rows, err := s.db.QueryContext(ctx, query, string(types.WorkStatusInProgress), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale work items: %w", err)
	}
	defer rows.Close()

	var items []*types.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) ClaimWorkItem(ctx context.Context, id string) (*types.WorkItem, error) {
	query := `
        UPDATE work_items
        SET status = $2, attempts = attempts + 1, updated_at = $3
        WHERE id = $1 AND status = $4
        RETURNING ` + workItemColumns

	item, err := scanWorkItem(s.db.QueryRowContext(ctx, query,
		id,
		string(types.WorkStatusInProgress),
		time.Now().UTC(),
		string(types.WorkStatusPending),
	))
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := s.GetWorkItem(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("work item %s is %s: %w", id, current.Status, ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim work item: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) UpdateWorkItem(ctx context.Context, id string, fn WorkItemMutation) (*types.WorkItem, error) {
	var updated *types.WorkItem
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getWorkItemRow(ctx, tx, id, true)
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

		query := `
            UPDATE work_items
            SET type = $2, payload = $3, status = $4, attempts = $5, error_message = $6, updated_at = $7
            WHERE id = $1
        `
		_, err = tx.ExecContext(ctx, query,
			current.ID,
			string(current.Type),
			payloadParam(current.Payload),
			string(current.Status),
			current.Attempts,
			nullString(current.ErrorMessage),
			current.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to update work item: %w", err)
		}
		updated = current
		return nil
	})
	return updated, err
}

func (s *PostgresStore) CountWorkItems(ctx context.Context) (map[types.WorkStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM work_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count work items: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.WorkStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[types.WorkStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) ArchiveWorkItems(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
        WITH moved AS (
            DELETE FROM work_items
            WHERE status IN ($1, $2, $3) AND updated_at < $4
            RETURNING ` + workItemColumns + `
        )
        INSERT INTO work_items_archive (` + workItemColumns + `)
        SELECT ` + workItemColumns + ` FROM moved
    `
	res, err := s.db.ExecContext(ctx, query,
		string(types.WorkStatusCompleted),
		string(types.WorkStatusError),
		string(types.WorkStatusCancelled),
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to archive work items: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func getWorkItemRow(ctx context.Context, db DBTX, id string, forUpdate bool) (*types.WorkItem, error) {
	query := `SELECT ` + workItemColumns + ` FROM work_items WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	item, err := scanWorkItem(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get work item: %w", err)
	}
	return item, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row rowScanner) (*types.WorkItem, error) {
	var (
		item    types.WorkItem
		seq     int64
		typ     string
		status  string
		payload []byte
		errMsg  sql.NullString
	)
	err := row.Scan(&item.ID, &seq, &typ, &payload, &status, &item.Attempts, &errMsg, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}
	item.Seq = uint64(seq)
	item.Type = types.WorkType(typ)
	item.Status = types.WorkStatus(status)
	item.Payload = json.RawMessage(payload)
	item.ErrorMessage = errMsg.String
	return &item, nil
}

// Task operations

func (s *PostgresStore) CreateTaskTree(ctx context.Context, parent *types.Task, subtasks []*types.Task) error {
	if err := validateTaskTree(parent, subtasks); err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertTask(ctx, tx, parent); err != nil {
			return err
		}
		for _, sub := range subtasks {
			if err := insertTask(ctx, tx, sub); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*types.Task, error) {
	return getTaskRow(ctx, s.db, `WHERE id = $1`, id)
}

func (s *PostgresStore) GetSubtaskAt(ctx context.Context, parentID string, step int) (*types.Task, error) {
	task, err := getTaskRow(ctx, s.db, `WHERE parent_task_id = $1 AND step_index = $2`, parentID, step)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("subtask %d of %s: %w", step, parentID, ErrNotFound)
	}
	return task, err
}

func (s *PostgresStore) ListSubtasks(ctx context.Context, parentID string) ([]*types.Task, error) {
	return queryTasks(ctx, s.db, `SELECT `+taskColumns+` FROM tasks WHERE parent_task_id = $1 ORDER BY step_index`, parentID)
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter types.TaskFilter) ([]*types.Task, error) {
	var (
		conds []string
		args  []any
	)
	if filter.ParentTaskID == "" {
		conds = append(conds, "parent_task_id IS NULL")
	} else {
		args = append(args, filter.ParentTaskID)
		conds = append(conds, fmt.Sprintf("parent_task_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(conds, " AND ") +
		` ORDER BY created_at, step_index NULLS FIRST`
	return queryTasks(ctx, s.db, query, args...)
}

func (s *PostgresStore) MutateTaskTree(ctx context.Context, parentID string, fn TaskTreeMutation) (*types.Task, error) {
	var updated *types.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		parent, err := getTaskRow(ctx, tx, `WHERE id = $1 FOR UPDATE`, parentID)
		if err != nil {
			return err
		}
		if parent.IsSubtask() {
			return fmt.Errorf("%w: %s is a subtask", types.ErrInvalidTask, parentID)
		}
		subtasks, err := queryTasks(ctx, tx,
			`SELECT `+taskColumns+` FROM tasks WHERE parent_task_id = $1 ORDER BY step_index FOR UPDATE`, parentID)
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
		if err := parent.Validate(); err != nil {
			return err
		}

		for _, sub := range subtasks {
			if err := updateTaskState(ctx, tx, sub); err != nil {
				return err
			}
		}
		if err := updateTaskState(ctx, tx, parent); err != nil {
			return err
		}
		updated = parent
		return nil
	})
	return updated, err
}

func insertTask(ctx context.Context, db DBTX, t *types.Task) error {
	query := `INSERT INTO tasks (` + taskColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	var step sql.NullInt64
	if t.StepIndex != nil {
		step = sql.NullInt64{Int64: int64(*t.StepIndex), Valid: true}
	}
	_, err := db.ExecContext(ctx, query,
		t.ID,
		t.Name,
		t.Description,
		string(t.Status),
		t.Progress,
		t.EntityType,
		t.EntityID,
		nullString(t.ParentTaskID),
		step,
		nullString(t.WorkItemID),
		nullString(t.Error),
		t.CreatedAt,
		nullTime(t.StartedAt),
		nullTime(t.FinishedAt),
	)
	if err != nil {
		if isUniqueViolation(err, "tasks_pkey") || isUniqueViolation(err, "tasks_parent_step_key") {
			return fmt.Errorf("task %s already exists: %w", t.ID, ErrConflict)
		}
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func updateTaskState(ctx context.Context, db DBTX, t *types.Task) error {
	query := `
        UPDATE tasks
        SET status = $2, progress = $3, work_item_id = $4, error = $5, started_at = $6, finished_at = $7
        WHERE id = $1
    `
	_, err := db.ExecContext(ctx, query,
		t.ID,
		string(t.Status),
		t.Progress,
		nullString(t.WorkItemID),
		nullString(t.Error),
		nullTime(t.StartedAt),
		nullTime(t.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", t.ID, err)
	}
	return nil
}

func getTaskRow(ctx context.Context, db DBTX, where string, args ...any) (*types.Task, error) {
	task, err := scanTask(db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %v: %w", args[0], ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

func queryTasks(ctx context.Context, db DBTX, query string, args ...any) ([]*types.Task, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(row rowScanner) (*types.Task, error) {
	var (
		t        types.Task
		status   string
		parent   sql.NullString
		step     sql.NullInt64
		workItem sql.NullString
		errMsg   sql.NullString
		started  sql.NullTime
		finished sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.Name, &t.Description, &status, &t.Progress, &t.EntityType, &t.EntityID,
		&parent, &step, &workItem, &errMsg, &t.CreatedAt, &started, &finished,
	)
	if err != nil {
		return nil, err
	}
	t.Status = types.TaskStatus(status)
	t.ParentTaskID = parent.String
	if step.Valid {
		i := int(step.Int64)
		t.StepIndex = &i
	}
	t.WorkItemID = workItem.String
	t.Error = errMsg.String
	if started.Valid {
		t.StartedAt = &started.Time
	}
	if finished.Valid {
		t.FinishedAt = &finished.Time
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// payloadParam sends JSON as text; lib/pq would encode []byte as bytea
func payloadParam(payload json.RawMessage) string {
	if len(payload) == 0 {
		return "{}"
	}
	return string(payload)
}

func isUniqueViolation(err error, constraintName string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "23505" && pqErr.Constraint == constraintName
}
