package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"autodev/internal/logging"
	"autodev/internal/types"
)

// ErrInvalidTransition is returned when a status update violates the task
// state machine (including any attempt to leave a terminal status).
type ErrInvalidTransition struct {
	TaskID int64
	From   types.TaskStatus
	To     types.TaskStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("task %d: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}

// TaskUpdate carries the optional fields written together with a status
// transition. Nil fields are left untouched.
type TaskUpdate struct {
	ErrorMessage       *string
	AgentOutput        *string
	FilesChanged       []string
	QualityGateResult  *types.QualityGateResult
	VerificationResult *types.VerificationResult
}

// CreateTask inserts a new PENDING task under a story.
func (s *Store) CreateTask(t *types.Task) (*types.Task, error) {
	now := time.Now()
	if t.MaxRetries == 0 {
		t.MaxRetries = types.DefaultMaxRetries
	}
	dependsJSON, err := encodeJSON(t.DependsOn)
	if err != nil {
		return nil, err
	}

	if t.OrderIndex == 0 {
		var next int
		if err := s.db.QueryRow(
			"SELECT COALESCE(MAX(order_index), -1) + 1 FROM tasks WHERE story_id = ?", t.StoryID,
		).Scan(&next); err != nil {
			return nil, fmt.Errorf("next task order: %w", err)
		}
		t.OrderIndex = next
	}

	res, err := s.db.Exec(`
		INSERT INTO tasks (story_id, title, description, priority, order_index,
			retry_count, max_retries, effort, task_type, depends_on, status, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)`,
		t.StoryID, t.Title, t.Description, t.Priority, t.OrderIndex,
		t.MaxRetries, t.Effort, t.Type, dependsJSON, types.TaskPending, encodeTime(now))
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	logging.Store("Task #%d created under story #%d: %s", id, t.StoryID, t.Title)
	return s.GetTask(id)
}

const taskColumns = `
	id, story_id, title, description, priority, order_index, retry_count,
	max_retries, effort, task_type, depends_on, status, error_message,
	agent_output, files_changed, quality_gate_result, verification_result,
	created_at, started_at, completed_at`

// GetTask returns a task by id, or nil when not found.
func (s *Store) GetTask(id int64) (*types.Task, error) {
	row := s.db.QueryRow("SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// TaskFilter narrows ListTasks. Zero values mean "no filter".
type TaskFilter struct {
	StoryID int64
	UserID  string
	Project string
	Status  types.TaskStatus
	Limit   int
}

// ListTasks returns tasks matching the filter ordered by
// (priority DESC, order_index ASC).
func (s *Store) ListTasks(f TaskFilter) ([]*types.Task, error) {
	query := "SELECT " + qualify(taskColumns, "t") + ` FROM tasks t`
	var args []any
	var conds []string

	if f.UserID != "" || f.Project != "" {
		query += ` JOIN stories st ON st.id = t.story_id JOIN prds p ON p.id = st.prd_id`
		if f.UserID != "" {
			conds = append(conds, "p.user_id = ?")
			args = append(args, f.UserID)
		}
		if f.Project != "" {
			conds = append(conds, "p.project = ?")
			args = append(args, f.Project)
		}
	}
	if f.StoryID != 0 {
		conds = append(conds, "t.story_id = ?")
		args = append(args, f.StoryID)
	}
	if f.Status != "" {
		conds = append(conds, "t.status = ?")
		args = append(args, f.Status)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY t.priority DESC, t.order_index ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// NextQueuedTask returns the highest-priority QUEUED task without removing
// it, or nil when the queue is empty.
func (s *Store) NextQueuedTask() (*types.Task, error) {
	row := s.db.QueryRow("SELECT " + taskColumns + ` FROM tasks
		WHERE status = 'QUEUED'
		ORDER BY priority DESC, order_index ASC
		LIMIT 1`)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// QueueTasksForStory transitions all PENDING tasks in a story to QUEUED in
// one transaction and returns the count. Idempotent: a second call on an
// already-queued story returns 0.
func (s *Store) QueueTasksForStory(storyID int64) (int, error) {
	res, err := s.db.Exec(
		"UPDATE tasks SET status = 'QUEUED' WHERE story_id = ? AND status = 'PENDING'",
		storyID)
	if err != nil {
		return 0, fmt.Errorf("queue tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	logging.Store("Queued %d tasks for story #%d", n, storyID)
	return int(n), nil
}

// ClaimTask atomically moves a QUEUED task to IN_PROGRESS and stamps
// started_at. Returns false when the task was not QUEUED (lost the race).
func (s *Store) ClaimTask(id int64) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = 'IN_PROGRESS', started_at = ?, error_message = ''
		WHERE id = ? AND status = 'QUEUED'`,
		encodeTime(time.Now()), id)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		logging.StoreDebug("Task #%d claimed", id)
	}
	return n == 1, nil
}

// UpdateTaskStatus commits a status transition plus any attached result
// fields atomically. Forbidden transitions are refused with
// *ErrInvalidTransition.
func (s *Store) UpdateTaskStatus(id int64, status types.TaskStatus, upd *TaskUpdate) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current types.TaskStatus
	if err := tx.QueryRow("SELECT status FROM tasks WHERE id = ?", id).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("task %d not found", id)
		}
		return err
	}
	if !types.CanTransition(current, status) {
		return &ErrInvalidTransition{TaskID: id, From: current, To: status}
	}

	set := "status = ?"
	args := []any{status}

	if status.IsTerminal() {
		set += ", completed_at = ?"
		args = append(args, encodeTime(time.Now()))
	}
	if upd != nil {
		if upd.ErrorMessage != nil {
			set += ", error_message = ?"
			args = append(args, *upd.ErrorMessage)
		}
		if upd.AgentOutput != nil {
			set += ", agent_output = ?"
			args = append(args, *upd.AgentOutput)
		}
		if upd.FilesChanged != nil {
			files, err := encodeJSON(upd.FilesChanged)
			if err != nil {
				return err
			}
			set += ", files_changed = ?"
			args = append(args, files)
		}
		if upd.QualityGateResult != nil {
			gate, err := encodeJSON(upd.QualityGateResult)
			if err != nil {
				return err
			}
			set += ", quality_gate_result = ?"
			args = append(args, gate)
		}
		if upd.VerificationResult != nil {
			verify, err := encodeJSON(upd.VerificationResult)
			if err != nil {
				return err
			}
			set += ", verification_result = ?"
			args = append(args, verify)
		}
	}

	args = append(args, id, current)
	res, err := tx.Exec("UPDATE tasks SET "+set+" WHERE id = ? AND status = ?", args...)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Status changed between read and write inside the tx; should not
		// happen with a single connection, but refuse rather than clobber.
		return &ErrInvalidTransition{TaskID: id, From: current, To: status}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logging.Store("Task #%d: %s -> %s", id, current, status)
	return nil
}

// RequeueTask increments retry_count and returns a task to QUEUED, recording
// the reason. The caller is responsible for checking the retry budget.
func (s *Store) RequeueTask(id int64, reason string) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = 'QUEUED', retry_count = retry_count + 1,
			error_message = ?, started_at = NULL
		WHERE id = ? AND status IN ('IN_PROGRESS', 'RUNNING_TESTS', 'VERIFYING')
			AND retry_count < max_retries`,
		reason, id)
	if err != nil {
		return fmt.Errorf("requeue task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %d not requeueable", id)
	}
	logging.Store("Task #%d requeued: %s", id, reason)
	return nil
}

// ListStaleInProgress returns IN_PROGRESS tasks whose started_at predates
// the cutoff. Used by crash recovery on scheduler start.
func (s *Store) ListStaleInProgress(olderThan time.Duration) ([]*types.Task, error) {
	cutoff := encodeTime(time.Now().Add(-olderThan))
	rows, err := s.db.Query("SELECT "+taskColumns+` FROM tasks
		WHERE status = 'IN_PROGRESS' AND started_at IS NOT NULL AND started_at < ?`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CountTasksByStatus returns the number of tasks in the given status.
func (s *Store) CountTasksByStatus(status types.TaskStatus) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM tasks WHERE status = ?", status).Scan(&n)
	return n, err
}

func qualify(columns, alias string) string {
	parts := strings.Split(columns, ",")
	out := make([]string, 0, len(parts))
	for _, col := range parts {
		if col = strings.TrimSpace(col); col != "" {
			out = append(out, alias+"."+col)
		}
	}
	return strings.Join(out, ", ")
}

func scanTask(row rowScanner) (*types.Task, error) {
	var t types.Task
	var dependsOn, filesChanged, gateResult, verifyResult, createdAt string
	var startedAt, completedAt sql.NullString

	err := row.Scan(&t.ID, &t.StoryID, &t.Title, &t.Description, &t.Priority,
		&t.OrderIndex, &t.RetryCount, &t.MaxRetries, &t.Effort, &t.Type,
		&dependsOn, &t.Status, &t.ErrorMessage, &t.AgentOutput, &filesChanged,
		&gateResult, &verifyResult, &createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if err := decodeJSON(dependsOn, &t.DependsOn); err != nil {
		return nil, fmt.Errorf("decode depends_on: %w", err)
	}
	if err := decodeJSON(filesChanged, &t.FilesChanged); err != nil {
		return nil, fmt.Errorf("decode files_changed: %w", err)
	}
	if gateResult != "" {
		t.QualityGateResult = &types.QualityGateResult{}
		if err := decodeJSON(gateResult, t.QualityGateResult); err != nil {
			return nil, fmt.Errorf("decode quality_gate_result: %w", err)
		}
	}
	if verifyResult != "" {
		t.VerificationResult = &types.VerificationResult{}
		if err := decodeJSON(verifyResult, t.VerificationResult); err != nil {
			return nil, fmt.Errorf("decode verification_result: %w", err)
		}
	}
	if t.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if t.StartedAt, err = decodeTimePtr(startedAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = decodeTimePtr(completedAt); err != nil {
		return nil, err
	}
	return &t, nil
}
