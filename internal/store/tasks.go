package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ScheduleKind is the firing discipline for a ScheduledTask.
type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleOnce     ScheduleKind = "once"
)

// ContextMode controls whether a task run shares session state with the
// group's regular conversation container or runs isolated.
type ContextMode string

const (
	ContextIsolated ContextMode = "isolated"
	ContextGroup    ContextMode = "group"
)

// TaskStatus is the lifecycle state of a ScheduledTask.
type TaskStatus string

const (
	TaskActive TaskStatus = "active"
	TaskPaused TaskStatus = "paused"
	TaskDone   TaskStatus = "done"
	TaskError  TaskStatus = "error"
)

// ScheduledTask mirrors a row of the tasks table.
type ScheduledTask struct {
	ID            string
	GroupFolder   string
	ChatJID       string
	Prompt        string
	ScheduleKind  ScheduleKind
	ScheduleValue string
	ContextMode   ContextMode
	NextRun       *time.Time
	Status        TaskStatus
	CreatedAt     time.Time
}

// TaskRun mirrors a row of the task_runs table.
type TaskRun struct {
	TaskID     string
	RunAt      time.Time
	DurationMS int64
	Status     string
	Result     string
	Error      string
}

// CreateTask inserts a new scheduled task and returns its generated ID if
// t.ID is empty.
func (s *Store) CreateTask(ctx context.Context, t ScheduledTask) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Status == "" {
		t.Status = TaskActive
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, group_folder, chat_jid, prompt, schedule_kind, schedule_value, context_mode, next_run, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, t.ID, t.GroupFolder, t.ChatJID, t.Prompt, string(t.ScheduleKind), t.ScheduleValue, string(t.ContextMode),
			nullableTS(t.NextRun), string(t.Status), formatTS(t.CreatedAt))
		return err
	})
	if err != nil {
		return "", fmt.Errorf("store: create task: %w", err)
	}
	return t.ID, nil
}

// UpdateTask overwrites the mutable fields of an existing task.
func (s *Store) UpdateTask(ctx context.Context, t ScheduledTask) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET group_folder = ?, chat_jid = ?, prompt = ?, schedule_kind = ?,
				schedule_value = ?, context_mode = ?, next_run = ?, status = ?
			WHERE id = ?;
		`, t.GroupFolder, t.ChatJID, t.Prompt, string(t.ScheduleKind), t.ScheduleValue,
			string(t.ContextMode), nullableTS(t.NextRun), string(t.Status), t.ID)
		if err != nil {
			return fmt.Errorf("store: update task: %w", err)
		}
		return nil
	})
}

// DeleteTask removes a task by ID.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("store: delete task: %w", err)
		}
		return nil
	})
}

// GetTaskByID fetches a single task, or (ScheduledTask{}, false, nil) if
// not found.
func (s *Store) GetTaskByID(ctx context.Context, id string) (ScheduledTask, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, group_folder, chat_jid, prompt, schedule_kind, schedule_value, context_mode, next_run, status, created_at
		FROM tasks WHERE id = ?;
	`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return ScheduledTask{}, false, nil
	}
	if err != nil {
		return ScheduledTask{}, false, fmt.Errorf("store: get task: %w", err)
	}
	return t, true, nil
}

// GetAllTasks returns every task regardless of status.
func (s *Store) GetAllTasks(ctx context.Context) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_folder, chat_jid, prompt, schedule_kind, schedule_value, context_mode, next_run, status, created_at
		FROM tasks ORDER BY created_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("store: query tasks: %w", err)
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetDueTasks returns active tasks whose next_run is at or before now.
func (s *Store) GetDueTasks(ctx context.Context, now time.Time) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_folder, chat_jid, prompt, schedule_kind, schedule_value, context_mode, next_run, status, created_at
		FROM tasks WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run ASC;
	`, string(TaskActive), formatTS(now))
	if err != nil {
		return nil, fmt.Errorf("store: query due tasks: %w", err)
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan due task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTaskAfterRun advances next_run and status after a firing. nextRun
// nil transitions the task to done (used for schedule_kind=once).
func (s *Store) UpdateTaskAfterRun(ctx context.Context, id string, nextRun *time.Time, status TaskStatus) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET next_run = ?, status = ? WHERE id = ?;
		`, nullableTS(nextRun), string(status), id)
		if err != nil {
			return fmt.Errorf("store: update task after run: %w", err)
		}
		return nil
	})
}

// LogTaskRun appends a task_runs row.
func (s *Store) LogTaskRun(ctx context.Context, run TaskRun) error {
	if run.RunAt.IsZero() {
		run.RunAt = time.Now()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_runs (task_id, run_at, duration_ms, status, result, error)
			VALUES (?, ?, ?, ?, ?, ?);
		`, run.TaskID, formatTS(run.RunAt), run.DurationMS, run.Status, run.Result, run.Error)
		if err != nil {
			return fmt.Errorf("store: log task run: %w", err)
		}
		return nil
	})
}

func scanTask(row rowScanner) (ScheduledTask, error) {
	var t ScheduledTask
	var scheduleKind, contextMode, status, createdAt string
	var nextRun sql.NullString
	if err := row.Scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt, &scheduleKind, &t.ScheduleValue,
		&contextMode, &nextRun, &status, &createdAt); err != nil {
		return ScheduledTask{}, err
	}
	t.ScheduleKind = ScheduleKind(scheduleKind)
	t.ContextMode = ContextMode(contextMode)
	t.Status = TaskStatus(status)
	if ts, err := parseTS(createdAt); err == nil {
		t.CreatedAt = ts
	}
	if nextRun.Valid {
		ts, err := parseTS(nextRun.String)
		if err != nil {
			return ScheduledTask{}, fmt.Errorf("parse next_run: %w", err)
		}
		t.NextRun = &ts
	}
	return t, nil
}

func nullableTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTS(*t)
}
