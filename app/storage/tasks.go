package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/campusnet/tg-warden/app/storage/engine"
)

// tasks command constants
const (
	CmdCreateTasksTable engine.DBCmd = iota + 900
	CmdCreateTasksIndexes
	CmdEnqueueTask
	CmdPickDueTask
)

// tasksQueries holds the durable task queue queries
var tasksQueries = engine.NewQueryMap().
	Add(CmdCreateTasksTable, engine.Query{
		Sqlite: `CREATE TABLE IF NOT EXISTS tasks (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            name TEXT NOT NULL,
            payload TEXT NOT NULL DEFAULT '',
            not_before TIMESTAMP NOT NULL,
            recurrence INTEGER NOT NULL DEFAULT 0,
            claimed_until TIMESTAMP
        )`,
		Postgres: `CREATE TABLE IF NOT EXISTS tasks (
            id BIGSERIAL PRIMARY KEY,
            name TEXT NOT NULL,
            payload TEXT NOT NULL DEFAULT '',
            not_before TIMESTAMP NOT NULL,
            recurrence INTEGER NOT NULL DEFAULT 0,
            claimed_until TIMESTAMP
        )`,
	}).
	AddSame(CmdCreateTasksIndexes, "CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(not_before)").
	AddSame(CmdEnqueueTask, `INSERT INTO tasks (name, payload, not_before, recurrence)
        VALUES (:name, :payload, :not_before, :recurrence)`).
	Add(CmdPickDueTask, engine.Query{
		Sqlite: `SELECT id, name, payload, not_before, recurrence FROM tasks
            WHERE not_before <= ? AND (claimed_until IS NULL OR claimed_until < ?)
            ORDER BY not_before LIMIT 1`,
		Postgres: `SELECT id, name, payload, not_before, recurrence FROM tasks
            WHERE not_before <= ? AND (claimed_until IS NULL OR claimed_until < ?)
            ORDER BY not_before LIMIT 1 FOR UPDATE SKIP LOCKED`,
	})

// Task is a claimed unit of scheduled work
type Task struct {
	ID         int64           `db:"id"`
	Name       string          `db:"name"`
	Payload    json.RawMessage `db:"payload"`
	NotBefore  time.Time       `db:"not_before"`
	Recurrence int             `db:"recurrence"` // seconds, 0 means one-shot
}

// Tasks is the durable scheduler queue. A claim marks the task invisible for
// the visibility window, a crashed worker leaves it to be claimed again.
type Tasks struct {
	*engine.SQL
	engine.RWLocker
}

// NewTasks creates tasks storage and initializes the table
func NewTasks(ctx context.Context, db *engine.SQL) (*Tasks, error) {
	if db == nil {
		return nil, fmt.Errorf("db connection is nil")
	}
	res := &Tasks{SQL: db, RWLocker: db.MakeLock()}
	cfg := engine.TableConfig{
		Name:          "tasks",
		CreateTable:   CmdCreateTasksTable,
		CreateIndexes: CmdCreateTasksIndexes,
		QueriesMap:    tasksQueries,
	}
	if err := engine.InitTable(ctx, db, cfg); err != nil {
		return nil, fmt.Errorf("failed to init tasks storage: %w", err)
	}
	return res, nil
}

// Enqueue adds a task to the queue. The payload is stored as JSON, recurrence
// of 0 makes the task one-shot.
func (t *Tasks) Enqueue(ctx context.Context, name string, payload interface{}, notBefore time.Time, recurrence time.Duration) (int64, error) {
	t.Lock()
	defer t.Unlock()

	data := []byte("{}")
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return 0, fmt.Errorf("failed to marshal payload for task %s: %w", name, err)
		}
	}

	query, err := tasksQueries.Pick(t.Type(), CmdEnqueueTask)
	if err != nil {
		return 0, fmt.Errorf("failed to get enqueue query: %w", err)
	}
	execRes, err := t.NamedExecContext(ctx, query, map[string]interface{}{
		"name": name, "payload": string(data), "not_before": notBefore, "recurrence": int(recurrence.Seconds()),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue task %s: %w", name, err)
	}
	id, _ := execRes.LastInsertId() // postgres doesn't report it, callers only log the id
	return id, nil
}

// EnsureRecurring registers a named recurring task. An existing recurring row
// with the same name is updated in place so restarts don't pile up duplicates.
func (t *Tasks) EnsureRecurring(ctx context.Context, name string, recurrence time.Duration) error {
	t.Lock()
	defer t.Unlock()

	res, err := t.ExecContext(ctx, t.Adopt("UPDATE tasks SET recurrence = ? WHERE name = ? AND recurrence > 0"),
		int(recurrence.Seconds()), name)
	if err != nil {
		return fmt.Errorf("failed to update recurring task %s: %w", name, err)
	}
	if updated, _ := res.RowsAffected(); updated > 0 {
		return nil
	}

	query, err := tasksQueries.Pick(t.Type(), CmdEnqueueTask)
	if err != nil {
		return fmt.Errorf("failed to get enqueue query: %w", err)
	}
	_, err = t.NamedExecContext(ctx, query, map[string]interface{}{
		"name": name, "payload": "{}", "not_before": time.Now(), "recurrence": int(recurrence.Seconds()),
	})
	if err != nil {
		return fmt.Errorf("failed to register recurring task %s: %w", name, err)
	}
	return nil
}

// Claim picks one due task and makes it invisible for the visibility window.
// Returns nil when nothing is due.
func (t *Tasks) Claim(ctx context.Context, visibility time.Duration) (*Task, error) {
	t.Lock()
	defer t.Unlock()

	tx, err := t.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	query, err := tasksQueries.Pick(t.Type(), CmdPickDueTask)
	if err != nil {
		return nil, fmt.Errorf("failed to get pick due task query: %w", err)
	}

	var task Task
	now := time.Now()
	err = tx.GetContext(ctx, &task, t.Adopt(query), now, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pick due task: %w", err)
	}

	if _, err = tx.ExecContext(ctx, t.Adopt("UPDATE tasks SET claimed_until = ? WHERE id = ?"),
		now.Add(visibility), task.ID); err != nil {
		return nil, fmt.Errorf("failed to claim task %d: %w", task.ID, err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit task claim: %w", err)
	}
	return &task, nil
}

// Ack completes a claimed task: one-shot tasks are deleted, recurring tasks are
// pushed forward by their recurrence and released for the next run.
func (t *Tasks) Ack(ctx context.Context, task *Task) error {
	t.Lock()
	defer t.Unlock()

	if task.Recurrence <= 0 {
		if _, err := t.ExecContext(ctx, t.Adopt("DELETE FROM tasks WHERE id = ?"), task.ID); err != nil {
			return fmt.Errorf("failed to delete task %d: %w", task.ID, err)
		}
		return nil
	}

	next := time.Now().Add(time.Duration(task.Recurrence) * time.Second)
	if _, err := t.ExecContext(ctx,
		t.Adopt("UPDATE tasks SET not_before = ?, claimed_until = NULL WHERE id = ?"), next, task.ID); err != nil {
		return fmt.Errorf("failed to reschedule task %d: %w", task.ID, err)
	}
	return nil
}

// Pending returns the number of tasks in the queue, for introspection and tests
func (t *Tasks) Pending(ctx context.Context) (int, error) {
	t.RLock()
	defer t.RUnlock()

	var count int
	if err := t.GetContext(ctx, &count, "SELECT COUNT(*) FROM tasks"); err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return count, nil
}
