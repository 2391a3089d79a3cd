package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type TaskRepository struct {
	db *sql.DB
}

func NewTaskRepository(db *sql.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Enqueue relies on the partial unique index over pending
// (cart_id, transaction_id) to drop duplicates.
func (r *TaskRepository) Enqueue(ctx context.Context, task *Task) (bool, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	task.Status = TaskPending

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO reconcile_tasks (id, cart_id, gateway, transaction_id, attempts, next_run_at, status, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (cart_id, transaction_id) WHERE status = 'pending' DO NOTHING
		RETURNING created_at, updated_at
	`, task.ID, task.CartID, task.Gateway, task.TransactionID, task.Attempts, task.NextRunAt, task.Status, task.LastError).
		Scan(&task.CreatedAt, &task.UpdatedAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *TaskRepository) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Task, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		UPDATE reconcile_tasks t
		SET next_run_at = $2, updated_at = NOW()
		FROM (
			SELECT id FROM reconcile_tasks
			WHERE status = 'pending' AND next_run_at <= $1
			ORDER BY next_run_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		) due
		WHERE t.id = due.id
		RETURNING t.id, t.cart_id, t.gateway, t.transaction_id, t.attempts, t.next_run_at,
			t.status, t.last_error, t.created_at, t.updated_at
	`, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}

	var tasks []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.CartID, &t.Gateway, &t.TransactionID, &t.Attempts, &t.NextRunAt,
			&t.Status, &t.LastError, &t.CreatedAt, &t.UpdatedAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *TaskRepository) Reschedule(ctx context.Context, task *Task) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE reconcile_tasks
		SET attempts = $2, next_run_at = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, task.ID, task.Attempts, task.NextRunAt, task.LastError)
	if err != nil {
		return err
	}
	return requireRow(res, task.ID)
}

func (r *TaskRepository) Finish(ctx context.Context, id string, status TaskStatus, lastErr string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE reconcile_tasks
		SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, status, lastErr)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %s not found", id)
	}
	return nil
}
