// Package reconcile polls providers that charge subscriptions on their own
// and only report the outcome when asked.
//
// Each check is a durable Task carrying its own attempt counter. A task that
// keeps reporting a pending charge is voided at the provider and marked
// FAILED once it reaches the attempt ceiling.
package reconcile

import (
	"context"
	"time"
)

type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskDone    TaskStatus = "done"
	TaskGivenUp TaskStatus = "given_up"
)

type Task struct {
	ID      string `json:"id"`
	CartID  string `json:"cart_id"`
	Gateway string `json:"gateway"`
	// TransactionID is empty when the charge is not known yet; the poller
	// then asks for the latest transaction under the cart's subscription.
	TransactionID string     `json:"transaction_id"`
	Attempts      int        `json:"attempts"`
	NextRunAt     time.Time  `json:"next_run_at"`
	Status        TaskStatus `json:"status"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type TaskStore interface {
	// Enqueue stores a pending task. It reports false without error when a
	// pending task for the same cart and transaction already exists.
	Enqueue(ctx context.Context, task *Task) (bool, error)
	// ClaimDue returns up to limit pending tasks due at now and pushes their
	// NextRunAt forward by lease so concurrent pollers skip them.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Task, error)
	// Reschedule persists Attempts, NextRunAt and LastError. A stored task's
	// cart and transaction never change.
	Reschedule(ctx context.Context, task *Task) error
	Finish(ctx context.Context, id string, status TaskStatus, lastErr string) error
}
