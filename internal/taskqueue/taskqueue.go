package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/txflow/pkg/api"
)

// TaskType identifies which facade operation the worker should call.
type TaskType string

const (
	TaskTypeRun         TaskType = "run"
	TaskTypeStepSuccess TaskType = "step-success"
	TaskTypeStepFailure TaskType = "step-failure"
	TaskTypeCancel      TaskType = "cancel"
	TaskTypeResume      TaskType = "resume"
)

// ErrLeaseLost is returned by Ack and Nack when the caller no longer owns
// the task, because its lease expired and someone else claimed it.
var ErrLeaseLost = errors.New("task lease lost")

// Task represents a unit of work for the worker.
type Task struct {
	ID   string
	Type TaskType

	WorkflowID    string
	TransactionID string

	// StepID and Action address the step of step-success and step-failure
	// tasks.
	StepID string
	Action api.Action

	// Payload is task-type specific:
	//   - run: the transaction input
	//   - step-success: the step response
	//   - step-failure: a JSON string with the error message
	//   - cancel: a JSON string with the reason
	Payload json.RawMessage

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately".
	NotBefore time.Time

	// Attempts counts failed processing attempts so far.
	Attempts int
}

// IdempotencyKey addresses the step a report task refers to.
func (t *Task) IdempotencyKey() api.IdempotencyKey {
	return api.IdempotencyKey{
		WorkflowID:    t.WorkflowID,
		TransactionID: t.TransactionID,
		StepID:        t.StepID,
		Action:        t.Action,
	}
}

// Queue is an at-least-once task queue. A dequeued task is leased to its
// owner; if it is neither acked nor nacked before the lease ends it becomes
// available again.
type Queue interface {
	// Enqueue adds a task. Empty IDs are generated.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue claims the next due task, blocking until one is available or
	// the context is cancelled.
	Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error)

	// Ack removes a processed task.
	Ack(ctx context.Context, taskID, owner string) error

	// Nack releases a task for another attempt at notBefore.
	Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error

	// RenewLease extends the caller's lease to now+leaseTTL.
	RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error

	// Len returns the approximate number of queued and leased tasks.
	Len() int
}

// prepare fills the generated fields of a task about to be enqueued.
func prepare(t *Task, now time.Time) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
}

func waitFor(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
