package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/txflow/internal/taskqueue"
	"github.com/petrijr/txflow/pkg/api"
)

// stubOrchestrator answers Run with runFn; every other method panics.
type stubOrchestrator struct {
	api.Orchestrator
	runFn func(ctx context.Context, workflowID string, opts api.RunOptions) (*api.RunResult, error)
}

func (s *stubOrchestrator) Run(ctx context.Context, workflowID string, input any, opts api.RunOptions) (*api.RunResult, error) {
	return s.runFn(ctx, workflowID, opts)
}

func TestWorker_TaskRetriesWithBackoffAndScheduling(t *testing.T) {
	var calls atomic.Int32
	orch := &stubOrchestrator{runFn: func(ctx context.Context, workflowID string, opts api.RunOptions) (*api.RunResult, error) {
		if calls.Add(1) < 2 {
			return nil, api.ErrConcurrentModification
		}
		return &api.RunResult{WorkflowID: workflowID, TransactionID: opts.TransactionID, State: api.StateDone}, nil
	}}

	queue := taskqueue.NewInMemoryQueue()
	backoff := 30 * time.Millisecond
	w := NewWithConfig(orch, queue, Config{
		MaxAttempts: 3,
		Backoff:     backoff,
	})

	ctx := context.Background()
	if _, err := w.EnqueueRun(ctx, "task-retry", "tx-1", nil); err != nil {
		t.Fatalf("EnqueueRun failed: %v", err)
	}

	start := time.Now()

	// First processing: runs once, fails, and should schedule a retry.
	processed, err := w.ProcessOne(ctx)
	if err != nil {
		t.Fatalf("first ProcessOne returned error: %v", err)
	}
	if !processed {
		t.Fatalf("expected first task to be processed")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected 1 call after first attempt, got %d", got)
	}
	if queue.Len() != 1 {
		t.Fatalf("expected the task to be rescheduled, queue len %d", queue.Len())
	}

	// Second processing: must wait for the backoff, then succeed.
	processed, err = w.ProcessOne(ctx)
	if err != nil || !processed {
		t.Fatalf("second ProcessOne: processed=%v err=%v", processed, err)
	}
	if elapsed := time.Since(start); elapsed < backoff {
		t.Fatalf("retry ran before backoff: %v < %v", elapsed, backoff)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 calls, got %d", got)
	}
	if queue.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", queue.Len())
	}
}

func TestWorker_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	orch := &stubOrchestrator{runFn: func(ctx context.Context, workflowID string, opts api.RunOptions) (*api.RunResult, error) {
		calls.Add(1)
		return nil, api.ErrConcurrentModification
	}}

	queue := taskqueue.NewInMemoryQueue()
	w := NewWithConfig(orch, queue, Config{MaxAttempts: 2, Backoff: time.Millisecond})

	ctx := context.Background()
	if _, err := w.EnqueueRun(ctx, "contended", "", nil); err != nil {
		t.Fatalf("EnqueueRun failed: %v", err)
	}

	if _, err := w.ProcessOne(ctx); err != nil {
		t.Fatalf("first ProcessOne returned error: %v", err)
	}
	_, err := w.ProcessOne(ctx)
	if !errors.Is(err, api.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification after last attempt, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
	if queue.Len() != 0 {
		t.Fatalf("expected dropped task, queue len %d", queue.Len())
	}
}

func TestWorker_NonRetryableErrorsAreDropped(t *testing.T) {
	cases := map[string]error{
		"unknown workflow":      api.ErrDefinitionNotFound,
		"definition mismatch":   api.ErrDefinitionMismatch,
		"permanent":             api.Permanent(errors.New("bad input")),
		"permanently failed tx": &api.TransactionError{WorkflowID: "wf", TransactionID: "tx", State: api.StatePermanentlyFailed},
	}

	for name, failure := range cases {
		t.Run(name, func(t *testing.T) {
			var calls atomic.Int32
			orch := &stubOrchestrator{runFn: func(ctx context.Context, workflowID string, opts api.RunOptions) (*api.RunResult, error) {
				calls.Add(1)
				return nil, failure
			}}
			queue := taskqueue.NewInMemoryQueue()
			w := NewWithConfig(orch, queue, Config{MaxAttempts: 5, Backoff: time.Millisecond})

			ctx := context.Background()
			if _, err := w.EnqueueRun(ctx, "wf", "", nil); err != nil {
				t.Fatalf("EnqueueRun failed: %v", err)
			}
			processed, err := w.ProcessOne(ctx)
			if !processed || err == nil {
				t.Fatalf("expected processed task with error, got processed=%v err=%v", processed, err)
			}
			if calls.Load() != 1 || queue.Len() != 0 {
				t.Fatalf("expected a single attempt and an empty queue, got calls=%d len=%d", calls.Load(), queue.Len())
			}
		})
	}
}

func TestWorker_UnknownTaskType(t *testing.T) {
	queue := taskqueue.NewInMemoryQueue()
	w := NewWithConfig(nil, queue, Config{MaxAttempts: 3})

	ctx := context.Background()
	if err := queue.Enqueue(ctx, taskqueue.Task{Type: "bogus"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	processed, err := w.ProcessOne(ctx)
	if !processed || err == nil {
		t.Fatalf("expected unknown task to fail, got processed=%v err=%v", processed, err)
	}
	if queue.Len() != 0 {
		t.Fatalf("expected unknown task to be dropped")
	}
}

func TestWorker_BackoffGrowsAndCaps(t *testing.T) {
	w := NewWithConfig(nil, taskqueue.NewInMemoryQueue(), Config{
		Backoff:    10 * time.Millisecond,
		MaxBackoff: 35 * time.Millisecond,
	})

	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 35 * time.Millisecond, 35 * time.Millisecond}
	for i, d := range want {
		if got := w.backoff(i + 1); got != d {
			t.Fatalf("attempt %d: expected %v, got %v", i+1, d, got)
		}
	}
}
