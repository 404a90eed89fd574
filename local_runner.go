package txflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/petrijr/txflow/internal/taskqueue"
	"github.com/petrijr/txflow/pkg/worker"
)

// LocalRunner bundles an in-memory Orchestrator, an in-memory task queue, and
// a Worker to provide a simple "local runner" for development and debugging.
//
// Typical usage:
//
//	runner := txflow.NewLocalRunner()
//	flow := txflow.New("my-flow").Step(...)
//	flow.MustRegister(runner.Orchestrator)
//
//	// Synchronous run (no queue/worker involved):
//	res, err := txflow.Run(ctx, runner.Orchestrator, flow.ID(), input)
//
//	// Asynchronous run:
//	_ = runner.StartWorkers(ctx, 2)
//	txID, _ := runner.RunAsync(ctx, flow.ID(), input)
//	...
//	runner.Stop()
type LocalRunner struct {
	// Orchestrator is the in-memory engine used by this runner.
	Orchestrator Orchestrator

	// Queue is the in-memory task queue used by the Worker.
	Queue taskqueue.Queue

	// Worker processes tasks from Queue using Orchestrator.
	Worker *worker.Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory
// orchestrator, in-memory queue, and a Worker with default config.
//
// This is intended for local development, tests, and simple single-process
// deployments.
func NewLocalRunner(opts ...Option) *LocalRunner {
	orch := NewInMemory(opts...)
	q := taskqueue.NewInMemoryQueue()

	return &LocalRunner{
		Orchestrator: orch,
		Queue:        q,
		Worker:       worker.New(orch, q),
	}
}

// StartWorkers starts concurrency processing loops that run until Stop is
// called or ctx is cancelled.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("txflow: LocalRunner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.Worker.Start(ctx, concurrency); err != nil {
			slog.Error("txflow: local runner stopped", "error", err)
		}
	}()

	return nil
}

// Stop cancels the loops started by StartWorkers and waits for them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// RunAsync enqueues the start of a transaction and returns its generated id.
// The workflow must already be registered on Orchestrator.
func (r *LocalRunner) RunAsync(ctx context.Context, workflowID string, input any) (string, error) {
	return r.Worker.EnqueueRun(ctx, workflowID, "", input)
}

// ReportSuccessAsync enqueues the success report of an async step action.
func (r *LocalRunner) ReportSuccessAsync(ctx context.Context, key IdempotencyKey, response any) error {
	return r.Worker.EnqueueStepSuccess(ctx, key, response)
}

// ReportFailureAsync enqueues the failure report of an async step action.
func (r *LocalRunner) ReportFailureAsync(ctx context.Context, key IdempotencyKey, cause error) error {
	return r.Worker.EnqueueStepFailure(ctx, key, cause)
}

// CancelAsync enqueues a cancellation.
func (r *LocalRunner) CancelAsync(ctx context.Context, workflowID, transactionID, reason string) error {
	return r.Worker.EnqueueCancel(ctx, workflowID, transactionID, reason)
}
