package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/txflow/internal/taskqueue"
	"github.com/petrijr/txflow/pkg/api"
)

// Config tunes task processing.
type Config struct {
	// MaxAttempts is the total number of times a task is processed before it
	// is dropped. Values below 1 mean 1.
	MaxAttempts int

	// Backoff is the base delay between attempts; it doubles per attempt up
	// to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// WorkerID owns the leases taken by this worker. Generated when empty.
	WorkerID string

	// LeaseTTL is how long a dequeued task stays invisible to other workers.
	LeaseTTL time.Duration

	// HeartbeatInterval is how often an in-flight lease is renewed.
	// Defaults to LeaseTTL/3.
	HeartbeatInterval time.Duration

	Logger *slog.Logger
}

const (
	DefaultLeaseTTL   = 30 * time.Second
	DefaultMaxBackoff = time.Minute
)

// Worker pulls tasks from a Queue and applies them to an Orchestrator.
type Worker struct {
	orch  api.Orchestrator
	queue taskqueue.Queue
	cfg   Config
	log   *slog.Logger
}

// New creates a new Worker with default settings.
func New(orch api.Orchestrator, queue taskqueue.Queue) *Worker {
	return NewWithConfig(orch, queue, Config{})
}

func NewWithConfig(orch api.Orchestrator, queue taskqueue.Queue, cfg Config) *Worker {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.LeaseTTL / 3
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		orch:  orch,
		queue: queue,
		cfg:   cfg,
		log:   logger.With("component", "txflow.worker", "worker_id", cfg.WorkerID),
	}
}

// EnqueueRun enqueues a transaction start. The transaction id is generated
// when empty and returned so the caller can follow the transaction.
func (w *Worker) EnqueueRun(ctx context.Context, workflowID, transactionID string, input any) (string, error) {
	return w.EnqueueRunAt(ctx, workflowID, transactionID, input, time.Time{})
}

// EnqueueRunAt is EnqueueRun for a start no earlier than at.
func (w *Worker) EnqueueRunAt(ctx context.Context, workflowID, transactionID string, input any, at time.Time) (string, error) {
	if transactionID == "" {
		transactionID = uuid.NewString()
	}
	payload, err := marshalPayload(input)
	if err != nil {
		return "", err
	}
	return transactionID, w.queue.Enqueue(ctx, taskqueue.Task{
		Type:          taskqueue.TaskTypeRun,
		WorkflowID:    workflowID,
		TransactionID: transactionID,
		Payload:       payload,
		NotBefore:     at,
	})
}

// EnqueueStepSuccess enqueues the report of an async step's response.
func (w *Worker) EnqueueStepSuccess(ctx context.Context, key api.IdempotencyKey, response any) error {
	payload, err := marshalPayload(response)
	if err != nil {
		return err
	}
	return w.enqueueReport(ctx, taskqueue.TaskTypeStepSuccess, key, payload)
}

// EnqueueStepFailure enqueues the report of an async step's failure.
func (w *Worker) EnqueueStepFailure(ctx context.Context, key api.IdempotencyKey, cause error) error {
	msg := "step failed"
	if cause != nil {
		msg = cause.Error()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return w.enqueueReport(ctx, taskqueue.TaskTypeStepFailure, key, payload)
}

// EnqueueCancel enqueues a cancellation.
func (w *Worker) EnqueueCancel(ctx context.Context, workflowID, transactionID, reason string) error {
	payload, err := json.Marshal(reason)
	if err != nil {
		return err
	}
	return w.queue.Enqueue(ctx, taskqueue.Task{
		Type:          taskqueue.TaskTypeCancel,
		WorkflowID:    workflowID,
		TransactionID: transactionID,
		Payload:       payload,
	})
}

func (w *Worker) enqueueResume(ctx context.Context, workflowID, transactionID string, at time.Time) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		Type:          taskqueue.TaskTypeResume,
		WorkflowID:    workflowID,
		TransactionID: transactionID,
		NotBefore:     at,
	})
}

func (w *Worker) enqueueReport(ctx context.Context, typ taskqueue.TaskType, key api.IdempotencyKey, payload json.RawMessage) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		Type:          typ,
		WorkflowID:    key.WorkflowID,
		TransactionID: key.TransactionID,
		StepID:        key.StepID,
		Action:        key.Action,
		Payload:       payload,
	})
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained; err is the dequeue error
//     (usually the context's).
//   - processed == true, err == nil: the task was applied, or scheduled for
//     another attempt.
//   - processed == true, err != nil: the task failed for good and was dropped.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx, w.cfg.WorkerID, w.cfg.LeaseTTL)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	log := w.log.With("task_id", task.ID, "task_type", task.Type, "workflow_id", task.WorkflowID, "transaction_id", task.TransactionID)

	stop := w.heartbeat(ctx, task.ID, log)
	err = w.handle(ctx, task)
	stop()

	if err == nil {
		if ackErr := w.queue.Ack(ctx, task.ID, w.cfg.WorkerID); ackErr != nil {
			log.Warn("ack failed", "error", ackErr)
		}
		return true, nil
	}

	attempts := task.Attempts + 1
	if retryable(err) && attempts < w.cfg.MaxAttempts {
		delay := w.backoff(attempts)
		log.Info("task failed, rescheduling", "error", err, "attempt", attempts, "delay", delay)
		if nackErr := w.queue.Nack(ctx, task.ID, w.cfg.WorkerID, time.Now().Add(delay), attempts); nackErr != nil {
			log.Warn("nack failed", "error", nackErr)
		}
		return true, nil
	}

	log.Error("task failed, dropping", "error", err, "attempt", attempts)
	if ackErr := w.queue.Ack(ctx, task.ID, w.cfg.WorkerID); ackErr != nil {
		log.Warn("ack failed", "error", ackErr)
	}
	return true, err
}

// Start runs concurrency processing loops until ctx is cancelled.
func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for {
				_, err := w.ProcessOne(ctx)
				if ctx.Err() != nil {
					return nil
				}
				if err != nil {
					w.log.Debug("process task", "error", err)
				}
			}
		})
	}
	return g.Wait()
}

func (w *Worker) handle(ctx context.Context, task *taskqueue.Task) error {
	switch task.Type {
	case taskqueue.TaskTypeRun:
		_, err := w.orch.Run(ctx, task.WorkflowID, task.Payload, api.RunOptions{TransactionID: task.TransactionID})
		return err

	case taskqueue.TaskTypeStepSuccess:
		_, err := w.orch.SetStepSuccess(ctx, task.IdempotencyKey(), task.Payload)
		return err

	case taskqueue.TaskTypeStepFailure:
		var msg string
		if err := json.Unmarshal(task.Payload, &msg); err != nil {
			return api.Permanent(fmt.Errorf("decode failure report: %w", err))
		}
		res, err := w.orch.SetStepFailure(ctx, task.IdempotencyKey(), errors.New(msg))
		if err != nil {
			return err
		}
		// The step went back to not started behind a backoff.
		if at, ok := res.NextRetryAt(); ok {
			return w.enqueueResume(ctx, res.WorkflowID, res.TransactionID, at)
		}
		return nil

	case taskqueue.TaskTypeResume:
		_, err := w.orch.Resume(ctx, task.WorkflowID, task.TransactionID)
		if errors.Is(err, api.ErrTransactionNotFound) {
			return nil
		}
		return err

	case taskqueue.TaskTypeCancel:
		var reason string
		if len(task.Payload) > 0 {
			if err := json.Unmarshal(task.Payload, &reason); err != nil {
				return api.Permanent(fmt.Errorf("decode cancel reason: %w", err))
			}
		}
		_, err := w.orch.Cancel(ctx, task.WorkflowID, task.TransactionID, reason)
		return err

	default:
		// Unknown task type; fail it so it isn't silently ignored.
		return api.Permanent(errors.New("unknown task type: " + string(task.Type)))
	}
}

// heartbeat renews the task lease until the returned function is called.
func (w *Worker) heartbeat(ctx context.Context, taskID string, log *slog.Logger) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := w.queue.RenewLease(hbCtx, taskID, w.cfg.WorkerID, w.cfg.LeaseTTL); err != nil {
					if hbCtx.Err() == nil {
						log.Warn("lease renewal failed", "error", err)
					}
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (w *Worker) backoff(attempt int) time.Duration {
	if w.cfg.Backoff <= 0 {
		return 0
	}
	b := retry.WithCappedDuration(w.cfg.MaxBackoff, retry.NewExponential(w.cfg.Backoff))
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d, _ = b.Next()
	}
	return d
}

// retryable reports whether another attempt of the same task could succeed.
func retryable(err error) bool {
	var txErr *api.TransactionError
	switch {
	case api.IsPermanent(err), errors.As(err, &txErr):
		return false
	case errors.Is(err, api.ErrDefinitionNotFound),
		errors.Is(err, api.ErrInvalidDefinition),
		errors.Is(err, api.ErrDefinitionMismatch),
		errors.Is(err, api.ErrTransactionNotFound),
		errors.Is(err, api.ErrStepNotFound):
		return false
	}
	return true
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode task payload: %w", err)
	}
	return data, nil
}
