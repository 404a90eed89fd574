package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the orchestrator for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay transaction execution. The transaction
// passed to callbacks is a snapshot and must not be modified.
type Observer interface {
	// OnTransactionStart is called once when a transaction record is created.
	OnTransactionStart(ctx context.Context, tx *TransactionExecution)

	// OnTransactionFinished is called when a transaction reaches a terminal
	// state (done, failed or permanently failed).
	OnTransactionFinished(ctx context.Context, tx *TransactionExecution)

	// OnCompensationStart is called when a transaction enters compensation.
	OnCompensationStart(ctx context.Context, tx *TransactionExecution, reason string)

	// OnStepStart is called before invoking a step handler.
	OnStepStart(ctx context.Context, tx *TransactionExecution, stepID string, action Action)

	// OnStepCompleted is called after a step handler returns, for both
	// successes and failures (err != nil).
	OnStepCompleted(ctx context.Context, tx *TransactionExecution, stepID string, action Action, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnTransactionStart(ctx context.Context, tx *TransactionExecution)    {}
func (NoopObserver) OnTransactionFinished(ctx context.Context, tx *TransactionExecution) {}
func (NoopObserver) OnCompensationStart(ctx context.Context, tx *TransactionExecution, reason string) {
}
func (NoopObserver) OnStepStart(ctx context.Context, tx *TransactionExecution, stepID string, action Action) {
}
func (NoopObserver) OnStepCompleted(ctx context.Context, tx *TransactionExecution, stepID string, action Action, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnTransactionStart(ctx context.Context, tx *TransactionExecution) {
	for _, o := range c.observers {
		o.OnTransactionStart(ctx, tx)
	}
}

func (c *CompositeObserver) OnTransactionFinished(ctx context.Context, tx *TransactionExecution) {
	for _, o := range c.observers {
		o.OnTransactionFinished(ctx, tx)
	}
}

func (c *CompositeObserver) OnCompensationStart(ctx context.Context, tx *TransactionExecution, reason string) {
	for _, o := range c.observers {
		o.OnCompensationStart(ctx, tx, reason)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, tx *TransactionExecution, stepID string, action Action) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, tx, stepID, action)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, tx *TransactionExecution, stepID string, action Action, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, tx, stepID, action, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs transaction and step
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnTransactionStart(ctx context.Context, tx *TransactionExecution) {
	o.Logger.InfoContext(ctx, "transaction_start",
		slog.String("workflow", tx.WorkflowID),
		slog.String("transaction_id", tx.TransactionID),
	)
}

func (o *LoggingObserver) OnTransactionFinished(ctx context.Context, tx *TransactionExecution) {
	level := slog.LevelInfo
	switch tx.State {
	case StateFailed:
		level = slog.LevelWarn
	case StatePermanentlyFailed:
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "transaction_finished",
		slog.String("workflow", tx.WorkflowID),
		slog.String("transaction_id", tx.TransactionID),
		slog.String("state", string(tx.State)),
		slog.String("error", tx.Error),
	)
}

func (o *LoggingObserver) OnCompensationStart(ctx context.Context, tx *TransactionExecution, reason string) {
	o.Logger.WarnContext(ctx, "compensation_start",
		slog.String("workflow", tx.WorkflowID),
		slog.String("transaction_id", tx.TransactionID),
		slog.String("reason", reason),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, tx *TransactionExecution, stepID string, action Action) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("workflow", tx.WorkflowID),
		slog.String("transaction_id", tx.TransactionID),
		slog.String("step", stepID),
		slog.String("action", string(action)),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, tx *TransactionExecution, stepID string, action Action, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.String("workflow", tx.WorkflowID),
		slog.String("transaction_id", tx.TransactionID),
		slog.String("step", stepID),
		slog.String("action", string(action)),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	transactionsStarted      atomic.Int64
	transactionsDone         atomic.Int64
	transactionsFailed       atomic.Int64
	transactionsInconsistent atomic.Int64
	compensations            atomic.Int64
	stepsCompleted           atomic.Int64
	stepsFailed              atomic.Int64
	totalStepDuration        atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	TransactionsStarted           int64
	TransactionsDone              int64
	TransactionsFailed            int64
	TransactionsPermanentlyFailed int64
	PendingTransactions           int64
	Compensations                 int64

	StepsCompleted  int64
	StepsFailed     int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnTransactionStart(ctx context.Context, tx *TransactionExecution) {
	m.transactionsStarted.Add(1)
}

func (m *BasicMetrics) OnTransactionFinished(ctx context.Context, tx *TransactionExecution) {
	switch tx.State {
	case StateDone:
		m.transactionsDone.Add(1)
	case StateFailed:
		m.transactionsFailed.Add(1)
	case StatePermanentlyFailed:
		m.transactionsInconsistent.Add(1)
	}
}

func (m *BasicMetrics) OnCompensationStart(ctx context.Context, tx *TransactionExecution, reason string) {
	m.compensations.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, tx *TransactionExecution, stepID string, action Action, err error, d time.Duration) {
	if err != nil {
		m.stepsFailed.Add(1)
		return
	}
	// Only successful steps count towards the average duration.
	m.stepsCompleted.Add(1)
	m.totalStepDuration.Add(d.Nanoseconds())
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.transactionsStarted.Load()
	done := m.transactionsDone.Load()
	failed := m.transactionsFailed.Load()
	inconsistent := m.transactionsInconsistent.Load()
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		TransactionsStarted:           started,
		TransactionsDone:              done,
		TransactionsFailed:            failed,
		TransactionsPermanentlyFailed: inconsistent,
		PendingTransactions:           started - done - failed - inconsistent,
		Compensations:                 m.compensations.Load(),
		StepsCompleted:                steps,
		StepsFailed:                   m.stepsFailed.Load(),
		AvgStepDuration:               avg,
	}
}
