package api

import (
	"context"
	"time"
)

// Orchestrator is the facade over the transaction engine.
type Orchestrator interface {
	// RegisterWorkflow validates and registers a definition. Definitions are
	// immutable once registered.
	RegisterWorkflow(def WorkflowDefinition) error

	// Run starts a transaction, or resumes it when opts.TransactionID names an
	// existing one. It returns once the transaction is terminal or waits for
	// an async report.
	Run(ctx context.Context, workflowID string, input any, opts RunOptions) (*RunResult, error)

	// SetStepSuccess reports the response of an async step action.
	// Reporting a step that is not waiting is a no-op returning the current
	// descriptor.
	SetStepSuccess(ctx context.Context, key IdempotencyKey, response any) (*RunResult, error)

	// SetStepFailure reports the failure of an async step action.
	SetStepFailure(ctx context.Context, key IdempotencyKey, cause error) (*RunResult, error)

	// Cancel forces the transaction into compensation. In-flight async steps
	// are abandoned and their late reports ignored.
	Cancel(ctx context.Context, workflowID, transactionID, reason string) (*RunResult, error)

	// Resume drives an existing transaction as far as it can go without
	// creating one. Steps still held back by their retry backoff stay put.
	Resume(ctx context.Context, workflowID, transactionID string) (*RunResult, error)

	// Subscribe registers a listener for every persisted state change of the
	// given workflow, or of all workflows when workflowID is empty. The
	// returned function removes it.
	Subscribe(workflowID string, l Listener) (unsubscribe func())

	// GetRunningTransaction returns a snapshot of a transaction record.
	GetRunningTransaction(ctx context.Context, workflowID, transactionID string) (*TransactionExecution, error)

	// ListTransactions returns snapshots of the records matching opts.
	ListTransactions(ctx context.Context, opts ListOptions) ([]*TransactionExecution, error)

	// SweepRetention deletes terminal records whose retention ended before
	// now. It returns the number of deleted records.
	SweepRetention(ctx context.Context, now time.Time) (int, error)

	// ExpireTimedOutSteps fails async steps whose deadline passed before now.
	// It returns the number of affected transactions.
	ExpireTimedOutSteps(ctx context.Context, now time.Time) (int, error)

	// ResumeDueRetries resumes transactions with a step whose retry backoff
	// ended before now. It returns the number of resumed transactions.
	ResumeDueRetries(ctx context.Context, now time.Time) (int, error)

	// Recover resumes transactions interrupted by a crash. Steps found
	// invoking are failed rather than re-run. It is meant to run at startup
	// before workers accept new work.
	Recover(ctx context.Context) (int, error)
}
