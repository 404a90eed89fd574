package txflow

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/petrijr/txflow/internal/engine"
	"github.com/petrijr/txflow/internal/persistence"
	"github.com/petrijr/txflow/internal/taskqueue"
	"github.com/petrijr/txflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Orchestrator         = api.Orchestrator
	WorkflowDefinition   = api.WorkflowDefinition
	StepDefinition       = api.StepDefinition
	StepHandler          = api.StepHandler
	StepInput            = api.StepInput
	RetryPolicy          = api.RetryPolicy
	BackoffStrategy      = api.BackoffStrategy
	RunOptions           = api.RunOptions
	RunResult            = api.RunResult
	ListOptions          = api.ListOptions
	TransactionExecution = api.TransactionExecution
	TransactionState     = api.TransactionState
	StepStatus           = api.StepStatus
	IdempotencyKey       = api.IdempotencyKey
	Action               = api.Action
	Event                = api.Event
	Listener             = api.Listener
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
	StepError            = api.StepError
	TransactionError     = api.TransactionError
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	Permanent            = api.Permanent
)

// Re-export state values for convenience.

const (
	StatePending           = api.StatePending
	StateInvoking          = api.StateInvoking
	StateCompensating      = api.StateCompensating
	StateDone              = api.StateDone
	StateFailed            = api.StateFailed
	StatePermanentlyFailed = api.StatePermanentlyFailed

	ActionInvoke     = api.ActionInvoke
	ActionCompensate = api.ActionCompensate

	BackoffConstant    = api.BackoffConstant
	BackoffExponential = api.BackoffExponential
	BackoffFibonacci   = api.BackoffFibonacci
)

// Locker serialises facade calls on one transaction. Swap it with WithLocker
// to share locks between processes.
type Locker = persistence.Locker

// NewLocalLocker returns a process-local Locker.
func NewLocalLocker() Locker {
	return persistence.NewLocalLocker()
}

// NewRedisLocker returns a Locker built on leased Redis keys under prefix.
// A ttl of zero selects the default lease.
func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) Locker {
	return persistence.NewRedisLocker(client, prefix, ttl)
}

// NewPostgresLocker returns a Locker built on Postgres advisory locks.
func NewPostgresLocker(db *sql.DB) Locker {
	return persistence.NewPostgresLocker(db)
}

// Queue carries run, report and cancel tasks to workers.
type Queue = taskqueue.Queue

// NewInMemoryQueue returns a non-durable Queue for tests and LocalRunner-style
// setups.
func NewInMemoryQueue() Queue {
	return taskqueue.NewInMemoryQueue()
}

// Option configures an orchestrator built by one of the constructors below.
type Option = engine.Option

// WithObserver installs obs. Combine several with NewCompositeObserver.
func WithObserver(obs Observer) Option {
	return func(c *engine.Config) { c.Observer = obs }
}

// WithLogger sets the logger used for engine diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *engine.Config) { c.Logger = logger }
}

// WithLocker replaces the backend's default per-transaction lock.
func WithLocker(l Locker) Option {
	return func(c *engine.Config) { c.Persistence.Locker = l }
}

// WithTracer sets the tracer used for handler spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *engine.Config) { c.Tracer = t }
}

// WithConflictRetries bounds how many times a facade call is replayed after
// losing an optimistic write.
func WithConflictRetries(n int) Option {
	return func(c *engine.Config) { c.ConflictRetries = n }
}

// Orchestrator constructors.
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemory returns an Orchestrator whose transaction log lives in memory.
func NewInMemory(opts ...Option) Orchestrator {
	return engine.NewInMemoryEngine(opts...)
}

// NewSQLite returns an Orchestrator that persists transactions in SQLite.
// Workflow definitions are kept in memory.
func NewSQLite(db *sql.DB, opts ...Option) (Orchestrator, error) {
	return engine.NewSQLiteEngine(db, opts...)
}

// NewPostgres returns an Orchestrator that persists transactions in
// PostgreSQL and locks them with advisory locks.
func NewPostgres(db *gorm.DB, opts ...Option) (Orchestrator, error) {
	return engine.NewPostgresEngine(db, opts...)
}

// NewRedis returns an Orchestrator that persists transactions in Redis under
// prefix.
func NewRedis(client *redis.Client, prefix string, opts ...Option) Orchestrator {
	return engine.NewRedisEngine(client, prefix, opts...)
}

// NewMongo returns an Orchestrator that persists transactions in MongoDB.
// Locking is process-local unless WithLocker says otherwise.
func NewMongo(ctx context.Context, client *mongo.Client, dbName string, opts ...Option) (Orchestrator, error) {
	return engine.NewMongoEngine(ctx, client, dbName, opts...)
}

// Convenience helpers that just forward to the Orchestrator.

// Run starts a transaction of a registered workflow.
func Run(ctx context.Context, orch Orchestrator, workflowID string, input any) (*RunResult, error) {
	return orch.Run(ctx, workflowID, input, RunOptions{})
}

// ReportSuccess reports the response of an async step action.
func ReportSuccess(ctx context.Context, orch Orchestrator, key IdempotencyKey, response any) (*RunResult, error) {
	return orch.SetStepSuccess(ctx, key, response)
}

// ReportFailure reports the failure of an async step action.
func ReportFailure(ctx context.Context, orch Orchestrator, key IdempotencyKey, cause error) (*RunResult, error) {
	return orch.SetStepFailure(ctx, key, cause)
}

// Recover delegates to orch.Recover.
//
// It is typically called on process startup before starting any workers:
//
//	n, err := txflow.Recover(ctx, orch)
func Recover(ctx context.Context, orch Orchestrator) (int, error) {
	return orch.Recover(ctx)
}
