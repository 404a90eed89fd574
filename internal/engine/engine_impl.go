package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/petrijr/txflow/internal/persistence"
	"github.com/petrijr/txflow/pkg/api"
)

const (
	// DefaultConflictRetries bounds how often a commit is re-applied on top
	// of a fresher record before ErrConcurrentModification is returned.
	DefaultConflictRetries = 3

	tracerName = "github.com/petrijr/txflow"
)

// engineImpl is the orchestrator facade. Every call that mutates a
// transaction holds the transaction's lock for its whole duration and
// persists each transition before the next one is attempted.
type engineImpl struct {
	registry  *workflowRegistry
	store     persistence.Store
	locker    persistence.Locker
	listeners *listenerRegistry

	observer        api.Observer
	logger          *slog.Logger
	tracer          trace.Tracer
	conflictRetries int
	now             func() time.Time
}

// Config describes how to construct an engineImpl.
// External callers go through the txflow package constructors.
type Config struct {
	Persistence persistence.Persistence
	Observer    api.Observer
	Logger      *slog.Logger
	Tracer      trace.Tracer

	// ConflictRetries defaults to DefaultConflictRetries.
	ConflictRetries int

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Option adjusts the Config of an engine built by one of the backend
// constructors.
type Option func(*Config)

// NewInMemoryEngine returns an orchestrator whose transaction log lives in
// process memory.
func NewInMemoryEngine(opts ...Option) api.Orchestrator {
	return NewEngine(persistence.NewInMemory(), opts...)
}

// NewSQLiteEngine stores transactions in the given SQLite database.
func NewSQLiteEngine(db *sql.DB, opts ...Option) (api.Orchestrator, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngine(persistence.Persistence{
		Transactions: store,
		Locker:       persistence.NewLocalLocker(),
	}, opts...), nil
}

// NewPostgresEngine stores transactions through gorm and serializes access
// across processes with advisory locks on the same database.
func NewPostgresEngine(db *gorm.DB, opts ...Option) (api.Orchestrator, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres engine: %w", err)
	}
	return NewEngine(persistence.Persistence{
		Transactions: store,
		Locker:       persistence.NewPostgresLocker(sqlDB),
	}, opts...), nil
}

// NewRedisEngine stores transactions in Redis and locks them with leased
// Redis keys under the same prefix.
func NewRedisEngine(client *redis.Client, prefix string, opts ...Option) api.Orchestrator {
	return NewEngine(persistence.Persistence{
		Transactions: persistence.NewRedisStore(client, prefix),
		Locker:       persistence.NewRedisLocker(client, prefix, 0),
	}, opts...)
}

// NewMongoEngine stores transactions in MongoDB. Locking is process-local
// unless another Locker is configured; cross-process safety then relies on
// the versioned writes alone.
func NewMongoEngine(ctx context.Context, client *mongo.Client, dbName string, opts ...Option) (api.Orchestrator, error) {
	store, err := persistence.NewMongoStore(ctx, client, dbName, "")
	if err != nil {
		return nil, err
	}
	return NewEngine(persistence.Persistence{
		Transactions: store,
		Locker:       persistence.NewLocalLocker(),
	}, opts...), nil
}

// NewEngineWithConfig creates a new orchestrator using the given configuration.
func NewEngineWithConfig(cfg Config) api.Orchestrator {
	return newEngine(cfg)
}

// NewEngine returns an orchestrator over p. Options are applied after p is
// set, so they may replace its Locker.
func NewEngine(p persistence.Persistence, opts ...Option) api.Orchestrator {
	cfg := Config{Persistence: p}
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewEngineWithConfig(cfg)
}

func newEngine(cfg Config) *engineImpl {
	if cfg.Persistence.Transactions == nil {
		cfg.Persistence.Transactions = persistence.NewMemoryStore()
	}
	if cfg.Persistence.Locker == nil {
		cfg.Persistence.Locker = persistence.NewLocalLocker()
	}
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	retries := cfg.ConflictRetries
	if retries <= 0 {
		retries = DefaultConflictRetries
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &engineImpl{
		registry:        newWorkflowRegistry(),
		store:           cfg.Persistence.Transactions,
		locker:          cfg.Persistence.Locker,
		listeners:       newListenerRegistry(logger),
		observer:        obs,
		logger:          logger.With("component", "txflow"),
		tracer:          tracer,
		conflictRetries: retries,
		now:             func() time.Time { return clock().UTC() },
	}
}

func (e *engineImpl) RegisterWorkflow(def api.WorkflowDefinition) error {
	if err := e.registry.Register(def); err != nil {
		return err
	}
	e.logger.Debug("workflow_registered", "workflow_id", def.ID, "steps", len(def.Steps))
	return nil
}

func (e *engineImpl) Run(ctx context.Context, workflowID string, input any, opts api.RunOptions) (*api.RunResult, error) {
	wf, err := e.registry.Get(workflowID)
	if err != nil {
		return nil, err
	}
	raw, err := encodePayload(input)
	if err != nil {
		return nil, fmt.Errorf("encode input of workflow %q: %w", workflowID, err)
	}
	txID := opts.TransactionID
	if txID == "" {
		txID = uuid.NewString()
	}

	var res *api.RunResult
	err = e.withLock(ctx, workflowID, txID, func(ctx context.Context) error {
		s, err := e.loadOrCreate(ctx, wf, txID, raw)
		if err != nil {
			return err
		}
		defer func() { res = s.result() }()
		return s.advance(ctx)
	})
	return finishResult(res, err, opts.ThrowOnError)
}

func (e *engineImpl) SetStepSuccess(ctx context.Context, key api.IdempotencyKey, response any) (*api.RunResult, error) {
	raw, err := encodePayload(response)
	if err != nil {
		return nil, fmt.Errorf("encode response of %s: %w", key, err)
	}
	return e.report(ctx, key, func(s *session, st *compiledStep) mutation {
		return s.reportSuccess(st, key.Action, raw)
	})
}

func (e *engineImpl) SetStepFailure(ctx context.Context, key api.IdempotencyKey, cause error) (*api.RunResult, error) {
	if cause == nil {
		cause = api.ErrHandlerFailure
	}
	return e.report(ctx, key, func(s *session, st *compiledStep) mutation {
		return s.reportFailure(st, key.Action, cause)
	})
}

// report applies an external async report. Reports for steps that are not
// waiting are dropped and the current descriptor is returned.
func (e *engineImpl) report(ctx context.Context, key api.IdempotencyKey, build func(*session, *compiledStep) mutation) (*api.RunResult, error) {
	if !key.Action.Valid() {
		return nil, fmt.Errorf("report %s: unknown action %q", key, key.Action)
	}
	wf, err := e.registry.Get(key.WorkflowID)
	if err != nil {
		return nil, err
	}
	st, ok := wf.step(key.StepID)
	if !ok {
		return nil, fmt.Errorf("%w: %q in workflow %q", api.ErrStepNotFound, key.StepID, key.WorkflowID)
	}

	var res *api.RunResult
	err = e.withLock(ctx, key.WorkflowID, key.TransactionID, func(ctx context.Context) error {
		s, err := e.load(ctx, wf, key.TransactionID)
		if err != nil {
			return err
		}
		defer func() { res = s.result() }()

		if err := s.commit(ctx, build(s, st)); err != nil {
			if errors.Is(err, api.ErrStepNotWaiting) {
				e.logger.Debug("report_ignored", "key", key.String(), "state", s.tx.State)
				return nil
			}
			return err
		}
		return s.advance(ctx)
	})
	return finishResult(res, err, false)
}

func (e *engineImpl) Cancel(ctx context.Context, workflowID, transactionID, reason string) (*api.RunResult, error) {
	wf, err := e.registry.Get(workflowID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "cancelled"
	}

	var res *api.RunResult
	err = e.withLock(ctx, workflowID, transactionID, func(ctx context.Context) error {
		s, err := e.load(ctx, wf, transactionID)
		if err != nil {
			return err
		}
		defer func() { res = s.result() }()

		err = s.commit(ctx, func(tx *api.TransactionExecution) error {
			if tx.State.Terminal() || tx.State == api.StateCompensating {
				return errNoChange
			}
			return s.beginCompensation(tx, fmt.Sprintf("%s: %s", api.ErrCancelled, reason), true)
		})
		if err != nil && !errors.Is(err, errNoChange) {
			return err
		}
		return s.advance(ctx)
	})
	return finishResult(res, err, false)
}

func (e *engineImpl) Resume(ctx context.Context, workflowID, transactionID string) (*api.RunResult, error) {
	wf, err := e.registry.Get(workflowID)
	if err != nil {
		return nil, err
	}

	var res *api.RunResult
	err = e.withLock(ctx, workflowID, transactionID, func(ctx context.Context) error {
		s, err := e.load(ctx, wf, transactionID)
		if err != nil {
			return err
		}
		defer func() { res = s.result() }()
		return s.advance(ctx)
	})
	return finishResult(res, err, false)
}

func (e *engineImpl) Subscribe(workflowID string, l api.Listener) func() {
	return e.listeners.add(workflowID, l)
}

func (e *engineImpl) GetRunningTransaction(ctx context.Context, workflowID, transactionID string) (*api.TransactionExecution, error) {
	tx, err := e.store.Get(ctx, workflowID, transactionID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrTransactionNotFound, api.TransactionKey(workflowID, transactionID))
		}
		return nil, err
	}
	if expired(tx, e.now()) {
		if err := e.store.Delete(ctx, workflowID, transactionID); err != nil {
			e.logger.Warn("retention_delete_failed", "workflow_id", workflowID, "transaction_id", transactionID, "error", err)
		}
		return nil, fmt.Errorf("%w: %s", api.ErrTransactionNotFound, api.TransactionKey(workflowID, transactionID))
	}
	return tx, nil
}

func (e *engineImpl) ListTransactions(ctx context.Context, opts api.ListOptions) ([]*api.TransactionExecution, error) {
	return e.store.List(ctx, persistence.Filter{
		WorkflowID:  opts.WorkflowID,
		States:      opts.States,
		UnexpiredAt: e.now(),
		Limit:       opts.Limit,
	})
}

// withLock runs fn while holding the transaction lock. Once the lock is held
// fn runs detached from the caller's cancellation so a started transition
// always reaches a persisted resting point.
func (e *engineImpl) withLock(ctx context.Context, workflowID, transactionID string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := api.TransactionKey(workflowID, transactionID)
	unlock, err := e.locker.Lock(ctx, key)
	if err != nil {
		return fmt.Errorf("lock transaction %s: %w", key, err)
	}
	defer unlock()
	return fn(context.WithoutCancel(ctx))
}

func (e *engineImpl) load(ctx context.Context, wf *compiledWorkflow, transactionID string) (*session, error) {
	tx, err := e.store.Get(ctx, wf.def.ID, transactionID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrTransactionNotFound, api.TransactionKey(wf.def.ID, transactionID))
		}
		return nil, err
	}
	if expired(tx, e.now()) {
		return nil, fmt.Errorf("%w: %s", api.ErrTransactionNotFound, tx.Key())
	}
	if err := wf.compatible(tx); err != nil {
		return nil, err
	}
	return &session{e: e, wf: wf, tx: tx}, nil
}

// loadOrCreate resumes an existing transaction or persists a new one.
func (e *engineImpl) loadOrCreate(ctx context.Context, wf *compiledWorkflow, transactionID string, input json.RawMessage) (*session, error) {
	s, err := e.load(ctx, wf, transactionID)
	if err == nil {
		e.logger.Debug("transaction_resumed", "workflow_id", wf.def.ID, "transaction_id", transactionID, "state", s.tx.State)
		return s, nil
	}
	if !errors.Is(err, api.ErrTransactionNotFound) {
		return nil, err
	}

	now := e.now()
	tx := &api.TransactionExecution{
		WorkflowID:    wf.def.ID,
		TransactionID: transactionID,
		State:         api.StatePending,
		Input:         input,
		Fingerprint:   wf.fingerprint,
		Steps:         make(map[string]*api.StepExecutionRecord, len(wf.steps)),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, st := range wf.steps {
		tx.Steps[st.def.ID] = &api.StepExecutionRecord{
			StepID: st.def.ID,
			Status: api.StepNotStarted,
		}
	}
	if err := e.store.Save(ctx, tx); err != nil {
		if errors.Is(err, persistence.ErrVersionConflict) {
			// Created by someone else in the meantime.
			return e.load(ctx, wf, transactionID)
		}
		return nil, fmt.Errorf("create transaction %s: %w", tx.Key(), err)
	}

	s = &session{e: e, wf: wf, tx: tx.Clone()}
	e.afterCommit(ctx, s, nil, s.tx)
	return s, nil
}

func encodePayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return append(json.RawMessage(nil), p...), nil
	case []byte:
		if json.Valid(p) {
			return append(json.RawMessage(nil), p...), nil
		}
	}
	return json.Marshal(v)
}

// finishResult maps a finished facade call to its return values.
func finishResult(res *api.RunResult, err error, throwOnError bool) (*api.RunResult, error) {
	if err != nil {
		return res, err
	}
	switch res.State {
	case api.StatePermanentlyFailed:
		return res, res.TransactionError()
	case api.StateFailed:
		if throwOnError {
			return res, res.TransactionError()
		}
	}
	return res, nil
}
