package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

//
// Helpers
//

// testObserver is a simple Observer implementation used to verify fan-out behavior.
type testObserver struct {
	mu sync.Mutex

	starts        int
	finishes      int
	compensations int

	stepStarts    int
	stepCompletes int

	lastStart        *TransactionExecution
	lastFinish       *TransactionExecution
	lastCompensation string
	lastStepStart    struct {
		StepID string
		Action Action
	}
	lastStepComplete struct {
		StepID   string
		Action   Action
		Err      error
		Duration time.Duration
	}
}

func (o *testObserver) OnTransactionStart(ctx context.Context, tx *TransactionExecution) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts++
	o.lastStart = tx
}

func (o *testObserver) OnTransactionFinished(ctx context.Context, tx *TransactionExecution) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finishes++
	o.lastFinish = tx
}

func (o *testObserver) OnCompensationStart(ctx context.Context, tx *TransactionExecution, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.compensations++
	o.lastCompensation = reason
}

func (o *testObserver) OnStepStart(ctx context.Context, tx *TransactionExecution, stepID string, action Action) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stepStarts++
	o.lastStepStart.StepID = stepID
	o.lastStepStart.Action = action
}

func (o *testObserver) OnStepCompleted(ctx context.Context, tx *TransactionExecution, stepID string, action Action, err error, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stepCompletes++
	o.lastStepComplete.StepID = stepID
	o.lastStepComplete.Action = action
	o.lastStepComplete.Err = err
	o.lastStepComplete.Duration = d
}

// recordingHandler is a minimal slog.Handler that just records log records.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	return h
}

func attrsToMap(r slog.Record) map[string]any {
	m := make(map[string]any)
	r.Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value.Any()
		return true
	})
	return m
}

func newTestTransaction(state TransactionState) *TransactionExecution {
	return &TransactionExecution{
		WorkflowID:    "wf-test",
		TransactionID: "tx-123",
		State:         state,
		Steps:         map[string]*StepExecutionRecord{},
	}
}

//
// NoopObserver
//

func TestNoopObserver_DoesNotPanic(t *testing.T) {
	ctx := context.Background()
	tx := newTestTransaction(StateInvoking)
	var o Observer = NoopObserver{}

	o.OnTransactionStart(ctx, tx)
	o.OnTransactionFinished(ctx, tx)
	o.OnCompensationStart(ctx, tx, "boom")
	o.OnStepStart(ctx, tx, "step-1", ActionInvoke)
	o.OnStepCompleted(ctx, tx, "step-1", ActionInvoke, nil, time.Second)
}

//
// CompositeObserver
//

func TestNewCompositeObserver_EmptyReturnsNoop(t *testing.T) {
	o := NewCompositeObserver()
	if _, ok := o.(NoopObserver); !ok {
		t.Fatalf("expected NewCompositeObserver() to return NoopObserver, got %T", o)
	}
}

func TestNewCompositeObserver_SingleReturnsThatObserver(t *testing.T) {
	single := &testObserver{}
	o := NewCompositeObserver(single, nil)

	if got, ok := o.(*testObserver); !ok || got != single {
		t.Fatalf("expected the single non-nil observer to be returned, got %T (%p)", o, o)
	}
}

func TestCompositeObserver_ForwardsAllEvents(t *testing.T) {
	ctx := context.Background()
	tx := newTestTransaction(StateDone)

	o1 := &testObserver{}
	o2 := &testObserver{}
	co, ok := NewCompositeObserver(o1, o2).(*CompositeObserver)
	if !ok {
		t.Fatalf("expected *CompositeObserver")
	}

	err := errors.New("step failed")
	co.OnTransactionStart(ctx, tx)
	co.OnTransactionFinished(ctx, tx)
	co.OnCompensationStart(ctx, tx, "step failed")
	co.OnStepStart(ctx, tx, "step-1", ActionCompensate)
	co.OnStepCompleted(ctx, tx, "step-1", ActionCompensate, err, 2*time.Second)

	for i, o := range []*testObserver{o1, o2} {
		if o.starts != 1 || o.finishes != 1 || o.compensations != 1 || o.stepStarts != 1 || o.stepCompletes != 1 {
			t.Fatalf("observer %d did not receive all calls: %+v", i+1, o)
		}
		if o.lastStart != tx || o.lastFinish != tx {
			t.Fatalf("observer %d transaction mismatch", i+1)
		}
		if o.lastCompensation != "step failed" {
			t.Fatalf("observer %d compensation reason mismatch: %q", i+1, o.lastCompensation)
		}
		if o.lastStepStart.StepID != "step-1" || o.lastStepStart.Action != ActionCompensate {
			t.Fatalf("observer %d stepStart mismatch: %+v", i+1, o.lastStepStart)
		}
		if o.lastStepComplete.Err != err || o.lastStepComplete.Duration != 2*time.Second {
			t.Fatalf("observer %d stepComplete mismatch: %+v", i+1, o.lastStepComplete)
		}
	}
}

//
// LoggingObserver
//

func TestNewLoggingObserver_NilLoggerUsesDefault(t *testing.T) {
	o := NewLoggingObserver(nil)
	lo, ok := o.(*LoggingObserver)
	if !ok {
		t.Fatalf("expected *LoggingObserver, got %T", o)
	}
	if lo.Logger == nil {
		t.Fatalf("expected non-nil Logger when created with nil")
	}
}

func TestLoggingObserver_OnTransactionStart_EmitsInfoLog(t *testing.T) {
	ctx := context.Background()
	tx := newTestTransaction(StatePending)

	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	o.OnTransactionStart(ctx, tx)

	if len(h.records) != 1 {
		t.Fatalf("expected 1 log record, got %d", len(h.records))
	}
	rec := h.records[0]
	if rec.Level != slog.LevelInfo {
		t.Fatalf("expected LevelInfo, got %v", rec.Level)
	}
	if rec.Message != "transaction_start" {
		t.Fatalf("expected message transaction_start, got %q", rec.Message)
	}
	attrs := attrsToMap(rec)
	if attrs["workflow"] != tx.WorkflowID {
		t.Fatalf("expected workflow=%q, got %v", tx.WorkflowID, attrs["workflow"])
	}
	if attrs["transaction_id"] != tx.TransactionID {
		t.Fatalf("expected transaction_id=%q, got %v", tx.TransactionID, attrs["transaction_id"])
	}
}

func TestLoggingObserver_OnTransactionFinished_LevelDependsOnState(t *testing.T) {
	ctx := context.Background()
	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	o.OnTransactionFinished(ctx, newTestTransaction(StateDone))
	o.OnTransactionFinished(ctx, newTestTransaction(StateFailed))
	o.OnTransactionFinished(ctx, newTestTransaction(StatePermanentlyFailed))

	want := []slog.Level{slog.LevelInfo, slog.LevelWarn, slog.LevelError}
	if len(h.records) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(h.records))
	}
	for i, lvl := range want {
		if h.records[i].Level != lvl {
			t.Fatalf("record %d: level=%v, want %v", i, h.records[i].Level, lvl)
		}
	}
}

func TestLoggingObserver_OnStepCompleted_LevelDependsOnError(t *testing.T) {
	ctx := context.Background()
	tx := newTestTransaction(StateInvoking)

	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	o.OnStepCompleted(ctx, tx, "step-ok", ActionInvoke, nil, time.Second)
	o.OnStepCompleted(ctx, tx, "step-fail", ActionInvoke, errors.New("boom"), 2*time.Second)

	if len(h.records) != 2 {
		t.Fatalf("expected 2 log records, got %d", len(h.records))
	}
	if h.records[0].Level != slog.LevelDebug {
		t.Fatalf("expected success record LevelDebug, got %v", h.records[0].Level)
	}
	if h.records[1].Level != slog.LevelError {
		t.Fatalf("expected failure record LevelError, got %v", h.records[1].Level)
	}
	attrs := attrsToMap(h.records[1])
	if attrs["step"] != "step-fail" {
		t.Fatalf("expected step=step-fail, got %v", attrs["step"])
	}
	if attrs["action"] != "invoke" {
		t.Fatalf("expected action=invoke, got %v", attrs["action"])
	}
	if attrs["error"] == nil {
		t.Fatalf("expected error attribute on failure record, got nil")
	}
}

//
// BasicMetrics
//

func TestBasicMetrics_TransactionCountersAndSnapshot(t *testing.T) {
	var m BasicMetrics
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		m.OnTransactionStart(ctx, newTestTransaction(StatePending))
	}
	m.OnTransactionFinished(ctx, newTestTransaction(StateDone))
	m.OnTransactionFinished(ctx, newTestTransaction(StateFailed))
	m.OnTransactionFinished(ctx, newTestTransaction(StatePermanentlyFailed))
	m.OnCompensationStart(ctx, newTestTransaction(StateCompensating), "boom")

	snap := m.Snapshot()
	if snap.TransactionsStarted != 4 {
		t.Fatalf("TransactionsStarted=%d, want 4", snap.TransactionsStarted)
	}
	if snap.TransactionsDone != 1 || snap.TransactionsFailed != 1 || snap.TransactionsPermanentlyFailed != 1 {
		t.Fatalf("unexpected terminal counters: %+v", snap)
	}
	if snap.PendingTransactions != 1 {
		t.Fatalf("PendingTransactions=%d, want 1", snap.PendingTransactions)
	}
	if snap.Compensations != 1 {
		t.Fatalf("Compensations=%d, want 1", snap.Compensations)
	}
}

func TestBasicMetrics_OnStepCompleted_SuccessOnlyCountsDuration(t *testing.T) {
	var m BasicMetrics
	ctx := context.Background()
	tx := newTestTransaction(StateInvoking)

	m.OnStepCompleted(ctx, tx, "step-1", ActionInvoke, nil, 1*time.Second)
	m.OnStepCompleted(ctx, tx, "step-2", ActionInvoke, nil, 3*time.Second)
	m.OnStepCompleted(ctx, tx, "step-3", ActionInvoke, errors.New("fail"), 10*time.Second)

	snap := m.Snapshot()
	if snap.StepsCompleted != 2 {
		t.Fatalf("StepsCompleted=%d, want 2", snap.StepsCompleted)
	}
	if snap.StepsFailed != 1 {
		t.Fatalf("StepsFailed=%d, want 1", snap.StepsFailed)
	}
	if want := 2 * time.Second; snap.AvgStepDuration != want {
		t.Fatalf("AvgStepDuration=%v, want %v", snap.AvgStepDuration, want)
	}
}

func TestBasicMetrics_SnapshotZeroStepsHasZeroAverage(t *testing.T) {
	var m BasicMetrics
	snap := m.Snapshot()
	if snap.StepsCompleted != 0 || snap.AvgStepDuration != 0 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}
