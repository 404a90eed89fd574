package txflow

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	workerpkg "github.com/petrijr/txflow/pkg/worker"
)

// TestSQLiteBundle_DurableAcrossRestart demonstrates that a transaction
// started via the worker/queue combination survives a simulated process
// restart, assuming workflows are re-registered on startup.
func TestSQLiteBundle_DurableAcrossRestart(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dsn := "file:" + filepath.Join(t.TempDir(), "txflow_bundle.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

	flow := New("async-add-one", Retention(time.Hour)).
		Step("add-one", TypedStep(func(ctx context.Context, n int) (int, error) {
			return n + 1, nil
		})).
		Step("confirm", AwaitReport(), Async())

	// --- Phase 1: enqueue a run task, no processing yet.

	db1, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)

	bundle1, err := NewSQLiteBundle(db1, workerpkg.Config{MaxAttempts: 3})
	require.NoError(t, err)
	require.NoError(t, flow.Register(bundle1.Orchestrator))

	txID, err := bundle1.Worker.EnqueueRun(ctx, flow.ID(), "", 41)
	require.NoError(t, err)
	require.Equal(t, 1, bundle1.Pending())

	mid, err := bundle1.Orchestrator.ListTransactions(ctx, ListOptions{WorkflowID: flow.ID()})
	require.NoError(t, err)
	require.Len(t, mid, 0, "no transactions should exist before a worker processes the queue")

	// Simulate a crash by closing the DB and discarding bundle1.
	require.NoError(t, db1.Close())

	// --- Phase 2: "restart" with a new DB handle and bundle.

	db2, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	defer db2.Close()

	bundle2, err := NewSQLiteBundle(db2, workerpkg.Config{MaxAttempts: 3})
	require.NoError(t, err)

	// Workflow definitions are in-memory only and must be re-registered.
	require.NoError(t, flow.Register(bundle2.Orchestrator))

	_, err = Recover(ctx, bundle2.Orchestrator)
	require.NoError(t, err)

	processed, err := bundle2.Worker.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed, "expected one task to be processed")

	tx, err := bundle2.Orchestrator.GetRunningTransaction(ctx, flow.ID(), txID)
	require.NoError(t, err)
	require.Equal(t, StateInvoking, tx.State)
	require.Equal(t, "42", string(tx.Steps["add-one"].Response))

	// --- Phase 3: the confirmation arrives through the durable queue.

	key := IdempotencyKey{WorkflowID: flow.ID(), TransactionID: txID, StepID: "confirm", Action: ActionInvoke}
	require.NoError(t, bundle2.Worker.EnqueueStepSuccess(ctx, key, "ok"))
	processed, err = bundle2.Worker.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	done, err := bundle2.Orchestrator.ListTransactions(ctx, ListOptions{WorkflowID: flow.ID(), States: []TransactionState{StateDone}})
	require.NoError(t, err)
	require.Len(t, done, 1)
	require.Equal(t, txID, done[0].TransactionID)
	require.Zero(t, bundle2.Pending())
}
