package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/txflow/pkg/api"
)

func TestRetention_NoRetentionDeletesOnDone(t *testing.T) {
	e, store, _ := newTestEngine(t)
	mustRegister(t, e, api.WorkflowDefinition{
		ID:    "ephemeral",
		Steps: []api.StepDefinition{{ID: "only", Invoke: returning("x")}},
	})

	res, err := e.Run(context.Background(), "ephemeral", nil, api.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, api.StateDone, res.State)
	require.Equal(t, 0, store.Len())

	_, err = e.GetRunningTransaction(context.Background(), "ephemeral", res.TransactionID)
	require.ErrorIs(t, err, api.ErrTransactionNotFound)
}

func TestRetention_NoRetentionDeletesOnFailed(t *testing.T) {
	e, store, _ := newTestEngine(t)
	mustRegister(t, e, api.WorkflowDefinition{
		ID:    "ephemeral",
		Steps: []api.StepDefinition{{ID: "only", Invoke: failing(errors.New("x"))}},
	})

	res, err := e.Run(context.Background(), "ephemeral", nil, api.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, api.StateFailed, res.State)
	require.Equal(t, 0, store.Len())
}

func TestRetention_SweepDeletesExpired(t *testing.T) {
	e, store, clock := newTestEngine(t)
	ctx := context.Background()
	mustRegister(t, e, api.WorkflowDefinition{
		ID:        "kept",
		Steps:     []api.StepDefinition{{ID: "only", Invoke: returning("x")}},
		Retention: time.Hour,
	})
	mustRegister(t, e, api.WorkflowDefinition{
		ID:    "waiting",
		Steps: []api.StepDefinition{{ID: "only", Async: true, Invoke: returning(nil)}},
	})

	_, err := e.Run(ctx, "kept", nil, api.RunOptions{TransactionID: "tx-1"})
	require.NoError(t, err)
	_, err = e.Run(ctx, "waiting", nil, api.RunOptions{TransactionID: "tx-2"})
	require.NoError(t, err)

	n, err := e.SweepRetention(ctx, clock.Now().Add(30*time.Minute))
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, 2, store.Len())

	n, err = e.SweepRetention(ctx, clock.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, store.Len(), "active transactions are never swept")
}

func TestRetention_ExpiredRecordsDisappearOnRead(t *testing.T) {
	e, store, clock := newTestEngine(t)
	ctx := context.Background()
	mustRegister(t, e, api.WorkflowDefinition{
		ID:        "kept",
		Steps:     []api.StepDefinition{{ID: "only", Invoke: returning("x")}},
		Retention: time.Minute,
	})

	_, err := e.Run(ctx, "kept", nil, api.RunOptions{TransactionID: "tx-1"})
	require.NoError(t, err)

	txs, err := e.ListTransactions(ctx, api.ListOptions{WorkflowID: "kept"})
	require.NoError(t, err)
	require.Len(t, txs, 1)

	clock.Advance(2 * time.Minute)

	txs, err = e.ListTransactions(ctx, api.ListOptions{WorkflowID: "kept"})
	require.NoError(t, err)
	require.Empty(t, txs)

	_, err = e.GetRunningTransaction(ctx, "kept", "tx-1")
	require.ErrorIs(t, err, api.ErrTransactionNotFound)
	require.Equal(t, 0, store.Len())
}

func TestListTransactions_Filters(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	mustRegister(t, e, api.WorkflowDefinition{
		ID:        "sync",
		Steps:     []api.StepDefinition{{ID: "only", Invoke: returning("x")}},
		Retention: time.Hour,
	})
	mustRegister(t, e, api.WorkflowDefinition{
		ID:    "async",
		Steps: []api.StepDefinition{{ID: "only", Async: true, Invoke: returning(nil)}},
	})

	for _, id := range []string{"s1", "s2"} {
		_, err := e.Run(ctx, "sync", nil, api.RunOptions{TransactionID: id})
		require.NoError(t, err)
	}
	_, err := e.Run(ctx, "async", nil, api.RunOptions{TransactionID: "a1"})
	require.NoError(t, err)

	all, err := e.ListTransactions(ctx, api.ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	running, err := e.ListTransactions(ctx, api.ListOptions{States: []api.TransactionState{api.StateInvoking}})
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, "a1", running[0].TransactionID)

	limited, err := e.ListTransactions(ctx, api.ListOptions{WorkflowID: "sync", Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestListTransactions_LimitCountsOnlyLiveRecords(t *testing.T) {
	e, _, clock := newTestEngine(t)
	ctx := context.Background()
	mustRegister(t, e, api.WorkflowDefinition{
		ID:        "kept",
		Steps:     []api.StepDefinition{{ID: "only", Invoke: returning("x")}},
		Retention: time.Minute,
	})

	for _, id := range []string{"tx-1", "tx-2"} {
		_, err := e.Run(ctx, "kept", nil, api.RunOptions{TransactionID: id})
		require.NoError(t, err)
	}
	clock.Advance(2 * time.Minute)
	for _, id := range []string{"tx-3", "tx-4"} {
		_, err := e.Run(ctx, "kept", nil, api.RunOptions{TransactionID: id})
		require.NoError(t, err)
	}

	txs, err := e.ListTransactions(ctx, api.ListOptions{WorkflowID: "kept", Limit: 2})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	require.Equal(t, "tx-3", txs[0].TransactionID)
	require.Equal(t, "tx-4", txs[1].TransactionID)
}
