package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/txflow/pkg/api"
)

func asyncThenSync(t *testing.T, e api.Orchestrator, id string, retention time.Duration, downstream *atomic.Int32) {
	t.Helper()
	mustRegister(t, e, api.WorkflowDefinition{
		ID: id,
		Steps: []api.StepDefinition{
			{ID: "approve", Async: true, Invoke: returning(nil)},
			{ID: "notify", DependsOn: []string{"approve"}, Invoke: counting(downstream, returning("sent"))},
		},
		Retention: retention,
	})
}

func TestSetStepSuccess_DuplicateReportIsNoop(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	var downstream atomic.Int32
	asyncThenSync(t, e, "approval", time.Hour, &downstream)

	_, err := e.Run(ctx, "approval", nil, api.RunOptions{TransactionID: "tx-1"})
	require.NoError(t, err)
	key := api.IdempotencyKey{WorkflowID: "approval", TransactionID: "tx-1", StepID: "approve", Action: api.ActionInvoke}

	first, err := e.SetStepSuccess(ctx, key, map[string]bool{"approved": true})
	require.NoError(t, err)
	second, err := e.SetStepSuccess(ctx, key, map[string]bool{"approved": true})
	require.NoError(t, err)

	require.Equal(t, api.StateDone, first.State)
	require.Equal(t, first.State, second.State)
	require.Equal(t, first.Result, second.Result)
	require.Equal(t, first.Transaction.Version, second.Transaction.Version)
	require.Equal(t, int32(1), downstream.Load())

	// A late failure for the same step is dropped as well.
	third, err := e.SetStepFailure(ctx, key, errors.New("rejected"))
	require.NoError(t, err)
	require.Equal(t, api.StateDone, third.State)
}

func TestSetStepSuccess_AfterDeletionIsNotFound(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	var downstream atomic.Int32
	asyncThenSync(t, e, "approval", 0, &downstream)

	_, err := e.Run(ctx, "approval", nil, api.RunOptions{TransactionID: "tx-1"})
	require.NoError(t, err)
	key := api.IdempotencyKey{WorkflowID: "approval", TransactionID: "tx-1", StepID: "approve", Action: api.ActionInvoke}

	res, err := e.SetStepSuccess(ctx, key, nil)
	require.NoError(t, err)
	require.Equal(t, api.StateDone, res.State)

	_, err = e.SetStepSuccess(ctx, key, nil)
	require.ErrorIs(t, err, api.ErrTransactionNotFound)
	require.Equal(t, int32(1), downstream.Load())
}

func TestSetStepSuccess_RejectsUnknownTargets(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	var downstream atomic.Int32
	asyncThenSync(t, e, "approval", time.Hour, &downstream)
	_, err := e.Run(ctx, "approval", nil, api.RunOptions{TransactionID: "tx-1"})
	require.NoError(t, err)

	_, err = e.SetStepSuccess(ctx, api.IdempotencyKey{WorkflowID: "nope", TransactionID: "tx-1", StepID: "approve", Action: api.ActionInvoke}, nil)
	require.ErrorIs(t, err, api.ErrDefinitionNotFound)

	_, err = e.SetStepSuccess(ctx, api.IdempotencyKey{WorkflowID: "approval", TransactionID: "tx-1", StepID: "nope", Action: api.ActionInvoke}, nil)
	require.ErrorIs(t, err, api.ErrStepNotFound)

	_, err = e.SetStepSuccess(ctx, api.IdempotencyKey{WorkflowID: "approval", TransactionID: "nope", StepID: "approve", Action: api.ActionInvoke}, nil)
	require.ErrorIs(t, err, api.ErrTransactionNotFound)

	_, err = e.SetStepSuccess(ctx, api.IdempotencyKey{WorkflowID: "approval", TransactionID: "tx-1", StepID: "approve", Action: "undo"}, nil)
	require.Error(t, err)
}

func TestSetStepSuccess_ConcurrentReportsApplyOnce(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	var downstream atomic.Int32
	asyncThenSync(t, e, "approval", time.Hour, &downstream)
	_, err := e.Run(ctx, "approval", nil, api.RunOptions{TransactionID: "tx-1"})
	require.NoError(t, err)
	key := api.IdempotencyKey{WorkflowID: "approval", TransactionID: "tx-1", StepID: "approve", Action: api.ActionInvoke}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.SetStepSuccess(ctx, key, "yes")
			if err != nil {
				t.Errorf("SetStepSuccess failed: %v", err)
				return
			}
			if res.State != api.StateDone {
				t.Errorf("expected done, got %s", res.State)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), downstream.Load())
}
