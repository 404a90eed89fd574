package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/txflow"
	"github.com/petrijr/txflow/pkg/api"
)

func TestOpenBackend_DrivesDemoWorkflowThroughWorker(t *testing.T) {
	cases := map[string]config{
		"memory": {Backend: backendMemory},
		"sqlite": {Backend: backendSQLite, SQLiteDSN: "file:" + filepath.Join(t.TempDir(), "txflowd.db") + "?_pragma=busy_timeout(5000)"},
	}

	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			cfg.MaxAttempts = 1
			cfg.LeaseTTL = time.Second

			ctx := context.Background()
			b, err := openBackend(ctx, cfg, nil, slog.Default(), nil)
			require.NoError(t, err)
			t.Cleanup(b.close)
			require.NoError(t, registerDemoWorkflows(b.orch))

			txID, err := b.worker.EnqueueRun(ctx, "workflow_2", "", nil)
			require.NoError(t, err)
			processed, err := b.worker.ProcessOne(ctx)
			require.NoError(t, err)
			require.True(t, processed)

			key := txflow.IdempotencyKey{WorkflowID: "workflow_2", TransactionID: txID, StepID: "new_step_name", Action: api.ActionInvoke}
			require.NoError(t, b.worker.EnqueueStepSuccess(ctx, key, map[string]string{"value": "oh"}))
			processed, err = b.worker.ProcessOne(ctx)
			require.NoError(t, err)
			require.True(t, processed)

			tx, err := b.orch.GetRunningTransaction(ctx, "workflow_2", txID)
			require.NoError(t, err)
			require.Equal(t, api.StateDone, tx.State)
			require.JSONEq(t, `{"inputFromSyncStep":"oh"}`, string(tx.Steps["done"].Response))
		})
	}
}
