package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/txflow"
	"github.com/petrijr/txflow/pkg/api"
	"github.com/petrijr/txflow/pkg/sweeper"
)

func envOf(vars map[string]string) func(string) string {
	return func(key string) string { return vars[key] }
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig(nil, envOf(nil), io.Discard)
	require.NoError(t, err)

	require.Equal(t, backendMemory, cfg.Backend)
	require.Equal(t, ":8080", cfg.Addr)
	require.Equal(t, 4, cfg.Workers)
	require.Equal(t, 5, cfg.MaxAttempts)
	require.Equal(t, 30*time.Second, cfg.LeaseTTL)
	require.Equal(t, sweeper.DefaultSchedule, cfg.SweepSchedule)
	require.Equal(t, slog.LevelInfo, cfg.LogLevel)
	require.False(t, cfg.Demo)
}

func TestLoadConfig_EnvThenFlags(t *testing.T) {
	env := envOf(map[string]string{
		"TXFLOW_BACKEND":      "Redis",
		"TXFLOW_REDIS_ADDR":   "localhost:6379",
		"TXFLOW_WORKERS":      "8",
		"TXFLOW_LOG_LEVEL":    "debug",
		"TXFLOW_DEMO":         "true",
		"TXFLOW_REDIS_PREFIX": "env:",
	})

	cfg, err := loadConfig([]string{"-workers", "2", "-redis-prefix", "flag:"}, env, io.Discard)
	require.NoError(t, err)

	require.Equal(t, backendRedis, cfg.Backend)
	require.Equal(t, "localhost:6379", cfg.RedisAddr)
	require.Equal(t, 2, cfg.Workers)
	require.Equal(t, "flag:", cfg.RedisPrefix)
	require.Equal(t, slog.LevelDebug, cfg.LogLevel)
	require.True(t, cfg.Demo)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txflowd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend: postgres
postgres_dsn: postgres://txflow@localhost/txflow
workers: 0
lease_ttl: 1m
demo: true
`), 0o600))

	env := envOf(map[string]string{
		"TXFLOW_CONFIG": path,
		"TXFLOW_ADDR":   ":9090",
	})
	cfg, err := loadConfig([]string{"-lease-ttl", "45s"}, env, io.Discard)
	require.NoError(t, err)

	require.Equal(t, backendPostgres, cfg.Backend)
	require.Equal(t, "postgres://txflow@localhost/txflow", cfg.PostgresDSN)
	require.Equal(t, 0, cfg.Workers)
	require.Equal(t, 45*time.Second, cfg.LeaseTTL)
	require.Equal(t, ":9090", cfg.Addr)
	require.True(t, cfg.Demo)

	_, err = loadConfig(nil, envOf(map[string]string{"TXFLOW_CONFIG": filepath.Join(t.TempDir(), "missing.yaml")}), io.Discard)
	require.Error(t, err)
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := map[string]struct {
		args []string
		env  map[string]string
	}{
		"unknown backend":  {args: []string{"-backend", "etcd"}},
		"postgres no dsn":  {args: []string{"-backend", "postgres"}},
		"redis no addr":    {args: []string{"-backend", "redis"}},
		"mongo no uri":     {args: []string{"-backend", "mongo"}},
		"negative workers": {args: []string{"-workers", "-1"}},
		"bad env int":      {env: map[string]string{"TXFLOW_WORKERS": "many"}},
		"bad env duration": {env: map[string]string{"TXFLOW_LEASE_TTL": "soon"}},
		"bad log level":    {args: []string{"-log-level", "loud"}},
		"unknown flag":     {args: []string{"-nope"}},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := loadConfig(tc.args, envOf(tc.env), io.Discard)
			require.Error(t, err)
		})
	}
}

func TestDemoWorkflows(t *testing.T) {
	ctx := t.Context()
	orch := txflow.NewInMemory()
	require.NoError(t, registerDemoWorkflows(orch))

	res, err := txflow.Run(ctx, orch, "workflow_1", map[string]string{"value": "123"})
	require.NoError(t, err)
	require.Equal(t, txflow.StateInvoking, res.State)
	tx, err := orch.GetRunningTransaction(ctx, "workflow_1", res.TransactionID)
	require.NoError(t, err)
	require.Equal(t, api.StepWaitingAsync, tx.Steps["new_step_name"].Status)

	res, err = txflow.ReportSuccess(ctx, orch, txflow.IdempotencyKey{
		WorkflowID:    "workflow_1",
		TransactionID: res.TransactionID,
		StepID:        "new_step_name",
		Action:        txflow.ActionInvoke,
	}, map[string]string{"value": "oh"})
	require.NoError(t, err)
	require.Equal(t, txflow.StateDone, res.State)
	require.Len(t, res.Result, 1)
	require.JSONEq(t, `{"inputFromSyncStep":"oh"}`, string(res.Result["done"]))
	_, err = orch.GetRunningTransaction(ctx, "workflow_1", res.TransactionID)
	require.ErrorIs(t, err, api.ErrTransactionNotFound)

	res, err = orch.Run(ctx, "workflow_2", map[string]string{"value": "123"}, txflow.RunOptions{TransactionID: "transaction_1"})
	require.NoError(t, err)
	require.Equal(t, txflow.StateInvoking, res.State)
	res, err = txflow.ReportSuccess(ctx, orch, txflow.IdempotencyKey{
		WorkflowID:    "workflow_2",
		TransactionID: "transaction_1",
		StepID:        "new_step_name",
		Action:        txflow.ActionInvoke,
	}, map[string]string{"uhuuuu": "yeaah!"})
	require.NoError(t, err)
	require.Equal(t, txflow.StateDone, res.State)

	kept, err := orch.ListTransactions(ctx, api.ListOptions{WorkflowID: "workflow_2"})
	require.NoError(t, err)
	require.Len(t, kept, 1)
	require.Equal(t, "transaction_1", kept[0].TransactionID)
	require.Equal(t, txflow.StateDone, kept[0].State)
}
