package main

import (
	"context"
	"time"

	"github.com/petrijr/txflow"
)

type asyncValue struct {
	Value string `json:"value"`
}

type syncResult struct {
	InputFromSyncStep string `json:"inputFromSyncStep"`
}

// registerDemoWorkflows installs two small workflows that can be driven
// with curl. Both wait for new_step_name to be reported and then run done,
// which echoes the reported value:
//
//	workflow_1: keeps nothing; the record is gone once the report lands.
//	workflow_2: keeps terminal records for a day.
func registerDemoWorkflows(orch txflow.Orchestrator) error {
	for _, wf := range []*txflow.FlowBuilder{
		demoWorkflow("workflow_1"),
		demoWorkflow("workflow_2", txflow.Retention(24*time.Hour)),
	} {
		if err := wf.Register(orch); err != nil {
			return err
		}
	}
	return nil
}

func demoWorkflow(id string, opts ...txflow.WorkflowOption) *txflow.FlowBuilder {
	return txflow.New(id, opts...).
		Step("new_step_name", txflow.AwaitReport(), txflow.Async()).
		Step("done", txflow.FromStep("new_step_name", func(ctx context.Context, in asyncValue) (syncResult, error) {
			return syncResult{InputFromSyncStep: in.Value}, nil
		}))
}
