package api

import (
	"context"
	"testing"
	"time"
)

func noopHandler(ctx context.Context, in StepInput) (any, error) { return nil, nil }

func TestWorkflowFingerprint_IgnoresHandlersAndTuning(t *testing.T) {
	wf1 := WorkflowDefinition{ID: "order", Steps: []StepDefinition{
		{ID: "reserve", Invoke: noopHandler},
		{ID: "charge", Invoke: noopHandler, DependsOn: []string{"reserve"}, Async: true},
	}}
	wf2 := WorkflowDefinition{ID: "order", Retention: time.Hour, Steps: []StepDefinition{
		{ID: "reserve", Invoke: func(ctx context.Context, in StepInput) (any, error) { return "x", nil }, Timeout: time.Second},
		{ID: "charge", Invoke: noopHandler, DependsOn: []string{"reserve"}, Async: true, Retry: RetryPolicy{MaxAttempts: 3}},
	}}

	if wf1.Fingerprint() != wf2.Fingerprint() {
		t.Fatalf("expected equal fingerprints, got %s and %s", wf1.Fingerprint(), wf2.Fingerprint())
	}
}

func TestWorkflowFingerprint_ChangesWithShape(t *testing.T) {
	base := WorkflowDefinition{ID: "order", Steps: []StepDefinition{
		{ID: "reserve", Invoke: noopHandler},
		{ID: "charge", Invoke: noopHandler, DependsOn: []string{"reserve"}},
	}}

	variants := map[string]WorkflowDefinition{
		"added step": {ID: "order", Steps: []StepDefinition{
			{ID: "reserve", Invoke: noopHandler},
			{ID: "charge", Invoke: noopHandler, DependsOn: []string{"reserve"}},
			{ID: "ship", Invoke: noopHandler},
		}},
		"dropped dependency": {ID: "order", Steps: []StepDefinition{
			{ID: "reserve", Invoke: noopHandler},
			{ID: "charge", Invoke: noopHandler},
		}},
		"async invoke": {ID: "order", Steps: []StepDefinition{
			{ID: "reserve", Invoke: noopHandler},
			{ID: "charge", Invoke: noopHandler, DependsOn: []string{"reserve"}, Async: true},
		}},
	}

	for name, wf := range variants {
		if wf.Fingerprint() == base.Fingerprint() {
			t.Fatalf("%s: fingerprint did not change", name)
		}
	}
}
