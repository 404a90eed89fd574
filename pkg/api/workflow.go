package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Action identifies which handler of a step an operation refers to.
type Action string

const (
	ActionInvoke     Action = "invoke"
	ActionCompensate Action = "compensate"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a == ActionInvoke || a == ActionCompensate
}

// StepHandler is the user code behind a step action.
//
// The returned value is encoded as JSON and recorded as the step response.
// Returning a json.RawMessage stores it verbatim. For async steps the return
// value of the invoke handler is ignored: the response is the one reported
// later through SetStepSuccess.
type StepHandler func(ctx context.Context, in StepInput) (any, error)

// StepInput is what a handler receives.
type StepInput struct {
	WorkflowID    string
	TransactionID string
	StepID        string
	Action        Action

	// Attempt is the 1-based attempt number of this invocation.
	Attempt int

	// Input is the raw transaction input as supplied to Run.
	Input json.RawMessage

	// Outputs holds the responses of every ancestor step that is done,
	// keyed by step id.
	Outputs map[string]json.RawMessage

	// Response is the step's own recorded response. Only set for compensation.
	Response json.RawMessage

	// Error is the step's last recorded error. Only set for compensation.
	Error string
}

// Bind decodes the transaction input into v.
func (in StepInput) Bind(v any) error {
	if len(in.Input) == 0 {
		return nil
	}
	if err := json.Unmarshal(in.Input, v); err != nil {
		return fmt.Errorf("decode input of step %q: %w", in.StepID, err)
	}
	return nil
}

// Output decodes the recorded response of step stepID into v.
// It returns false if that step has no recorded response.
func (in StepInput) Output(stepID string, v any) (bool, error) {
	raw, ok := in.Outputs[stepID]
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode output of step %q: %w", stepID, err)
	}
	return true, nil
}

// BackoffStrategy selects how retry delays grow.
type BackoffStrategy string

const (
	BackoffConstant    BackoffStrategy = "constant"
	BackoffExponential BackoffStrategy = "exponential"
	BackoffFibonacci   BackoffStrategy = "fibonacci"
)

// RetryPolicy controls how many times a step's invoke handler may run and how
// long to wait between attempts. The zero value means a single attempt.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first one.
	// Values <= 1 mean no retries.
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between attempts. Zero means no cap.
	MaxBackoff time.Duration

	// Strategy defaults to BackoffConstant.
	Strategy BackoffStrategy
}

// Attempts returns the effective number of attempts, at least 1.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// StepDefinition describes one node of a workflow graph.
type StepDefinition struct {
	// ID is unique within the workflow.
	ID string

	Invoke     StepHandler
	Compensate StepHandler

	// DependsOn lists step ids that must be done before this step runs.
	DependsOn []string

	// Async marks the invoke action as externally completed.
	Async bool

	// CompensateAsync marks the compensate action as externally completed.
	CompensateAsync bool

	Retry RetryPolicy

	// Timeout bounds one handler invocation. Zero means no timeout.
	Timeout time.Duration

	// AsyncTimeout bounds how long the step may wait for an external report.
	// Zero means forever.
	AsyncTimeout time.Duration
}

// WorkflowDefinition is an immutable DAG of steps registered under ID.
type WorkflowDefinition struct {
	ID    string
	Steps []StepDefinition

	// Retention keeps terminal transaction records for the given duration.
	// Zero deletes them as soon as they reach a terminal state.
	Retention time.Duration
}

// Fingerprint identifies the shape of the workflow: step ids in order, their
// dependencies and which actions complete asynchronously. Handlers,
// timeouts, retry policies and retention do not contribute.
func (d WorkflowDefinition) Fingerprint() string {
	h := sha256.New()
	for _, s := range d.Steps {
		deps := slices.Clone(s.DependsOn)
		slices.Sort(deps)
		fmt.Fprintf(h, "%s|%s|%t|%t\n", s.ID, strings.Join(deps, ","), s.Async, s.CompensateAsync)
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Step returns the definition of the step with the given id.
func (d WorkflowDefinition) Step(id string) (StepDefinition, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return StepDefinition{}, false
}
