package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TransactionState is the overall state of a transaction.
type TransactionState string

const (
	StatePending           TransactionState = "pending"
	StateInvoking          TransactionState = "invoking"
	StateCompensating      TransactionState = "compensating"
	StateDone              TransactionState = "done"
	StateFailed            TransactionState = "failed"
	StatePermanentlyFailed TransactionState = "permanently_failed"
)

// Terminal reports whether no further transitions are possible.
func (s TransactionState) Terminal() bool {
	switch s {
	case StateDone, StateFailed, StatePermanentlyFailed:
		return true
	}
	return false
}

// StepStatus is the status of one step within a transaction.
type StepStatus string

const (
	StepNotStarted             StepStatus = "not_started"
	StepInvoking               StepStatus = "invoking"
	StepWaitingAsync           StepStatus = "waiting_async"
	StepDone                   StepStatus = "done"
	StepFailed                 StepStatus = "failed"
	StepCompensating           StepStatus = "compensating"
	StepWaitingAsyncCompensate StepStatus = "waiting_async_compensate"
	StepCompensated            StepStatus = "compensated"
	StepPermanentlyFailed      StepStatus = "permanently_failed"
)

// StepExecutionRecord is the persisted progress of one step.
type StepExecutionRecord struct {
	StepID    string          `json:"step_id"`
	Status    StepStatus      `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	TimedOut  bool            `json:"timed_out,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`

	// CompletedSeq orders the forward pass; zero until the step is done or failed.
	CompletedSeq int64 `json:"completed_seq,omitempty"`

	StartedAt time.Time  `json:"started_at,omitzero"`
	UpdatedAt time.Time  `json:"updated_at,omitzero"`
	Deadline  *time.Time `json:"deadline,omitempty"`

	// RetryAt holds a not started step back until its retry backoff ends.
	RetryAt *time.Time `json:"retry_at,omitempty"`
}

// TransactionExecution is the persisted record of one workflow execution.
type TransactionExecution struct {
	WorkflowID    string                          `json:"workflow_id"`
	TransactionID string                          `json:"transaction_id"`
	State         TransactionState                `json:"state"`
	Input         json.RawMessage                 `json:"input,omitempty"`
	Steps         map[string]*StepExecutionRecord `json:"steps"`
	Error         string                          `json:"error,omitempty"`

	// Fingerprint is the WorkflowDefinition.Fingerprint the transaction was
	// created under.
	Fingerprint string `json:"fingerprint,omitempty"`

	// Version is the optimistic concurrency token. Stores bump it on save.
	Version int64 `json:"version"`

	// Seq is the last CompletedSeq handed out.
	Seq int64 `json:"seq"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	RetainUntil *time.Time `json:"retain_until,omitempty"`
}

// Key returns the natural key of the transaction.
func (t *TransactionExecution) Key() string {
	return TransactionKey(t.WorkflowID, t.TransactionID)
}

// Step returns the record of stepID, or nil.
func (t *TransactionExecution) Step(stepID string) *StepExecutionRecord {
	return t.Steps[stepID]
}

// Clone returns a deep copy so callers never alias stored state.
func (t *TransactionExecution) Clone() *TransactionExecution {
	if t == nil {
		return nil
	}
	c := *t
	c.Input = cloneRaw(t.Input)
	c.RetainUntil = cloneTime(t.RetainUntil)
	c.Steps = make(map[string]*StepExecutionRecord, len(t.Steps))
	for id, s := range t.Steps {
		sc := *s
		sc.Response = cloneRaw(s.Response)
		sc.Deadline = cloneTime(s.Deadline)
		sc.RetryAt = cloneTime(s.RetryAt)
		c.Steps[id] = &sc
	}
	return &c
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

var keyEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// TransactionKey joins a workflow id and a transaction id. The workflow id
// is escaped so the first ':' always ends it and distinct pairs never share
// a key.
func TransactionKey(workflowID, transactionID string) string {
	return keyEscaper.Replace(workflowID) + ":" + transactionID
}

// IdempotencyKey identifies one action of one step of one transaction.
type IdempotencyKey struct {
	WorkflowID    string `json:"workflow_id"`
	TransactionID string `json:"transaction_id"`
	StepID        string `json:"step_id"`
	Action        Action `json:"action"`
}

// String renders the key as workflow:transaction:step:action.
func (k IdempotencyKey) String() string {
	return strings.Join([]string{k.WorkflowID, k.TransactionID, k.StepID, string(k.Action)}, ":")
}

// ParseIdempotencyKey parses the String form of a key. Workflow and step
// ids never contain ':', so everything between them is the transaction id.
func ParseIdempotencyKey(s string) (IdempotencyKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 4 {
		return IdempotencyKey{}, fmt.Errorf("invalid idempotency key %q", s)
	}
	n := len(parts)
	k := IdempotencyKey{
		WorkflowID:    parts[0],
		TransactionID: strings.Join(parts[1:n-2], ":"),
		StepID:        parts[n-2],
		Action:        Action(parts[n-1]),
	}
	if k.WorkflowID == "" || k.TransactionID == "" || k.StepID == "" {
		return IdempotencyKey{}, fmt.Errorf("invalid idempotency key %q", s)
	}
	if !k.Action.Valid() {
		return IdempotencyKey{}, fmt.Errorf("invalid idempotency key %q: unknown action %q", s, k.Action)
	}
	return k, nil
}

// RunOptions tunes Orchestrator.Run.
type RunOptions struct {
	// TransactionID is generated when empty.
	TransactionID string

	// ThrowOnError returns a *TransactionError when the transaction ends
	// failed or permanently failed.
	ThrowOnError bool
}

// RunResult describes a transaction after a facade call returned.
type RunResult struct {
	WorkflowID    string
	TransactionID string
	State         TransactionState

	// Result holds the responses of the workflow's leaf steps once done.
	Result map[string]json.RawMessage

	// Errors lists the recorded step errors, in completion order.
	Errors []*StepError

	// Transaction is a snapshot of the record at return time.
	Transaction *TransactionExecution
}

// Done reports whether the transaction completed successfully.
func (r *RunResult) Done() bool {
	return r != nil && r.State == StateDone
}

// NextRetryAt returns the earliest time a step held back by its retry
// backoff becomes eligible again.
func (r *RunResult) NextRetryAt() (time.Time, bool) {
	var next time.Time
	if r == nil || r.Transaction == nil {
		return next, false
	}
	for _, s := range r.Transaction.Steps {
		if s.Status != StepNotStarted || s.RetryAt == nil {
			continue
		}
		if next.IsZero() || s.RetryAt.Before(next) {
			next = *s.RetryAt
		}
	}
	return next, !next.IsZero()
}

// Outputs returns a copy of every recorded step response.
func (r *RunResult) Outputs() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	if r == nil || r.Transaction == nil {
		return out
	}
	for id, s := range r.Transaction.Steps {
		if len(s.Response) > 0 {
			out[id] = cloneRaw(s.Response)
		}
	}
	return out
}

// ListOptions selects transactions for ListTransactions.
// Zero fields mean "no filter".
type ListOptions struct {
	WorkflowID string
	States     []TransactionState
	Limit      int
}

// TransactionError describes the result as an error. It is what Run returns
// for failed transactions when ThrowOnError is set.
func (r *RunResult) TransactionError() *TransactionError {
	return &TransactionError{
		WorkflowID:    r.WorkflowID,
		TransactionID: r.TransactionID,
		State:         r.State,
		Errors:        r.Errors,
	}
}
