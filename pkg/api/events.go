package api

import (
	"context"
	"time"
)

// Event is delivered to listeners after every persisted transaction state or
// step status change. StepID is empty for transaction-level changes.
type Event struct {
	WorkflowID    string           `json:"workflow_id"`
	TransactionID string           `json:"transaction_id"`
	State         TransactionState `json:"state"`
	StepID        string           `json:"step_id,omitempty"`
	StepStatus    StepStatus       `json:"step_status,omitempty"`
	Action        Action           `json:"action,omitempty"`
	At            time.Time        `json:"at"`
}

// Listener receives events. Delivery is synchronous and best effort:
// listeners should return quickly and must not call back into the
// orchestrator for the same transaction.
type Listener func(ctx context.Context, ev Event)
