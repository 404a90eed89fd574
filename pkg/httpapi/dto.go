package httpapi

import (
	"encoding/json"

	"github.com/petrijr/txflow/pkg/api"
)

type RunRequest struct {
	Input         json.RawMessage `json:"input"`
	TransactionID string          `json:"transaction_id"`
	ThrowOnError  bool            `json:"throw_on_error"`
}

type SuccessRequest struct {
	Response json.RawMessage `json:"response"`
	Action   api.Action      `json:"action"`
}

type FailureRequest struct {
	Error  string     `json:"error" binding:"required"`
	Action api.Action `json:"action"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type StepErrorDTO struct {
	StepID  string     `json:"step_id"`
	Action  api.Action `json:"action"`
	Attempt int        `json:"attempt,omitempty"`
	Error   string     `json:"error"`
}

type RunResponse struct {
	WorkflowID    string                     `json:"workflow_id"`
	TransactionID string                     `json:"transaction_id"`
	State         api.TransactionState       `json:"state"`
	Result        map[string]json.RawMessage `json:"result,omitempty"`
	Errors        []StepErrorDTO             `json:"errors,omitempty"`
}

// AcceptedResponse answers requests handed to the worker queue.
type AcceptedResponse struct {
	WorkflowID    string `json:"workflow_id"`
	TransactionID string `json:"transaction_id"`
}

func toRunResponse(res *api.RunResult) RunResponse {
	out := RunResponse{
		WorkflowID:    res.WorkflowID,
		TransactionID: res.TransactionID,
		State:         res.State,
		Result:        res.Result,
	}
	for _, se := range res.Errors {
		msg := ""
		if se.Cause != nil {
			msg = se.Cause.Error()
		} else if se.Kind != nil {
			msg = se.Kind.Error()
		}
		out.Errors = append(out.Errors, StepErrorDTO{
			StepID:  se.StepID,
			Action:  se.Action,
			Attempt: se.Attempt,
			Error:   msg,
		})
	}
	return out
}
