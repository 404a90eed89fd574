package api

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDefinitionNotFound is returned when a workflow id is not registered.
	ErrDefinitionNotFound = errors.New("txflow: workflow definition not found")

	// ErrInvalidDefinition is returned by RegisterWorkflow for malformed,
	// cyclic or duplicate definitions.
	ErrInvalidDefinition = errors.New("txflow: invalid workflow definition")

	// ErrDefinitionMismatch is returned when a stored transaction was created
	// under a definition whose steps differ from the registered one.
	ErrDefinitionMismatch = errors.New("txflow: transaction does not match workflow definition")

	// ErrTransactionNotFound is returned when no record exists for a key.
	ErrTransactionNotFound = errors.New("txflow: transaction not found")

	// ErrStepNotFound is returned when a step id is not part of the workflow.
	ErrStepNotFound = errors.New("txflow: step not found")

	// ErrStepNotWaiting marks a report for a step that is not waiting for one.
	// Reports of that kind are no-ops; the facade never returns this error.
	ErrStepNotWaiting = errors.New("txflow: step is not waiting for a report")

	// ErrHandlerTimeout is returned when a handler exceeds its timeout or an
	// async step is not reported before its deadline.
	ErrHandlerTimeout = errors.New("txflow: step handler timed out")

	// ErrHandlerFailure wraps an error returned by an invoke handler.
	ErrHandlerFailure = errors.New("txflow: step handler failed")

	// ErrCompensationFailure is terminal and requires manual intervention.
	ErrCompensationFailure = errors.New("txflow: compensation failed")

	// ErrConcurrentModification is returned when a record kept changing
	// underneath the caller.
	ErrConcurrentModification = errors.New("txflow: concurrent modification")

	// ErrTransactionFailed is wrapped by TransactionError.
	ErrTransactionFailed = errors.New("txflow: transaction failed")

	// ErrCancelled is recorded on steps abandoned by Cancel.
	ErrCancelled = errors.New("txflow: transaction cancelled")
)

// StepError describes the failure of one step action.
type StepError struct {
	StepID  string
	Action  Action
	Attempt int
	// Kind is one of the sentinels above.
	Kind  error
	Cause error
}

func (e *StepError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "step %q %s", e.StepID, e.Action)
	if e.Attempt > 0 {
		fmt.Fprintf(&b, " (attempt %d)", e.Attempt)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	} else if e.Kind != nil {
		b.WriteString(": ")
		b.WriteString(e.Kind.Error())
	}
	return b.String()
}

func (e *StepError) Unwrap() error { return e.Cause }

// Is matches the error kind so errors.Is(err, ErrHandlerTimeout) works on a
// StepError wrapping any cause.
func (e *StepError) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

// TransactionError is returned when a transaction ends failed or permanently
// failed and the caller asked to be told.
type TransactionError struct {
	WorkflowID    string
	TransactionID string
	State         TransactionState
	Errors        []*StepError
}

func (e *TransactionError) Error() string {
	msg := fmt.Sprintf("transaction %s/%s ended %s", e.WorkflowID, e.TransactionID, e.State)
	if len(e.Errors) > 0 {
		msg += ": " + e.Errors[0].Error()
	}
	return msg
}

func (e *TransactionError) Unwrap() []error {
	errs := []error{ErrTransactionFailed}
	if e.State == StatePermanentlyFailed {
		errs = append(errs, ErrCompensationFailure)
	}
	for _, se := range e.Errors {
		errs = append(errs, se)
	}
	return errs
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying: the step fails immediately
// regardless of its retry policy.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
