package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/petrijr/txflow/pkg/api"
)

// compensate walks the done and failed steps back in reverse completion
// order. It stops when the transaction is failed, permanently failed, or
// waiting for an async compensation report.
func (s *session) compensate(ctx context.Context) error {
	for !s.deleted && s.tx.State == api.StateCompensating {
		if hasStatus(s.tx, api.StepWaitingAsync, api.StepInvoking) {
			// Left behind by a wave that was interrupted or by an async step
			// that acknowledged after compensation began.
			err := s.commit(ctx, func(tx *api.TransactionExecution) error {
				changed := false
				for _, st := range s.wf.steps {
					rec := tx.Steps[st.def.ID]
					if rec != nil && (rec.Status == api.StepWaitingAsync || rec.Status == api.StepInvoking) {
						if err := s.abandon(tx, rec, tx.Error); err != nil {
							return err
						}
						changed = true
					}
				}
				if !changed {
					return errNoChange
				}
				return nil
			})
			if err != nil && !ignorable(err) {
				return err
			}
			continue
		}
		if hasStatus(s.tx, api.StepWaitingAsyncCompensate, api.StepCompensating) {
			// Waiting for a report, or interrupted mid-handler and left for Recover.
			return nil
		}

		next := nextToCompensate(s.tx)
		if next == nil {
			err := s.commit(ctx, func(tx *api.TransactionExecution) error {
				if tx.State != api.StateCompensating || nextToCompensate(tx) != nil {
					return errNoChange
				}
				s.markTerminal(tx, api.StateFailed)
				return nil
			})
			if err != nil && !ignorable(err) {
				return err
			}
			continue
		}

		st, ok := s.wf.step(next.StepID)
		if !ok {
			return fmt.Errorf("%w: %s records unknown step %q", api.ErrDefinitionMismatch, s.tx.Key(), next.StepID)
		}
		if err := s.compensateStep(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) compensateStep(ctx context.Context, st *compiledStep) error {
	id := st.def.ID

	err := s.commit(ctx, func(tx *api.TransactionExecution) error {
		rec := tx.Steps[id]
		if rec == nil || tx.State != api.StateCompensating || (rec.Status != api.StepDone && rec.Status != api.StepFailed) {
			return errNoChange
		}
		if err := transition(rec, triggerCompensate); err != nil {
			return err
		}
		rec.UpdatedAt = s.e.now()
		if st.def.Compensate == nil {
			return transition(rec, triggerCompensated)
		}
		return nil
	})
	if err != nil {
		if ignorable(err) {
			return nil
		}
		return err
	}
	if rec := s.tx.Steps[id]; rec == nil || rec.Status != api.StepCompensating {
		return nil
	}

	_, herr := s.e.callHandler(ctx, s.wf, st, api.ActionCompensate, s.tx.Clone(), 1)

	err = s.commit(ctx, func(tx *api.TransactionExecution) error {
		rec := tx.Steps[id]
		if rec == nil || rec.Status != api.StepCompensating {
			return errNoChange
		}
		rec.UpdatedAt = s.e.now()
		if herr != nil {
			rec.LastError = herr.Error()
			rec.TimedOut = errors.Is(herr, api.ErrHandlerTimeout)
			if err := transition(rec, triggerCompensationFail); err != nil {
				return err
			}
			s.markPermanentlyFailed(tx, fmt.Sprintf("compensation of step %q failed: %v", id, herr))
			return nil
		}
		if st.def.CompensateAsync {
			if err := transition(rec, triggerAwaitCompensation); err != nil {
				return err
			}
			rec.Deadline = s.deadline(st.def.AsyncTimeout)
			return nil
		}
		return transition(rec, triggerCompensated)
	})
	if err != nil && !ignorable(err) {
		return err
	}
	return nil
}

// nextToCompensate returns the done or failed step completed last.
func nextToCompensate(tx *api.TransactionExecution) *api.StepExecutionRecord {
	var next *api.StepExecutionRecord
	for _, rec := range tx.Steps {
		if rec.Status != api.StepDone && rec.Status != api.StepFailed {
			continue
		}
		if next == nil || rec.CompletedSeq > next.CompletedSeq {
			next = rec
		}
	}
	return next
}

func hasStatus(tx *api.TransactionExecution, statuses ...api.StepStatus) bool {
	for _, rec := range tx.Steps {
		for _, st := range statuses {
			if rec.Status == st {
				return true
			}
		}
	}
	return false
}
