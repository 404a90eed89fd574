package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/petrijr/txflow/internal/persistence"
	"github.com/petrijr/txflow/pkg/api"
)

// Recover resumes every non-terminal transaction. A step found invoking had
// its handler interrupted and is failed rather than re-run; a step found
// compensating cannot be known to be undone and marks the transaction
// permanently failed.
func (e *engineImpl) Recover(ctx context.Context) (int, error) {
	txs, err := e.store.List(ctx, persistence.Filter{
		States: []api.TransactionState{api.StatePending, api.StateInvoking, api.StateCompensating},
	})
	if err != nil {
		return 0, fmt.Errorf("list unfinished transactions: %w", err)
	}

	recovered := 0
	var errs []error
	for _, tx := range txs {
		wf, err := e.registry.Get(tx.WorkflowID)
		if err != nil {
			e.logger.Warn("recover_skipped", "workflow_id", tx.WorkflowID, "transaction_id", tx.TransactionID, "error", err)
			continue
		}

		err = e.withLock(ctx, tx.WorkflowID, tx.TransactionID, func(ctx context.Context) error {
			s, err := e.load(ctx, wf, tx.TransactionID)
			if err != nil {
				return err
			}
			if err := s.commit(ctx, s.recoverInterrupted); err != nil && !ignorable(err) {
				return err
			}
			return s.advance(ctx)
		})
		switch {
		case err == nil:
			recovered++
		case errors.Is(err, api.ErrTransactionNotFound):
		case errors.Is(err, api.ErrDefinitionMismatch):
			e.logger.Warn("recover_skipped", "workflow_id", tx.WorkflowID, "transaction_id", tx.TransactionID, "error", err)
		default:
			errs = append(errs, fmt.Errorf("recover %s: %w", tx.Key(), err))
		}
	}
	if recovered > 0 {
		e.logger.Info("transactions_recovered", "count", recovered)
	}
	return recovered, errors.Join(errs...)
}

func (s *session) recoverInterrupted(tx *api.TransactionExecution) error {
	changed := false
	for _, st := range s.wf.steps {
		rec := tx.Steps[st.def.ID]
		if rec == nil {
			continue
		}
		switch rec.Status {
		case api.StepInvoking:
			if err := transition(rec, triggerFail); err != nil {
				return err
			}
			rec.LastError = "interrupted while invoking"
			rec.UpdatedAt = s.e.now()
			s.complete(tx, rec)
			changed = true
		case api.StepCompensating:
			if err := transition(rec, triggerCompensationFail); err != nil {
				return err
			}
			rec.LastError = "interrupted while compensating"
			rec.UpdatedAt = s.e.now()
			s.markPermanentlyFailed(tx, fmt.Sprintf("compensation of step %q was interrupted", rec.StepID))
			return nil
		}
	}
	if !changed {
		return errNoChange
	}
	return s.beginCompensation(tx, "interrupted while invoking", false)
}
