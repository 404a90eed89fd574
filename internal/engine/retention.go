package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/txflow/internal/persistence"
	"github.com/petrijr/txflow/pkg/api"
)

// expired reports whether tx is a terminal record past its retention.
func expired(tx *api.TransactionExecution, now time.Time) bool {
	return tx.State.Terminal() && tx.RetainUntil != nil && !tx.RetainUntil.After(now)
}

// applyRetention removes a freshly terminal record right away when its
// workflow keeps nothing. A failed delete leaves the record for the sweep.
func (e *engineImpl) applyRetention(ctx context.Context, s *session) {
	if s.wf.def.Retention > 0 || !expired(s.tx, e.now()) {
		return
	}
	if err := e.store.Delete(ctx, s.tx.WorkflowID, s.tx.TransactionID); err != nil {
		e.logger.Warn("retention_delete_failed",
			"workflow_id", s.tx.WorkflowID,
			"transaction_id", s.tx.TransactionID,
			"error", err,
		)
		return
	}
	s.deleted = true
}

func (e *engineImpl) SweepRetention(ctx context.Context, now time.Time) (int, error) {
	txs, err := e.store.List(ctx, persistence.Filter{RetainedBefore: now.Add(time.Nanosecond)})
	if err != nil {
		return 0, fmt.Errorf("list expired transactions: %w", err)
	}

	deleted := 0
	var errs []error
	for _, tx := range txs {
		err := e.withLock(ctx, tx.WorkflowID, tx.TransactionID, func(ctx context.Context) error {
			fresh, err := e.store.Get(ctx, tx.WorkflowID, tx.TransactionID)
			if err != nil {
				if errors.Is(err, persistence.ErrNotFound) {
					return nil
				}
				return err
			}
			if !expired(fresh, now) {
				return nil
			}
			if err := e.store.Delete(ctx, tx.WorkflowID, tx.TransactionID); err != nil {
				return err
			}
			deleted++
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep %s: %w", tx.Key(), err))
		}
	}
	if deleted > 0 {
		e.logger.Info("retention_swept", "deleted", deleted)
	}
	return deleted, errors.Join(errs...)
}

func (e *engineImpl) ExpireTimedOutSteps(ctx context.Context, now time.Time) (int, error) {
	txs, err := e.store.List(ctx, persistence.Filter{
		States: []api.TransactionState{api.StateInvoking, api.StateCompensating},
	})
	if err != nil {
		return 0, fmt.Errorf("list active transactions: %w", err)
	}

	affected := 0
	var errs []error
	for _, tx := range txs {
		// Only the earliest overdue step is reported: the failure starts
		// compensation, which settles the other waiting steps.
		key, deadline, ok := firstOverdue(tx, now)
		if !ok {
			continue
		}
		cause := &api.StepError{
			StepID: key.StepID,
			Action: key.Action,
			Kind:   api.ErrHandlerTimeout,
			Cause:  fmt.Errorf("no report before %s", deadline.Format(time.RFC3339)),
		}
		_, err := e.SetStepFailure(ctx, key, cause)
		switch {
		case err == nil, errors.Is(err, api.ErrTransactionFailed):
			affected++
		case errors.Is(err, api.ErrTransactionNotFound), errors.Is(err, api.ErrDefinitionNotFound):
		case errors.Is(err, api.ErrDefinitionMismatch), errors.Is(err, api.ErrStepNotFound):
			e.logger.Warn("expire_skipped", "key", key.String(), "error", err)
		default:
			errs = append(errs, fmt.Errorf("expire %s: %w", key, err))
		}
	}
	return affected, errors.Join(errs...)
}

func (e *engineImpl) ResumeDueRetries(ctx context.Context, now time.Time) (int, error) {
	txs, err := e.store.List(ctx, persistence.Filter{
		States: []api.TransactionState{api.StateInvoking},
	})
	if err != nil {
		return 0, fmt.Errorf("list active transactions: %w", err)
	}

	resumed := 0
	var errs []error
	for _, tx := range txs {
		if !retryDue(tx, now) {
			continue
		}
		_, err := e.Resume(ctx, tx.WorkflowID, tx.TransactionID)
		switch {
		case err == nil, errors.Is(err, api.ErrTransactionFailed):
			resumed++
		case errors.Is(err, api.ErrTransactionNotFound), errors.Is(err, api.ErrDefinitionNotFound):
		case errors.Is(err, api.ErrDefinitionMismatch):
			e.logger.Warn("resume_skipped", "workflow_id", tx.WorkflowID, "transaction_id", tx.TransactionID, "error", err)
		default:
			errs = append(errs, fmt.Errorf("resume %s: %w", tx.Key(), err))
		}
	}
	return resumed, errors.Join(errs...)
}

func retryDue(tx *api.TransactionExecution, now time.Time) bool {
	for _, rec := range tx.Steps {
		if rec.Status == api.StepNotStarted && rec.RetryAt != nil && !rec.RetryAt.After(now) {
			return true
		}
	}
	return false
}

func firstOverdue(tx *api.TransactionExecution, now time.Time) (api.IdempotencyKey, time.Time, bool) {
	var (
		key   api.IdempotencyKey
		first time.Time
		found bool
	)
	for _, rec := range tx.Steps {
		if rec.Deadline == nil || rec.Deadline.After(now) {
			continue
		}
		var action api.Action
		switch rec.Status {
		case api.StepWaitingAsync:
			action = api.ActionInvoke
		case api.StepWaitingAsyncCompensate:
			action = api.ActionCompensate
		default:
			continue
		}
		if found && !rec.Deadline.Before(first) {
			continue
		}
		first = *rec.Deadline
		found = true
		key = api.IdempotencyKey{
			WorkflowID:    tx.WorkflowID,
			TransactionID: tx.TransactionID,
			StepID:        rec.StepID,
			Action:        action,
		}
	}
	return key, first, found
}
