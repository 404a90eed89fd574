package engine

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/petrijr/txflow/internal/persistence"
	"github.com/petrijr/txflow/pkg/api"
)

// errNoChange tells commit that a mutation has nothing to do on the record
// it was handed. The commit is discarded without an error surfacing.
var errNoChange = errors.New("no change")

// mutation applies one transition to a working copy of the record. Returning
// errNoChange or api.ErrStepNotWaiting discards it.
type mutation func(tx *api.TransactionExecution) error

// session is the state of one facade call on one transaction. tx always
// mirrors the last version persisted or read by this session.
type session struct {
	e  *engineImpl
	wf *compiledWorkflow
	tx *api.TransactionExecution

	// deleted is set once the record was removed by retention.
	deleted bool
}

// commit applies m to a copy of the record and saves it. On a version
// conflict the fresh record is loaded and m is applied again.
func (s *session) commit(ctx context.Context, m mutation) error {
	if s.deleted {
		return errNoChange
	}
	for attempt := 0; ; attempt++ {
		next := s.tx.Clone()
		if err := m(next); err != nil {
			return err
		}
		next.UpdatedAt = s.e.now()

		err := s.e.store.Save(ctx, next)
		if err == nil {
			before := s.tx
			s.tx = next.Clone()
			s.e.afterCommit(ctx, s, before, s.tx)
			return nil
		}
		if !errors.Is(err, persistence.ErrVersionConflict) {
			return fmt.Errorf("save transaction %s: %w", s.tx.Key(), err)
		}
		if attempt >= s.e.conflictRetries {
			return fmt.Errorf("%w: %s", api.ErrConcurrentModification, s.tx.Key())
		}

		s.e.logger.Debug("version_conflict", "workflow_id", s.tx.WorkflowID, "transaction_id", s.tx.TransactionID, "attempt", attempt+1)
		fresh, err := s.e.store.Get(ctx, s.tx.WorkflowID, s.tx.TransactionID)
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				s.deleted = true
				return fmt.Errorf("%w: %s", api.ErrTransactionNotFound, s.tx.Key())
			}
			return err
		}
		if err := s.wf.compatible(fresh); err != nil {
			return err
		}
		s.tx = fresh
	}
}

// afterCommit runs the side effects of a persisted transition: observer
// callbacks, listener events and retention.
func (e *engineImpl) afterCommit(ctx context.Context, s *session, before, after *api.TransactionExecution) {
	if before == nil {
		e.observer.OnTransactionStart(ctx, after)
	}
	if after.State == api.StateCompensating && (before == nil || before.State != api.StateCompensating) {
		e.observer.OnCompensationStart(ctx, after, after.Error)
	}

	for _, ev := range diffEvents(s.wf, before, after) {
		e.listeners.dispatch(ctx, ev)
	}

	if after.State.Terminal() && (before == nil || !before.State.Terminal()) {
		e.observer.OnTransactionFinished(ctx, after)
		e.applyRetention(ctx, s)
	}
}

// diffEvents lists what changed between two persisted versions, transaction
// first, then steps in registration order.
func diffEvents(wf *compiledWorkflow, before, after *api.TransactionExecution) []api.Event {
	var evs []api.Event
	if before == nil || before.State != after.State {
		evs = append(evs, api.Event{
			WorkflowID:    after.WorkflowID,
			TransactionID: after.TransactionID,
			State:         after.State,
			At:            after.UpdatedAt,
		})
	}
	for _, st := range wf.steps {
		rec := after.Steps[st.def.ID]
		if rec == nil {
			continue
		}
		if before != nil {
			if prev := before.Steps[st.def.ID]; prev != nil && prev.Status == rec.Status {
				continue
			}
		}
		if before == nil && rec.Status == api.StepNotStarted {
			continue
		}
		evs = append(evs, api.Event{
			WorkflowID:    after.WorkflowID,
			TransactionID: after.TransactionID,
			State:         after.State,
			StepID:        rec.StepID,
			StepStatus:    rec.Status,
			Action:        actionOf(rec.Status),
			At:            after.UpdatedAt,
		})
	}
	return evs
}

// result describes the session's record to the caller.
func (s *session) result() *api.RunResult {
	tx := s.tx.Clone()
	res := &api.RunResult{
		WorkflowID:    tx.WorkflowID,
		TransactionID: tx.TransactionID,
		State:         tx.State,
		Transaction:   tx,
	}
	if tx.State == api.StateDone {
		res.Result = make(map[string]json.RawMessage, len(s.wf.leaves))
		for _, id := range s.wf.leaves {
			if rec := tx.Steps[id]; rec != nil && len(rec.Response) > 0 {
				res.Result[id] = rec.Response
			}
		}
	}
	res.Errors = stepErrors(s.wf, tx)
	return res
}

// stepErrors rebuilds the recorded step errors in completion order.
func stepErrors(wf *compiledWorkflow, tx *api.TransactionExecution) []*api.StepError {
	var recs []*api.StepExecutionRecord
	for _, st := range wf.steps {
		if rec := tx.Steps[st.def.ID]; rec != nil && rec.LastError != "" {
			recs = append(recs, rec)
		}
	}
	slices.SortStableFunc(recs, func(a, b *api.StepExecutionRecord) int {
		return cmp.Compare(completionOrder(a), completionOrder(b))
	})

	out := make([]*api.StepError, 0, len(recs))
	for _, rec := range recs {
		kind := api.ErrHandlerFailure
		switch {
		case rec.Status == api.StepPermanentlyFailed:
			kind = api.ErrCompensationFailure
		case rec.TimedOut:
			kind = api.ErrHandlerTimeout
		}
		out = append(out, &api.StepError{
			StepID:  rec.StepID,
			Action:  actionOf(rec.Status),
			Attempt: rec.Attempts,
			Kind:    kind,
			Cause:   errors.New(rec.LastError),
		})
	}
	return out
}

func completionOrder(rec *api.StepExecutionRecord) int64 {
	if rec.CompletedSeq == 0 {
		return 1 << 62
	}
	return rec.CompletedSeq
}
