package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/petrijr/txflow/pkg/api"
)

func ignorable(err error) bool {
	return errors.Is(err, errNoChange) || errors.Is(err, api.ErrStepNotWaiting)
}

// advance drives the transaction until it is terminal or blocked on an async
// report. Each loop iteration either dispatches a wave of eligible steps or
// finishes the transaction.
func (s *session) advance(ctx context.Context) error {
	for !s.deleted {
		switch {
		case s.tx.State.Terminal():
			return nil
		case s.tx.State == api.StateCompensating:
			return s.compensate(ctx)
		}

		wave := s.eligible(s.tx)
		if len(wave) == 0 {
			if !s.allDone(s.tx) {
				return nil
			}
			err := s.commit(ctx, func(tx *api.TransactionExecution) error {
				if tx.State.Terminal() || tx.State == api.StateCompensating || !s.allDone(tx) {
					return errNoChange
				}
				tx.Error = ""
				s.markTerminal(tx, api.StateDone)
				return nil
			})
			if err != nil && !ignorable(err) {
				return err
			}
			continue
		}

		if err := s.runWave(ctx, wave); err != nil {
			return err
		}
	}
	return nil
}

// eligible returns the not started steps whose dependencies are all done,
// in registration order.
func (s *session) eligible(tx *api.TransactionExecution) []*compiledStep {
	now := s.e.now()
	var out []*compiledStep
	for _, st := range s.wf.steps {
		rec := tx.Steps[st.def.ID]
		if rec == nil || rec.Status != api.StepNotStarted {
			continue
		}
		if rec.RetryAt != nil && rec.RetryAt.After(now) {
			continue
		}
		ready := true
		for _, dep := range st.def.DependsOn {
			if d := tx.Steps[dep]; d == nil || d.Status != api.StepDone {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, st)
		}
	}
	return out
}

func (s *session) allDone(tx *api.TransactionExecution) bool {
	for _, st := range s.wf.steps {
		if rec := tx.Steps[st.def.ID]; rec == nil || rec.Status != api.StepDone {
			return false
		}
	}
	return true
}

// runWave persists the wave as invoking, runs its handlers concurrently and
// applies the outcomes one by one in registration order.
func (s *session) runWave(ctx context.Context, wave []*compiledStep) error {
	now := s.e.now()
	err := s.commit(ctx, func(tx *api.TransactionExecution) error {
		if tx.State != api.StatePending && tx.State != api.StateInvoking {
			return errNoChange
		}
		started := 0
		for _, st := range wave {
			rec := tx.Steps[st.def.ID]
			if rec == nil || rec.Status != api.StepNotStarted {
				continue
			}
			if err := transition(rec, triggerInvoke); err != nil {
				return err
			}
			rec.StartedAt = now
			rec.UpdatedAt = now
			rec.RetryAt = nil
			started++
		}
		if started == 0 {
			return errNoChange
		}
		tx.State = api.StateInvoking
		return nil
	})
	if err != nil {
		if ignorable(err) {
			return nil
		}
		return err
	}

	snap := s.tx.Clone()
	running := make([]*compiledStep, 0, len(wave))
	for _, st := range wave {
		if rec := snap.Steps[st.def.ID]; rec != nil && rec.Status == api.StepInvoking {
			running = append(running, st)
		}
	}

	// Every started handler gets its outcome recorded.
	outcomes := make([]stepOutcome, len(running))
	var wg sync.WaitGroup
	for i, st := range running {
		wg.Go(func() {
			outcomes[i] = s.e.invokeStep(ctx, s.wf, st, snap)
		})
	}
	wg.Wait()

	for i, st := range running {
		if err := s.commit(ctx, s.applyInvokeOutcome(st, outcomes[i])); err != nil && !ignorable(err) {
			return err
		}
	}
	return nil
}

func (s *session) applyInvokeOutcome(st *compiledStep, out stepOutcome) mutation {
	return func(tx *api.TransactionExecution) error {
		rec := tx.Steps[st.def.ID]
		if rec == nil || rec.Status != api.StepInvoking {
			return errNoChange
		}
		rec.Attempts += out.attempts
		rec.UpdatedAt = s.e.now()

		if out.err == nil {
			if st.def.Async {
				if err := transition(rec, triggerAwait); err != nil {
					return err
				}
				rec.Deadline = s.deadline(st.def.AsyncTimeout)
				if tx.State == api.StateCompensating {
					return s.abandon(tx, rec, tx.Error)
				}
				return nil
			}
			if err := transition(rec, triggerSucceed); err != nil {
				return err
			}
			rec.Response = out.response
			rec.LastError = ""
			rec.TimedOut = false
			s.complete(tx, rec)
			return nil
		}

		rec.LastError = out.err.Error()
		rec.TimedOut = errors.Is(out.err, api.ErrHandlerTimeout)
		if err := transition(rec, triggerFail); err != nil {
			return err
		}
		s.complete(tx, rec)
		return s.beginCompensation(tx, fmt.Sprintf("step %q failed: %v", st.def.ID, out.err), false)
	}
}

// reportSuccess applies an async success report.
func (s *session) reportSuccess(st *compiledStep, action api.Action, response json.RawMessage) mutation {
	return func(tx *api.TransactionExecution) error {
		rec := tx.Steps[st.def.ID]
		if rec == nil {
			return api.ErrStepNotWaiting
		}
		switch action {
		case api.ActionInvoke:
			if rec.Status != api.StepWaitingAsync {
				return api.ErrStepNotWaiting
			}
			if err := transition(rec, triggerSucceed); err != nil {
				return err
			}
			rec.Response = response
			rec.LastError = ""
			rec.TimedOut = false
			s.complete(tx, rec)
		case api.ActionCompensate:
			if rec.Status != api.StepWaitingAsyncCompensate {
				return api.ErrStepNotWaiting
			}
			if err := transition(rec, triggerCompensated); err != nil {
				return err
			}
		}
		rec.Deadline = nil
		rec.UpdatedAt = s.e.now()
		return nil
	}
}

// reportFailure applies an async failure report. An invoke failure puts the
// step back to not started while its retry policy has attempts left, held
// back by RetryAt for the backoff the policy asks for.
func (s *session) reportFailure(st *compiledStep, action api.Action, cause error) mutation {
	return func(tx *api.TransactionExecution) error {
		rec := tx.Steps[st.def.ID]
		if rec == nil {
			return api.ErrStepNotWaiting
		}
		switch action {
		case api.ActionInvoke:
			if rec.Status != api.StepWaitingAsync {
				return api.ErrStepNotWaiting
			}
			rec.LastError = cause.Error()
			rec.TimedOut = errors.Is(cause, api.ErrHandlerTimeout)
			rec.Deadline = nil
			rec.UpdatedAt = s.e.now()
			if rec.Attempts < st.def.Retry.Attempts() && !api.IsPermanent(cause) && !errors.Is(cause, api.ErrHandlerTimeout) {
				if d := backoffDelay(st.def.Retry, rec.Attempts); d > 0 {
					at := rec.UpdatedAt.Add(d)
					rec.RetryAt = &at
				}
				return transition(rec, triggerRetry)
			}
			if err := transition(rec, triggerFail); err != nil {
				return err
			}
			s.complete(tx, rec)
			return s.beginCompensation(tx, fmt.Sprintf("step %q failed: %v", st.def.ID, cause), false)

		case api.ActionCompensate:
			if rec.Status != api.StepWaitingAsyncCompensate {
				return api.ErrStepNotWaiting
			}
			rec.LastError = cause.Error()
			rec.Deadline = nil
			rec.UpdatedAt = s.e.now()
			if err := transition(rec, triggerCompensationFail); err != nil {
				return err
			}
			s.markPermanentlyFailed(tx, fmt.Sprintf("compensation of step %q failed: %v", st.def.ID, cause))
		}
		return nil
	}
}

// beginCompensation switches the transaction to compensating. Steps waiting
// for an async report are failed; with abandonInFlight so are steps found
// invoking.
func (s *session) beginCompensation(tx *api.TransactionExecution, reason string, abandonInFlight bool) error {
	if tx.State == api.StateCompensating || tx.State.Terminal() {
		return nil
	}
	tx.State = api.StateCompensating
	tx.Error = reason
	for _, st := range s.wf.steps {
		rec := tx.Steps[st.def.ID]
		if rec == nil {
			continue
		}
		if rec.Status == api.StepWaitingAsync || (abandonInFlight && rec.Status == api.StepInvoking) {
			if err := s.abandon(tx, rec, reason); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *session) abandon(tx *api.TransactionExecution, rec *api.StepExecutionRecord, reason string) error {
	if err := transition(rec, triggerFail); err != nil {
		return err
	}
	rec.LastError = "abandoned: " + reason
	rec.Deadline = nil
	rec.UpdatedAt = s.e.now()
	s.complete(tx, rec)
	return nil
}

// complete stamps the forward completion order compensation walks back.
func (s *session) complete(tx *api.TransactionExecution, rec *api.StepExecutionRecord) {
	tx.Seq++
	rec.CompletedSeq = tx.Seq
}

func (s *session) markTerminal(tx *api.TransactionExecution, state api.TransactionState) {
	tx.State = state
	until := s.e.now().Add(s.wf.def.Retention)
	tx.RetainUntil = &until
}

// markPermanentlyFailed records a compensation failure. Such records are
// never removed by retention.
func (s *session) markPermanentlyFailed(tx *api.TransactionExecution, reason string) {
	tx.State = api.StatePermanentlyFailed
	tx.Error = reason
	tx.RetainUntil = nil
}

func (s *session) deadline(d time.Duration) *time.Time {
	if d <= 0 {
		return nil
	}
	t := s.e.now().Add(d)
	return &t
}
