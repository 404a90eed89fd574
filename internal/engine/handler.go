package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/txflow/pkg/api"
)

// stepOutcome is what one dispatch of an invoke handler produced, possibly
// after several attempts.
type stepOutcome struct {
	response json.RawMessage
	attempts int
	err      error
}

// invokeStep runs the invoke handler of st under its retry policy. Attempts
// already recorded on the step count against the policy.
func (e *engineImpl) invokeStep(ctx context.Context, wf *compiledWorkflow, st *compiledStep, snap *api.TransactionExecution) stepOutcome {
	rec := snap.Steps[st.def.ID]
	policy := st.def.Retry
	prior := rec.Attempts

	remaining := policy.Attempts() - prior
	if remaining < 1 {
		remaining = 1
	}

	var out stepOutcome
	b := retry.WithMaxRetries(uint64(remaining-1), newBackoff(policy))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		out.attempts++
		resp, err := e.callHandler(ctx, wf, st, api.ActionInvoke, snap, prior+out.attempts)
		if err != nil {
			if api.IsPermanent(err) {
				return err
			}
			return retry.RetryableError(err)
		}
		out.response = resp
		return nil
	})
	out.err = err
	return out
}

// callHandler runs one handler attempt under the step timeout, inside a span,
// reporting to the observer. Panics are turned into errors.
func (e *engineImpl) callHandler(ctx context.Context, wf *compiledWorkflow, st *compiledStep, action api.Action, snap *api.TransactionExecution, attempt int) (json.RawMessage, error) {
	rec := snap.Steps[st.def.ID]
	handler := st.def.Invoke
	kind := api.ErrHandlerFailure
	if action == api.ActionCompensate {
		handler = st.def.Compensate
		kind = api.ErrCompensationFailure
	}

	in := api.StepInput{
		WorkflowID:    snap.WorkflowID,
		TransactionID: snap.TransactionID,
		StepID:        st.def.ID,
		Action:        action,
		Attempt:       attempt,
		Input:         snap.Input,
		Outputs:       make(map[string]json.RawMessage, len(st.ancestors)),
	}
	for _, id := range st.ancestors {
		if a := snap.Steps[id]; a != nil && a.Status == api.StepDone && len(a.Response) > 0 {
			in.Outputs[id] = a.Response
		}
	}
	if action == api.ActionCompensate {
		in.Response = rec.Response
		in.Error = rec.LastError
	}

	ctx, span := e.tracer.Start(ctx, "txflow.step."+string(action), trace.WithAttributes(
		attribute.String("txflow.workflow_id", wf.def.ID),
		attribute.String("txflow.transaction_id", snap.TransactionID),
		attribute.String("txflow.step_id", st.def.ID),
		attribute.Int("txflow.attempt", attempt),
	))
	defer span.End()

	e.observer.OnStepStart(ctx, snap, st.def.ID, action)
	start := time.Now()
	out, err := runHandler(ctx, handler, in, st.def.Timeout)
	var raw json.RawMessage
	if err == nil && out != nil {
		raw, err = encodePayload(out)
		if err != nil {
			err = fmt.Errorf("encode response: %w", err)
		}
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && st.def.Timeout > 0 {
			kind = api.ErrHandlerTimeout
		}
		err = &api.StepError{StepID: st.def.ID, Action: action, Attempt: attempt, Kind: kind, Cause: err}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	e.observer.OnStepCompleted(ctx, snap, st.def.ID, action, err, time.Since(start))
	return raw, err
}

type handlerResult struct {
	out any
	err error
}

// runHandler calls h. With a timeout the call is abandoned once the deadline
// passes even if h ignores its context.
func runHandler(ctx context.Context, h api.StepHandler, in api.StepInput, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		r := safeCall(ctx, h, in)
		return r.out, r.err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan handlerResult, 1)
	go func() { done <- safeCall(ctx, h, in) }()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ctx.Err(), r.err)
		}
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func safeCall(ctx context.Context, h api.StepHandler, in api.StepInput) (r handlerResult) {
	defer func() {
		if p := recover(); p != nil {
			r = handlerResult{err: fmt.Errorf("handler panic: %v\n%s", p, debug.Stack())}
		}
	}()
	out, err := h(ctx, in)
	return handlerResult{out: out, err: err}
}

func newBackoff(p api.RetryPolicy) retry.Backoff {
	base := p.InitialBackoff
	if base <= 0 {
		base = time.Nanosecond
	}
	var b retry.Backoff
	switch p.Strategy {
	case api.BackoffExponential:
		b = retry.NewExponential(base)
	case api.BackoffFibonacci:
		b = retry.NewFibonacci(base)
	default:
		b = retry.NewConstant(base)
	}
	if p.MaxBackoff > 0 {
		b = retry.WithCappedDuration(p.MaxBackoff, b)
	}
	return b
}

// backoffDelay is the delay the policy puts after the n-th attempt.
func backoffDelay(p api.RetryPolicy, n int) time.Duration {
	if p.InitialBackoff <= 0 {
		return 0
	}
	b := newBackoff(p)
	var d time.Duration
	for i := 0; i < n; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
	}
	return d
}
