package txflow

import (
	"context"
	"fmt"
	"time"
)

// TypedStep adapts fn to a StepHandler that decodes the transaction input
// into I. The returned O becomes the step response.
func TypedStep[I, O any](fn func(context.Context, I) (O, error)) StepHandler {
	return func(ctx context.Context, in StepInput) (any, error) {
		var v I
		if err := in.Bind(&v); err != nil {
			return nil, Permanent(err)
		}
		return fn(ctx, v)
	}
}

// FromStep adapts fn to a StepHandler that decodes the response of the
// ancestor step stepID into I. It fails permanently when that step has no
// recorded response.
func FromStep[I, O any](stepID string, fn func(context.Context, I) (O, error)) StepHandler {
	return func(ctx context.Context, in StepInput) (any, error) {
		var v I
		ok, err := in.Output(stepID, &v)
		if err != nil {
			return nil, Permanent(err)
		}
		if !ok {
			return nil, Permanent(fmt.Errorf("step %q: no response from %q", in.StepID, stepID))
		}
		return fn(ctx, v)
	}
}

// SleepStep returns a handler that waits d, or until ctx is done.
func SleepStep(d time.Duration) StepHandler {
	return func(ctx context.Context, in StepInput) (any, error) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
			return nil, nil
		}
	}
}

// AwaitReport is an invoke handler for async steps whose work is started by
// someone else: it does nothing and leaves the step waiting for its report.
func AwaitReport() StepHandler {
	return func(ctx context.Context, in StepInput) (any, error) {
		return nil, nil
	}
}
