package txflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/txflow/pkg/api"
)

func noop(ctx context.Context, in StepInput) (any, error) { return nil, nil }

func TestFlowBuilder_SequentialStepsChain(t *testing.T) {
	def := New("chain", Retention(time.Minute)).
		Step("a", noop).
		Step("b", noop).
		Step("c", noop).
		Definition()

	require.Equal(t, "chain", def.ID)
	require.Equal(t, time.Minute, def.Retention)
	require.Len(t, def.Steps, 3)
	require.Empty(t, def.Steps[0].DependsOn)
	require.Equal(t, []string{"a"}, def.Steps[1].DependsOn)
	require.Equal(t, []string{"b"}, def.Steps[2].DependsOn)
}

func TestFlowBuilder_ParallelFanOutAndJoin(t *testing.T) {
	def := New("fan").
		Step("start", noop).
		Parallel(
			Branch("left", noop),
			Branch("right", noop, Async()),
		).
		Step("join", noop).
		Definition()

	left, _ := def.Step("left")
	right, _ := def.Step("right")
	join, _ := def.Step("join")

	require.Equal(t, []string{"start"}, left.DependsOn)
	require.Equal(t, []string{"start"}, right.DependsOn)
	require.True(t, right.Async)
	require.ElementsMatch(t, []string{"left", "right"}, join.DependsOn)
}

func TestFlowBuilder_StepOptions(t *testing.T) {
	policy := Retry(3).WithConstantBackoff(time.Millisecond).Policy()
	def := New("opts").
		Step("root", noop).
		Step("other-root", noop, DependsOn()).
		Step("tuned", noop,
			DependsOn("root", "other-root"),
			CompensateAsync(noop),
			WithRetry(policy),
			WithTimeout(time.Second),
			WithAsyncTimeout(time.Hour),
		).
		Definition()

	otherRoot, _ := def.Step("other-root")
	require.Empty(t, otherRoot.DependsOn)

	tuned, _ := def.Step("tuned")
	require.Equal(t, []string{"root", "other-root"}, tuned.DependsOn)
	require.NotNil(t, tuned.Compensate)
	require.True(t, tuned.CompensateAsync)
	require.Equal(t, policy, tuned.Retry)
	require.Equal(t, time.Second, tuned.Timeout)
	require.Equal(t, time.Hour, tuned.AsyncTimeout)
}

func TestFlowBuilder_DefinitionIsACopy(t *testing.T) {
	b := New("copy").Step("a", noop)
	def := b.Definition()
	b.Step("b", noop)

	require.Len(t, def.Steps, 1)
	require.Len(t, b.Definition().Steps, 2)
}

func TestFlowBuilder_PanicsOnInvalidSteps(t *testing.T) {
	require.Panics(t, func() { New("x").Step("", noop) })
	require.Panics(t, func() { New("x").Step("a", nil) })
	require.Panics(t, func() { New("x").Parallel() })
	require.Panics(t, func() { New("x").Parallel(Branch("a", nil)) })
}

func TestFlowBuilder_RegisterAndRun(t *testing.T) {
	ctx := context.Background()
	orch := NewInMemory()

	flow := New("greet").
		Step("name", TypedStep(func(ctx context.Context, who string) (string, error) {
			return "hello " + who, nil
		})).
		Step("shout", FromStep("name", func(ctx context.Context, s string) (string, error) {
			return s + "!", nil
		}))
	require.NoError(t, flow.Register(orch))

	res, err := Run(ctx, orch, flow.ID(), "bob")
	require.NoError(t, err)
	require.True(t, res.Done())
	require.JSONEq(t, `"hello bob!"`, string(res.Result["shout"]))

	err = flow.Register(orch)
	require.ErrorIs(t, err, api.ErrInvalidDefinition, "registering the same id twice")
	require.Panics(t, func() { flow.MustRegister(orch) })
}

func TestFlowBuilder_RegisterRejectsUnknownDependency(t *testing.T) {
	err := New("dangling").Step("a", noop, DependsOn("ghost")).Register(NewInMemory())
	require.True(t, errors.Is(err, api.ErrInvalidDefinition), "got %v", err)
}
