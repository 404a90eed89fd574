package txflow_test

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/petrijr/txflow"
)

// Example_flowBuilder demonstrates defining and running a simple workflow
// using the FlowBuilder API and an in-memory orchestrator.
func Example_flowBuilder() {
	ctx := context.Background()

	flow := txflow.New("greeting").
		Step("sayHello", txflow.TypedStep(sayHello)).
		Step("decorate", txflow.FromStep("sayHello", decorate))

	orch := txflow.NewInMemory()
	if err := flow.Register(orch); err != nil {
		log.Fatal(err)
	}

	res, err := txflow.Run(ctx, orch, flow.ID(), "Gopher")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(res.State, string(res.Result["decorate"]))
	// Output: done "*** hello, Gopher ***"
}

// Example_compensation shows a failing step rolling back the steps that
// already completed, newest first.
func Example_compensation() {
	ctx := context.Background()

	step := func(name string) txflow.StepHandler {
		return func(ctx context.Context, in txflow.StepInput) (any, error) {
			fmt.Println(in.Action, name)
			return nil, nil
		}
	}

	orch := txflow.NewInMemory()
	txflow.New("trip").
		Step("flight", step("flight"), txflow.Compensate(step("flight"))).
		Step("hotel", step("hotel"), txflow.Compensate(step("hotel"))).
		Step("car", func(ctx context.Context, in txflow.StepInput) (any, error) {
			return nil, txflow.Permanent(errors.New("no cars left"))
		}).
		MustRegister(orch)

	res, err := txflow.Run(ctx, orch, "trip", nil)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(res.State)
	// Output:
	// invoke flight
	// invoke hotel
	// compensate hotel
	// compensate flight
	// failed
}

// Example_localRunner demonstrates using LocalRunner to execute workflows
// with an in-process orchestrator, queue, and worker.
func Example_localRunner() {
	ctx := context.Background()

	runner := txflow.NewLocalRunner()

	flow := txflow.New("greeting", txflow.Retention(time.Minute)).
		Step("sayHello", txflow.TypedStep(sayHello))
	flow.MustRegister(runner.Orchestrator)

	if err := runner.StartWorkers(ctx, 1); err != nil {
		log.Fatal(err)
	}
	defer runner.Stop()

	txID, err := runner.RunAsync(ctx, flow.ID(), "Gopher")
	if err != nil {
		log.Fatal(err)
	}

	// In a real application you'd Subscribe to events; for example purposes,
	// poll until the worker has run the transaction.
	for range 100 {
		tx, err := runner.Orchestrator.GetRunningTransaction(ctx, flow.ID(), txID)
		if err == nil && tx.State == txflow.StateDone {
			fmt.Println(string(tx.Steps["sayHello"].Response))
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	// Output: "hello, Gopher"
}

func sayHello(ctx context.Context, name string) (string, error) {
	return fmt.Sprintf("hello, %s", name), nil
}

func decorate(ctx context.Context, msg string) (string, error) {
	return fmt.Sprintf("*** %s ***", msg), nil
}
