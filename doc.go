// Package txflow provides an embeddable transaction orchestrator for Go.
//
// A workflow is a directed acyclic graph of steps. Each step has an invoke
// handler and, optionally, a compensate handler that undoes it. Running a
// workflow creates a transaction whose progress is persisted after every
// state change, so a crashed process can pick up where it stopped and a
// failed transaction can roll back the work it already did.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Orchestrator
//  2. FlowBuilder
//  3. StepHandler
//  4. Worker
//  5. LocalRunner
//
// # Orchestrator
//
// The Orchestrator registers workflow definitions, starts and resumes
// transactions, and accepts reports for steps that complete outside the
// process:
//
//   - Run starts a transaction and returns once it is terminal or waits for
//     an external report
//   - SetStepSuccess / SetStepFailure report an async step
//   - Cancel forces a transaction into compensation
//   - Subscribe streams every persisted state change
//
// Orchestrators can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// Every call on one transaction runs under a per-transaction lock, and every
// write is a compare-and-swap on the record version.
//
// # FlowBuilder
//
// FlowBuilder is the declarative API used to define workflows:
//
//	txflow.New("order").
//	    Step("reserve", reserve, txflow.Compensate(release)).
//	    Parallel(
//	        txflow.Branch("charge", charge, txflow.Compensate(refund)),
//	        txflow.Branch("email", email),
//	    ).
//	    Step("ship", ship, txflow.Async())
//
// Steps whose dependencies are done run concurrently. When a step fails for
// good, every step that already completed is compensated in reverse
// completion order.
//
// # StepHandler
//
// A StepHandler receives the transaction input and the responses of its
// ancestors, and returns the step response:
//
//	type StepHandler func(ctx context.Context, in StepInput) (any, error)
//
// Handlers may be retried, so they should be idempotent. Wrap an error with
// Permanent to skip the remaining attempts.
//
// # Worker and LocalRunner
//
// A Worker pulls tasks (run, report, cancel) from a durable queue and applies
// them to an Orchestrator. WorkerBundle wires an Orchestrator, a queue and a
// Worker on one backend; LocalRunner does the same in memory for development
// and unit testing. LocalRunner is not crash-durable.
//
// For examples, see the /examples directory.
package txflow
