// Package api contains the core building blocks used by the txflow
// orchestrator: workflow and step definitions, transaction records, errors,
// events and observers.
//
// Most users interact with the higher-level txflow package, which re-exports
// selected types and offers a fluent builder. The api package is intended for
// custom integrations such as store adapters, transports and observers.
//
// # Workflows and steps
//
// A WorkflowDefinition is a directed acyclic graph of StepDefinitions. Each
// step has an invoke handler and an optional compensate handler. Steps may be
// asynchronous: their invoke handler only dispatches work, and the result is
// reported later through Orchestrator.SetStepSuccess or SetStepFailure using
// an IdempotencyKey.
//
// # Transactions
//
// One execution of a workflow is a TransactionExecution, keyed by workflow id
// and transaction id. Its per-step progress is kept in StepExecutionRecords.
// The record is persisted after every transition, so a transaction survives a
// process restart.
//
// # Compensation
//
// When a step fails permanently, or the caller cancels, every step that ran is
// compensated in reverse completion order. A failing compensation is never
// retried: the transaction becomes StatePermanentlyFailed and needs manual
// intervention.
//
// # Observability
//
// Observers receive lifecycle callbacks (LoggingObserver, BasicMetrics,
// CompositeObserver). Listeners registered with Orchestrator.Subscribe receive
// an Event for every persisted state change.
package api
