// Package worker moves orchestrator calls off the request path.
//
// A Worker consumes tasks from a taskqueue.Queue and applies each one to an
// api.Orchestrator:
//
//   - run: start (or resume) a transaction
//   - step-success / step-failure: report an async step
//   - cancel: force a transaction into compensation
//
// Tasks are leased, not popped. While a task is being applied the worker
// renews its lease on a heartbeat, so a slow step does not make the task
// visible to other workers. A task whose lease expires (the worker crashed)
// is delivered again; orchestrator calls are idempotent per transaction and
// per step action, so redelivery is safe.
//
// # Retries
//
// A failed task is rescheduled with capped exponential backoff until
// Config.MaxAttempts is reached. Errors that cannot succeed on a later
// attempt are dropped immediately: unknown workflows or steps, missing
// transactions, errors marked with api.Permanent, and transactions that
// already ended failed.
//
// # Usage
//
// Most users get a Worker from the txflow package (LocalRunner or one of the
// WorkerBundle constructors). Construct one directly to pair an orchestrator
// with a queue from another backend.
package worker
