package txflow

import (
	"fmt"
	"time"

	"github.com/petrijr/txflow/pkg/api"
)

// FlowBuilder provides a fluent API for defining workflows:
//
//	flow := txflow.New("order", txflow.Retention(time.Hour)).
//	    Step("reserve", reserve, txflow.Compensate(release)).
//	    Parallel(
//	        txflow.Branch("charge", charge, txflow.Compensate(refund)),
//	        txflow.Branch("notify", notify),
//	    ).
//	    Step("approve", requestApproval, txflow.Async())
//
//	if err := flow.Register(orch); err != nil {
//	    log.Fatal(err)
//	}
//
// A step added without DependsOn depends on whatever was added just before
// it: the previous step, or every branch of the previous Parallel.
type FlowBuilder struct {
	def  api.WorkflowDefinition
	tail []string
}

// WorkflowOption tunes the definition built by a FlowBuilder.
type WorkflowOption func(*api.WorkflowDefinition)

// Retention keeps terminal transaction records for d.
func Retention(d time.Duration) WorkflowOption {
	return func(def *api.WorkflowDefinition) { def.Retention = d }
}

// StepOption tunes one step definition.
type StepOption func(*stepSpec)

type stepSpec struct {
	def      api.StepDefinition
	explicit bool
}

// DependsOn replaces the implicit dependency on the previous step. Calling
// it with no ids makes a root step.
func DependsOn(ids ...string) StepOption {
	return func(s *stepSpec) {
		s.def.DependsOn = append([]string(nil), ids...)
		s.explicit = true
	}
}

// Compensate sets the handler that undoes the step.
func Compensate(fn StepHandler) StepOption {
	return func(s *stepSpec) { s.def.Compensate = fn }
}

// Async marks the invoke action as completed by an external report.
func Async() StepOption {
	return func(s *stepSpec) { s.def.Async = true }
}

// CompensateAsync sets a compensate handler whose completion is reported
// externally.
func CompensateAsync(fn StepHandler) StepOption {
	return func(s *stepSpec) {
		s.def.Compensate = fn
		s.def.CompensateAsync = true
	}
}

// WithRetry sets the retry policy of the invoke action. Build one with Retry.
func WithRetry(p RetryPolicy) StepOption {
	return func(s *stepSpec) { s.def.Retry = p }
}

// WithTimeout bounds a single handler invocation.
func WithTimeout(d time.Duration) StepOption {
	return func(s *stepSpec) { s.def.Timeout = d }
}

// WithAsyncTimeout bounds how long an async step waits for its report.
func WithAsyncTimeout(d time.Duration) StepOption {
	return func(s *stepSpec) { s.def.AsyncTimeout = d }
}

// BranchSpec is one step of a Parallel group.
type BranchSpec struct {
	id   string
	fn   StepHandler
	opts []StepOption
}

// Branch describes a step for Parallel.
func Branch(id string, fn StepHandler, opts ...StepOption) BranchSpec {
	return BranchSpec{id: id, fn: fn, opts: opts}
}

// New creates a new workflow builder with the given id.
func New(id string, opts ...WorkflowOption) *FlowBuilder {
	b := &FlowBuilder{
		def: api.WorkflowDefinition{
			ID:    id,
			Steps: make([]api.StepDefinition, 0),
		},
	}
	for _, opt := range opts {
		opt(&b.def)
	}
	return b
}

// ID returns the workflow id.
func (b *FlowBuilder) ID() string {
	return b.def.ID
}

// Definition returns a copy of the underlying WorkflowDefinition.
func (b *FlowBuilder) Definition() WorkflowDefinition {
	def := b.def
	def.Steps = append([]api.StepDefinition(nil), b.def.Steps...)
	return def
}

// Step appends a step to the workflow.
func (b *FlowBuilder) Step(id string, fn StepHandler, opts ...StepOption) *FlowBuilder {
	b.def.Steps = append(b.def.Steps, b.build(id, fn, b.tail, opts))
	b.tail = []string{id}
	return b
}

// Parallel appends steps that share the same predecessors. The next step
// added with Step joins all of them.
func (b *FlowBuilder) Parallel(branches ...BranchSpec) *FlowBuilder {
	if len(branches) == 0 {
		panic("txflow: Parallel needs at least one branch")
	}
	tail := make([]string, 0, len(branches))
	for _, br := range branches {
		b.def.Steps = append(b.def.Steps, b.build(br.id, br.fn, b.tail, br.opts))
		tail = append(tail, br.id)
	}
	b.tail = tail
	return b
}

func (b *FlowBuilder) build(id string, fn StepHandler, deps []string, opts []StepOption) api.StepDefinition {
	if id == "" {
		panic("txflow: step id must not be empty")
	}
	if fn == nil {
		panic(fmt.Sprintf("txflow: step %q has nil handler", id))
	}
	sc := stepSpec{def: api.StepDefinition{ID: id, Invoke: fn}}
	for _, opt := range opts {
		opt(&sc)
	}
	if !sc.explicit && len(deps) > 0 {
		sc.def.DependsOn = append([]string(nil), deps...)
	}
	return sc.def
}

// Register registers the built workflow with the given orchestrator.
func (b *FlowBuilder) Register(orch Orchestrator) error {
	return orch.RegisterWorkflow(b.Definition())
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustRegister(orch Orchestrator) {
	if err := b.Register(orch); err != nil {
		panic(err)
	}
}
