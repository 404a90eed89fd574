package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/petrijr/txflow/pkg/api"
)

// compiledStep is a step definition resolved against its workflow graph.
type compiledStep struct {
	def   api.StepDefinition
	index int

	// ancestors are the transitive dependencies, in registration order.
	ancestors []string
}

// compiledWorkflow is what the registry hands out; it is never mutated after
// registration.
type compiledWorkflow struct {
	def         api.WorkflowDefinition
	steps       []*compiledStep
	byID        map[string]*compiledStep
	leaves      []string
	fingerprint string
}

func (w *compiledWorkflow) step(id string) (*compiledStep, bool) {
	s, ok := w.byID[id]
	return s, ok
}

// compatible reports whether tx can be driven by this definition. Records
// written before fingerprints were stored are checked by their step set.
func (w *compiledWorkflow) compatible(tx *api.TransactionExecution) error {
	if tx.Fingerprint != "" && tx.Fingerprint != w.fingerprint {
		return fmt.Errorf("%w: %s was created under %s, registered definition is %s",
			api.ErrDefinitionMismatch, tx.Key(), tx.Fingerprint, w.fingerprint)
	}
	if len(tx.Steps) != len(w.steps) {
		return fmt.Errorf("%w: %s has %d steps, definition has %d",
			api.ErrDefinitionMismatch, tx.Key(), len(tx.Steps), len(w.steps))
	}
	for _, st := range w.steps {
		if tx.Steps[st.def.ID] == nil {
			return fmt.Errorf("%w: %s has no record of step %q", api.ErrDefinitionMismatch, tx.Key(), st.def.ID)
		}
	}
	return nil
}

type workflowRegistry struct {
	byID *xsync.MapOf[string, *compiledWorkflow]
}

func newWorkflowRegistry() *workflowRegistry {
	return &workflowRegistry{
		byID: xsync.NewMapOf[string, *compiledWorkflow](),
	}
}

func (r *workflowRegistry) Register(def api.WorkflowDefinition) error {
	wf, err := compileWorkflow(def)
	if err != nil {
		return err
	}
	if _, loaded := r.byID.LoadOrStore(def.ID, wf); loaded {
		return fmt.Errorf("%w: workflow %q already registered", api.ErrInvalidDefinition, def.ID)
	}
	return nil
}

func (r *workflowRegistry) Get(workflowID string) (*compiledWorkflow, error) {
	wf, ok := r.byID.Load(workflowID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", api.ErrDefinitionNotFound, workflowID)
	}
	return wf, nil
}

func invalid(workflowID, format string, args ...any) error {
	return fmt.Errorf("%w: workflow %q: %s", api.ErrInvalidDefinition, workflowID, fmt.Sprintf(format, args...))
}

// compileWorkflow validates def and precomputes the dependency structure.
// Step i of the definition is node i of the graph; an edge u->v means v
// depends on u.
func compileWorkflow(def api.WorkflowDefinition) (*compiledWorkflow, error) {
	if def.ID == "" {
		return nil, fmt.Errorf("%w: workflow id is required", api.ErrInvalidDefinition)
	}
	if strings.Contains(def.ID, ":") {
		return nil, invalid(def.ID, "workflow id must not contain ':'")
	}
	if len(def.Steps) == 0 {
		return nil, invalid(def.ID, "at least one step is required")
	}
	if def.Retention < 0 {
		return nil, invalid(def.ID, "negative retention")
	}

	index := make(map[string]int, len(def.Steps))
	for i, s := range def.Steps {
		if s.ID == "" {
			return nil, invalid(def.ID, "step %d has no id", i)
		}
		if strings.Contains(s.ID, ":") {
			return nil, invalid(def.ID, "step id %q must not contain ':'", s.ID)
		}
		if s.Invoke == nil {
			return nil, invalid(def.ID, "step %q has no invoke handler", s.ID)
		}
		if s.CompensateAsync && s.Compensate == nil {
			return nil, invalid(def.ID, "step %q is compensate-async without a compensate handler", s.ID)
		}
		if _, dup := index[s.ID]; dup {
			return nil, invalid(def.ID, "duplicate step id %q", s.ID)
		}
		index[s.ID] = i
	}

	g := simple.NewDirectedGraph()
	for i := range def.Steps {
		g.AddNode(simple.Node(i))
	}
	for i, s := range def.Steps {
		for _, dep := range s.DependsOn {
			j, ok := index[dep]
			if !ok {
				return nil, invalid(def.ID, "step %q depends on unknown step %q", s.ID, dep)
			}
			if j == i {
				return nil, invalid(def.ID, "step %q depends on itself", s.ID)
			}
			g.SetEdge(g.NewEdge(simple.Node(j), simple.Node(i)))
		}
	}

	if _, err := topo.Sort(g); err != nil {
		var cycles topo.Unorderable
		if errors.As(err, &cycles) && len(cycles) > 0 {
			ids := make([]string, 0, len(cycles[0]))
			for _, n := range cycles[0] {
				ids = append(ids, def.Steps[n.ID()].ID)
			}
			return nil, invalid(def.ID, "dependency cycle between %v", ids)
		}
		return nil, invalid(def.ID, "dependency cycle: %v", err)
	}

	wf := &compiledWorkflow{
		def:         def,
		steps:       make([]*compiledStep, len(def.Steps)),
		byID:        make(map[string]*compiledStep, len(def.Steps)),
		fingerprint: def.Fingerprint(),
	}
	for i, s := range def.Steps {
		cs := &compiledStep{
			def:       s,
			index:     i,
			ancestors: ancestorsOf(g, i, def.Steps),
		}
		wf.steps[i] = cs
		wf.byID[s.ID] = cs
		if g.From(int64(i)).Len() == 0 {
			wf.leaves = append(wf.leaves, s.ID)
		}
	}
	return wf, nil
}

func ancestorsOf(g *simple.DirectedGraph, node int, steps []api.StepDefinition) []string {
	seen := make(map[int64]bool)
	stack := []int64{int64(node)}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		preds := g.To(n)
		for preds.Next() {
			id := preds.Node().ID()
			if !seen[id] {
				seen[id] = true
				stack = append(stack, id)
			}
		}
	}

	out := make([]string, 0, len(seen))
	for i := range steps {
		if seen[int64(i)] {
			out = append(out, steps[i].ID)
		}
	}
	return out
}
