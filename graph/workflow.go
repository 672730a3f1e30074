package graph

import "fmt"

// Workflow is an immutable description of a node graph: an initial state, a
// named set of nodes, the edges routing between them, and an entry point.
// A Workflow is shared, read-only, across every concurrent Run.
type Workflow struct {
	Name         string
	Version      string
	InitialState State
	Nodes        map[string]*Node
	Edges        []Edge
	EntryPoint   string
}

// NewWorkflow builds an empty Workflow ready for AddNode/AddEdge calls.
func NewWorkflow(name, version string, initial State) *Workflow {
	return &Workflow{
		Name:         name,
		Version:      version,
		InitialState: initial,
		Nodes:        make(map[string]*Node),
	}
}

// AddNode registers a node, returning an error if the name is already taken.
func (w *Workflow) AddNode(n *Node) error {
	if _, exists := w.Nodes[n.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateNode, n.Name)
	}
	w.Nodes[n.Name] = n
	return nil
}

// AddEdge appends an edge to the workflow's ordered edge list.
func (w *Workflow) AddEdge(e Edge) {
	w.Edges = append(w.Edges, e)
}

// Validate checks the workflow's invariants: every edge endpoint references
// an existing node, exactly one entry point is set and resolves to a node,
// and the workflow is named. It does not reject graph cycles outside loop
// edges — those are a runtime concern bounded by MaxIterations.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return ErrEmptyWorkflowName
	}
	if w.EntryPoint == "" {
		return ErrNoEntryPoint
	}
	if _, ok := w.Nodes[w.EntryPoint]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEntryPoint, w.EntryPoint)
	}

	exists := func(name string) error {
		if name == "" {
			return nil
		}
		if _, ok := w.Nodes[name]; !ok {
			return fmt.Errorf("%w: %q", ErrDanglingEdge, name)
		}
		return nil
	}

	for _, e := range w.Edges {
		if err := exists(e.From); err != nil {
			return err
		}
		switch e.Kind {
		case Sequential:
			if err := exists(e.To); err != nil {
				return err
			}
		case Conditional:
			for _, b := range e.Branches {
				if err := exists(b.Target); err != nil {
					return err
				}
			}
			if err := exists(e.Default); err != nil {
				return err
			}
		case Parallel:
			for _, t := range e.Targets {
				if err := exists(t); err != nil {
					return err
				}
			}
		case Loop:
			if err := exists(e.Body); err != nil {
				return err
			}
			if err := exists(e.Exit); err != nil {
				return err
			}
		}
	}
	return nil
}
