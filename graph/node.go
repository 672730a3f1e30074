package graph

import (
	"context"
	"time"
)

// Kind tags the sum type of node computations a workflow can declare, so
// each kind can carry its own configuration record in Node.Config. The
// executor does not branch on Kind; it always invokes the node's Fn.
type Kind string

const (
	KindAgent       Kind = "agent"
	KindTool        Kind = "tool"
	KindFunction    Kind = "function"
	KindSubworkflow Kind = "subworkflow"
	KindMap         Kind = "map"
	KindReduce      Kind = "reduce"
	KindMapReduce   Kind = "map_reduce"
	KindHuman       Kind = "human"
	KindTimer       Kind = "timer"
	KindCustom      Kind = "custom"
)

// Fn is the computation a node performs: it receives an immutable snapshot
// of the run's state and returns a Result describing the state delta and
// routing decision.
type Fn func(ctx context.Context, state State) Result

// Result is the output of a single node execution.
type Result struct {
	// Delta is the partial state update produced by this node, merged into
	// the run's accumulated state via the configured MergeFunc.
	Delta State

	// Next specifies routing: explicit successors override scheduler-derived
	// edges for this dispatch (see Engine's union-of-siblings rule).
	Next Next

	// Err is the node-level error, if any. A non-nil Err halts this branch
	// and, absent a surviving retry/compensation, fails the run.
	Err error
}

// Next controls which nodes become eligible after a node completes.
type Next struct {
	// To names a single explicit successor. Mutually exclusive with Many/Terminal.
	To string
	// Many names multiple explicit successors (fan-out). Mutually exclusive with To/Terminal.
	Many []string
	// Terminal, if true, means this branch contributes no further successors.
	// An explicit Terminal from one branch does not cancel successors
	// contributed by sibling branches in the same step.
	Terminal bool
	// UseEdges, if true, tells the executor to fall back to the scheduler's
	// edge-derived successors instead of Next. A Next with none of To, Many
	// or Terminal set (the zero value) falls back to the edges the same way.
	UseEdges bool
}

// Stop returns a Next that contributes no successors from this branch.
func Stop() Next { return Next{Terminal: true} }

// Goto returns a Next that routes to a single named node.
func Goto(nodeID string) Next { return Next{To: nodeID} }

// FanOut returns a Next that routes to multiple named nodes in parallel.
func FanOut(nodeIDs ...string) Next { return Next{Many: nodeIDs} }

// UseGraphEdges returns a Next telling the executor to compute successors
// from the workflow's edges instead of an explicit routing decision.
func UseGraphEdges() Next { return Next{UseEdges: true} }

// Node is one unit of work in the graph.
type Node struct {
	// Name uniquely identifies this node within its workflow.
	Name string

	// Kind tags which computation variant Fn implements. The dispatch
	// envelope (retry/breaker/idempotency/checkpoint) treats every Kind
	// identically and always invokes Fn; Kind and Config exist so a node
	// built by NewAgentNode/NewToolNode/mapreduce.NewMapNode/etc. can be
	// introspected by callers (tooling, tests, workflow builders) without
	// re-deriving what kind of work it does from Fn's closure.
	Kind Kind

	// Fn performs the node's computation. Required for every Kind; higher
	// level constructors (NewAgentNode, NewToolNode, mapreduce.NewMapNode,
	// approval.Manager.NewHumanNode, ...) build Fn from a typed Config so
	// callers rarely write Fn by hand.
	Fn Fn

	// Config carries the kind-specific configuration (AgentConfig, ToolConfig,
	// HumanConfig, mapreduce.MapConfig, ...) that the matching constructor
	// used to build Fn. Nil for plain KindFunction/KindCustom nodes.
	Config any

	// Retry configures automatic retry of transient failures. Nil means no retries.
	Retry *RetryPolicy

	// Timeout bounds a single attempt's execution time. Zero uses the engine default.
	Timeout time.Duration

	// Breaker configures this node's circuit breaker. Nil uses the engine default.
	Breaker *BreakerConfig

	// Compensation is invoked, in reverse registration order, if the run fails
	// after this node has completed successfully.
	Compensation Fn

	// Idempotent marks this node as safe to re-invoke with the same input
	// without an idempotency key; non-idempotent nodes without an explicit
	// IdempotencyKeyFunc are still deduplicated by a default key derived from
	// (workflow, node, canonicalized input).
	Idempotent bool

	// IdempotencyKeyFunc overrides the default idempotency key derivation.
	IdempotencyKeyFunc func(state State) string

	// MergeFunc overrides DefaultMerge for this node's delta.
	MergeFunc MergeFunc
}

// NodeResult is the recorded outcome of one completed node dispatch,
// retained in a Run's NodeResults for inspection and checkpointing.
type NodeResult struct {
	NodeName string        `json:"node_name"`
	Output   State         `json:"output"`
	Duration time.Duration `json:"duration"`
	Attempt  int           `json:"attempt"`
	Err      string        `json:"error,omitempty"`
}
