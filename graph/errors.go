package graph

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an engine-level failure. It is distinct from
// graph.Kind (node kinds) — Go permits the name collision only because call
// sites always qualify it (e.g. ErrorKindTimeout).
type ErrorKind string

const (
	ErrorKindValidation      ErrorKind = "validation"
	ErrorKindExecution       ErrorKind = "execution"
	ErrorKindTimeout         ErrorKind = "timeout"
	ErrorKindCancelled       ErrorKind = "cancelled"
	ErrorKindUpstreamOpen    ErrorKind = "upstream_open"
	ErrorKindApprovalTimeout ErrorKind = "approval_timeout"
	ErrorKindMaxDepth        ErrorKind = "max_depth_exceeded"
	ErrorKindIterationLimit  ErrorKind = "iteration_limit"
	ErrorKindOrphan          ErrorKind = "orphaned"
)

// EngineError is the structured error type returned for engine-level
// failures, carrying a machine-readable Kind/Code alongside the human
// message and the underlying cause.
type EngineError struct {
	Kind    ErrorKind
	Code    string
	Message string
	NodeID  string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s: node %s: %s", e.Kind, e.NodeID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *EngineError) Unwrap() error { return e.Cause }

// NewEngineError constructs an EngineError of the given kind.
func NewEngineError(kind ErrorKind, nodeID, message string, cause error) *EngineError {
	return &EngineError{Kind: kind, Code: string(kind), Message: message, NodeID: nodeID, Cause: cause}
}

var (
	// ErrUpstreamOpen is returned when a node dispatch is short-circuited by
	// an open circuit breaker.
	ErrUpstreamOpen = errors.New("upstream_open: circuit breaker rejected call")

	// ErrIterationLimit is returned when a run exceeds its configured
	// maxIterations guard.
	ErrIterationLimit = errors.New("iteration_limit: executor exceeded maxIterations")

	// ErrMaxDepthExceeded is returned when subworkflow nesting exceeds maxDepth.
	ErrMaxDepthExceeded = errors.New("max_depth_exceeded: subworkflow nesting limit reached")

	// ErrApprovalTimeout is returned when an approval request's deadline
	// passes with timeoutAction "fail".
	ErrApprovalTimeout = errors.New("approval_timeout: deadline passed without response")

	// ErrCancelled is returned when a run-level cancellation aborts a dispatch
	// before the node function executes.
	ErrCancelled = errors.New("cancelled: run was cancelled")

	// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate.
	ErrInvalidRetryPolicy = errors.New("invalid retry policy")

	// ErrDanglingEdge, ErrDuplicateNode, ErrNoEntryPoint, ErrUnknownEntryPoint
	// are workflow-load-time validation failures.
	ErrDanglingEdge       = errors.New("validation: edge references unknown node")
	ErrDuplicateNode      = errors.New("validation: duplicate node name")
	ErrNoEntryPoint       = errors.New("validation: workflow has no entry point")
	ErrUnknownEntryPoint  = errors.New("validation: entry point references unknown node")
	ErrEmptyWorkflowName  = errors.New("validation: workflow name must not be empty")
	ErrUnknownConfigField = errors.New("config: unrecognised field")
)
