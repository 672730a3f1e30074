package graph

import (
	"context"
	"fmt"

	"github.com/flowforge/corerun/graph/tool"
)

// ToolConfig configures a KindTool node: one invocation of a tool.Tool
// against input read from State.
type ToolConfig struct {
	// Tool is the tool this node invokes. Required.
	Tool tool.Tool

	// InputKey names the State field holding the tool's input, as
	// map[string]interface{}. Defaults to "tool_input".
	InputKey string

	// OutputKey names the State field the node writes the tool's output to.
	// Defaults to "tool_output".
	OutputKey string
}

// NewToolNode builds a KindTool node wrapping cfg.Tool. The node reads
// cfg.InputKey from State, calls Call, and writes the result to
// cfg.OutputKey, routing by the workflow's declared edges.
func NewToolNode(name string, cfg ToolConfig) *Node {
	inputKey := cfg.InputKey
	if inputKey == "" {
		inputKey = "tool_input"
	}
	outputKey := cfg.OutputKey
	if outputKey == "" {
		outputKey = "tool_output"
	}

	return &Node{
		Name:   name,
		Kind:   KindTool,
		Config: cfg,
		Fn: func(ctx context.Context, state State) Result {
			input, _ := state[inputKey].(map[string]interface{})
			out, err := cfg.Tool.Call(ctx, input)
			if err != nil {
				return Result{Err: fmt.Errorf("tool node %q (%s): %w", name, cfg.Tool.Name(), err)}
			}
			return Result{Delta: State{outputKey: out}, Next: UseGraphEdges()}
		},
	}
}
