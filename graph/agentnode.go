package graph

import (
	"context"
	"fmt"

	"github.com/flowforge/corerun/graph/model"
)

// AgentConfig configures a KindAgent node: one LLM turn against a
// model.ChatModel, threading the conversation through State.
type AgentConfig struct {
	// Model is the chat provider this node calls. Required.
	Model model.ChatModel

	// SystemPrompt, if set, is prepended as a RoleSystem message ahead of
	// whatever MessagesKey already holds.
	SystemPrompt string

	// MessagesKey names the State field holding the conversation so far, as
	// []model.Message. Defaults to "messages".
	MessagesKey string

	// OutputKey names the State field the node writes the model's ChatOut
	// to. Defaults to "output".
	OutputKey string

	// Tools are offered to the model alongside the conversation; nil means
	// no tool calling for this turn.
	Tools []model.ToolSpec
}

// NewAgentNode builds a KindAgent node wrapping cfg.Model. The node reads
// cfg.MessagesKey from State, calls Chat, and writes the ChatOut to
// cfg.OutputKey, routing by the workflow's declared edges.
func NewAgentNode(name string, cfg AgentConfig) *Node {
	messagesKey := cfg.MessagesKey
	if messagesKey == "" {
		messagesKey = "messages"
	}
	outputKey := cfg.OutputKey
	if outputKey == "" {
		outputKey = "output"
	}

	return &Node{
		Name:   name,
		Kind:   KindAgent,
		Config: cfg,
		Fn: func(ctx context.Context, state State) Result {
			msgs, _ := state[messagesKey].([]model.Message)
			if cfg.SystemPrompt != "" {
				withSystem := make([]model.Message, 0, len(msgs)+1)
				withSystem = append(withSystem, model.Message{Role: model.RoleSystem, Content: cfg.SystemPrompt})
				msgs = append(withSystem, msgs...)
			}

			out, err := cfg.Model.Chat(ctx, msgs, cfg.Tools)
			if err != nil {
				return Result{Err: fmt.Errorf("agent node %q: %w", name, err)}
			}
			return Result{Delta: State{outputKey: out}, Next: UseGraphEdges()}
		},
	}
}
