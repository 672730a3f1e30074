package graph_test

import (
	"context"
	"errors"
	"testing"

	"github.com/flowforge/corerun/graph"
	"github.com/flowforge/corerun/graph/model"
)

func TestNewAgentNodeCallsModelAndWritesOutput(t *testing.T) {
	mock := &model.MockChatModel{Responses: []model.ChatOut{{Text: "Paris"}}}
	node := graph.NewAgentNode("asker", graph.AgentConfig{Model: mock, SystemPrompt: "be terse"})

	if node.Kind != graph.KindAgent {
		t.Fatalf("Kind = %v, want KindAgent", node.Kind)
	}

	state := graph.State{"messages": []model.Message{{Role: model.RoleUser, Content: "capital of France?"}}}
	result := node.Fn(context.Background(), state)
	if result.Err != nil {
		t.Fatalf("Fn() error = %v", result.Err)
	}

	out, ok := result.Delta["output"].(model.ChatOut)
	if !ok || out.Text != "Paris" {
		t.Fatalf("Delta[output] = %+v, want ChatOut{Text: Paris}", result.Delta["output"])
	}
	if mock.CallCount() != 1 {
		t.Fatalf("CallCount() = %d, want 1", mock.CallCount())
	}
	if got := mock.Calls[0].Messages[0]; got.Role != model.RoleSystem || got.Content != "be terse" {
		t.Fatalf("first message = %+v, want prepended system prompt", got)
	}
}

func TestNewAgentNodeWrapsModelError(t *testing.T) {
	mock := &model.MockChatModel{Err: errors.New("rate limited")}
	node := graph.NewAgentNode("asker", graph.AgentConfig{Model: mock})

	result := node.Fn(context.Background(), graph.State{})
	if result.Err == nil {
		t.Fatal("Fn() error = nil, want wrapped model error")
	}
}
