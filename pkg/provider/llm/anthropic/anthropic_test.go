package anthropic

import (
	"context"
	"encoding/json"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/voicestack/conductor/pkg/provider/llm"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func TestGenerateTextOnly(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{Content: []sdk.ContentBlockUnion{{Type: "text", Text: "hello there"}}},
	}
	p, err := New(stub, Options{Model: "claude-test", ChunkDelay: 0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := p.Generate(context.Background(), llm.Request{History: []llm.Turn{llm.UserTurn("hi")}})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.FullText != "hello there" {
		t.Fatalf("unexpected FullText %q", resp.FullText)
	}
	if len(resp.ToolCalls) != 0 {
		t.Fatalf("expected no tool calls, got %v", resp.ToolCalls)
	}

	var got []string
	for chunk := range resp.Chunks {
		got = append(got, chunk)
	}
	if len(got) == 0 || got[len(got)-1] != "hello there" {
		t.Fatalf("expected last chunk to equal full text, got %v", got)
	}
}

func TestGenerateToolUse(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{Content: []sdk.ContentBlockUnion{
			{Type: "tool_use", Name: "agent_spawn", ID: "call-1", Input: json.RawMessage(`{"prompt":"fix bug"}`)},
		}},
	}
	p, err := New(stub, Options{Model: "claude-test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := llm.Request{
		History: []llm.Turn{llm.UserTurn("please fix the bug")},
		Tools:   []llm.ToolDefinition{{Name: "agent.spawn", Description: "spawn an agent", InputSchema: map[string]any{"type": "object"}}},
	}
	resp, err := p.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.FullText != "" {
		t.Fatalf("expected empty FullText when tool calls present, got %q", resp.FullText)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	call := resp.ToolCalls[0]
	if call.Name != "agent.spawn" {
		t.Fatalf("expected name mapped back to canonical %q, got %q", "agent.spawn", call.Name)
	}
	if call.Input["prompt"] != "fix bug" {
		t.Fatalf("unexpected input: %v", call.Input)
	}

	// The request sent upstream should carry the raised tool-heavy token budget.
	if stub.lastParams.MaxTokens <= 1024 {
		t.Fatalf("expected raised token budget for tool-bearing request, got %d", stub.lastParams.MaxTokens)
	}
	if len(stub.lastParams.Tools) != 1 {
		t.Fatalf("expected tool attached to request, got %d", len(stub.lastParams.Tools))
	}
}

func TestGenerateRejectsEmptyHistory(t *testing.T) {
	p, err := New(&stubMessagesClient{}, Options{Model: "claude-test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Generate(context.Background(), llm.Request{}); err == nil {
		t.Fatal("expected error for empty history")
	}
}

func TestSanitizeToolName(t *testing.T) {
	if got := sanitizeToolName("agent.spawn"); got != "agent_spawn" {
		t.Fatalf("unexpected sanitized name %q", got)
	}
}
