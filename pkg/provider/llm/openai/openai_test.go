package openai

import (
	"testing"

	"github.com/voicestack/conductor/pkg/provider/llm"
)

func TestConvertTurnSystem(t *testing.T) {
	param, err := convertTurn(llm.SystemTurn("You are helpful."))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfSystem == nil {
		t.Fatal("expected OfSystem to be set")
	}
}

func TestConvertTurnUser(t *testing.T) {
	param, err := convertTurn(llm.UserTurn("Hello!"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfUser == nil {
		t.Fatal("expected OfUser to be set")
	}
}

func TestConvertTurnAssistantText(t *testing.T) {
	param, err := convertTurn(llm.AssistantTextTurn("Hi there!"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfAssistant == nil {
		t.Fatal("expected OfAssistant to be set")
	}
}

func TestConvertTurnAssistantToolCalls(t *testing.T) {
	turn := llm.AssistantToolCallsTurn([]llm.ToolCallRequest{
		{ID: "call_1", Name: "agent.spawn", Input: map[string]any{"city": "Berlin"}},
	})
	param, err := convertTurn(turn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfAssistant == nil {
		t.Fatal("expected OfAssistant to be set")
	}
	if len(param.OfAssistant.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(param.OfAssistant.ToolCalls))
	}
	tc := param.OfAssistant.ToolCalls[0]
	if tc.ID != "call_1" {
		t.Errorf("expected ID call_1, got %s", tc.ID)
	}
	if tc.Function.Name != "agent.spawn" {
		t.Errorf("expected function name agent.spawn, got %s", tc.Function.Name)
	}
	if tc.Function.Arguments != `{"city":"Berlin"}` {
		t.Errorf("unexpected arguments: %s", tc.Function.Arguments)
	}
}

func TestConvertTurnTool(t *testing.T) {
	param, err := convertTurn(llm.ToolResultTurn("call_1", "agent.spawn", "sunny"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfTool == nil {
		t.Fatal("expected OfTool to be set")
	}
	if param.OfTool.ToolCallID != "call_1" {
		t.Errorf("expected ToolCallID call_1, got %s", param.OfTool.ToolCallID)
	}
}

func TestConvertTurnUnknownRole(t *testing.T) {
	_, err := convertTurn(llm.Turn{Role: "unknown"})
	if err == nil {
		t.Fatal("expected error for unknown role, got nil")
	}
}

func TestBuildParamsSystemDirectiveNotDuplicated(t *testing.T) {
	p := &Provider{model: "gpt-4o", system: "be concise"}
	req := llm.Request{
		History: []llm.Turn{
			llm.SystemTurn("be concise"),
			llm.UserTurn("hello"),
		},
	}

	params, err := p.buildParams(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var systemCount int
	for _, m := range params.Messages {
		if m.OfSystem != nil {
			systemCount++
		}
	}
	if systemCount != 1 {
		t.Fatalf("expected exactly 1 system message, got %d", systemCount)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("expected system message + 1 user message, got %d messages", len(params.Messages))
	}
}

func TestDecodeArgumentsRoundTrip(t *testing.T) {
	raw := encodeArguments(map[string]any{"city": "Berlin"})
	got, err := decodeArguments(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["city"] != "Berlin" {
		t.Fatalf("unexpected decoded value: %v", got)
	}
}

func TestDecodeArgumentsEmpty(t *testing.T) {
	got, err := decodeArguments("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty map, got %v", got)
	}
}

func TestModelCapabilitiesGPT4oMini(t *testing.T) {
	caps := modelCapabilities("gpt-4o-mini")
	if caps.MaxOutputTokens != 16_384 {
		t.Errorf("gpt-4o-mini: expected MaxOutputTokens 16384, got %d", caps.MaxOutputTokens)
	}
	if !caps.SupportsToolCalling || !caps.SupportsStreaming {
		t.Error("gpt-4o-mini: expected tool calling and streaming support")
	}
}

func TestModelCapabilitiesO1Mini(t *testing.T) {
	caps := modelCapabilities("o1-mini")
	if caps.SupportsToolCalling {
		t.Error("o1-mini: expected SupportsToolCalling=false")
	}
}

func TestModelCapabilitiesUnknownModel(t *testing.T) {
	caps := modelCapabilities("my-custom-model")
	if caps.ContextWindow <= 0 || caps.MaxOutputTokens <= 0 {
		t.Error("unknown model: expected positive defaults")
	}
}

func TestNewMissingAPIKey(t *testing.T) {
	if _, err := New("", "gpt-4o", ""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestNewMissingModel(t *testing.T) {
	if _, err := New("sk-test", "", ""); err == nil {
		t.Fatal("expected error for empty model")
	}
}

func TestNewWithOptions(t *testing.T) {
	_, err := New("sk-test", "gpt-4o", "be concise",
		WithBaseURL("https://custom.example.com"),
		WithOrganization("org-123"),
	)
	if err != nil {
		t.Fatalf("unexpected error with valid options: %v", err)
	}
}
