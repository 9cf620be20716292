package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voicestack/conductor/pkg/provider/llm"
)

func TestConvertTurnSystem(t *testing.T) {
	got := convertTurn(llm.SystemTurn("You are helpful."))
	if got.Role != anyllmlib.RoleSystem {
		t.Errorf("expected role system, got %q", got.Role)
	}
	if got.Content != "You are helpful." {
		t.Errorf("unexpected content %q", got.Content)
	}
}

func TestConvertTurnUser(t *testing.T) {
	got := convertTurn(llm.UserTurn("Hello!"))
	if got.Role != anyllmlib.RoleUser {
		t.Errorf("expected role user, got %q", got.Role)
	}
}

func TestConvertTurnAssistantToolCalls(t *testing.T) {
	turn := llm.AssistantToolCallsTurn([]llm.ToolCallRequest{
		{ID: "call_1", Name: "agent.spawn", Input: map[string]any{"city": "Berlin"}},
	})
	got := convertTurn(turn)
	if len(got.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(got.ToolCalls))
	}
	tc := got.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Name != "agent.spawn" || tc.Type != "function" {
		t.Errorf("unexpected tool call: %+v", tc)
	}
	if tc.Function.Arguments != `{"city":"Berlin"}` {
		t.Errorf("unexpected arguments: %q", tc.Function.Arguments)
	}
}

func TestConvertTurnTool(t *testing.T) {
	got := convertTurn(llm.ToolResultTurn("call_1", "agent.spawn", "sunny"))
	if got.Role != "tool" {
		t.Errorf("expected role tool, got %q", got.Role)
	}
	if got.ToolCallID != "call_1" {
		t.Errorf("expected ToolCallID call_1, got %q", got.ToolCallID)
	}
	if got.Content != "sunny" {
		t.Errorf("expected content sunny, got %q", got.Content)
	}
}

func TestEncodeDecodeArgumentsRoundTrip(t *testing.T) {
	raw := encodeArguments(map[string]any{"city": "Berlin"})
	got, err := decodeArguments(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["city"] != "Berlin" {
		t.Fatalf("unexpected decoded value: %v", got)
	}
}

func TestNewEmptyBackendName(t *testing.T) {
	if _, err := New("", "gpt-4o", "", llm.ModelCapabilities{}); err == nil {
		t.Fatal("expected error for empty backend name")
	}
}

func TestNewEmptyModel(t *testing.T) {
	if _, err := New("openai", "", "", llm.ModelCapabilities{}); err == nil {
		t.Fatal("expected error for empty model")
	}
}

func TestNewUnsupportedBackend(t *testing.T) {
	_, err := New("fakecloud", "some-model", "", llm.ModelCapabilities{}, anyllmlib.WithAPIKey("dummy"))
	if err == nil {
		t.Fatal("expected error for unsupported backend")
	}
}

func TestNewOpenAIWithAPIKey(t *testing.T) {
	caps := llm.ModelCapabilities{ContextWindow: 128_000, SupportsToolCalling: true, SupportsStreaming: true}
	p, err := New("openai", "gpt-4o", "", caps, anyllmlib.WithAPIKey("sk-test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.model != "gpt-4o" {
		t.Errorf("expected model gpt-4o, got %q", p.model)
	}
	if p.Capabilities().ContextWindow != 128_000 {
		t.Errorf("expected capabilities to be carried through, got %+v", p.Capabilities())
	}
}

func TestNewOllamaNoAPIKeyRequired(t *testing.T) {
	if _, err := New("ollama", "llama3", "", llm.ModelCapabilities{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewEachSupportedBackend(t *testing.T) {
	backends := []string{"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}
	for _, b := range backends {
		t.Run(b, func(t *testing.T) {
			if _, err := New(b, "some-model", "", llm.ModelCapabilities{}, anyllmlib.WithAPIKey("dummy")); err != nil {
				t.Fatalf("unexpected error constructing backend %q: %v", b, err)
			}
		})
	}
}

func TestBuildParamsSystemDirectiveNotDuplicated(t *testing.T) {
	p := &Provider{model: "llama3", system: "be concise"}
	req := llm.Request{
		History: []llm.Turn{
			llm.SystemTurn("be concise"),
			llm.UserTurn("hello"),
		},
	}

	params := p.buildParams(req)

	var systemCount int
	for _, m := range params.Messages {
		if m.Role == anyllmlib.RoleSystem {
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
