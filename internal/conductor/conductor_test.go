package conductor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/voicestack/conductor/internal/envelope"
	"github.com/voicestack/conductor/internal/resilience"
	"github.com/voicestack/conductor/internal/session"
	"github.com/voicestack/conductor/pkg/provider/llm"
	llmmock "github.com/voicestack/conductor/pkg/provider/llm/mock"
)

type fakeLimiter struct{}

func (fakeLimiter) Allow(time.Time) bool { return true }

func newTestStore() *session.Store {
	return session.NewStore(session.StoreConfig{
		MaxTurns:   20,
		NewLimiter: func(int, time.Duration) session.RateLimiter { return fakeLimiter{} },
	})
}

type recordingEmitter struct {
	mu   sync.Mutex
	envs []envelope.Envelope
}

func (r *recordingEmitter) emit(e envelope.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, e)
}

func (r *recordingEmitter) byType(t string) []envelope.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []envelope.Envelope
	for _, e := range r.envs {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func cb() resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{MaxFailures: 3}
}

func TestHandleEnvelopeSessionStart(t *testing.T) {
	store := newTestStore()
	c := New(&llmmock.Provider{}, store, cb())
	s := store.GetOrCreate("sess-1")
	rec := &recordingEmitter{}

	e := envelope.Make("session.start", "sess-1", map[string]any{"githubToken": "tok-123"})
	c.HandleEnvelope(context.Background(), s, e, rec.emit)

	started := rec.byType("session.started")
	if len(started) != 1 {
		t.Fatalf("expected one session.started envelope, got %d", len(started))
	}
	if got := s.GithubToken(); got != "tok-123" {
		t.Fatalf("GithubToken() = %q, want tok-123", got)
	}
}

func TestHandleEnvelopeEmptyTranscriptRejected(t *testing.T) {
	store := newTestStore()
	c := New(&llmmock.Provider{}, store, cb())
	s := store.GetOrCreate("sess-1")
	rec := &recordingEmitter{}

	e := envelope.Make("user.audio.transcript.final", "sess-1", map[string]any{"text": "   "})
	c.HandleEnvelope(context.Background(), s, e, rec.emit)

	errs := rec.byType("error")
	if len(errs) != 1 {
		t.Fatalf("expected one error envelope, got %d", len(errs))
	}
	if errs[0].Payload["code"] != "invalid_transcript" {
		t.Fatalf("error code = %v, want invalid_transcript", errs[0].Payload["code"])
	}
}

func TestRunLoopTextResponse(t *testing.T) {
	store := newTestStore()
	provider := &llmmock.Provider{
		Responses: []*llm.Response{
			{FullText: "hi there", Chunks: llmmock.ChunksOf("hi", "hi there")},
		},
	}
	c := New(provider, store, cb())
	s := store.GetOrCreate("sess-1")
	rec := &recordingEmitter{}

	e := envelope.Make("user.audio.transcript.final", "sess-1", map[string]any{"text": "hello"})
	c.HandleEnvelope(context.Background(), s, e, rec.emit)

	finals := rec.byType("assistant.speech.final")
	if len(finals) != 1 {
		t.Fatalf("expected one assistant.speech.final, got %d", len(finals))
	}
	if finals[0].Payload["text"] != "hi there" {
		t.Fatalf("final text = %v, want 'hi there'", finals[0].Payload["text"])
	}
	partials := rec.byType("assistant.speech.partial")
	if len(partials) != 2 {
		t.Fatalf("expected 2 partials, got %d", len(partials))
	}

	idleStates := 0
	for _, e := range rec.byType("tool.call") {
		if e.Payload["name"] == "convo.setState" {
			args, _ := e.Payload["arguments"].(string)
			if args == `{"state":"idle"}` {
				idleStates++
			}
		}
	}
	if idleStates != 1 {
		t.Fatalf("expected exactly one idle convo.setState, got %d", idleStates)
	}

	hist := s.History()
	if len(hist) != 2 {
		t.Fatalf("expected 2 history turns (user, assistant), got %d", len(hist))
	}
	if hist[0].Role != llm.RoleUser || hist[1].Role != llm.RoleAssistant {
		t.Fatalf("unexpected history roles: %+v", hist)
	}
}

func TestRunLoopToolUseRoundTrip(t *testing.T) {
	store := newTestStore()
	provider := &llmmock.Provider{
		Responses: []*llm.Response{
			{ToolCalls: []llm.ToolCallRequest{{ID: "call_1", Name: "agent.spawn", Input: map[string]any{"prompt": "fix bug"}}}},
			{FullText: "done", Chunks: llmmock.ChunksOf("done")},
		},
	}
	c := New(provider, store, cb())
	s := store.GetOrCreate("sess-1")
	rec := &recordingEmitter{}

	var toolCallID string
	go func() {
		deadline := time.After(2 * time.Second)
		for {
			for _, e := range rec.byType("tool.call") {
				if e.Payload["name"] == "agent.spawn" {
					toolCallID, _ = e.Payload["callId"].(string)
					resultEnv := envelope.Make("tool.result", "sess-1", map[string]any{
						"callId": toolCallID, "result": `{"agentId":"a1"}`,
					})
					c.HandleEnvelope(context.Background(), s, resultEnv, rec.emit)
					return
				}
			}
			select {
			case <-deadline:
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}()

	e := envelope.Make("user.audio.transcript.final", "sess-1", map[string]any{"text": "spawn an agent"})
	c.HandleEnvelope(context.Background(), s, e, rec.emit)

	finals := rec.byType("assistant.speech.final")
	if len(finals) != 1 || finals[0].Payload["text"] != "done" {
		t.Fatalf("unexpected final: %+v", finals)
	}
	if len(provider.Calls) != 2 {
		t.Fatalf("expected 2 provider calls, got %d", len(provider.Calls))
	}

	hist := s.History()
	var sawToolTurn bool
	for _, turn := range hist {
		if turn.Role == llm.RoleTool && turn.Content == `{"agentId":"a1"}` {
			sawToolTurn = true
		}
	}
	if !sawToolTurn {
		t.Fatalf("expected a tool-result turn with the delivered content, got %+v", hist)
	}
}

func TestRunLoopProviderErrorEmitsModelProviderFailed(t *testing.T) {
	store := newTestStore()
	provider := &llmmock.Provider{Err: fmt.Errorf("boom")}
	c := New(provider, store, cb())
	s := store.GetOrCreate("sess-1")
	rec := &recordingEmitter{}

	e := envelope.Make("user.audio.transcript.final", "sess-1", map[string]any{"text": "hello"})
	c.HandleEnvelope(context.Background(), s, e, rec.emit)

	errs := rec.byType("error")
	if len(errs) != 1 || errs[0].Payload["code"] != "model_provider_failed" {
		t.Fatalf("unexpected errors: %+v", errs)
	}
}

func TestRunLoopToolRoundLimitExceeded(t *testing.T) {
	store := newTestStore()
	responses := make([]*llm.Response, 0, maxToolRounds)
	for i := 0; i < maxToolRounds; i++ {
		responses = append(responses, &llm.Response{
			ToolCalls: []llm.ToolCallRequest{{ID: fmt.Sprintf("call_%d", i), Name: "agent.list"}},
		})
	}
	provider := &llmmock.Provider{Responses: responses}
	c := New(provider, store, cb())
	s := store.GetOrCreate("sess-1")
	rec := &recordingEmitter{}

	go func() {
		seen := map[string]bool{}
		deadline := time.After(3 * time.Second)
		for {
			for _, e := range rec.byType("tool.call") {
				if e.Payload["name"] != "agent.list" {
					continue
				}
				callID, _ := e.Payload["callId"].(string)
				if seen[callID] {
					continue
				}
				seen[callID] = true
				resultEnv := envelope.Make("tool.result", "sess-1", map[string]any{"callId": callID, "result": "[]"})
				c.HandleEnvelope(context.Background(), s, resultEnv, rec.emit)
			}
			select {
			case <-deadline:
				return
			case <-time.After(2 * time.Millisecond):
			}
		}
	}()

	e := envelope.Make("user.audio.transcript.final", "sess-1", map[string]any{"text": "loop forever"})
	c.HandleEnvelope(context.Background(), s, e, rec.emit)

	errs := rec.byType("error")
	if len(errs) != 1 || errs[0].Payload["code"] != "tool_round_limit_exceeded" {
		t.Fatalf("expected tool_round_limit_exceeded, got %+v", errs)
	}
}

func TestHandleEnvelopeToolResultAbandonedCallIsSilentNoop(t *testing.T) {
	store := newTestStore()
	c := New(&llmmock.Provider{}, store, cb())
	s := store.GetOrCreate("sess-1")
	rec := &recordingEmitter{}

	e := envelope.Make("tool.result", "sess-1", map[string]any{"callId": "never-dispatched", "result": "x"})
	c.HandleEnvelope(context.Background(), s, e, rec.emit)

	if len(rec.envs) != 0 {
		t.Fatalf("expected no outbound envelopes, got %+v", rec.envs)
	}
}

func TestHandleEnvelopeAudioInterruptedIsLoggedOnly(t *testing.T) {
	store := newTestStore()
	c := New(&llmmock.Provider{}, store, cb())
	s := store.GetOrCreate("sess-1")
	rec := &recordingEmitter{}

	e := envelope.Make("audio.output.interrupted", "sess-1", map[string]any{"reason": "user spoke"})
	c.HandleEnvelope(context.Background(), s, e, rec.emit)

	if len(rec.envs) != 0 {
		t.Fatalf("expected no outbound envelopes, got %+v", rec.envs)
	}
}

func TestHandleEnvelopeAgentCompletedTriggersSyntheticTurn(t *testing.T) {
	store := newTestStore()
	provider := &llmmock.Provider{
		Responses: []*llm.Response{{FullText: "the agent finished successfully", Chunks: llmmock.ChunksOf("the agent finished successfully")}},
	}
	c := New(provider, store, cb())
	s := store.GetOrCreate("sess-1")
	rec := &recordingEmitter{}

	e := envelope.Make("agent.completed", "sess-1", map[string]any{"agentId": "a1", "status": "succeeded", "summary": "PR opened"})
	c.HandleEnvelope(context.Background(), s, e, rec.emit)

	finals := rec.byType("assistant.speech.final")
	if len(finals) != 1 {
		t.Fatalf("expected one final response, got %d", len(finals))
	}

	for _, e := range rec.byType("tool.call") {
		if e.Payload["name"] == "convo.appendMessage" {
			args, _ := e.Payload["arguments"].(string)
			if args != "" && args != `{"role":"assistant","text":"the agent finished successfully","isPartial":false}` {
				continue
			}
		}
	}

	hist := s.History()
	if hist[0].Role != llm.RoleUser {
		t.Fatalf("expected a synthetic user turn first, got %+v", hist[0])
	}
}
