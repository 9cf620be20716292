// Package conductor implements the per-event dispatch and the tool-use round
// loop that drives a single voice conversation turn from transcript to
// spoken reply, suspending on client-executed tool calls along the way.
//
// A Conductor holds no per-connection state itself; all durable state lives
// in the [session.Session] passed to HandleEnvelope. Concurrency safety is
// inherited from the session store: Conductor methods are safe to call from
// multiple goroutines, but a single session's turns must be serialized by
// the caller (the WebSocket connection owns exactly one goroutine per
// session in practice).
package conductor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voicestack/conductor/internal/catalog"
	"github.com/voicestack/conductor/internal/envelope"
	"github.com/voicestack/conductor/internal/resilience"
	"github.com/voicestack/conductor/internal/session"
	"github.com/voicestack/conductor/pkg/provider/llm"
)

// maxToolRounds bounds how many provider round-trips a single transcript may
// trigger before the conductor gives up and reports tool_round_limit_exceeded.
const maxToolRounds = 8

// toolResultWait bounds how long the conductor waits for a dispatched tool
// call's result before synthesizing a timeout.
const toolResultWait = 30 * time.Second

// EmitFunc delivers one outbound envelope to the client. Implementations
// must tolerate a closed or broken socket: a failed emit should be logged
// and swallowed, never propagated as an error that unwinds the conductor
// loop, per the wire protocol's outbound-emission contract.
type EmitFunc func(envelope.Envelope)

// Metrics is the narrow set of instrumentation hooks the conductor uses.
// *observe.Metrics satisfies it; nil is valid and disables instrumentation.
type Metrics interface {
	RecordProviderRequest(ctx context.Context, provider, kind, status string)
	RecordProviderError(ctx context.Context, provider, kind string)
	RecordProviderDuration(ctx context.Context, provider string, seconds float64)
	RecordToolCall(ctx context.Context, tool, status string)
	RecordToolCallDuration(ctx context.Context, tool string, seconds float64)
	RecordRoundDuration(ctx context.Context, seconds float64)
}

// Conductor owns the model provider and session store needed to drive
// conversation turns. One instance is shared across every session the
// process serves.
type Conductor struct {
	provider llm.ModelProvider
	breaker  *resilience.CircuitBreaker
	store    *session.Store
	metrics  Metrics
	logger   *slog.Logger

	maxTokens     int
	toolMaxTokens int
	systemTurn    llm.Turn
	toolCatalog   []llm.ToolDefinition
}

// Option configures a [Conductor] during construction.
type Option func(*Conductor)

// WithMetrics attaches an instrumentation sink. Optional.
func WithMetrics(m Metrics) Option {
	return func(c *Conductor) { c.metrics = m }
}

// WithLogger overrides the default [slog.Default] logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conductor) { c.logger = l }
}

// WithMaxTokens overrides the base completion-length budget used when no
// tools are offered. Non-positive values keep the built-in default.
func WithMaxTokens(n int) Option {
	return func(c *Conductor) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

const (
	defaultMaxTokens    = 1024
	toolMaxTokensFactor = 4
	toolMaxTokensCeil   = 4096
)

// New creates a Conductor. provider is wrapped with a circuit breaker per
// cbCfg so that repeated provider failures fail fast instead of piling up
// session goroutines behind a known-bad backend; the breaker is shared
// across every session, matching the single shared provider instance.
func New(provider llm.ModelProvider, store *session.Store, cbCfg resilience.CircuitBreakerConfig, opts ...Option) *Conductor {
	c := &Conductor{
		provider:    provider,
		breaker:     resilience.NewCircuitBreaker(cbCfg),
		store:       store,
		logger:      slog.Default(),
		maxTokens:   defaultMaxTokens,
		toolCatalog: catalog.Tools(),
		systemTurn:  llm.SystemTurn(catalog.SystemDirective),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.toolMaxTokens = c.maxTokens * toolMaxTokensFactor
	if c.toolMaxTokens > toolMaxTokensCeil {
		c.toolMaxTokens = toolMaxTokensCeil
	}
	return c
}

// HandleEnvelope dispatches e by type against s, delivering any outbound
// envelopes through emit. It returns only on a programming error in the
// caller's plumbing (never on a provider or tool failure, which are surfaced
// to the client as error envelopes instead).
func (c *Conductor) HandleEnvelope(ctx context.Context, s *session.Session, e envelope.Envelope, emit EmitFunc) {
	switch e.Type {
	case "session.start":
		c.handleSessionStart(s, e, emit)
	case "user.audio.transcript.final":
		c.handleTranscriptFinal(ctx, s, e, emit)
	case "tool.result":
		c.handleToolResult(s, e)
	case "audio.output.interrupted":
		c.logger.Info("audio output interrupted", "sessionId", e.SessionID)
	case "agent.completed":
		c.handleAgentCompleted(ctx, s, e, emit)
	default:
		c.logger.Debug("ignoring unrecognized envelope type", "type", e.Type)
	}
}

func (c *Conductor) handleSessionStart(s *session.Session, e envelope.Envelope, emit EmitFunc) {
	if tok, ok := e.Payload["githubToken"].(string); ok && tok != "" {
		c.store.SetGithubToken(s, tok)
	}
	emit(envelope.Make("session.started", e.SessionID, map[string]any{"sessionId": e.SessionID}))
}

func (c *Conductor) handleTranscriptFinal(ctx context.Context, s *session.Session, e envelope.Envelope, emit EmitFunc) {
	text, _ := e.Payload["text"].(string)
	text = strings.TrimSpace(text)
	if text == "" {
		emit(errorEnvelope(e.SessionID, "invalid_transcript", "transcript text must not be empty"))
		return
	}
	c.runLoop(ctx, s, text, e.ID, emit, loopOptions{})
}

func (c *Conductor) handleToolResult(s *session.Session, e envelope.Envelope) {
	callID, _ := e.Payload["callId"].(string)
	if callID == "" {
		return
	}
	if errMsg, ok := e.Payload["error"].(string); ok && errMsg != "" {
		c.store.ResolveToolCall(s, callID, "", errors.New(errMsg))
		return
	}
	result, _ := e.Payload["result"].(string)
	c.store.ResolveToolCall(s, callID, result, nil)
}

func (c *Conductor) handleAgentCompleted(ctx context.Context, s *session.Session, e envelope.Envelope, emit EmitFunc) {
	directive := summarizeDirective(e.Payload)
	c.runLoop(ctx, s, directive, e.ID, emit, loopOptions{suppressUserMessage: true})
}

// summarizeDirective builds the synthetic directive text fed to the LLM when
// a client reports an external agent's completion.
func summarizeDirective(payload map[string]any) string {
	agentID, _ := payload["agentId"].(string)
	status, _ := payload["status"].(string)
	summary, _ := payload["summary"].(string)
	name, _ := payload["name"].(string)

	var b strings.Builder
	b.WriteString("An external coding agent has finished. ")
	if name != "" {
		fmt.Fprintf(&b, "Agent %q (id %s) ", name, agentID)
	} else {
		fmt.Fprintf(&b, "Agent %s ", agentID)
	}
	fmt.Fprintf(&b, "reached status %q. ", status)
	if summary != "" {
		fmt.Fprintf(&b, "Details: %s. ", summary)
	}
	b.WriteString("Summarize the outcome for the user in one or two sentences.")
	return b.String()
}

type loopOptions struct {
	suppressUserMessage bool
}

// runLoop implements the conductor loop: from a transcript (or synthetic
// directive) through however many tool-use rounds are required, to a final
// spoken reply.
func (c *Conductor) runLoop(ctx context.Context, s *session.Session, text, sourceEventID string, emit EmitFunc, opts loopOptions) {
	start := time.Now()
	if c.metrics != nil {
		defer func() { c.metrics.RecordRoundDuration(ctx, time.Since(start).Seconds()) }()
	}

	c.store.BeginTranscript(s)
	c.store.RecordTrace(s, "event:"+sourceEventID)
	c.store.AppendTurn(s, llm.UserTurn(text))

	c.emitControlCall(s, s.ID, emit, "convo.setState", map[string]any{"state": "thinking"})

	if !opts.suppressUserMessage {
		c.emitControlCall(s, s.ID, emit, "convo.appendMessage", map[string]any{
			"role": "user", "text": text, "isPartial": false,
		})
	}

	for round := 0; round < maxToolRounds; round++ {
		resp, err := c.generate(ctx, s)
		if err != nil {
			c.logger.Warn("provider call failed", "sessionId", s.ID, "error", err)
			emit(errorEnvelope(s.ID, "model_provider_failed", err.Error()))
			c.emitControlCall(s, s.ID, emit, "convo.setState", map[string]any{"state": "idle"})
			return
		}

		if len(resp.ToolCalls) > 0 {
			c.store.AppendTurn(s, llm.AssistantToolCallsTurn(resp.ToolCalls))
			c.store.RecordTrace(s, "tool_round")

			for _, call := range resp.ToolCalls {
				callID := uuid.NewString()
				// Register the pending wait before the client can possibly see
				// the tool.call, so a resolver is always present when a fast
				// tool.result arrives.
				waitCh := c.store.DispatchToolCall(s, callID, call.ID, call.Name)

				argsJSON := encodeToolInput(call.Input)
				emit(envelope.Make("tool.call", s.ID, map[string]any{
					"callId": callID, "name": call.Name, "arguments": argsJSON,
				}))

				waitStart := time.Now()
				result, toolErr := c.waitForToolResult(s, callID, waitCh)
				content := result
				if toolErr != nil {
					content = "Error: " + toolErr.Error()
				}
				c.store.AppendTurn(s, llm.ToolResultTurn(call.ID, call.Name, content))

				if c.metrics != nil {
					status := "ok"
					if toolErr != nil {
						status = "error"
					}
					c.metrics.RecordToolCall(ctx, call.Name, status)
					c.metrics.RecordToolCallDuration(ctx, call.Name, time.Since(waitStart).Seconds())
				}
			}
			continue
		}

		// Text response: stream partials, then finalize.
		finalText := c.streamPartials(resp, emit, s.ID)
		emit(envelope.Make("assistant.speech.final", s.ID, map[string]any{"text": finalText}))
		c.store.AppendTurn(s, llm.AssistantTextTurn(finalText))

		c.emitControlCall(s, s.ID, emit, "convo.appendMessage", map[string]any{
			"role": "assistant", "text": finalText, "isPartial": false,
		})
		c.emitControlCall(s, s.ID, emit, "convo.setState", map[string]any{"state": "speaking"})
		c.emitControlCall(s, s.ID, emit, "tts.speak", map[string]any{"text": finalText})
		c.emitControlCall(s, s.ID, emit, "convo.setState", map[string]any{"state": "idle"})
		return
	}

	emit(errorEnvelope(s.ID, "tool_round_limit_exceeded", "exhausted tool round budget without a final reply"))
	c.emitControlCall(s, s.ID, emit, "convo.setState", map[string]any{"state": "idle"})
}

// generate asks the provider for a response given the session's current
// history plus the static agent-tool catalog, through the shared circuit
// breaker.
func (c *Conductor) generate(ctx context.Context, s *session.Session) (*llm.Response, error) {
	history := append([]llm.Turn{c.systemTurn}, s.History()...)
	maxTokens := c.maxTokens
	if len(c.toolCatalog) > 0 {
		maxTokens = c.toolMaxTokens
	}
	req := llm.Request{History: history, Tools: c.toolCatalog, MaxTokens: maxTokens}

	start := time.Now()
	var resp *llm.Response
	cbErr := c.breaker.Execute(func() error {
		var genErr error
		resp, genErr = c.provider.Generate(ctx, req)
		return genErr
	})
	if c.metrics != nil {
		c.metrics.RecordProviderDuration(ctx, "conductor", time.Since(start).Seconds())
	}
	if cbErr != nil {
		if c.metrics != nil {
			c.metrics.RecordProviderError(ctx, "conductor", "generate")
		}
		if errors.Is(cbErr, resilience.ErrCircuitOpen) {
			return nil, fmt.Errorf("provider circuit open: %w", cbErr)
		}
		return nil, cbErr
	}
	if c.metrics != nil {
		c.metrics.RecordProviderRequest(ctx, "conductor", "generate", "ok")
	}
	return resp, nil
}

// streamPartials drains resp.Chunks (if any), emitting assistant.speech.partial
// for each cumulative prefix, and returns the trimmed final text.
func (c *Conductor) streamPartials(resp *llm.Response, emit EmitFunc, sessionID string) string {
	var last string
	if resp.Chunks != nil {
		for chunk := range resp.Chunks {
			last = chunk
			emit(envelope.Make("assistant.speech.partial", sessionID, map[string]any{"text": chunk}))
		}
	}
	final := strings.TrimRight(last, " \t\n")
	if final == "" {
		final = strings.TrimRight(resp.FullText, " \t\n")
	}
	return final
}

// waitForToolResult blocks on ch, the resolver channel for callID obtained
// from [session.Store.DispatchToolCall], until the client resolves it or
// toolResultWait elapses, whichever comes first.
func (c *Conductor) waitForToolResult(s *session.Session, callID string, ch <-chan session.ToolResult) (string, error) {
	timer := time.NewTimer(toolResultWait)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.Result, res.Err
	case <-timer.C:
		c.store.AbandonToolCall(s, callID)
		return "", errors.New("tool_result_timeout")
	}
}

// emitControlCall mints a fresh callId and emits a control tool-call
// envelope, recording it as pending without suspending on it: these calls
// (convo.setState, convo.appendMessage, tts.speak) are acknowledged by the
// client but never block the conductor loop.
func (c *Conductor) emitControlCall(s *session.Session, sessionID string, emit EmitFunc, name string, args map[string]any) {
	callID := uuid.NewString()
	c.store.DispatchToolCall(s, callID, "", name)
	argsJSON := encodeToolInput(args)
	emit(envelope.Make("tool.call", sessionID, map[string]any{"callId": callID, "name": name, "arguments": argsJSON}))
}

func encodeToolInput(input map[string]any) string {
	if len(input) == 0 {
		return "{}"
	}
	data, err := json.Marshal(input)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func errorEnvelope(sessionID, code, message string) envelope.Envelope {
	return envelope.Make("error", sessionID, envelope.ErrorPayload(code, message))
}
