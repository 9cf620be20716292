// Package anyllm implements llm.ModelProvider on top of
// github.com/mozilla-ai/any-llm-go, a unified multi-provider client covering
// OpenAI-, Anthropic-, Gemini-, and Ollama-compatible backends (among
// others) behind one interface. Selected via a provider selector of the form
// "anyllm:<backend>" (e.g. "anyllm:anthropic", "anyllm:ollama"), it exists
// for deployments that want to change the backing vendor through
// configuration alone rather than swapping Go packages.
package anyllm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/voicestack/conductor/pkg/provider/llm"
)

// Provider implements llm.ModelProvider by delegating to an any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	model   string
	system  string
	caps    llm.ModelCapabilities
}

// New creates a Provider for the named backend ("openai", "anthropic",
// "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp",
// "llamafile"). systemDirective, if non-empty, is sent as a leading system
// message. Without an API-key option, each backend falls back to its usual
// environment variable (OPENAI_API_KEY, ANTHROPIC_API_KEY, ...).
func New(backendName, model, systemDirective string, caps llm.ModelCapabilities, opts ...anyllmlib.Option) (*Provider, error) {
	if backendName == "" {
		return nil, fmt.Errorf("anyllm: backend name must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}
	backend, err := createBackend(backendName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", backendName, err)
	}
	return &Provider{backend: backend, model: model, system: systemDirective, caps: caps}, nil
}

func createBackend(backendName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(backendName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported backend %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", backendName)
	}
}

// Capabilities returns the metadata supplied at construction time; any-llm-go
// does not expose a uniform per-model capabilities lookup across backends.
func (p *Provider) Capabilities() llm.ModelCapabilities { return p.caps }

// Generate streams the backend's completion, accumulating text and tool-call
// fragments. Backends that don't support real streaming deliver their whole
// response as a single chunk, which this loop handles without special-casing.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	params := p.buildParams(req)

	backendChunks, backendErrs := p.backend.CompletionStream(ctx, params)

	result := make(chan *llm.Response, 1)
	chunks := make(chan string, 32)

	go func() {
		defer close(chunks)

		type accum struct {
			id, name, args string
		}
		toolCallAccum := map[int]*accum{}
		var text strings.Builder
		finishedWithToolCalls := false

		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			delta := choice.Delta

			if delta.Content != "" {
				text.WriteString(delta.Content)
				select {
				case chunks <- text.String():
				case <-ctx.Done():
					return
				}
			}

			for i, tc := range delta.ToolCalls {
				if _, ok := toolCallAccum[i]; !ok {
					toolCallAccum[i] = &accum{}
				}
				existing := toolCallAccum[i]
				if tc.ID != "" {
					existing.id = tc.ID
				}
				if tc.Function.Name != "" {
					existing.name = tc.Function.Name
				}
				existing.args += tc.Function.Arguments
			}

			if choice.FinishReason == anyllmlib.FinishReasonToolCalls {
				finishedWithToolCalls = true
			}
		}

		var resp llm.Response
		if finishedWithToolCalls && len(toolCallAccum) > 0 {
			for i := 0; i < len(toolCallAccum); i++ {
				acc, ok := toolCallAccum[i]
				if !ok {
					continue
				}
				input, err := decodeArguments(acc.args)
				if err != nil {
					input = map[string]any{}
				}
				resp.ToolCalls = append(resp.ToolCalls, llm.ToolCallRequest{ID: acc.id, Name: acc.name, Input: input})
			}
		} else {
			resp.FullText = text.String()
		}
		result <- &resp
	}()

	resp := <-result
	if err := <-backendErrs; err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.ToolCalls) == 0 {
		resp.Chunks = chunks
	} else {
		go func() {
			for range chunks {
			}
		}()
	}
	return resp, nil
}

// buildParams translates req into the backend's completion params. Any
// RoleSystem turn in req.History is skipped; the system directive is
// carried separately via p.system so it is sent exactly once.
func (p *Provider) buildParams(req llm.Request) anyllmlib.CompletionParams {
	var messages []anyllmlib.Message
	if p.system != "" {
		messages = append(messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: p.system})
	}
	for _, turn := range req.History {
		if turn.Role == llm.RoleSystem {
			continue
		}
		messages = append(messages, convertTurn(turn))
	}

	params := anyllmlib.CompletionParams{Model: p.model, Messages: messages}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	for _, td := range req.Tools {
		params.Tools = append(params.Tools, anyllmlib.Tool{
			Type: "function",
			Function: anyllmlib.Function{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.InputSchema,
			},
		})
	}
	return params
}

func convertTurn(turn llm.Turn) anyllmlib.Message {
	switch turn.Role {
	case llm.RoleSystem:
		return anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: turn.Text}
	case llm.RoleUser:
		return anyllmlib.Message{Role: anyllmlib.RoleUser, Content: turn.Text}
	case llm.RoleAssistant:
		msg := anyllmlib.Message{Role: anyllmlib.RoleAssistant, Content: turn.Text}
		for _, tc := range turn.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, anyllmlib.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: anyllmlib.FunctionCall{
					Name:      tc.Name,
					Arguments: encodeArguments(tc.Input),
				},
			})
		}
		return msg
	case llm.RoleTool:
		return anyllmlib.Message{Role: "tool", Content: turn.Content, ToolCallID: turn.ToolUseID}
	default:
		return anyllmlib.Message{Role: anyllmlib.RoleUser, Content: turn.Text}
	}
}

func encodeArguments(input map[string]any) string {
	if len(input) == 0 {
		return "{}"
	}
	data, err := json.Marshal(input)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func decodeArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}
