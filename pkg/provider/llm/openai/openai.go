// Package openai implements llm.ModelProvider on top of the OpenAI
// chat-completions tool-calling API. Unlike the Anthropic-style provider,
// this one streams natively: Generate starts a streaming completion and
// accumulates tool-call argument fragments by index as they arrive.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/voicestack/conductor/pkg/provider/llm"
)

// encodeArguments marshals tool-call input to the JSON string the OpenAI
// API expects in ChatCompletionMessageToolCallFunctionParam.Arguments.
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

// decodeArguments parses accumulated tool-call argument fragments once the
// stream reports the call complete.
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

// Provider implements llm.ModelProvider using the OpenAI chat-completions API.
type Provider struct {
	client oai.Client
	model  string
	system string
}

type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
}

// Option is a functional option for [New].
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option { return func(c *config) { c.baseURL = url } }

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option { return func(c *config) { c.organization = org } }

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option { return func(c *config) { c.timeout = d } }

// New constructs a Provider. systemDirective, if non-empty, is sent as the
// leading system message on every request.
func New(apiKey, model, systemDirective string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: model, system: systemDirective}, nil
}

// Capabilities returns static metadata for the configured model.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return modelCapabilities(p.model)
}

// Generate starts a streaming chat completion and returns once the first
// chunk (or an immediate error) is available; the remainder streams through
// Response.Chunks while ToolCalls is only populated once the stream
// finishes, matching llm.ModelProvider's contract.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai: start stream: %w", err)
	}

	result := make(chan *llm.Response, 1)
	chunks := make(chan string, 32)

	go func() {
		defer close(chunks)
		defer stream.Close()

		type accum struct {
			id, name, args string
		}
		toolCallAccum := map[int]*accum{}
		var text strings.Builder
		finishedWithToolCalls := false

		for stream.Next() {
			chunk := stream.Current()
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

			for _, tc := range delta.ToolCalls {
				idx := int(tc.Index)
				if _, ok := toolCallAccum[idx]; !ok {
					toolCallAccum[idx] = &accum{}
				}
				existing := toolCallAccum[idx]
				if tc.ID != "" {
					existing.id = tc.ID
				}
				if tc.Function.Name != "" {
					existing.name = tc.Function.Name
				}
				existing.args += tc.Function.Arguments
			}

			if choice.FinishReason == "tool_calls" {
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
	if len(resp.ToolCalls) == 0 {
		resp.Chunks = chunks
	} else {
		// Drain the now-unused chunk channel so the producer goroutine's
		// earlier sends (before FinishReason was known) don't block forever.
		go func() {
			for range chunks {
			}
		}()
	}
	return resp, nil
}

func modelCapabilities(model string) llm.ModelCapabilities {
	caps := llm.ModelCapabilities{SupportsToolCalling: true, SupportsStreaming: true, ContextWindow: 128_000, MaxOutputTokens: 4_096}
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "gpt-4o-mini"), strings.HasPrefix(lower, "gpt-4o"):
		caps.MaxOutputTokens = 16_384
	case strings.HasPrefix(lower, "o1-mini"):
		caps.MaxOutputTokens = 65_536
		caps.SupportsToolCalling = false
	case strings.HasPrefix(lower, "o1"), strings.HasPrefix(lower, "o3"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 100_000
	}
	return caps
}

// buildParams translates req into the SDK's params shape. Any RoleSystem
// turn in req.History is skipped; the system directive is carried
// separately via p.system so it is sent exactly once.
func (p *Provider) buildParams(req llm.Request) (oai.ChatCompletionNewParams, error) {
	var messages []oai.ChatCompletionMessageParamUnion
	if p.system != "" {
		messages = append(messages, oai.SystemMessage(p.system))
	}

	for _, turn := range req.History {
		if turn.Role == llm.RoleSystem {
			continue
		}
		msg, err := convertTurn(turn)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	for _, td := range req.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        td.Name,
				Description: param.NewOpt(td.Description),
				Parameters:  shared.FunctionParameters(td.InputSchema),
			},
		})
	}
	return params, nil
}

func convertTurn(turn llm.Turn) (oai.ChatCompletionMessageParamUnion, error) {
	switch turn.Role {
	case llm.RoleSystem:
		return oai.SystemMessage(turn.Text), nil
	case llm.RoleUser:
		return oai.UserMessage(turn.Text), nil
	case llm.RoleAssistant:
		asst := oai.ChatCompletionAssistantMessageParam{}
		if turn.Text != "" {
			asst.Content.OfString = oai.String(turn.Text)
		}
		for _, tc := range turn.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: encodeArguments(tc.Input),
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil
	case llm.RoleTool:
		return oai.ToolMessage(turn.Content, turn.ToolUseID), nil
	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unsupported turn role %q", turn.Role)
	}
}
