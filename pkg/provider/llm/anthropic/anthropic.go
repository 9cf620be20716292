// Package anthropic implements llm.ModelProvider on top of the Anthropic
// Claude Messages API.
//
// Streaming is simulated at this layer: the full response is fetched in one
// call, then yielded as successive text prefixes on a small delay so callers
// see the same streaming interface regardless of whether the underlying API
// streams natively.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/voicestack/conductor/pkg/provider/llm"
)

// MessagesClient captures the subset of the Anthropic SDK used here, so
// tests can substitute a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures a [Provider].
type Options struct {
	// Model is the Claude model identifier, e.g. "claude-sonnet-4-5-20250929".
	Model string

	// SystemDirective is placed once at the head of every request, separate
	// from the message list.
	SystemDirective string

	// MaxTokens is the baseline completion cap for requests that set no
	// MaxTokens of their own; raised per-request to min(MaxTokens*4, 4096)
	// whenever tools are offered. A request's own MaxTokens is used as is.
	MaxTokens int

	// Timeout bounds a single Generate call. Zero defaults to 30s.
	Timeout time.Duration

	// ChunkDelay is the per-segment delay used to simulate streaming. Zero
	// defaults to 60ms.
	ChunkDelay time.Duration

	// Capabilities is returned verbatim by Capabilities().
	Capabilities llm.ModelCapabilities
}

// Provider adapts Anthropic's Messages API to llm.ModelProvider.
type Provider struct {
	msg        MessagesClient
	model      string
	system     string
	maxTokens  int
	timeout    time.Duration
	chunkDelay time.Duration
	caps       llm.ModelCapabilities
}

// New builds a Provider from an explicit MessagesClient, useful for tests.
func New(msg MessagesClient, opts Options) (*Provider, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("anthropic: model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	delay := opts.ChunkDelay
	if delay <= 0 {
		delay = 60 * time.Millisecond
	}
	return &Provider{
		msg:        msg,
		model:      opts.Model,
		system:     opts.SystemDirective,
		maxTokens:  maxTokens,
		timeout:    timeout,
		chunkDelay: delay,
		caps:       opts.Capabilities,
	}, nil
}

// NewFromAPIKey constructs a Provider using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Messages, opts)
}

// Capabilities returns the configured model metadata.
func (p *Provider) Capabilities() llm.ModelCapabilities { return p.caps }

// Generate issues one Messages.New request and translates the result.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params, nameMap, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	msg, err := p.msg.New(ctx, *params)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("anthropic: rate limited by provider: %w", err)
		}
		return nil, fmt.Errorf("anthropic: messages.new: %w", err)
	}
	return p.translateResponse(msg, nameMap)
}

func (p *Provider) buildParams(req llm.Request) (*sdk.MessageNewParams, map[string]string, error) {
	msgs, err := encodeHistory(req.History)
	if err != nil {
		return nil, nil, err
	}
	if len(msgs) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant turn is required")
	}

	toolList, sanToCanon, err := encodeTools(req.Tools)
	if err != nil {
		return nil, nil, err
	}

	maxTokens := p.maxTokens
	if len(toolList) > 0 {
		maxTokens = minInt(maxTokens*4, 4096)
	}
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	params := &sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(p.model),
	}
	if p.system != "" {
		params.System = []sdk.TextBlockParam{{Text: p.system}}
	}
	if len(toolList) > 0 {
		params.Tools = toolList
	}
	return params, sanToCanon, nil
}

// encodeHistory maps the Turn model directly to Anthropic's message grammar.
// A RoleSystem turn, if present, is skipped here; the system directive is
// carried separately via Options.SystemDirective.
func encodeHistory(history []llm.Turn) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(history))
	for _, turn := range history {
		switch turn.Role {
		case llm.RoleSystem:
			continue
		case llm.RoleUser:
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(turn.Text)))
		case llm.RoleAssistant:
			if len(turn.ToolCalls) > 0 {
				blocks := make([]sdk.ContentBlockParamUnion, 0, len(turn.ToolCalls))
				for _, tc := range turn.ToolCalls {
					blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, tc.Input, sanitizeToolName(tc.Name)))
				}
				out = append(out, sdk.NewAssistantMessage(blocks...))
			} else {
				out = append(out, sdk.NewAssistantMessage(sdk.NewTextBlock(turn.Text)))
			}
		case llm.RoleTool:
			// Anthropic wraps tool results under the user role.
			out = append(out, sdk.NewUserMessage(sdk.NewToolResultBlock(turn.ToolUseID, turn.Content, false)))
		default:
			return nil, fmt.Errorf("anthropic: unsupported turn role %q", turn.Role)
		}
	}
	return out, nil
}

func encodeTools(defs []llm.ToolDefinition) ([]sdk.ToolUnionParam, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	sanToCanon := make(map[string]string, len(defs))
	for _, def := range defs {
		sanitized := sanitizeToolName(def.Name)
		sanToCanon[sanitized] = def.Name

		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, sanitized)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, sanToCanon, nil
}

func toolInputSchema(schema map[string]any) (sdk.ToolInputSchemaParam, error) {
	if len(schema) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	return sdk.ToolInputSchemaParam{ExtraFields: schema}, nil
}

// sanitizeToolName maps "agent.spawn" style dotted identifiers to the
// alphanumeric/underscore/hyphen charset Anthropic tool names require.
func sanitizeToolName(name string) string {
	return strings.ReplaceAll(name, ".", "_")
}

func (p *Provider) translateResponse(msg *sdk.Message, nameMap map[string]string) (*llm.Response, error) {
	if msg == nil {
		return nil, errors.New("anthropic: nil response message")
	}

	var text strings.Builder
	var toolCalls []llm.ToolCallRequest
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			name := block.Name
			if canonical, ok := nameMap[name]; ok {
				name = canonical
			}
			var input map[string]any
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &input); err != nil {
					return nil, fmt.Errorf("anthropic: decoding tool_use input: %w", err)
				}
			}
			toolCalls = append(toolCalls, llm.ToolCallRequest{ID: block.ID, Name: name, Input: input})
		}
	}

	if len(toolCalls) > 0 {
		return &llm.Response{ToolCalls: toolCalls}, nil
	}
	full := text.String()
	return &llm.Response{FullText: full, Chunks: p.simulateChunks(full)}, nil
}

// simulateChunks splits full into whitespace-bounded segments and streams
// cumulative prefixes on chunkDelay, closing the channel after the last word.
// The prefixes rejoin words with single spaces, so the last one equals full
// only when full has no leading, trailing or repeated whitespace.
func (p *Provider) simulateChunks(full string) <-chan string {
	ch := make(chan string)
	if full == "" {
		close(ch)
		return ch
	}
	words := strings.Fields(full)
	go func() {
		defer close(ch)
		var prefix strings.Builder
		for i, w := range words {
			if i > 0 {
				prefix.WriteByte(' ')
			}
			prefix.WriteString(w)
			ch <- prefix.String()
			if i < len(words)-1 {
				time.Sleep(p.chunkDelay)
			}
		}
	}()
	return ch
}

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
