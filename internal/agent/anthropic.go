package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// MessagesClient is the subset of the Anthropic SDK used by the adapter.
// Satisfied by *sdk.MessageService; tests pass a mock.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicProvider implements Provider on the Claude Messages API.
type AnthropicProvider struct {
	msg        MessagesClient
	model      string
	defaultMax int
}

// NewAnthropicProvider builds a provider over an existing messages
// client.
func NewAnthropicProvider(msg MessagesClient, model string) (*AnthropicProvider, error) {
	if msg == nil {
		return nil, &Error{Kind: ErrKindUnsupported, Message: "anthropic client is required"}
	}
	if model == "" {
		return nil, &Error{Kind: ErrKindUnsupported, Message: "model identifier is required"}
	}
	return &AnthropicProvider{msg: msg, model: model, defaultMax: 8192}, nil
}

// NewAnthropicProviderFromKey constructs a provider with the default
// HTTP client.
func NewAnthropicProviderFromKey(apiKey, model string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, &Error{Kind: ErrKindAuth, Message: "api key is required"}
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicProvider(&ac.Messages, model)
}

// Name returns the provider identifier.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Invoke issues one Messages.New call and translates the response.
func (p *AnthropicProvider) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResponse, error) {
	params, err := p.encodeRequest(req)
	if err != nil {
		return nil, err
	}

	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	msg, err := p.msg.New(ctx, *params)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return nil, p.classifyError(err, req, elapsed)
	}
	return translateMessage(msg, elapsed), nil
}

func (p *AnthropicProvider) encodeRequest(req InvokeRequest) (*sdk.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.defaultMax
	}

	msgs := make([]sdk.MessageParam, 0, len(req.Messages)+1)
	var system []sdk.TextBlockParam
	if req.SystemPrompt != "" {
		system = append(system, sdk.TextBlockParam{Text: req.SystemPrompt})
	}

	history := req.Messages
	if len(history) == 0 && req.UserPrompt != "" {
		history = []Message{{Role: RoleUser, Content: req.UserPrompt}}
	}
	for _, m := range history {
		switch m.Role {
		case RoleSystem:
			if s, ok := m.Content.(string); ok && s != "" {
				system = append(system, sdk.TextBlockParam{Text: s})
			}
		case RoleUser, RoleToolResult:
			blocks, err := encodeBlocks(m.Content)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, sdk.NewUserMessage(blocks...))
		case RoleAssistant:
			blocks, err := encodeBlocks(m.Content)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, &Error{Kind: ErrKindGeneric, Message: fmt.Sprintf("unsupported message role %q", m.Role)}
		}
	}
	if len(msgs) == 0 {
		return nil, &Error{Kind: ErrKindGeneric, Message: "at least one user message is required"}
	}

	params := &sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(p.model),
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools := make([]sdk.ToolUnionParam, 0, len(req.Tools))
		for _, def := range req.Tools {
			u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: toSchemaFields(def.InputSchema)}, def.Name)
			if u.OfTool != nil && def.Description != "" {
				u.OfTool.Description = sdk.String(def.Description)
			}
			tools = append(tools, u)
		}
		params.Tools = tools
	}
	return params, nil
}

// encodeBlocks turns stored message content back into SDK content
// blocks. Content is either a plain string or a list of block maps
// (text, tool_use, tool_result) as persisted by the loop.
func encodeBlocks(content any) ([]sdk.ContentBlockParamUnion, error) {
	switch c := content.(type) {
	case string:
		return []sdk.ContentBlockParamUnion{sdk.NewTextBlock(c)}, nil
	case []map[string]any:
		out := make([]sdk.ContentBlockParamUnion, 0, len(c))
		for _, block := range c {
			b, err := encodeBlock(block)
			if err != nil {
				return nil, err
			}
			out = append(out, b)
		}
		return out, nil
	case []any:
		out := make([]sdk.ContentBlockParamUnion, 0, len(c))
		for _, raw := range c {
			block, ok := raw.(map[string]any)
			if !ok {
				return nil, &Error{Kind: ErrKindGeneric, Message: "content block is not an object"}
			}
			b, err := encodeBlock(block)
			if err != nil {
				return nil, err
			}
			out = append(out, b)
		}
		return out, nil
	default:
		return nil, &Error{Kind: ErrKindGeneric, Message: fmt.Sprintf("unsupported content type %T", content)}
	}
}

func encodeBlock(block map[string]any) (sdk.ContentBlockParamUnion, error) {
	switch block["type"] {
	case "text":
		text, _ := block["text"].(string)
		return sdk.NewTextBlock(text), nil
	case "tool_use":
		id, _ := block["id"].(string)
		name, _ := block["name"].(string)
		return sdk.NewToolUseBlock(id, block["input"], name), nil
	case "tool_result":
		id, _ := block["tool_use_id"].(string)
		isError, _ := block["is_error"].(bool)
		var content string
		switch c := block["content"].(type) {
		case string:
			content = c
		default:
			if data, err := json.Marshal(c); err == nil {
				content = string(data)
			}
		}
		return sdk.NewToolResultBlock(id, content, isError), nil
	default:
		return sdk.ContentBlockParamUnion{}, &Error{Kind: ErrKindGeneric, Message: fmt.Sprintf("unsupported block type %v", block["type"])}
	}
}

func toSchemaFields(schema map[string]any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	return schema
}

func translateMessage(msg *sdk.Message, elapsed int64) *InvokeResponse {
	resp := &InvokeResponse{
		StopReason: string(msg.StopReason),
		DurationMs: elapsed,
	}
	resp.TokensInput = msg.Usage.InputTokens
	resp.TokensOutput = msg.Usage.OutputTokens

	var text strings.Builder
	for _, block := range msg.Content {
		raw := map[string]any{"type": string(block.Type)}
		switch block.Type {
		case "text":
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(block.Text)
			raw["text"] = block.Text
		case "tool_use":
			var input map[string]any
			if len(block.Input) > 0 {
				_ = json.Unmarshal(block.Input, &input)
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: input,
			})
			raw["id"] = block.ID
			raw["name"] = block.Name
			raw["input"] = input
		}
		resp.RawContentBlocks = append(resp.RawContentBlocks, raw)
	}
	resp.Content = text.String()
	return resp
}

func (p *AnthropicProvider) classifyError(err error, req InvokeRequest, elapsed int64) error {
	if ctxErr := contextErrorKind(err); ctxErr != nil {
		if ctxErr.Kind == ErrKindTimeout {
			ctxErr.TimeoutMs = req.TimeoutMs
		}
		ctxErr.Cause = err
		return ctxErr
	}

	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 403:
			return &Error{Kind: ErrKindAuth, Message: apiErr.Error(), Cause: err}
		case 429:
			return &Error{Kind: ErrKindRateLimit, Message: apiErr.Error(), RetryAfterMs: retryAfterMs(apiErr), Cause: err}
		case 413:
			return &Error{Kind: ErrKindContextLength, Message: apiErr.Error(), Cause: err}
		}
		if strings.Contains(apiErr.Error(), "context_length") ||
			strings.Contains(apiErr.Error(), "prompt is too long") {
			return &Error{Kind: ErrKindContextLength, Message: apiErr.Error(), Cause: err}
		}
	}
	return &Error{Kind: ErrKindGeneric, Message: err.Error(), Cause: err}
}

// contextErrorKind maps context cancellation and deadline errors to
// typed agent errors, or returns nil for everything else.
func contextErrorKind(err error) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: ErrKindTimeout, Message: "provider call timed out"}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: ErrKindCancelled, Message: "provider call cancelled"}
	}
	return nil
}

// retryAfterMs extracts the Retry-After advisory from a 429 response.
func retryAfterMs(apiErr *sdk.Error) int64 {
	if apiErr.Response == nil {
		return 0
	}
	header := apiErr.Response.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0
	}
	return int64(secs) * 1000
}
