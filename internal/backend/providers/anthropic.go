// Package providers implements the backend adapters: two cloud APIs and the
// local model runner. Each adapter translates between the internal request
// shape and its provider's wire protocol, streams deltas over a channel, and
// normalizes failures into backend.Error. Adapters never route or fall back;
// that is the dispatcher's job.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/valethq/valet/internal/backend"
	"github.com/valethq/valet/pkg/api"
)

const anthropicName = "anthropic"

// Anthropic is the first cloud backend, speaking the Anthropic Messages API
// over SSE. Safe for concurrent use; each ChatStream call owns its stream.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// AnthropicConfig configures the adapter. APIKey is required.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxRetries int
	RetryDelay time.Duration
}

// NewAnthropic builds the adapter, applying defaults for everything but the
// API key.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Anthropic{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.Model,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

func (p *Anthropic) Name() string  { return anthropicName }
func (p *Anthropic) Model() string { return p.defaultModel }

// Capabilities for the cloud backends are static; reachability is the
// degradation manager's concern.
func (p *Anthropic) Capabilities(ctx context.Context) backend.Capabilities {
	return backend.Capabilities{SupportsTools: true, SupportsVision: true, SupportsStreaming: true}
}

// ChatStream starts a streaming call. Transient failures before the first
// delta are retried with exponential backoff; once anything has been emitted
// the stream is never restarted, so the consumer cannot see duplicate text.
func (p *Anthropic) ChatStream(ctx context.Context, req *backend.Request) (<-chan backend.Delta, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	deltas := make(chan backend.Delta)
	go func() {
		defer close(deltas)

		for attempt := 0; ; attempt++ {
			stream := p.client.Messages.NewStreaming(ctx, params)
			emitted := p.pump(stream, deltas)
			if emitted {
				return
			}

			streamErr := stream.Err()
			if streamErr == nil {
				// Stream ended without any event and without error; treat
				// as a transient empty response.
				streamErr = errors.New("empty stream")
			}
			be := p.wrapError(streamErr)
			if attempt >= p.maxRetries || !be.Retryable() || be.Kind == api.ErrRateLimited {
				deltas <- backend.Delta{Err: be}
				return
			}

			backoff := p.retryDelay * (1 << attempt)
			select {
			case <-ctx.Done():
				deltas <- backend.Delta{Err: backend.AsError(anthropicName, ctx.Err())}
				return
			case <-time.After(backoff):
			}
		}
	}()
	return deltas, nil
}

// pump drains one SSE stream into the delta channel. It reports whether
// anything was emitted; on a clean message_stop it emits the terminal End.
// Stream errors after the first emission are surfaced as terminal Err deltas
// here rather than retried.
func (p *Anthropic) pump(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], deltas chan<- backend.Delta) bool {
	var toolCall *backend.ToolCall
	var toolInput strings.Builder
	var inputTokens, outputTokens int
	reason := backend.EndStop
	emitted := false

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				toolCall = &backend.ToolCall{ID: use.ID, Name: use.Name}
				toolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					deltas <- backend.Delta{Text: delta.Text}
					emitted = true
				}
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if toolCall != nil {
				input := toolInput.String()
				if input == "" {
					input = "{}"
				}
				toolCall.Input = json.RawMessage(input)
				deltas <- backend.Delta{ToolCall: toolCall}
				toolCall = nil
				emitted = true
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = int(md.Usage.OutputTokens)
			}
			switch md.Delta.StopReason {
			case "tool_use":
				reason = backend.EndToolCalls
			case "max_tokens":
				reason = backend.EndLength
			}

		case "message_stop":
			deltas <- backend.Delta{End: &backend.End{
				Reason:       reason,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			}}
			return true

		case "error":
			deltas <- backend.Delta{Err: p.wrapError(errors.New("stream error"))}
			return true
		}
	}

	if err := stream.Err(); err != nil && emitted {
		deltas <- backend.Delta{Err: p.wrapError(err)}
	}
	return emitted
}

func (p *Anthropic) buildParams(req *backend.Request) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}
	return params, nil
}

// convertAnthropicMessages maps the internal shape to Messages API content
// blocks. System messages are dropped here; the caller passes the system
// prompt separately.
func convertAnthropicMessages(messages []backend.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == backend.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]interface{}
			if err := json.Unmarshal(tc.Input, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input for %s: %w", tc.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == backend.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertAnthropicTools(tools []backend.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid schema for %s: missing tool definition", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *Anthropic) wrapError(err error) *backend.Error {
	var be *backend.Error
	if errors.As(err, &be) {
		return be
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		message := "request failed"
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil && payload.Error.Message != "" {
				message = payload.Error.Message
			}
		}
		wrapped := backend.NewError(anthropicName, apiErr.StatusCode, message, err)
		if wrapped.Kind == api.ErrRateLimited {
			wrapped.RetryAfter = retryAfterFromMessage(message)
		}
		return wrapped
	}
	return backend.AsError(anthropicName, err)
}

// retryAfterFromMessage digs a "try again in N seconds" hint out of an error
// message. Zero means unknown; the degradation manager applies its default.
func retryAfterFromMessage(message string) time.Duration {
	lower := strings.ToLower(message)
	for _, marker := range []string{"retry after ", "try again in "} {
		idx := strings.Index(lower, marker)
		if idx < 0 {
			continue
		}
		var secs int
		if _, err := fmt.Sscanf(lower[idx+len(marker):], "%d", &secs); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
