package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/valethq/valet/internal/backend"
	"github.com/valethq/valet/pkg/api"
)

const openaiName = "openai"

// OpenAI is the second cloud backend. Unlike the Messages API, tool calls
// stream incrementally here: the id and name arrive first, then argument
// fragments, and FinishReason "tool_calls" marks the set complete. The
// adapter accumulates fragments by index and emits whole tool calls only.
type OpenAI struct {
	client       *openai.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// OpenAIConfig configures the adapter. APIKey is required.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxRetries int
	RetryDelay time.Duration
}

// NewOpenAI builds the adapter, applying defaults for everything but the
// API key.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAI{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.Model,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

func (p *OpenAI) Name() string  { return openaiName }
func (p *OpenAI) Model() string { return p.defaultModel }

func (p *OpenAI) Capabilities(ctx context.Context) backend.Capabilities {
	return backend.Capabilities{SupportsTools: true, SupportsVision: true, SupportsStreaming: true}
}

// ChatStream starts a streaming call. Opening the stream is retried with
// linear backoff on transient failures; once open, the stream runs to
// completion or terminal error without restarts.
func (p *OpenAI) ChatStream(ctx context.Context, req *backend.Request) (<-chan backend.Delta, error) {
	chatReq := p.buildRequest(req)

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, backend.AsError(openaiName, ctx.Err())
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}

		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		be := p.wrapError(lastErr)
		if !be.Retryable() || be.Kind == api.ErrRateLimited {
			return nil, be
		}
	}
	if lastErr != nil {
		return nil, p.wrapError(lastErr)
	}

	deltas := make(chan backend.Delta)
	go p.pump(ctx, stream, deltas)
	return deltas, nil
}

func (p *OpenAI) pump(ctx context.Context, stream *openai.ChatCompletionStream, deltas chan<- backend.Delta) {
	defer close(deltas)
	defer stream.Close()

	// Fragments accumulate per index; multiple calls can be in flight.
	toolCalls := make(map[int]*backend.ToolCall)
	reason := backend.EndStop
	var outputTokens int

	flush := func() {
		// Indices are not guaranteed contiguous; replay whatever arrived,
		// in order.
		indices := make([]int, 0, len(toolCalls))
		for i := range toolCalls {
			indices = append(indices, i)
		}
		sort.Ints(indices)
		for _, i := range indices {
			tc := toolCalls[i]
			if tc.ID == "" || tc.Name == "" {
				continue
			}
			if len(tc.Input) == 0 {
				tc.Input = json.RawMessage("{}")
			}
			deltas <- backend.Delta{ToolCall: tc}
		}
		toolCalls = make(map[int]*backend.ToolCall)
	}

	for {
		select {
		case <-ctx.Done():
			deltas <- backend.Delta{Err: backend.AsError(openaiName, ctx.Err())}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				deltas <- backend.Delta{End: &backend.End{Reason: reason, OutputTokens: outputTokens}}
				return
			}
			deltas <- backend.Delta{Err: p.wrapError(err)}
			return
		}

		if response.Usage != nil && response.Usage.CompletionTokens > 0 {
			outputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			deltas <- backend.Delta{Text: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &backend.ToolCall{}
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[index].Input = append(toolCalls[index].Input, tc.Function.Arguments...)
			}
		}

		switch choice.FinishReason {
		case openai.FinishReasonToolCalls:
			reason = backend.EndToolCalls
			flush()
		case openai.FinishReasonLength:
			reason = backend.EndLength
		case openai.FinishReasonStop:
			reason = backend.EndStop
		}
	}
}

func (p *OpenAI) buildRequest(req *backend.Request) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(req.Messages, req.System),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}
	return chatReq
}

// convertOpenAIMessages maps the internal shape onto chat messages. The
// system prompt becomes the first message; each tool result becomes its own
// message with role "tool" linked by ToolCallID.
func convertOpenAIMessages(messages []backend.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		if len(msg.ToolResults) > 0 {
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
			continue
		}

		oaiMsg := openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content}
		if msg.Role == backend.RoleUser && len(msg.Attachments) > 0 {
			if parts := openaiImageParts(msg.Content, msg.Attachments); parts != nil {
				oaiMsg.Content = ""
				oaiMsg.MultiContent = parts
			}
		}
		if msg.Role == backend.RoleAssistant && len(msg.ToolCalls) > 0 {
			oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls[i] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				}
			}
		}
		result = append(result, oaiMsg)
	}
	return result
}

func openaiImageParts(text string, attachments []backend.Attachment) []openai.ChatMessagePart {
	var parts []openai.ChatMessagePart
	for _, att := range attachments {
		if att.Type != "image" && !strings.HasPrefix(att.MimeType, "image/") {
			continue
		}
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    att.URL,
				Detail: openai.ImageURLDetailAuto,
			},
		})
	}
	if parts == nil {
		return nil
	}
	if text != "" {
		parts = append([]openai.ChatMessagePart{{
			Type: openai.ChatMessagePartTypeText,
			Text: text,
		}}, parts...)
	}
	return parts
}

func convertOpenAITools(tools []backend.ToolSchema) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Parameters, &schemaMap); err != nil {
			// One bad schema must not take down the whole tool set.
			schemaMap = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}

func (p *OpenAI) wrapError(err error) *backend.Error {
	var be *backend.Error
	if errors.As(err, &be) {
		return be
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		message := apiErr.Message
		if message == "" {
			message = "request failed"
		}
		wrapped := backend.NewError(openaiName, apiErr.HTTPStatusCode, message, err)
		if wrapped.Kind == api.ErrRateLimited {
			wrapped.RetryAfter = retryAfterFromMessage(message)
		}
		return wrapped
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return backend.NewError(openaiName, reqErr.HTTPStatusCode, fmt.Sprintf("request failed: %v", reqErr.Err), err)
	}
	return backend.AsError(openaiName, err)
}
