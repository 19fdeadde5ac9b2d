// Package backend defines the common request/response shape shared by every
// model backend adapter: messages, tool schemas, streaming deltas, and the
// normalized error type the dispatcher reports to the degradation manager.
// Adapters translate these types to their provider's wire protocol and
// nothing else; routing, fallback, and failure accounting happen above them.
package backend

import (
	"context"
	"encoding/json"
)

// Message roles inside an adapter request.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Message is one turn of the conversation in the internal shape. Content
// carries plain text; tool calls and tool results ride alongside so each
// adapter can place them wherever its protocol wants them.
type Message struct {
	Role        string
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResultRef
	Attachments []Attachment
}

// ToolCall is a model-requested tool invocation with accumulated arguments.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResultRef feeds a finished tool result back into the model loop.
type ToolResultRef struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// Attachment is a file payload referenced by a message. URL may be a data:
// URL for inline content.
type Attachment struct {
	Type     string
	MimeType string
	URL      string
}

// ToolSchema describes one tool to a backend: name, description, and a
// JSON-schema parameter object. The registry produces these in whichever
// shape the adapter needs; adapters only re-wrap them.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Request is a complete chat call.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolSchema
	MaxTokens int
}

// EndReason is why a stream terminated.
type EndReason string

const (
	EndStop      EndReason = "stop"
	EndLength    EndReason = "length"
	EndToolCalls EndReason = "tool_calls"
	EndError     EndReason = "error"
)

// Delta is one unit of a streaming response. Exactly one field is set.
// Adapters buffer partial tool-call argument fragments internally and emit
// ToolCall only once its arguments are complete.
type Delta struct {
	Text     string
	ToolCall *ToolCall
	End      *End
	Err      *Error
}

// End closes a successful stream and carries token accounting when the
// provider reports it.
type End struct {
	Reason       EndReason
	InputTokens  int
	OutputTokens int
}

// Capabilities reports what an adapter can currently do. For the local
// backend this reflects the cached health probe.
type Capabilities struct {
	SupportsTools     bool
	SupportsVision    bool
	SupportsStreaming bool
}

// Adapter is one model backend. Implementations are safe for concurrent use;
// each ChatStream call owns an independent goroutine and channel, closed when
// the stream ends.
type Adapter interface {
	// Name is the stable lowercase backend identifier used for routing,
	// health accounting, and metrics.
	Name() string

	// Model returns the default model id used when a request names none.
	Model() string

	// ChatStream starts a streaming chat call. The returned channel yields
	// deltas until a terminal End or Err, then closes. A non-nil error means
	// the call never started.
	ChatStream(ctx context.Context, req *Request) (<-chan Delta, error)

	// Capabilities reports current capabilities. May probe (and cache) for
	// the local backend.
	Capabilities(ctx context.Context) Capabilities
}

// Response is the accumulated result of a non-streaming chat call.
type Response struct {
	Text         string
	ToolCalls    []ToolCall
	Reason       EndReason
	InputTokens  int
	OutputTokens int
}

// ChatOnce drains a streaming call into one response. Adapters share this
// so the non-streaming form always produces the exact bytes of the stream.
func ChatOnce(ctx context.Context, a Adapter, req *Request) (*Response, error) {
	deltas, err := a.ChatStream(ctx, req)
	if err != nil {
		return nil, err
	}

	resp := &Response{Reason: EndStop}
	for d := range deltas {
		switch {
		case d.Err != nil:
			return nil, d.Err
		case d.ToolCall != nil:
			resp.ToolCalls = append(resp.ToolCalls, *d.ToolCall)
		case d.End != nil:
			resp.Reason = d.End.Reason
			resp.InputTokens = d.End.InputTokens
			resp.OutputTokens = d.End.OutputTokens
		default:
			resp.Text += d.Text
		}
	}
	return resp, nil
}
