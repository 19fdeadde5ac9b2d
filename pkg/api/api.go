// Package api defines the wire-visible types of the valet dispatch core:
// streamed chat events, request/response payloads, error kinds, and the
// health snapshots exposed by the status endpoint. Out-of-process consumers
// import this package instead of internal ones.
package api

import (
	"encoding/json"
	"time"
)

// EventKind identifies one streamed chat event.
type EventKind string

const (
	EventStart      EventKind = "start"
	EventToken      EventKind = "token"
	EventToolCall   EventKind = "tool_call"
	EventToolResult EventKind = "tool_result"
	EventDone       EventKind = "done"
	EventError      EventKind = "error"
)

// ErrorKind is the closed set of failure classifications surfaced to
// clients. Every user-visible failure carries exactly one of these.
type ErrorKind string

const (
	ErrUnknownTool        ErrorKind = "unknown_tool"
	ErrUnsafeInput        ErrorKind = "unsafe_input"
	ErrPermissionRequired ErrorKind = "permission_required"
	ErrRateLimited        ErrorKind = "rate_limited"
	ErrTimeout            ErrorKind = "timeout"
	ErrTransient          ErrorKind = "transient"
	ErrAuth               ErrorKind = "auth"
	ErrUnavailable        ErrorKind = "unavailable"
	ErrOffline            ErrorKind = "offline"
	ErrInternal           ErrorKind = "internal"
)

// Event is one frame of the chat stream. Exactly one payload field is
// populated, matching Kind.
type Event struct {
	Kind       EventKind          `json:"kind"`
	Start      *StartPayload      `json:"start,omitempty"`
	Token      string             `json:"token,omitempty"`
	ToolCall   *ToolCallPayload   `json:"tool_call,omitempty"`
	ToolResult *ToolResultPayload `json:"tool_result,omitempty"`
	Done       *DonePayload       `json:"done,omitempty"`
	Error      *ErrorPayload      `json:"error,omitempty"`
}

// StartPayload opens every stream.
type StartPayload struct {
	Model          string `json:"model"`
	Provider       string `json:"provider"`
	ConversationID string `json:"conversation_id"`
}

// ToolCallPayload announces a model-requested tool invocation.
type ToolCallPayload struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResultPayload reports the outcome of a tool invocation. On failure
// Error holds the kind; a permission shortfall additionally carries the
// escalation details.
type ToolResultPayload struct {
	Name       string      `json:"name"`
	Success    bool        `json:"success"`
	Result     string      `json:"result,omitempty"`
	Error      ErrorKind   `json:"error,omitempty"`
	Message    string      `json:"message,omitempty"`
	RetryAfter float64     `json:"retry_after,omitempty"`
	Cached     bool        `json:"cached,omitempty"`
	Escalation *Escalation `json:"escalation,omitempty"`
}

// Escalation describes a tool refused for insufficient permission.
type Escalation struct {
	CurrentLevel      int             `json:"current_level"`
	CurrentLevelName  string          `json:"current_level_name"`
	RequiredLevel     int             `json:"required_level"`
	RequiredLevelName string          `json:"required_level_name"`
	Tool              string          `json:"tool"`
	PendingArgs       json.RawMessage `json:"pending_args,omitempty"`
}

// ContextStats reports how history was fitted into the token budget.
type ContextStats struct {
	SummarizedCount int `json:"summarized_count"`
	VerbatimCount   int `json:"verbatim_count"`
	TotalMessages   int `json:"total_messages"`
}

// DonePayload closes a successful stream.
type DonePayload struct {
	TotalText    string       `json:"total_text"`
	Model        string       `json:"model"`
	DegradedMode string       `json:"degraded_mode"`
	ContextStats ContextStats `json:"context_stats"`
}

// ErrorPayload closes a failed stream. RetryAfter is seconds, set only for
// rate_limited.
type ErrorPayload struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	RetryAfter float64   `json:"retry_after,omitempty"`
}

// ChatRequest is the inbound chat payload. Message must be non-empty.
type ChatRequest struct {
	Message        string   `json:"message"`
	ConversationID string   `json:"conversation_id,omitempty"`
	FileIDs        []string `json:"file_ids,omitempty"`
}

// ChatResponse is the non-streaming chat result. Its Response field equals
// the concatenation of the token events the streaming form would emit.
type ChatResponse struct {
	Response             string      `json:"response"`
	ConversationID       string      `json:"conversation_id"`
	Timestamp            time.Time   `json:"timestamp"`
	Model                string      `json:"model"`
	PermissionEscalation *Escalation `json:"permission_escalation,omitempty"`
	SuggestedTools       []string    `json:"suggested_tools,omitempty"`
}

// BackendHealth is a point-in-time snapshot of one backend's circuit state.
type BackendHealth struct {
	Name                string     `json:"name"`
	Available           bool       `json:"available"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
	RateLimitedUntil    *time.Time `json:"rate_limited_until,omitempty"`
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Mode             string          `json:"mode"`
	NetworkAvailable bool            `json:"network_available"`
	Backends         []BackendHealth `json:"backends"`
	QueueDepth       int             `json:"queue_depth"`
}

// PermissionRequest asks for a runtime permission-level change.
type PermissionRequest struct {
	Level  string `json:"level"`
	Reason string `json:"reason,omitempty"`
}

// PermissionResponse reports the current permission level.
type PermissionResponse struct {
	Level string `json:"level"`
}

// AuditRecord is the wire shape of one tool-invocation audit entry.
// Arguments are never present in clear, only their hash.
type AuditRecord struct {
	Timestamp     time.Time `json:"timestamp"`
	ToolName      string    `json:"tool_name"`
	ArgsHash      string    `json:"args_hash"`
	ResultSummary string    `json:"result_summary"`
	UserIP        string    `json:"user_ip,omitempty"`
	Success       bool      `json:"success"`
	DurationMS    int64     `json:"duration_ms"`
	Sandboxed     bool      `json:"sandboxed"`
	RateLimited   bool      `json:"rate_limited"`
}
