// Package observability provides the shared logging, metrics, and tracing
// plumbing for the dispatch core. Loggers redact secret-shaped values before
// they reach a handler, metrics are Prometheus collectors registered at
// package init, and tracing is OTLP and disabled unless an endpoint is set.
package observability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// Logger wraps slog with secret redaction and context field extraction.
// All methods are safe for concurrent use.
type Logger struct {
	logger  *slog.Logger
	redacts []*regexp.Regexp
}

// LogConfig configures a Logger.
type LogConfig struct {
	// Level is the minimum level: "debug", "info", "warn", "error".
	Level string

	// Format is "json" or "text". JSON is the production default.
	Format string

	// Output defaults to os.Stdout.
	Output io.Writer

	// AddSource includes file:line in records.
	AddSource bool

	// RedactPatterns are appended to DefaultRedactPatterns.
	RedactPatterns []string
}

// ContextKey is the type for request-scoped logging keys.
type ContextKey string

const (
	// RequestIDKey carries the per-request uuid.
	RequestIDKey ContextKey = "request_id"

	// ConversationIDKey carries the conversation being served.
	ConversationIDKey ContextKey = "conversation_id"

	// ToolKey carries the tool name during a tool invocation.
	ToolKey ContextKey = "tool"
)

// DefaultRedactPatterns match secret material that must never be logged:
// provider API keys, bearer tokens, JWTs, long hex secrets, and encrypted
// settings envelopes (the ciphertext is secret-adjacent and useless in logs).
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["']?([^\s"']{8,})["']?`,
	`sk-ant-[a-zA-Z0-9_-]{24,}`,
	`sk-[a-zA-Z0-9]{32,}`,
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
	`(?i)(secret|key|token)[\s:=]+["']?([a-fA-F0-9]{32,})["']?`,
	`ENC:v1:[A-Za-z0-9+/=]+:[A-Za-z0-9+/=]+:[A-Za-z0-9+/=]+`,
}

// NewLogger builds a Logger. Empty or invalid level falls back to info;
// empty format falls back to json; invalid redact patterns are skipped.
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.Format == "" {
		config.Format = "json"
	}

	opts := &slog.HandlerOptions{
		Level:     LevelFromString(config.Level),
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(config.Output, opts)
	} else {
		handler = slog.NewTextHandler(config.Output, opts)
	}

	patterns := make([]string, 0, len(DefaultRedactPatterns)+len(config.RedactPatterns))
	patterns = append(patterns, DefaultRedactPatterns...)
	patterns = append(patterns, config.RedactPatterns...)

	redacts := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	return &Logger{
		logger:  slog.New(handler),
		redacts: redacts,
	}
}

// NopLogger returns a logger that discards everything. Useful as a default
// in constructors and tests.
func NopLogger() *Logger {
	return NewLogger(LogConfig{Output: io.Discard})
}

// LevelFromString parses a level name, defaulting to info.
func LevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a logger with the given key-value pairs attached to every
// record. Values are redacted at emit time, not here.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		logger:  l.logger.With(args...),
		redacts: l.redacts,
	}
}

func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	msg = l.redactString(msg)

	redacted := make([]any, len(args))
	for i, arg := range args {
		if i%2 == 0 {
			// Keys pass through untouched so field names stay greppable.
			redacted[i] = arg
			continue
		}
		redacted[i] = l.redactValue(arg)
	}

	attrs := make([]any, 0, len(redacted)+6)
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		attrs = append(attrs, "request_id", requestID)
	}
	if conversationID, ok := ctx.Value(ConversationIDKey).(string); ok && conversationID != "" {
		attrs = append(attrs, "conversation_id", conversationID)
	}
	if tool, ok := ctx.Value(ToolKey).(string); ok && tool != "" {
		attrs = append(attrs, "tool", tool)
	}
	attrs = append(attrs, redacted...)

	l.logger.Log(ctx, level, msg, attrs...)
}

func (l *Logger) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return l.redactString(val)
	case error:
		if val == nil {
			return nil
		}
		return l.redactString(val.Error())
	case []byte:
		return l.redactString(string(val))
	case map[string]any:
		return l.redactMap(val)
	case map[string]string:
		m := make(map[string]any, len(val))
		for k, s := range val {
			m[k] = s
		}
		return l.redactMap(m)
	default:
		return v
	}
}

func (l *Logger) redactString(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

var sensitiveKeys = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"private_key":   true,
	"privatekey":    true,
	"auth":          true,
	"authorization": true,
	"master_key":    true,
}

func (l *Logger) redactMap(m map[string]any) map[string]any {
	result := make(map[string]any, len(m))
	for k, v := range m {
		lowerKey := strings.ToLower(strings.ReplaceAll(k, "-", "_"))
		if sensitiveKeys[lowerKey] {
			result[k] = "[REDACTED]"
			continue
		}
		result[k] = l.redactValue(v)
	}
	return result
}

// RedactJSON marshals v and redacts the result. Handy for logging request
// payloads where struct fields may hold secrets.
func (l *Logger) RedactJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[unserializable]"
	}
	return l.redactString(string(b))
}

// WithRequestID stores a request id for log extraction.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithConversationID stores a conversation id for log extraction.
func WithConversationID(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, ConversationIDKey, conversationID)
}

// WithTool stores the executing tool name for log extraction.
func WithTool(ctx context.Context, tool string) context.Context {
	return context.WithValue(ctx, ToolKey, tool)
}

// RequestID extracts the request id, or "".
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(RequestIDKey).(string); ok {
		return v
	}
	return ""
}
