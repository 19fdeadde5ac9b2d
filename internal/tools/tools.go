// Package tools defines the tool registry and the runner that executes tool
// invocations end to end: permission check, argument validation, input
// sanitization, rate limiting, execution (builtin, sandboxed shell, or
// external server), output sanitization, auditing, and offline caching.
package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/valethq/valet/internal/permission"
	"github.com/valethq/valet/internal/ratelimit"
	"github.com/valethq/valet/pkg/api"
)

// Param declares one tool parameter. Order is preserved in generated
// schemas so descriptors are stable across restarts.
type Param struct {
	Name        string
	Type        string // string, integer, number, boolean, object, array
	Description string
	Required    bool
	Default     any
	Enum        []string
}

// Handler executes a tool with validated, sanitized arguments. Recoverable
// failures are returned inside the Result, never as panics; the runner has
// already enforced the timeout via ctx.
type Handler func(ctx context.Context, args map[string]any) Result

// Sanitizer inspects arguments before execution. Returning an error refuses
// the invocation as unsafe_input. Sanitizers may rewrite args in place
// (for example to the resolved form of a path).
type Sanitizer func(args map[string]any) error

// Spec is one registered tool. Registration is explicit: parameters are
// declared up front and the backend-facing schemas are derived once, not
// reflected per call.
type Spec struct {
	Name        string
	Description string
	Params      []Param

	// RawSchema replaces the Params-derived parameter schema. External
	// tool servers ship their own schemas; builtins leave this nil.
	RawSchema json.RawMessage

	// Permission is the minimum process permission level.
	Permission permission.Level

	Handler  Handler
	Sanitize Sanitizer

	// Cacheable opts successful results into the offline cache.
	Cacheable bool
	// NetworkDependent marks tools that cannot run offline.
	NetworkDependent bool
	// Shell marks tools whose handler runs a sandboxed subprocess.
	Shell bool

	// Timeout bounds one execution. Zero selects the runner default.
	Timeout time.Duration

	// RatePolicy overrides the runner's default token bucket.
	RatePolicy *ratelimit.Policy
}

// Result is the outcome of one tool invocation: success, a classified
// failure, a permission escalation, or a rate-limit refusal. Exactly one
// interpretation applies, discriminated by Success and Kind.
type Result struct {
	Success bool
	Value   string

	Kind    api.ErrorKind
	Message string

	RetryAfter time.Duration
	Escalation *api.Escalation

	// Cached marks a result served from the offline cache.
	Cached   bool
	CachedAt time.Time

	// Sandboxed reports that an OS-level sandbox wrapped the execution.
	Sandboxed bool
}

// Ok builds a successful result.
func Ok(value string) Result {
	return Result{Success: true, Value: value}
}

// Fail builds a classified failure.
func Fail(kind api.ErrorKind, message string) Result {
	return Result{Kind: kind, Message: message}
}

// Escalate builds a permission-refusal result.
func Escalate(esc *api.Escalation) Result {
	return Result{
		Kind:       api.ErrPermissionRequired,
		Message:    "tool requires permission level " + esc.RequiredLevelName,
		Escalation: esc,
	}
}

// RateLimited builds a rate-limit refusal carrying the wait time.
func RateLimited(retryAfter time.Duration) Result {
	return Result{
		Kind:       api.ErrRateLimited,
		Message:    "tool rate limit exceeded",
		RetryAfter: retryAfter,
	}
}

// Payload converts the result to its wire shape for the given tool name.
func (r Result) Payload(name string) *api.ToolResultPayload {
	p := &api.ToolResultPayload{
		Name:       name,
		Success:    r.Success,
		Result:     r.Value,
		Error:      r.Kind,
		Message:    r.Message,
		Cached:     r.Cached,
		Escalation: r.Escalation,
	}
	if r.RetryAfter > 0 {
		p.RetryAfter = r.RetryAfter.Seconds()
	}
	return p
}
