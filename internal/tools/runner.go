package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/valethq/valet/internal/audit"
	"github.com/valethq/valet/internal/degrade"
	"github.com/valethq/valet/internal/observability"
	"github.com/valethq/valet/internal/permission"
	"github.com/valethq/valet/internal/ratelimit"
	"github.com/valethq/valet/internal/safety"
	"github.com/valethq/valet/pkg/api"
)

// DefaultTimeout bounds one tool execution unless the spec says otherwise.
const DefaultTimeout = 30 * time.Second

// resultSummaryLen caps the audited result summary.
const resultSummaryLen = 120

// RunnerConfig wires a Runner. Level is read per invocation so runtime
// permission changes take effect immediately.
type RunnerConfig struct {
	Registry *Registry
	Level    func() permission.Level
	Limiter  *ratelimit.Limiter
	Audit    *audit.Log
	Cache    *degrade.ToolCache
	Offline  func() bool

	Timeout   time.Duration
	MaxOutput int

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Runner executes tool invocations with the full control sequence:
// lookup, permission, argument validation, input sanitization, rate limit,
// execution, output sanitization, audit, cache. Invocations within one
// request are serial by construction (the dispatcher awaits each result);
// across requests the runner is safe for concurrent use.
type Runner struct {
	registry  *Registry
	level     func() permission.Level
	limiter   *ratelimit.Limiter
	audit     *audit.Log
	cache     *degrade.ToolCache
	offline   func() bool
	timeout   time.Duration
	maxOutput int
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewRunner builds a Runner, registering per-tool rate policies with the
// limiter as a side effect.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = safety.DefaultMaxToolOutput
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	if cfg.Level == nil {
		cfg.Level = func() permission.Level { return permission.Local }
	}
	if cfg.Offline == nil {
		cfg.Offline = func() bool { return false }
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.NewLimiter(ratelimit.DefaultPolicy())
	}

	r := &Runner{
		registry:  cfg.Registry,
		level:     cfg.Level,
		limiter:   cfg.Limiter,
		audit:     cfg.Audit,
		cache:     cfg.Cache,
		offline:   cfg.Offline,
		timeout:   cfg.Timeout,
		maxOutput: cfg.MaxOutput,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
	for _, name := range cfg.Registry.Names() {
		if spec, ok := cfg.Registry.Get(name); ok && spec.RatePolicy != nil {
			r.limiter.SetPolicy(name, *spec.RatePolicy)
		}
	}
	return r
}

// Run executes one tool invocation. Every outcome, refusals included, is
// audited exactly once; recoverable failures come back inside the Result.
func (r *Runner) Run(ctx context.Context, name string, args json.RawMessage, userIP string) Result {
	start := time.Now()
	ctx = observability.WithTool(ctx, name)

	spec, ok := r.registry.Get(name)
	if !ok {
		res := Fail(api.ErrUnknownTool, fmt.Sprintf("unknown tool %q", name))
		r.finish(ctx, name, args, userIP, start, res)
		return res
	}

	// Permission gate. Escalations end the invocation without executing
	// anything; the pending args let a client re-run after approval.
	level := r.level()
	if !level.Allows(spec.Permission) {
		res := Escalate(&api.Escalation{
			CurrentLevel:      int(level),
			CurrentLevelName:  level.String(),
			RequiredLevel:     int(spec.Permission),
			RequiredLevelName: spec.Permission.String(),
			Tool:              name,
			PendingArgs:       args,
		})
		r.finish(ctx, name, args, userIP, start, res)
		return res
	}

	argMap, err := r.registry.ValidateArgs(name, args)
	if err != nil {
		res := Fail(api.ErrUnsafeInput, fmt.Sprintf("invalid arguments: %v", err))
		r.finish(ctx, name, args, userIP, start, res)
		return res
	}

	if spec.Sanitize != nil {
		if err := spec.Sanitize(argMap); err != nil {
			var blocked *safety.BlockedError
			message := err.Error()
			if errors.As(err, &blocked) {
				message = blocked.Error()
			}
			res := Fail(api.ErrUnsafeInput, message)
			r.finish(ctx, name, args, userIP, start, res)
			return res
		}
	}

	if allowed, wait := r.limiter.Allow(name); !allowed {
		res := RateLimited(wait)
		r.finish(ctx, name, args, userIP, start, res)
		return res
	}

	// Offline handling for network tools: serve from the cache when the
	// tool opted in, otherwise refuse with offline.
	argsHash := audit.HashArgs(args)
	if spec.NetworkDependent && r.offline() {
		if spec.Cacheable && r.cache != nil {
			if entry, hit := r.cache.Get(name, argsHash); hit {
				r.countCacheLookup(name, true)
				res := Result{Success: true, Value: entry.Result, Cached: true, CachedAt: entry.CachedAt}
				r.finish(ctx, name, args, userIP, start, res)
				return res
			}
			r.countCacheLookup(name, false)
		}
		res := Fail(api.ErrOffline, "network unavailable and no cached result")
		r.finish(ctx, name, args, userIP, start, res)
		return res
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	res := spec.Handler(execCtx, argMap)
	timedOut := errors.Is(execCtx.Err(), context.DeadlineExceeded)
	cancel()

	if !res.Success && res.Kind == "" {
		res.Kind = api.ErrInternal
	}
	if !res.Success && timedOut {
		res = Fail(api.ErrTimeout, fmt.Sprintf("tool timed out after %s", timeout))
	}

	if res.Success {
		sanitized, matched := safety.SanitizeToolOutput(res.Value, r.maxOutput)
		res.Value = sanitized
		if len(matched) > 0 {
			r.logger.Warn(ctx, "tool output sanitized", "tool", name, "patterns", len(matched))
		}
	}

	if res.Success && spec.Cacheable && r.cache != nil {
		r.cache.Put(name, argsHash, res.Value)
	}

	r.finish(ctx, name, args, userIP, start, res)
	return res
}

// finish audits and counts one invocation outcome.
func (r *Runner) finish(ctx context.Context, name string, args json.RawMessage, userIP string, start time.Time, res Result) {
	duration := time.Since(start)

	summary := safety.Summarize(res.Value, resultSummaryLen)
	if !res.Success {
		summary = string(res.Kind) + ": " + safety.Summarize(res.Message, resultSummaryLen)
	}

	if r.audit != nil {
		rateLimited := res.Kind == api.ErrRateLimited
		r.audit.RecordTool(ctx, name, args, summary, userIP, res.Success, duration, res.Sandboxed, rateLimited)
	}

	if r.metrics != nil {
		status := "success"
		switch {
		case res.Escalation != nil:
			status = "escalation"
		case res.Kind == api.ErrRateLimited:
			status = "rate_limited"
		case !res.Success:
			status = "error"
		}
		r.metrics.ToolExecutions.WithLabelValues(name, status).Inc()
		r.metrics.ToolDuration.WithLabelValues(name).Observe(duration.Seconds())
	}

	if !res.Success {
		r.logger.Debug(ctx, "tool refused or failed",
			"tool", name, "kind", string(res.Kind), "duration_ms", duration.Milliseconds())
	}
}

func (r *Runner) countCacheLookup(name string, hit bool) {
	if r.metrics == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	r.metrics.ToolCacheLookups.WithLabelValues(name, outcome).Inc()
}
