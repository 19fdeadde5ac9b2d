// Package dispatch turns a chat request into a stream of typed events and a
// durable assistant message. The dispatcher owns the model loop: it assembles
// context, picks a backend through the degradation manager, interleaves tool
// execution with model rounds, and persists the outcome. Backend adapters
// never talk to each other; cross-backend fallback happens only here.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/valethq/valet/internal/backend"
	"github.com/valethq/valet/internal/conversations"
	"github.com/valethq/valet/internal/degrade"
	"github.com/valethq/valet/internal/facts"
	"github.com/valethq/valet/internal/files"
	"github.com/valethq/valet/internal/observability"
	"github.com/valethq/valet/internal/profile"
	"github.com/valethq/valet/internal/settings"
	"github.com/valethq/valet/internal/tools"
	"github.com/valethq/valet/pkg/api"
)

// persistTimeout bounds store writes that must land after the request
// context is already cancelled.
const persistTimeout = 5 * time.Second

// Config wires the dispatcher. Backends maps provider name to adapter;
// FallbackOrder lists provider names most-preferred first and decides which
// adapter a failed request falls back to.
type Config struct {
	Backends      map[string]backend.Adapter
	FallbackOrder []string

	Degrade       *degrade.Manager
	Conversations *conversations.Store
	Profile       *profile.Aggregator
	Facts         *facts.Store
	Extractor     facts.Extractor
	Runner        *tools.Runner
	Registry      *tools.Registry
	Settings      *settings.Store
	Files         *files.Store

	// Persona is the global default system prompt.
	Persona string

	ContextTokenBudget int
	MaxToolRounds      int
	MaxTokens          int
	StreamTimeout      time.Duration

	Logger  *observability.Logger
	Tracer  *observability.Tracer
	Metrics *observability.Metrics
}

// Dispatcher runs chat requests. Safe for concurrent use; each request owns
// its own event channel.
type Dispatcher struct {
	cfg Config

	log *observability.Logger
	wg  sync.WaitGroup

	now func() time.Time
}

// New validates the wiring and returns a dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if len(cfg.Backends) == 0 {
		return nil, errors.New("dispatch: no backends configured")
	}
	if cfg.Degrade == nil || cfg.Conversations == nil || cfg.Runner == nil || cfg.Registry == nil {
		return nil, errors.New("dispatch: missing required component")
	}
	if cfg.ContextTokenBudget <= 0 {
		cfg.ContextTokenBudget = 4000
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 10
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 120 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	if len(cfg.FallbackOrder) == 0 {
		for name := range cfg.Backends {
			cfg.FallbackOrder = append(cfg.FallbackOrder, name)
		}
	}
	return &Dispatcher{
		cfg: cfg,
		log: cfg.Logger.With("component", "dispatch"),
		now: time.Now,
	}, nil
}

// Wait blocks until background work (auto-titling, fact extraction) from
// already-finished requests has drained. Called on shutdown and by tests.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Send starts a chat request and returns its event channel. The channel is
// closed after the terminal event. Cancelling ctx aborts the model call;
// accumulated text is persisted as a partial message and no further events
// are emitted.
func (d *Dispatcher) Send(ctx context.Context, req api.ChatRequest, userIP string) (<-chan api.Event, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, errors.New("dispatch: message is required")
	}

	convID := req.ConversationID
	if convID == "" {
		convID = conversations.DefaultConversationID
	}
	if _, err := d.cfg.Conversations.Ensure(ctx, convID); err != nil {
		return nil, fmt.Errorf("dispatch: ensure conversation: %w", err)
	}

	userMsg, err := d.cfg.Conversations.Append(ctx, convID, conversations.RoleUser, req.Message)
	if err != nil {
		return nil, fmt.Errorf("dispatch: persist user message: %w", err)
	}

	events := make(chan api.Event, 32)
	go d.run(ctx, events, convID, userMsg, req.FileIDs, userIP)
	return events, nil
}

// SendSync runs the request to completion and accumulates the stream. The
// response text equals the streamed tokens concatenated.
func (d *Dispatcher) SendSync(ctx context.Context, req api.ChatRequest, userIP string) (*api.ChatResponse, error) {
	events, err := d.Send(ctx, req, userIP)
	if err != nil {
		return nil, err
	}

	resp := &api.ChatResponse{Timestamp: d.now()}
	var text strings.Builder
	for ev := range events {
		switch ev.Kind {
		case api.EventStart:
			resp.Model = ev.Start.Model
			resp.ConversationID = ev.Start.ConversationID
		case api.EventToken:
			text.WriteString(ev.Token)
		case api.EventToolResult:
			if ev.ToolResult.Escalation != nil {
				resp.PermissionEscalation = ev.ToolResult.Escalation
			}
		case api.EventDone:
			resp.Response = ev.Done.TotalText
		case api.EventError:
			return nil, &StreamError{Payload: *ev.Error}
		}
	}
	if resp.Response != text.String() {
		// The done payload is authoritative; this only guards a
		// dispatcher bug, not a backend one.
		resp.Response = text.String()
	}
	return resp, nil
}

// StreamError carries the terminal error payload of a failed stream.
type StreamError struct {
	Payload api.ErrorPayload
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s: %s", e.Payload.Kind, e.Payload.Message)
}

// roundOutcome summarizes one adapter streaming round.
type roundOutcome struct {
	text      strings.Builder
	toolCalls []backend.ToolCall
	end       *backend.End
	err       error
}

func (d *Dispatcher) run(ctx context.Context, events chan<- api.Event, convID string, userMsg *conversations.Message, fileIDs []string, userIP string) {
	defer close(events)

	requestID := uuid.NewString()
	ctx = observability.WithRequestID(ctx, requestID)
	ctx = observability.WithConversationID(ctx, convID)

	if d.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = d.cfg.Tracer.Start(ctx, "dispatch.send",
			attribute.String("conversation_id", convID),
			attribute.String("request_id", requestID))
		defer span.End()
	}

	start := d.now()
	d.log.Info(ctx, "chat request started", "conversation_id", convID)

	sysPrompt, msgs, stats, err := d.assembleContext(ctx, convID, fileIDs)
	if err != nil {
		d.emitError(ctx, events, api.ErrInternal, "context assembly failed: "+err.Error(), 0)
		return
	}

	backendName, ok := d.cfg.Degrade.PreferredBackend(d.cfg.FallbackOrder[0])
	if !ok {
		kind := api.ErrUnavailable
		msg := "no backend available"
		if d.cfg.Degrade.Offline() {
			kind = api.ErrOffline
			msg = "network unavailable and local backend down"
		}
		d.emitError(ctx, events, kind, msg, 0)
		return
	}
	adapter, ok := d.cfg.Backends[backendName]
	if !ok {
		d.emitError(ctx, events, api.ErrInternal, "backend not wired: "+backendName, 0)
		return
	}

	model := d.modelFor(ctx, backendName, adapter)
	if !d.emit(ctx, events, api.Event{Kind: api.EventStart, Start: &api.StartPayload{
		Model:          model,
		Provider:       backendName,
		ConversationID: convID,
	}}) {
		d.persistPartial(convID, "")
		return
	}

	var (
		total        strings.Builder
		promptTokens int
		outputTokens int
		fellBack     bool
		escalated    bool
	)

	working := msgs
	caps := adapter.Capabilities(ctx)

	for round := 0; round < d.cfg.MaxToolRounds; round++ {
		req := &backend.Request{
			Model:     model,
			System:    sysPrompt,
			Messages:  working,
			MaxTokens: d.cfg.MaxTokens,
		}
		if caps.SupportsTools {
			req.Tools = d.cfg.Registry.Schemas()
		}

		outcome := d.streamRound(ctx, adapter, req, events, &total)
		if outcome == nil {
			// Client went away mid-stream.
			d.persistPartial(convID, total.String())
			return
		}
		if outcome.end != nil {
			promptTokens += outcome.end.InputTokens
			outputTokens += outcome.end.OutputTokens
		}

		if outcome.err != nil {
			be := backend.AsError(backendName, outcome.err)
			d.cfg.Degrade.RecordFailure(backendName, be.Kind, be.RetryAfter)
			d.log.Warn(ctx, "backend failed", "backend", backendName, "kind", be.Kind, "error", be.Message)

			if total.Len() == 0 && !fellBack {
				if next, nextAdapter, ok := d.fallback(backendName); ok {
					d.log.Info(ctx, "falling back", "from", backendName, "to", next)
					backendName, adapter = next, nextAdapter
					model = d.modelFor(ctx, backendName, adapter)
					caps = adapter.Capabilities(ctx)
					fellBack = true
					round--
					continue
				}
			}

			d.persistPartial(convID, total.String())
			d.countRequest(backendName, model, "error")
			d.emitError(ctx, events, be.Kind, be.Message, be.RetryAfter)
			return
		}

		if len(outcome.toolCalls) == 0 {
			break
		}

		assistant := backend.Message{
			Role:      backend.RoleAssistant,
			Content:   outcome.text.String(),
			ToolCalls: outcome.toolCalls,
		}
		toolMsg := backend.Message{Role: backend.RoleTool}

		for _, tc := range outcome.toolCalls {
			if !d.emit(ctx, events, api.Event{Kind: api.EventToolCall, ToolCall: &api.ToolCallPayload{
				Name:  tc.Name,
				Input: tc.Input,
			}}) {
				d.persistPartial(convID, total.String())
				return
			}

			res := d.runTool(ctx, tc, userIP)
			payload := res.Payload(tc.Name)
			if !d.emit(ctx, events, api.Event{Kind: api.EventToolResult, ToolResult: payload}) {
				d.persistPartial(convID, total.String())
				return
			}
			if res.Escalation != nil {
				escalated = true
			}

			content := res.Value
			if !res.Success {
				content = fmt.Sprintf("error (%s): %s", res.Kind, res.Message)
			}
			toolMsg.ToolResults = append(toolMsg.ToolResults, backend.ToolResultRef{
				ToolCallID: tc.ID,
				Content:    content,
				IsError:    !res.Success,
			})
		}

		working = append(working, assistant, toolMsg)

		// A permission shortfall surfaces to the client and ends the
		// round; the model never sees an auto-retried escalation.
		if escalated {
			break
		}

		if round == d.cfg.MaxToolRounds-1 {
			d.persistPartial(convID, total.String())
			d.countRequest(backendName, model, "error")
			d.emitError(ctx, events, api.ErrInternal, "tool round limit reached", 0)
			return
		}
	}

	d.cfg.Degrade.RecordSuccess(backendName)

	// Persist the assistant turn even when no text was streamed (an
	// escalation-only tool round, or a model that returned nothing): the
	// conversation keeps one assistant message per accepted request.
	text := total.String()
	pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	assistantMsg, err := d.cfg.Conversations.Append(pctx, convID, conversations.RoleAssistant, text)
	if err != nil {
		d.log.Error(ctx, "persist assistant message", "error", err)
	}
	cancel()

	d.afterFinalize(convID, userMsg, assistantMsg, backendName)

	d.countRequest(backendName, model, "success")
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.RequestDuration.WithLabelValues(backendName, model).Observe(d.now().Sub(start).Seconds())
		d.cfg.Metrics.TokensUsed.WithLabelValues(backendName, model, "prompt").Add(float64(promptTokens))
		d.cfg.Metrics.TokensUsed.WithLabelValues(backendName, model, "completion").Add(float64(outputTokens))
	}

	d.emit(ctx, events, api.Event{Kind: api.EventDone, Done: &api.DonePayload{
		TotalText:    text,
		Model:        model,
		DegradedMode: string(d.cfg.Degrade.Mode()),
		ContextStats: api.ContextStats{
			SummarizedCount: stats.SummarizedCount,
			VerbatimCount:   stats.VerbatimCount,
			TotalMessages:   stats.TotalMessages,
		},
	}})
	d.log.Info(ctx, "chat request finished",
		"backend", backendName, "tokens_out", outputTokens, "duration", d.now().Sub(start))
}

// streamRound consumes one adapter stream, forwarding text deltas as token
// events. Returns nil when the client context is cancelled.
func (d *Dispatcher) streamRound(ctx context.Context, adapter backend.Adapter, req *backend.Request, events chan<- api.Event, total *strings.Builder) *roundOutcome {
	sctx, cancel := context.WithTimeout(ctx, d.cfg.StreamTimeout)
	defer cancel()

	stream, err := adapter.ChatStream(sctx, req)
	if err != nil {
		return &roundOutcome{err: err}
	}

	outcome := &roundOutcome{}
	for delta := range stream {
		switch {
		case delta.Err != nil:
			outcome.err = delta.Err
			return outcome
		case delta.Text != "":
			outcome.text.WriteString(delta.Text)
			total.WriteString(delta.Text)
			if !d.emit(ctx, events, api.Event{Kind: api.EventToken, Token: delta.Text}) {
				return nil
			}
		case delta.ToolCall != nil:
			outcome.toolCalls = append(outcome.toolCalls, *delta.ToolCall)
		case delta.End != nil:
			outcome.end = delta.End
		}
	}

	if ctx.Err() != nil {
		return nil
	}
	return outcome
}

func (d *Dispatcher) runTool(ctx context.Context, tc backend.ToolCall, userIP string) tools.Result {
	if d.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = d.cfg.Tracer.Start(ctx, "dispatch.tool",
			attribute.String("tool", tc.Name))
		defer span.End()
	}
	return d.cfg.Runner.Run(ctx, tc.Name, tc.Input, userIP)
}

// fallback picks the first healthy backend other than failed, in configured
// order.
func (d *Dispatcher) fallback(failed string) (string, backend.Adapter, bool) {
	snap := d.cfg.Degrade.Snapshot()
	healthy := make(map[string]bool, len(snap.Backends))
	for _, b := range snap.Backends {
		healthy[b.Name] = b.Available
	}
	for _, name := range d.cfg.FallbackOrder {
		if name == failed || !healthy[name] {
			continue
		}
		if adapter, ok := d.cfg.Backends[name]; ok {
			return name, adapter, true
		}
	}
	return "", nil, false
}

// modelFor resolves the model id: a settings override wins over the
// adapter's configured default.
func (d *Dispatcher) modelFor(ctx context.Context, provider string, adapter backend.Adapter) string {
	if d.cfg.Settings == nil {
		return adapter.Model()
	}
	model, err := d.cfg.Settings.GetModel(ctx, provider, adapter.Model())
	if err != nil {
		return adapter.Model()
	}
	return model
}

func (d *Dispatcher) persistPartial(convID, text string) {
	if text == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if _, err := d.cfg.Conversations.AppendPartial(ctx, convID, conversations.RoleAssistant, text); err != nil {
		d.log.Error(ctx, "persist partial message", "error", err)
	}
}

func (d *Dispatcher) emit(ctx context.Context, events chan<- api.Event, ev api.Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (d *Dispatcher) emitError(ctx context.Context, events chan<- api.Event, kind api.ErrorKind, message string, retryAfter time.Duration) {
	payload := &api.ErrorPayload{Kind: kind, Message: message}
	if retryAfter > 0 {
		payload.RetryAfter = retryAfter.Seconds()
	}
	d.emit(ctx, events, api.Event{Kind: api.EventError, Error: payload})
}

func (d *Dispatcher) countRequest(provider, model, status string) {
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.RequestCounter.WithLabelValues(provider, model, status).Inc()
	}
}
