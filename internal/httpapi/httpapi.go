// Package httpapi exposes the dispatch core over HTTP: chat as SSE or JSON,
// the degradation status snapshot, a health probe, and Prometheus metrics.
// The surface is deliberately thin; everything interesting happens in the
// dispatcher.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/valethq/valet/internal/dispatch"
	"github.com/valethq/valet/internal/observability"
	"github.com/valethq/valet/internal/permission"
	"github.com/valethq/valet/pkg/api"
)

// maxChatBody caps the inbound chat request body.
const maxChatBody = 1 << 20

// Dispatcher is the chat entry point the handler drives.
type Dispatcher interface {
	Send(ctx context.Context, req api.ChatRequest, userIP string) (<-chan api.Event, error)
	SendSync(ctx context.Context, req api.ChatRequest, userIP string) (*api.ChatResponse, error)
}

// StatusSource reports the degradation snapshot.
type StatusSource interface {
	Snapshot() api.StatusResponse
}

// ToolSuggester hints which tools the host can make good use of.
type ToolSuggester interface {
	SuggestedTools() []string
}

// PermissionController reads and changes the runtime tool permission level.
// Changes are attributed so the audit trail records who asked, from where.
type PermissionController interface {
	PermissionLevel() permission.Level
	SetPermissionLevel(ctx context.Context, to permission.Level, source, reason, userIP, userAgent string) error
}

// Config wires the handler.
type Config struct {
	Dispatcher Dispatcher
	Status     StatusSource

	// Capabilities is optional; when set, non-streaming chat responses
	// carry suggested_tools.
	Capabilities ToolSuggester

	// Permissions is optional; when set, /api/permission is served.
	Permissions PermissionController

	Logger  *observability.Logger
	Metrics *observability.Metrics

	// Gatherer backs GET /metrics. Defaults to the prometheus default.
	Gatherer prometheus.Gatherer
}

// Handler is the HTTP API. It implements http.Handler.
type Handler struct {
	cfg Config
	log *observability.Logger
	mux *http.ServeMux
}

// New validates the wiring and builds the route table.
func New(cfg Config) (*Handler, error) {
	if cfg.Dispatcher == nil || cfg.Status == nil {
		return nil, errors.New("httpapi: dispatcher and status source are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	h := &Handler{
		cfg: cfg,
		log: cfg.Logger.With("component", "httpapi"),
		mux: http.NewServeMux(),
	}
	h.mux.HandleFunc("POST /api/chat", h.handleChat)
	h.mux.HandleFunc("GET /api/status", h.handleStatus)
	if cfg.Permissions != nil {
		h.mux.HandleFunc("GET /api/permission", h.handleGetPermission)
		h.mux.HandleFunc("PUT /api/permission", h.handleSetPermission)
	}
	h.mux.HandleFunc("GET /healthz", h.handleHealthz)
	h.mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	h.mux.ServeHTTP(rec, r)

	if h.cfg.Metrics != nil {
		h.cfg.Metrics.HTTPRequestDuration.
			WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	}
}

// statusRecorder captures the status code for the duration metric while
// passing Flush through so SSE streaming keeps working.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req api.ChatRequest
	body := http.MaxBytesReader(w, r.Body, maxChatBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, api.ErrorPayload{
			Kind: api.ErrInternal, Message: "invalid JSON body",
		})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		h.writeError(w, http.StatusBadRequest, api.ErrorPayload{
			Kind: api.ErrInternal, Message: "message is required",
		})
		return
	}

	if wantsStream(r) {
		h.streamChat(w, r, req)
		return
	}

	resp, err := h.cfg.Dispatcher.SendSync(r.Context(), req, clientIP(r))
	if err != nil {
		var se *dispatch.StreamError
		if errors.As(err, &se) {
			status := statusForKind(se.Payload.Kind)
			if se.Payload.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(se.Payload.RetryAfter)))
			}
			h.writeError(w, status, se.Payload)
			return
		}
		h.writeError(w, http.StatusBadRequest, api.ErrorPayload{
			Kind: api.ErrInternal, Message: err.Error(),
		})
		return
	}

	if h.cfg.Capabilities != nil {
		resp.SuggestedTools = h.cfg.Capabilities.SuggestedTools()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// streamChat relays dispatcher events as server-sent events. Each frame is
// "event: <kind>" plus the event JSON; the connection closes after the
// terminal event. There is no replay on reconnect.
func (h *Handler) streamChat(w http.ResponseWriter, r *http.Request, req api.ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, api.ErrorPayload{
			Kind: api.ErrInternal, Message: "streaming unsupported",
		})
		return
	}

	events, err := h.cfg.Dispatcher.Send(r.Context(), req, clientIP(r))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, api.ErrorPayload{
			Kind: api.ErrInternal, Message: err.Error(),
		})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			h.log.Error(r.Context(), "marshal event", "kind", ev.Kind, "error", err)
			return
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
			// Client went away; the dispatcher notices via ctx.
			return
		}
		flusher.Flush()
	}
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.cfg.Status.Snapshot())
}

func (h *Handler) handleGetPermission(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, api.PermissionResponse{
		Level: h.cfg.Permissions.PermissionLevel().String(),
	})
}

func (h *Handler) handleSetPermission(w http.ResponseWriter, r *http.Request) {
	var req api.PermissionRequest
	body := http.MaxBytesReader(w, r.Body, maxChatBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, api.ErrorPayload{
			Kind: api.ErrInternal, Message: "invalid JSON body",
		})
		return
	}
	level, err := permission.Parse(req.Level)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, api.ErrorPayload{
			Kind: api.ErrInternal, Message: err.Error(),
		})
		return
	}

	if err := h.cfg.Permissions.SetPermissionLevel(
		r.Context(), level, "api", req.Reason, clientIP(r), r.UserAgent(),
	); err != nil {
		h.writeError(w, http.StatusInternalServerError, api.ErrorPayload{
			Kind: api.ErrInternal, Message: err.Error(),
		})
		return
	}
	h.writeJSON(w, http.StatusOK, api.PermissionResponse{Level: level.String()})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error(context.Background(), "write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, payload api.ErrorPayload) {
	h.writeJSON(w, status, map[string]api.ErrorPayload{"error": payload})
}

// wantsStream checks the Accept header and the stream query parameter.
func wantsStream(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return true
	}
	return r.URL.Query().Get("stream") == "true"
}

// statusForKind maps terminal stream errors onto HTTP statuses.
func statusForKind(kind api.ErrorKind) int {
	switch kind {
	case api.ErrRateLimited:
		return http.StatusTooManyRequests
	case api.ErrTimeout:
		return http.StatusGatewayTimeout
	case api.ErrAuth, api.ErrTransient:
		return http.StatusBadGateway
	case api.ErrUnavailable, api.ErrOffline:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// clientIP strips the port from RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
