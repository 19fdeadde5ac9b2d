// Package server assembles the valet process: it opens the persistent
// stores under the base directory, builds the backend adapters and the tool
// stack, wires the dispatcher, and runs the HTTP surface. Everything here is
// wiring; behavior lives in the packages being wired.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/valethq/valet/internal/alerts"
	"github.com/valethq/valet/internal/audit"
	"github.com/valethq/valet/internal/backend"
	"github.com/valethq/valet/internal/backend/providers"
	"github.com/valethq/valet/internal/capabilities"
	"github.com/valethq/valet/internal/config"
	"github.com/valethq/valet/internal/conversations"
	"github.com/valethq/valet/internal/degrade"
	"github.com/valethq/valet/internal/dispatch"
	"github.com/valethq/valet/internal/facts"
	"github.com/valethq/valet/internal/files"
	"github.com/valethq/valet/internal/httpapi"
	"github.com/valethq/valet/internal/observability"
	"github.com/valethq/valet/internal/permission"
	"github.com/valethq/valet/internal/profile"
	"github.com/valethq/valet/internal/secrets"
	"github.com/valethq/valet/internal/settings"
	"github.com/valethq/valet/internal/toolproto"
	"github.com/valethq/valet/internal/tools"
	"github.com/valethq/valet/internal/tools/builtin"
)

// readHeaderTimeout bounds slow-header clients on the listener.
const readHeaderTimeout = 10 * time.Second

// shutdownTimeout bounds graceful drain on Shutdown.
const shutdownTimeout = 15 * time.Second

// Collectors register once per process; a Core rebuilt in the same process
// (or test binary) reuses them rather than re-registering.
var (
	metricsOnce sync.Once
	procMetrics *observability.Metrics
)

func processMetrics() *observability.Metrics {
	metricsOnce.Do(func() {
		procMetrics = observability.NewMetrics(prometheus.DefaultRegisterer)
	})
	return procMetrics
}

// Core is the assembled valet process.
type Core struct {
	cfg *config.Config
	log *observability.Logger

	keeper        *secrets.Keeper
	settings      *settings.Store
	conversations *conversations.Store
	facts         *facts.Store
	profile       *profile.Aggregator
	alerts        *alerts.Store
	audit         *audit.Log
	files         *files.Store
	caps          *capabilities.Scanner

	degrade    *degrade.Manager
	registry   *tools.Registry
	runner     *tools.Runner
	dispatcher *dispatch.Dispatcher

	permMu    sync.RWMutex
	permLevel permission.Level

	httpSrv        *http.Server
	tracerShutdown func(context.Context) error
}

// New builds the process from configuration. It opens every store, probes
// nothing, and returns an error only for states the server cannot run from.
func New(ctx context.Context, cfg *config.Config, version string) (*Core, error) {
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("server: create base dir: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	log := logger.With("component", "server")

	metrics := processMetrics()
	tracer, tracerShutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "valet",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})

	c := &Core{cfg: cfg, log: log, tracerShutdown: tracerShutdown}

	if err := c.openStores(ctx); err != nil {
		c.Close()
		return nil, err
	}

	adapters, order, err := c.buildBackends(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}

	c.degrade = degrade.NewManager(degrade.Config{
		Backends:       order,
		Primary:        cfg.Dispatch.PrimaryBackend,
		Local:          "ollama",
		LocalOnly:      cfg.Dispatch.LocalOnly,
		RecoveryWindow: cfg.Degrade.RecoveryWindow,
		CacheTTL:       cfg.Degrade.CacheTTL,
		QueueCap:       cfg.Degrade.QueueCap,
		ProbeHost:      cfg.Degrade.NetworkProbeHost,
		Metrics:        metrics,
		OnModeChange:   c.onModeChange,
	})

	if err := c.buildTools(ctx, logger, metrics); err != nil {
		c.Close()
		return nil, err
	}

	c.dispatcher, err = dispatch.New(dispatch.Config{
		Backends:           adapters,
		FallbackOrder:      order,
		Degrade:            c.degrade,
		Conversations:      c.conversations,
		Profile:            c.profile,
		Facts:              c.facts,
		Extractor:          facts.NewRegexExtractor(),
		Runner:             c.runner,
		Registry:           c.registry,
		Settings:           c.settings,
		Files:              c.files,
		Persona:            cfg.Dispatch.Persona,
		ContextTokenBudget: cfg.Dispatch.ContextTokenBudget,
		MaxToolRounds:      cfg.Dispatch.MaxToolRounds,
		MaxTokens:          cfg.Dispatch.MaxTokens,
		StreamTimeout:      cfg.Dispatch.StreamTimeout,
		Logger:             logger,
		Tracer:             tracer,
		Metrics:            metrics,
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("server: %w", err)
	}

	handler, err := httpapi.New(httpapi.Config{
		Dispatcher:   c.dispatcher,
		Status:       c.degrade,
		Capabilities: c.caps,
		Permissions:  c,
		Logger:       logger,
		Metrics:      metrics,
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("server: %w", err)
	}

	c.httpSrv = &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return c, nil
}

func (c *Core) openStores(ctx context.Context) error {
	var err error

	c.keeper, err = secrets.Open(c.cfg.EncryptionSaltFile())
	if err != nil {
		return fmt.Errorf("server: open secrets keeper: %w", err)
	}
	c.settings, err = settings.Open(c.cfg.SettingsDB(), c.keeper)
	if err != nil {
		return fmt.Errorf("server: open settings: %w", err)
	}
	// A secret that no longer decrypts would reach an adapter as an
	// envelope and fail as auth there; surface it at startup instead.
	if err := c.settings.VerifySecrets(ctx); err != nil {
		c.log.Warn(ctx, "secret verification failed", "error", err)
	}

	c.conversations, err = conversations.Open(c.cfg.ConversationsDB())
	if err != nil {
		return fmt.Errorf("server: open conversations: %w", err)
	}
	c.facts, err = facts.Open(c.cfg.FactsDB())
	if err != nil {
		return fmt.Errorf("server: open facts: %w", err)
	}
	c.profile, err = profile.New(c.facts)
	if err != nil {
		return fmt.Errorf("server: build profile aggregator: %w", err)
	}
	c.alerts, err = alerts.Open(c.cfg.AlertsDB())
	if err != nil {
		return fmt.Errorf("server: open alerts: %w", err)
	}
	c.audit, err = audit.Open(c.cfg.AuditDB())
	if err != nil {
		return fmt.Errorf("server: open audit log: %w", err)
	}
	c.files, err = files.Open(c.cfg.FilesDir())
	if err != nil {
		return fmt.Errorf("server: open file store: %w", err)
	}
	c.caps = capabilities.NewScanner(c.cfg.CapabilitiesFile(), 0)
	return nil
}

// buildBackends constructs every adapter whose credentials are present. The
// local backend is always wired; a cloud backend without a key is skipped
// with a log line, not an error.
func (c *Core) buildBackends(ctx context.Context) (map[string]backend.Adapter, []string, error) {
	adapters := make(map[string]backend.Adapter, 3)

	if key := c.apiKey(ctx, "anthropic_api_key", "ANTHROPIC_API_KEY"); key != "" {
		a, err := providers.NewAnthropic(providers.AnthropicConfig{
			APIKey:  key,
			BaseURL: c.cfg.Backends.Anthropic.BaseURL,
			Model:   c.cfg.Backends.Anthropic.Model,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("server: anthropic adapter: %w", err)
		}
		adapters["anthropic"] = a
	} else {
		c.log.Info(ctx, "anthropic backend disabled, no API key")
	}

	if key := c.apiKey(ctx, "openai_api_key", "OPENAI_API_KEY"); key != "" {
		a, err := providers.NewOpenAI(providers.OpenAIConfig{
			APIKey:  key,
			BaseURL: c.cfg.Backends.OpenAI.BaseURL,
			Model:   c.cfg.Backends.OpenAI.Model,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("server: openai adapter: %w", err)
		}
		adapters["openai"] = a
	} else {
		c.log.Info(ctx, "openai backend disabled, no API key")
	}

	ollama := providers.NewOllama(providers.OllamaConfig{
		BaseURL: c.cfg.Backends.Ollama.Host,
		Model:   c.cfg.Backends.Ollama.Model,
		Timeout: c.cfg.Backends.Ollama.Timeout,
	})
	adapters["ollama"] = ollama

	// Cheap-model summarizer through the local backend; the store falls
	// back to its extractive summary when this errors.
	c.conversations.SetSummarizer(chatSummarizer(ollama))

	order := backendOrder(c.cfg.Dispatch.PrimaryBackend, adapters)
	return adapters, order, nil
}

// backendOrder lists wired backends most-preferred first, with the local
// backend always last.
func backendOrder(primary string, adapters map[string]backend.Adapter) []string {
	order := make([]string, 0, len(adapters))
	for _, name := range []string{primary, "anthropic", "openai", "ollama"} {
		if name == "ollama" {
			continue
		}
		if _, ok := adapters[name]; !ok {
			continue
		}
		seen := false
		for _, o := range order {
			if o == name {
				seen = true
				break
			}
		}
		if !seen {
			order = append(order, name)
		}
	}
	return append(order, "ollama")
}

// apiKey resolves a provider credential: settings store first, environment
// second.
func (c *Core) apiKey(ctx context.Context, settingKey, envKey string) string {
	if v, err := c.settings.GetSecret(ctx, settingKey); err == nil && v != "" {
		return v
	}
	return strings.TrimSpace(os.Getenv(envKey))
}

func (c *Core) buildTools(ctx context.Context, logger *observability.Logger, metrics *observability.Metrics) error {
	c.registry = tools.NewRegistry()
	if err := builtin.RegisterAll(c.registry, builtin.Config{
		AllowedRoots: c.allowedRoots(),
	}); err != nil {
		return fmt.Errorf("server: register builtins: %w", err)
	}

	// External tool servers are best-effort: a server that is down at
	// startup loses its tools for this run, nothing more.
	for _, ext := range c.cfg.Tools.External {
		client, err := toolproto.NewClient(toolproto.ServerConfig{
			ID:      ext.Name,
			URL:     ext.URL,
			Timeout: ext.Timeout,
		}, logger)
		if err != nil {
			c.log.Warn(ctx, "tool server misconfigured", "server", ext.Name, "error", err)
			continue
		}
		if _, err := client.Initialize(ctx); err != nil {
			c.log.Warn(ctx, "tool server unreachable", "server", ext.Name, "error", err)
			continue
		}
		names, err := toolproto.RegisterTools(ctx, c.registry, client)
		if err != nil {
			c.log.Warn(ctx, "tool server registration failed", "server", ext.Name, "error", err)
			continue
		}
		c.log.Info(ctx, "external tools registered", "server", ext.Name, "count", len(names))
	}

	c.permLevel = c.cfg.PermissionLevel()
	c.runner = tools.NewRunner(tools.RunnerConfig{
		Registry:  c.registry,
		Level:     c.PermissionLevel,
		Audit:     c.audit,
		Cache:     c.degrade.Cache(),
		Offline:   c.degrade.Offline,
		Timeout:   c.cfg.Tools.Timeout,
		MaxOutput: c.cfg.Tools.MaxOutputChars,
		Logger:    logger,
		Metrics:   metrics,
	})
	return nil
}

// allowedRoots resolves relative allowed roots against the base directory.
func (c *Core) allowedRoots() []string {
	roots := make([]string, 0, len(c.cfg.Tools.AllowedRoots))
	for _, root := range c.cfg.Tools.AllowedRoots {
		if !filepath.IsAbs(root) {
			root = filepath.Join(c.cfg.BaseDir, root)
		}
		roots = append(roots, root)
	}
	return roots
}

// PermissionLevel returns the current tool permission level. The runner
// reads it on every invocation, so changes apply to the next tool call.
func (c *Core) PermissionLevel() permission.Level {
	c.permMu.RLock()
	defer c.permMu.RUnlock()
	return c.permLevel
}

// SetPermissionLevel changes the runtime level and appends the transition
// to the audit log with its attribution. A no-op change is not recorded.
func (c *Core) SetPermissionLevel(ctx context.Context, to permission.Level, source, reason, userIP, userAgent string) error {
	if !to.Valid() {
		return fmt.Errorf("server: invalid permission level %d", int(to))
	}

	c.permMu.Lock()
	from := c.permLevel
	c.permLevel = to
	c.permMu.Unlock()
	if from == to {
		return nil
	}

	c.audit.RecordPermissionChange(ctx, audit.PermissionChange{
		From:      from.String(),
		To:        to.String(),
		Source:    source,
		Reason:    reason,
		UserIP:    userIP,
		UserAgent: userAgent,
	})
	c.log.Info(ctx, "permission level changed",
		"from", from.String(), "to", to.String(), "source", source)
	return nil
}

// onModeChange logs the transition and raises a rate-limited alert.
func (c *Core) onModeChange(from, to degrade.Mode) {
	ctx := context.Background()
	c.log.Warn(ctx, "degradation mode changed", "from", string(from), "to", string(to))

	severity := alerts.SeverityWarning
	if to == degrade.ModeNormal {
		severity = alerts.SeverityInfo
	}
	if _, err := c.alerts.Raise(ctx, alerts.Alert{
		Type:     "degradation_mode",
		Severity: severity,
		Title:    "Degradation mode changed",
		Message:  fmt.Sprintf("mode changed from %s to %s", from, to),
	}); err != nil {
		c.log.Error(ctx, "raise alert", "error", err)
	}
}

// Start serves HTTP until the listener fails or Shutdown is called.
func (c *Core) Start() error {
	c.log.Info(context.Background(), "valet listening", "addr", c.httpSrv.Addr)
	if err := c.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// Shutdown drains the HTTP server, waits for background dispatcher work,
// and closes every store.
func (c *Core) Shutdown(ctx context.Context) error {
	sctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var firstErr error
	if c.httpSrv != nil {
		if err := c.httpSrv.Shutdown(sctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.dispatcher != nil {
		c.dispatcher.Wait()
	}
	if err := c.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if c.tracerShutdown != nil {
		if err := c.tracerShutdown(sctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close releases stores without draining in-flight work. Shutdown calls it;
// New calls it on partial construction failure.
func (c *Core) Close() error {
	var firstErr error
	closeAll := []func() error{}
	if c.audit != nil {
		closeAll = append(closeAll, c.audit.Close)
	}
	if c.alerts != nil {
		closeAll = append(closeAll, c.alerts.Close)
	}
	if c.facts != nil {
		closeAll = append(closeAll, c.facts.Close)
	}
	if c.conversations != nil {
		closeAll = append(closeAll, c.conversations.Close)
	}
	if c.settings != nil {
		closeAll = append(closeAll, c.settings.Close)
	}
	for _, fn := range closeAll {
		if err := fn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// chatSummarizer folds older history through the local model. Kept small:
// one user message carrying the transcript, bounded output.
func chatSummarizer(adapter backend.Adapter) conversations.Summarizer {
	return func(ctx context.Context, msgs []conversations.Message) (string, error) {
		var transcript strings.Builder
		for _, m := range msgs {
			transcript.WriteString(m.Role)
			transcript.WriteString(": ")
			content := m.Content
			if len(content) > 500 {
				content = content[:500]
			}
			transcript.WriteString(content)
			transcript.WriteString("\n")
		}

		resp, err := backend.ChatOnce(ctx, adapter, &backend.Request{
			Model:  adapter.Model(),
			System: "Summarize the conversation in at most four sentences. Keep names, decisions, and open questions.",
			Messages: []backend.Message{
				{Role: backend.RoleUser, Content: transcript.String()},
			},
			MaxTokens: 256,
		})
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(resp.Text) == "" {
			return "", errors.New("empty summary")
		}
		return resp.Text, nil
	}
}
