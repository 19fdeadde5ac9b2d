package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/valethq/valet/internal/backend"
)

const ollamaName = "ollama"

// ollamaHealthTTL bounds how often the adapter probes the local runner.
const ollamaHealthTTL = 30 * time.Second

// Ollama is the local backend, speaking the runner's NDJSON chat protocol
// over plain HTTP. Health is probed against /api/tags and cached briefly so
// status checks stay cheap; a failed probe reports a non-streaming backend
// until the next probe succeeds.
type Ollama struct {
	client       *http.Client
	baseURL      string
	defaultModel string

	mu           sync.Mutex
	healthy      bool
	modelPresent bool
	checkedAt    time.Time

	now func() time.Time
}

// OllamaConfig configures the local adapter.
type OllamaConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// NewOllama builds the local adapter. No connection is made until the first
// call or probe.
func NewOllama(cfg OllamaConfig) *Ollama {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Ollama{
		client:       &http.Client{Timeout: timeout},
		baseURL:      baseURL,
		defaultModel: strings.TrimSpace(cfg.Model),
		now:          time.Now,
	}
}

func (p *Ollama) Name() string  { return ollamaName }
func (p *Ollama) Model() string { return p.defaultModel }

// Capabilities reflects the cached health probe: an unreachable runner (or a
// runner without the configured model) reports no streaming and no tools.
func (p *Ollama) Capabilities(ctx context.Context) backend.Capabilities {
	healthy, modelPresent := p.probe(ctx)
	ok := healthy && modelPresent
	return backend.Capabilities{SupportsTools: ok, SupportsStreaming: ok}
}

// Healthy reports whether the runner answered the last probe and has the
// configured model pulled. The distinction matters for error messages: a
// missing model is fixable with one pull command, a dead runner is not.
func (p *Ollama) Healthy(ctx context.Context) (running, modelPresent bool) {
	return p.probe(ctx)
}

func (p *Ollama) probe(ctx context.Context) (bool, bool) {
	p.mu.Lock()
	if p.now().Sub(p.checkedAt) < ollamaHealthTTL {
		healthy, present := p.healthy, p.modelPresent
		p.mu.Unlock()
		return healthy, present
	}
	p.mu.Unlock()

	healthy, present := p.probeNow(ctx)

	p.mu.Lock()
	p.healthy, p.modelPresent, p.checkedAt = healthy, present, p.now()
	p.mu.Unlock()
	return healthy, present
}

func (p *Ollama) probeNow(ctx context.Context) (bool, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return false, false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, false
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&tags); err != nil {
		return true, false
	}
	for _, m := range tags.Models {
		if m.Name == p.defaultModel || strings.TrimSuffix(m.Name, ":latest") == p.defaultModel {
			return true, true
		}
	}
	return true, false
}

// invalidate clears the cached probe so the next check hits the runner.
// Called after request failures so a crashed runner is noticed immediately.
func (p *Ollama) invalidate() {
	p.mu.Lock()
	p.checkedAt = time.Time{}
	p.mu.Unlock()
}

// ChatStream starts a streaming call. The runner replies with one JSON
// object per line; each line carries a content fragment, complete tool
// calls, or the final done marker with token counts.
func (p *Ollama) ChatStream(ctx context.Context, req *backend.Request) (<-chan backend.Delta, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = p.defaultModel
	}
	if model == "" {
		return nil, backend.NewError(ollamaName, 0, "model is required", nil)
	}

	payload := ollamaChatRequest{
		Model:    model,
		Stream:   true,
		Messages: buildOllamaMessages(req),
	}
	if len(req.Tools) > 0 {
		payload.Tools = make([]ollamaTool, len(req.Tools))
		for i, t := range req.Tools {
			payload.Tools[i] = ollamaTool{
				Type: "function",
				Function: ollamaToolDef{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			}
		}
	}
	if req.MaxTokens > 0 {
		payload.Options = map[string]any{"num_predict": req.MaxTokens}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, backend.NewError(ollamaName, 0, fmt.Sprintf("marshal request: %v", err), err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, backend.AsError(ollamaName, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.invalidate()
		return nil, backend.AsError(ollamaName, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		message := strings.TrimSpace(string(errBody))
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		if resp.StatusCode == http.StatusNotFound && strings.Contains(message, "model") {
			message = fmt.Sprintf("model %q is not pulled: %s", model, message)
		}
		p.invalidate()
		return nil, backend.NewError(ollamaName, resp.StatusCode, message, nil)
	}

	deltas := make(chan backend.Delta)
	go p.pump(ctx, resp.Body, deltas)
	return deltas, nil
}

func (p *Ollama) pump(ctx context.Context, body io.ReadCloser, deltas chan<- backend.Delta) {
	defer close(deltas)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	// The runner can repeat tool calls across lines; dedupe by id.
	emitted := map[string]struct{}{}
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			deltas <- backend.Delta{Err: backend.AsError(ollamaName, ctx.Err())}
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var resp ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			deltas <- backend.Delta{Err: backend.NewError(ollamaName, 0, fmt.Sprintf("decode response: %v", err), err)}
			return
		}
		if resp.Error != "" {
			deltas <- backend.Delta{Err: backend.NewError(ollamaName, 0, resp.Error, nil)}
			return
		}

		if resp.Message != nil {
			if resp.Message.Content != "" {
				deltas <- backend.Delta{Text: resp.Message.Content}
			}
			for _, tc := range resp.Message.ToolCalls {
				id := strings.TrimSpace(tc.ID)
				if id == "" {
					id = strings.TrimSpace(tc.Function.Name) + ":" + strings.TrimSpace(string(tc.Function.Arguments))
					if id == ":" {
						id = uuid.NewString()
					}
				}
				if _, ok := emitted[id]; ok {
					continue
				}
				emitted[id] = struct{}{}

				input := tc.Function.Arguments
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				deltas <- backend.Delta{ToolCall: &backend.ToolCall{
					ID:    id,
					Name:  strings.TrimSpace(tc.Function.Name),
					Input: input,
				}}
			}
		}

		if resp.Done {
			reason := backend.EndStop
			if len(emitted) > 0 {
				reason = backend.EndToolCalls
			}
			deltas <- backend.Delta{End: &backend.End{
				Reason:       reason,
				InputTokens:  resp.PromptEvalCount,
				OutputTokens: resp.EvalCount,
			}}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		p.invalidate()
		deltas <- backend.Delta{Err: backend.AsError(ollamaName, err)}
	}
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Tools    []ollamaTool        `json:"tools,omitempty"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaTool struct {
	Type     string        `json:"type"`
	Function ollamaToolDef `json:"function"`
}

type ollamaToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaChatResponse struct {
	Message         *ollamaChatMessage `json:"message"`
	Done            bool               `json:"done"`
	Error           string             `json:"error"`
	EvalCount       int                `json:"eval_count"`
	PromptEvalCount int                `json:"prompt_eval_count"`
}

type ollamaToolCall struct {
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func buildOllamaMessages(req *backend.Request) []ollamaChatMessage {
	messages := make([]ollamaChatMessage, 0, len(req.Messages)+1)

	toolNames := map[string]string{}
	for _, msg := range req.Messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID != "" && tc.Name != "" {
				toolNames[tc.ID] = tc.Name
			}
		}
	}

	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, ollamaChatMessage{Role: "system", Content: system})
	}

	for _, msg := range req.Messages {
		role := msg.Role
		if role == "" {
			role = backend.RoleUser
		}
		switch {
		case role == backend.RoleAssistant:
			out := ollamaChatMessage{Role: role, Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				args := tc.Input
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				out.ToolCalls = append(out.ToolCalls, ollamaToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: ollamaToolFunction{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			messages = append(messages, out)
		case len(msg.ToolResults) > 0:
			for _, tr := range msg.ToolResults {
				messages = append(messages, ollamaChatMessage{
					Role:     "tool",
					Content:  tr.Content,
					ToolName: toolNames[tr.ToolCallID],
				})
			}
		default:
			messages = append(messages, ollamaChatMessage{Role: role, Content: msg.Content})
		}
	}
	return messages
}

var _ backend.Adapter = (*Ollama)(nil)
var _ backend.Adapter = (*OpenAI)(nil)
var _ backend.Adapter = (*Anthropic)(nil)
