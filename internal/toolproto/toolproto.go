// Package toolproto is the client side of the external tool protocol:
// JSON-RPC 2.0 over HTTP with the initialize, tools/list and tools/call
// methods. Tools discovered on a server are bridged into the local registry
// so the runner treats them like any other tool.
package toolproto

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/valethq/valet/internal/observability"
)

// DefaultTimeout bounds one protocol call.
const DefaultTimeout = 30 * time.Second

const protocolVersion = "2025-03-26"

// ServerConfig describes one external tool server.
type ServerConfig struct {
	// ID names the server; it prefixes every bridged tool name.
	ID  string `yaml:"id"`
	URL string `yaml:"url"`
	// Headers are sent with every request, e.g. an Authorization token.
	Headers map[string]string `yaml:"headers,omitempty"`
	// Timeout bounds one call. Zero selects DefaultTimeout.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Validate rejects configs the client cannot use.
func (c *ServerConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("toolproto: server id is required")
	}
	if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
		return fmt.Errorf("toolproto: server %s: url must start with http:// or https://", c.ID)
	}
	return nil
}

// ToolDescriptor is one tool advertised by a server.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// CallResult is the wire result of tools/call.
type CallResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ContentItem is one piece of tool output.
type ContentItem struct {
	Type     string `json:"type"` // text | image | resource
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("toolproto: server error %d: %s", e.Code, e.Message)
}

// Client talks JSON-RPC to one tool server.
type Client struct {
	config ServerConfig
	http   *http.Client
	logger *observability.Logger
}

// NewClient builds a client for the server. Call Initialize before using it.
func NewClient(cfg ServerConfig, logger *observability.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Client{
		config: cfg,
		http:   &http.Client{Timeout: timeout},
		logger: logger.With("tool_server", cfg.ID),
	}, nil
}

// ServerID returns the configured server id.
func (c *Client) ServerID() string { return c.config.ID }

// call sends one JSON-RPC request and decodes the response.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
	}
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("toolproto: marshal params: %w", err)
		}
		req.Params = encoded
	}
	body, _ := json.Marshal(req)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("toolproto: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range c.config.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("toolproto: %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("toolproto: %s: HTTP %d: %s", method, resp.StatusCode, snippet)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("toolproto: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// Initialize performs the protocol handshake and returns the server name.
func (c *Client) Initialize(ctx context.Context) (string, error) {
	result, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo": map[string]string{
			"name":    "valet",
			"version": "1.0",
		},
		"capabilities": map[string]any{"tools": map[string]any{}},
	})
	if err != nil {
		return "", err
	}

	var parsed struct {
		ServerInfo struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return "", fmt.Errorf("toolproto: decode initialize result: %w", err)
	}
	c.logger.Info(ctx, "tool server initialized",
		"server", parsed.ServerInfo.Name, "version", parsed.ServerInfo.Version)
	return parsed.ServerInfo.Name, nil
}

// ListTools fetches the server's tool descriptors.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("toolproto: decode tools/list result: %w", err)
	}
	return parsed.Tools, nil
}

// CallTool invokes one tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*CallResult, error) {
	params := map[string]any{"name": name}
	if len(arguments) > 0 {
		params["arguments"] = arguments
	}
	result, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	var parsed CallResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("toolproto: decode tools/call result: %w", err)
	}
	return &parsed, nil
}

// FlattenResult reduces a call result to text. Non-text content falls back
// to the JSON encoding of the whole result.
func FlattenResult(result *CallResult) string {
	if result == nil || len(result.Content) == 0 {
		return ""
	}

	allText := true
	var combined strings.Builder
	for _, item := range result.Content {
		if item.Type != "text" {
			allText = false
			break
		}
		if item.Text == "" {
			continue
		}
		if combined.Len() > 0 {
			combined.WriteString("\n")
		}
		combined.WriteString(item.Text)
	}
	if allText {
		return combined.String()
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return ""
	}
	return string(payload)
}
