// Package executor talks MCP JSON-RPC to the configured tool server. The
// pipeline driver guarantees single-flight; this client only has to make one
// call at a time well.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client executes tools via MCP JSON-RPC over HTTP.
type Client struct {
	httpClient *resty.Client
	path       string
}

// Config configures the MCP client.
type Config struct {
	BaseURL string
	Path    string // JSON-RPC endpoint path, default "/mcp"
	Timeout time.Duration
	APIKey  string // optional bearer token for the MCP server
}

// NewClient constructs the MCP client.
func NewClient(cfg Config) *Client {
	path := cfg.Path
	if path == "" {
		path = "/mcp"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	hc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		hc.SetAuthToken(cfg.APIKey)
	}
	return &Client{httpClient: hc, path: path}
}

// Tool describes one entry from the server's tool catalog.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// ListTools fetches the server's tool catalog via JSON-RPC tools/list.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"method":  "tools/list",
		"params":  map[string]any{},
		"id":      1,
	}

	var rpcResp rpcResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&rpcResp).
		Post(c.path)
	if err != nil {
		return nil, fmt.Errorf("ListTools: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("ListTools: server error: %s", resp.String())
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	var result struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(rpcResp.Result, &result); err != nil {
		return nil, fmt.Errorf("ListTools: %w", err)
	}
	return result.Tools, nil
}

// Execute triggers a tool call via JSON-RPC tools/call and flattens the
// returned content blocks into a single result string.
func (c *Client) Execute(ctx context.Context, name string, args any) (string, error) {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"method":  "tools/call",
		"params": map[string]any{
			"name":      name,
			"arguments": args,
		},
		"id": name,
	}

	var rpcResp rpcResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&rpcResp).
		Post(c.path)
	if err != nil {
		return "", fmt.Errorf("Execute: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("Execute: server error: %s", resp.String())
	}
	if rpcResp.Error != nil {
		return "", rpcResp.Error
	}

	var result struct {
		Content []contentBlock `json:"content"`
		IsError bool           `json:"isError"`
	}
	if err := json.Unmarshal(rpcResp.Result, &result); err != nil {
		return "", fmt.Errorf("Execute: %w", err)
	}

	text := flattenContent(result.Content)
	if result.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return "", fmt.Errorf("%s", text)
	}
	return text, nil
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Data string `json:"data,omitempty"`
}

// flattenContent joins text blocks; non-text blocks are represented by a
// short marker so the page still sees that something came back.
func flattenContent(blocks []contentBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text", "":
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		default:
			parts = append(parts, "["+b.Type+" content]")
		}
	}
	return strings.Join(parts, "\n")
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      any             `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (r *rpcError) Error() string {
	return fmt.Sprintf("mcp error (%d): %s", r.Code, r.Message)
}
