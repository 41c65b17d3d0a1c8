// Package mcpagent implements the chat provider backed by an MCP agent
// server. The server exposes a REST surface: a /handshake endpoint
// announcing capabilities and per-tool /tools/{name}/invoke endpoints. Chat
// turns are delegated to the server's "chat" tool with the transcript as
// payload.
package mcpagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pmoraes/chat-backend/internal/domain"
	"github.com/pmoraes/chat-backend/internal/httputil"
)

const (
	providerName = "mcp"
	defaultTool  = "chat"

	clientName    = "chat-backend"
	clientVersion = "1.0.0"
)

// Client speaks the agent server's REST protocol. The handshake runs once
// and is cached for the client's lifetime; tool calls re-use it.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client

	mu        sync.Mutex
	handshake map[string]any
}

func NewClient(baseURL, apiKey string, timeout time.Duration, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = httputil.ProviderClient(timeout)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

// Handshake announces this client to the agent server and caches the
// server's capability payload. force re-runs it even when cached.
func (c *Client) Handshake(ctx context.Context, force bool) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handshake != nil && !force {
		return c.handshake, nil
	}

	payload := map[string]string{
		"client_name":    clientName,
		"client_version": clientVersion,
	}
	data, err := c.post(ctx, "/handshake", payload)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}

	c.handshake = data
	return data, nil
}

// CallTool invokes a named tool on the agent server, performing the
// handshake first when needed.
func (c *Client) CallTool(ctx context.Context, tool string, payload any) (map[string]any, error) {
	if tool == "" {
		return nil, errors.New("tool name is required")
	}
	if _, err := c.Handshake(ctx, false); err != nil {
		return nil, err
	}

	data, err := c.post(ctx, "/tools/"+tool+"/invoke", payload)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", tool, err)
	}
	return data, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return decoded, nil
}

type Config struct {
	ServerURL string
	APIKey    string
	Timeout   time.Duration
	Client    *http.Client
}

type Provider struct {
	client *Client
}

func New(cfg Config) (*Provider, error) {
	serverURL := strings.TrimSpace(cfg.ServerURL)
	if serverURL == "" {
		return nil, errors.New("mcpagent: server URL is required")
	}
	return &Provider{
		client: NewClient(serverURL, cfg.APIKey, cfg.Timeout, cfg.Client),
	}, nil
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Chat(ctx context.Context, messages []domain.ChatMessage, options domain.ChatOptions) (*domain.ChatResponse, error) {
	if len(messages) == 0 {
		return nil, domain.NewProviderError(providerName, errors.New("at least one message is required"))
	}

	tool := defaultTool
	forwarded := make(map[string]any, len(options))
	for key, value := range options {
		if key == "tool_name" {
			if name, ok := value.(string); ok && name != "" {
				tool = name
			}
			continue
		}
		forwarded[key] = value
	}

	payload := map[string]any{
		"messages": serialiseMessages(messages),
	}
	if len(forwarded) > 0 {
		payload["options"] = forwarded
	}

	response, err := p.client.CallTool(ctx, tool, payload)
	if err != nil {
		return nil, domain.NewProviderError(providerName, err)
	}
	return parseToolResponse(response), nil
}

func serialiseMessages(messages []domain.ChatMessage) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		entry := map[string]any{
			"role":    message.Role,
			"content": message.Content,
		}
		if message.Name != "" {
			entry["name"] = message.Name
		}
		if len(message.Metadata) > 0 {
			entry["metadata"] = message.Metadata
		}
		out = append(out, entry)
	}
	return out
}

// parseToolResponse normalises a tool reply. Servers either nest the answer
// under "message" or return the message fields at the top level.
func parseToolResponse(response map[string]any) *domain.ChatResponse {
	messagePayload := response
	if nested, ok := response["message"].(map[string]any); ok {
		messagePayload = nested
	}

	metadata := map[string]any{}
	for key, value := range messagePayload {
		switch key {
		case "role", "content", "name":
		default:
			metadata[key] = value
		}
	}

	message := domain.ChatMessage{
		Role:     stringField(messagePayload, "role", "assistant"),
		Content:  stringField(messagePayload, "content", ""),
		Name:     stringField(messagePayload, "name", ""),
		Metadata: metadata,
	}

	usage, _ := response["usage"].(map[string]any)
	return &domain.ChatResponse{Message: message, Raw: response, Usage: usage}
}

func stringField(payload map[string]any, key, fallback string) string {
	if value, ok := payload[key].(string); ok {
		return value
	}
	return fallback
}
