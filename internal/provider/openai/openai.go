// Package openai implements the chat provider for OpenAI's completions API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pmoraes/chat-backend/internal/domain"
	"github.com/pmoraes/chat-backend/internal/httputil"
)

const providerName = "openai"

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
	// Client overrides the default pooled client, mainly for tests.
	Client *http.Client
}

type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-3.5-turbo"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	client := cfg.Client
	if client == nil {
		client = httputil.ProviderClient(cfg.Timeout)
	}

	return &Provider{
		apiKey:  cfg.APIKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}, nil
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Chat(ctx context.Context, messages []domain.ChatMessage, options domain.ChatOptions) (*domain.ChatResponse, error) {
	if len(messages) == 0 {
		return nil, domain.NewProviderError(providerName, errors.New("at least one message is required"))
	}

	body, err := json.Marshal(completionPayload(p.model, messages, options))
	if err != nil {
		return nil, domain.NewProviderError(providerName, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewProviderError(providerName, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, domain.NewProviderError(providerName, fmt.Errorf("do request: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewProviderError(providerName, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		detail := extractErrorDetail(data)
		return nil, domain.NewProviderError(providerName,
			fmt.Errorf("api error %d: %s", resp.StatusCode, detail))
	}

	response, err := parseCompletion(data, extraMetadata)
	if err != nil {
		return nil, domain.NewProviderError(providerName, err)
	}
	return response, nil
}

// extraMetadata picks up the moderation results OpenAI attaches to choices.
func extraMetadata(choice map[string]any, metadata map[string]any) {
	if filters, ok := choice["content_filter_results"]; ok {
		metadata["content_filter_results"] = filters
	}
}

// completionPayload builds the chat-completions request body shared by the
// OpenAI-compatible providers. The model option overrides the default;
// remaining options are forwarded verbatim at the top level.
func completionPayload(defaultModel string, messages []domain.ChatMessage, options domain.ChatOptions) map[string]any {
	payload := map[string]any{
		"model":    defaultModel,
		"messages": serialiseMessages(messages),
	}
	for key, value := range options {
		if key == "model" {
			if model, ok := value.(string); ok && model != "" {
				payload["model"] = model
			}
			continue
		}
		payload[key] = value
	}
	return payload
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
		for key, value := range message.Metadata {
			if _, exists := entry[key]; !exists {
				entry[key] = value
			}
		}
		out = append(out, entry)
	}
	return out
}

// parseCompletion decodes a chat-completions body into the normalised
// response shape. extra, when non-nil, copies provider-specific choice
// fields into the message metadata.
func parseCompletion(data []byte, extra func(choice, metadata map[string]any)) (*domain.ChatResponse, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	choices, ok := raw["choices"].([]any)
	if !ok || len(choices) == 0 {
		return nil, errors.New("unexpected response payload: no choices")
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return nil, errors.New("unexpected response payload: malformed choice")
	}
	messagePayload, ok := choice["message"].(map[string]any)
	if !ok {
		return nil, errors.New("unexpected response payload: malformed message")
	}

	metadata := map[string]any{}
	if reason, ok := choice["finish_reason"]; ok && reason != nil {
		metadata["finish_reason"] = reason
	}
	if extra != nil {
		extra(choice, metadata)
	}

	message := domain.ChatMessage{
		Role:     stringField(messagePayload, "role", "assistant"),
		Content:  stringField(messagePayload, "content", ""),
		Name:     stringField(messagePayload, "name", ""),
		Metadata: metadata,
	}

	usage, _ := raw["usage"].(map[string]any)
	return &domain.ChatResponse{Message: message, Raw: raw, Usage: usage}, nil
}

func stringField(payload map[string]any, key, fallback string) string {
	if value, ok := payload[key].(string); ok {
		return value
	}
	return fallback
}

// extractErrorDetail pulls a human-readable message out of an error body,
// falling back to the raw body text.
func extractErrorDetail(data []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		if payload.Error.Message != "" {
			return payload.Error.Message
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return string(data)
}
