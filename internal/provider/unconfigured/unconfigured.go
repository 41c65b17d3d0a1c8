// Package unconfigured provides the placeholder registered as the default
// provider when no credentials are configured. Every call fails with a
// descriptive provider error, so the failover protocol and the API error
// surface behave exactly as they would for a real outage.
package unconfigured

import (
	"context"
	"errors"

	"github.com/pmoraes/chat-backend/internal/domain"
)

const providerName = "unconfigured"

type Provider struct{}

func New() *Provider { return &Provider{} }

func (*Provider) Name() string { return providerName }

func (*Provider) Chat(context.Context, []domain.ChatMessage, domain.ChatOptions) (*domain.ChatResponse, error) {
	return nil, domain.NewProviderError(providerName, errors.New(
		"no chat providers are configured; set OPENAI_API_KEY, OPENROUTER_KEY or "+
			"MCP_SERVER_URL before sending chat requests"))
}
