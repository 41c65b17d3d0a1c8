// Package provider defines the capability implemented by every chat backend.
package provider

import (
	"context"

	"github.com/pmoraes/chat-backend/internal/domain"
)

// Provider generates chat completions from a message list. Implementations
// signal every recoverable upstream failure as a *domain.ProviderError;
// an empty but well-formed completion is not an error.
type Provider interface {
	Name() string
	Chat(ctx context.Context, messages []domain.ChatMessage, options domain.ChatOptions) (*domain.ChatResponse, error)
}
