package domain

import "time"

// ChatMessage is a single message exchanged with a chat provider.
type ChatMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Name      string         `json:"name,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ChatOptions carries provider-specific options forwarded verbatim from the
// request payload (model override, temperature, and so on).
type ChatOptions map[string]any

// ChatResponse is the normalised result of a successful provider invocation.
type ChatResponse struct {
	Message ChatMessage    `json:"message"`
	Raw     map[string]any `json:"raw,omitempty"`
	Usage   map[string]any `json:"usage,omitempty"`
}

// Session describes one chat conversation and its provider preferences.
type Session struct {
	ID               string         `json:"id"`
	Provider         string         `json:"provider,omitempty"`
	FallbackProvider string         `json:"fallback_provider,omitempty"`
	MemoryLimit      int            `json:"memory_limit,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	Metadata         map[string]any `json:"metadata"`
}
