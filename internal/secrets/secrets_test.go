package secrets

import (
	"context"
	"testing"
)

func TestInMemorySecretStore_SetAndGet(t *testing.T) {
	store := NewInMemorySecretStore()
	ctx := context.Background()

	store.SetSecret("api-key", "sk-test-123")

	value, err := store.GetSecret(ctx, "api-key")
	if err != nil {
		t.Fatalf("GetSecret() error = %v", err)
	}
	if value != "sk-test-123" {
		t.Errorf("GetSecret() = %v, want sk-test-123", value)
	}
}

func TestInMemorySecretStore_GetNotFound(t *testing.T) {
	store := NewInMemorySecretStore()

	if _, err := store.GetSecret(context.Background(), "nonexistent"); err == nil {
		t.Error("GetSecret() should return error for nonexistent secret")
	}
}

func TestInMemorySecretStore_Delete(t *testing.T) {
	store := NewInMemorySecretStore()
	ctx := context.Background()

	store.SetSecret("api-key", "sk-test-123")
	store.DeleteSecret("api-key")

	if _, err := store.GetSecret(ctx, "api-key"); err == nil {
		t.Error("GetSecret() should return error after delete")
	}
}

func TestLoadProviderSecrets(t *testing.T) {
	store := NewInMemorySecretStore()
	store.SetSecret("chat-backend/providers", `{
		"openai_api_key": "sk-openai",
		"openrouter_api_key": "sk-openrouter",
		"admin_token": "admin-secret"
	}`)

	payload, err := LoadProviderSecrets(context.Background(), store, "chat-backend/providers")
	if err != nil {
		t.Fatalf("LoadProviderSecrets() error = %v", err)
	}
	if payload.OpenAIAPIKey != "sk-openai" {
		t.Errorf("OpenAIAPIKey = %v, want sk-openai", payload.OpenAIAPIKey)
	}
	if payload.OpenRouterAPIKey != "sk-openrouter" {
		t.Errorf("OpenRouterAPIKey = %v, want sk-openrouter", payload.OpenRouterAPIKey)
	}
	if payload.AdminToken != "admin-secret" {
		t.Errorf("AdminToken = %v, want admin-secret", payload.AdminToken)
	}
	// Fields absent from the payload stay empty rather than erroring.
	if payload.MCPAgentToken != "" {
		t.Errorf("MCPAgentToken should be empty, got %v", payload.MCPAgentToken)
	}
}

func TestLoadProviderSecrets_InvalidJSON(t *testing.T) {
	store := NewInMemorySecretStore()
	store.SetSecret("chat-backend/providers", "not json")

	if _, err := LoadProviderSecrets(context.Background(), store, "chat-backend/providers"); err == nil {
		t.Error("LoadProviderSecrets() should return error for invalid JSON")
	}
}

func TestLoadProviderSecrets_Missing(t *testing.T) {
	store := NewInMemorySecretStore()

	if _, err := LoadProviderSecrets(context.Background(), store, "missing"); err == nil {
		t.Error("LoadProviderSecrets() should return error when the secret is absent")
	}
}
