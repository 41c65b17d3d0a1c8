package openrouter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pmoraes/chat-backend/internal/domain"
)

func TestChatSuccessWithAttributionHeaders(t *testing.T) {
	var gotPath, gotReferer, gotTitle string
	var gotPayload map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotReferer = r.Header.Get("HTTP-Referer")
		gotTitle = r.Header.Get("X-Title")
		json.NewDecoder(r.Body).Decode(&gotPayload)
		w.Write([]byte(`{
			"choices": [{
				"message": {"role": "assistant", "content": "routed answer"},
				"finish_reason": "stop",
				"provider": "anthropic"
			}],
			"usage": {"total_tokens": 12}
		}`))
	}))
	defer server.Close()

	p, err := New(Config{
		APIKey:   "or-test",
		BaseURL:  server.URL,
		Referer:  "https://chat.example.com",
		SiteName: "chat-backend",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := p.Chat(context.Background(), []domain.ChatMessage{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotPath != "/chat/completions" {
		t.Errorf("expected openrouter path, got %q", gotPath)
	}
	if gotReferer != "https://chat.example.com" {
		t.Errorf("expected referer header, got %q", gotReferer)
	}
	if gotTitle != "chat-backend" {
		t.Errorf("expected title header, got %q", gotTitle)
	}
	if gotPayload["model"] != "openrouter/auto" {
		t.Errorf("expected default model, got %v", gotPayload["model"])
	}
	if resp.Message.Content != "routed answer" {
		t.Errorf("unexpected content: %q", resp.Message.Content)
	}
	if resp.Message.Metadata["provider"] != "anthropic" {
		t.Errorf("expected upstream provider in metadata, got %v", resp.Message.Metadata)
	}
}

func TestChatOmitsEmptyAttributionHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Header["Http-Referer"]; ok {
			t.Error("referer header should be absent when unconfigured")
		}
		if _, ok := r.Header["X-Title"]; ok {
			t.Error("title header should be absent when unconfigured")
		}
		w.Write([]byte(`{"choices": [{"message": {"role": "assistant", "content": "ok"}}]}`))
	}))
	defer server.Close()

	p, _ := New(Config{APIKey: "or-test", BaseURL: server.URL})
	if _, err := p.Chat(context.Background(), []domain.ChatMessage{{Role: "user", Content: "hi"}}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestChatAPIErrorTopLevelMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"message": "upstream unavailable"}`))
	}))
	defer server.Close()

	p, _ := New(Config{APIKey: "or-test", BaseURL: server.URL})
	_, err := p.Chat(context.Background(), []domain.ChatMessage{{Role: "user", Content: "hi"}}, nil)
	if !domain.IsProviderError(err) {
		t.Fatalf("expected a provider error, got %v", err)
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected an error without an api key")
	}
}
