package mcpagent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/pmoraes/chat-backend/internal/domain"
)

func newAgentServer(t *testing.T, toolHandler http.HandlerFunc) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var handshakes atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("POST /handshake", func(w http.ResponseWriter, r *http.Request) {
		handshakes.Add(1)
		var payload map[string]string
		json.NewDecoder(r.Body).Decode(&payload)
		if payload["client_name"] == "" {
			t.Error("handshake should announce the client name")
		}
		w.Write([]byte(`{"server_name": "agent", "tools": ["chat"]}`))
	})
	mux.HandleFunc("POST /tools/{tool}/invoke", toolHandler)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &handshakes
}

func TestChatInvokesChatTool(t *testing.T) {
	var gotTool string
	var gotPayload map[string]any

	server, handshakes := newAgentServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotTool = r.PathValue("tool")
		json.NewDecoder(r.Body).Decode(&gotPayload)
		w.Write([]byte(`{
			"message": {"role": "assistant", "content": "tool answer", "confidence": 0.9},
			"usage": {"total_tokens": 3}
		}`))
	})

	p, err := New(Config{ServerURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := p.Chat(context.Background(), []domain.ChatMessage{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotTool != "chat" {
		t.Errorf("expected chat tool, got %q", gotTool)
	}
	messages, ok := gotPayload["messages"].([]any)
	if !ok || len(messages) != 1 {
		t.Errorf("expected transcript in payload, got %v", gotPayload)
	}
	if resp.Message.Content != "tool answer" {
		t.Errorf("unexpected content: %q", resp.Message.Content)
	}
	if resp.Message.Metadata["confidence"] != 0.9 {
		t.Errorf("extra message fields should land in metadata, got %v", resp.Message.Metadata)
	}
	if handshakes.Load() != 1 {
		t.Errorf("expected one handshake, got %d", handshakes.Load())
	}
}

func TestHandshakeRunsOnce(t *testing.T) {
	server, handshakes := newAgentServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message": {"role": "assistant", "content": "ok"}}`))
	})

	p, _ := New(Config{ServerURL: server.URL})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := p.Chat(ctx, []domain.ChatMessage{{Role: "user", Content: "hi"}}, nil); err != nil {
			t.Fatalf("chat %d: %v", i, err)
		}
	}

	if handshakes.Load() != 1 {
		t.Errorf("handshake should be cached across calls, got %d", handshakes.Load())
	}
}

func TestToolNameOverride(t *testing.T) {
	var gotTool string
	server, _ := newAgentServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotTool = r.PathValue("tool")
		w.Write([]byte(`{"message": {"role": "assistant", "content": "ok"}}`))
	})

	p, _ := New(Config{ServerURL: server.URL})
	_, err := p.Chat(context.Background(),
		[]domain.ChatMessage{{Role: "user", Content: "hi"}},
		domain.ChatOptions{"tool_name": "search"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotTool != "search" {
		t.Errorf("expected tool override, got %q", gotTool)
	}
}

func TestTopLevelMessagePayload(t *testing.T) {
	server, _ := newAgentServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"role": "assistant", "content": "flat answer"}`))
	})

	p, _ := New(Config{ServerURL: server.URL})
	resp, err := p.Chat(context.Background(), []domain.ChatMessage{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Message.Content != "flat answer" {
		t.Errorf("top-level message fields should parse, got %q", resp.Message.Content)
	}
}

func TestHandshakeFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	p, _ := New(Config{ServerURL: server.URL})
	_, err := p.Chat(context.Background(), []domain.ChatMessage{{Role: "user", Content: "hi"}}, nil)
	if !domain.IsProviderError(err) {
		t.Fatalf("expected a provider error, got %v", err)
	}
	if !strings.Contains(err.Error(), "handshake") {
		t.Errorf("expected handshake context in error, got %v", err)
	}
}

func TestToolFailure(t *testing.T) {
	server, _ := newAgentServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "tool exploded", http.StatusInternalServerError)
	})

	p, _ := New(Config{ServerURL: server.URL})
	_, err := p.Chat(context.Background(), []domain.ChatMessage{{Role: "user", Content: "hi"}}, nil)
	if !domain.IsProviderError(err) {
		t.Errorf("expected a provider error, got %v", err)
	}
}

func TestNewRequiresServerURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected an error without a server URL")
	}
	if _, err := New(Config{ServerURL: "   "}); err == nil {
		t.Error("expected an error for a blank server URL")
	}
}
