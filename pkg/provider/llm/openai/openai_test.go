package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/MrWong99/leadvox/pkg/provider/llm"
)

func TestConvertMessage_Roles(t *testing.T) {
	t.Parallel()
	for _, role := range []string{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant} {
		param, err := convertMessage(llm.Message{Role: role, Content: "hello"})
		if err != nil {
			t.Fatalf("%s: %v", role, err)
		}
		switch role {
		case llm.RoleSystem:
			if param.OfSystem == nil {
				t.Error("system: OfSystem not set")
			}
		case llm.RoleUser:
			if param.OfUser == nil {
				t.Error("user: OfUser not set")
			}
		case llm.RoleAssistant:
			if param.OfAssistant == nil {
				t.Error("assistant: OfAssistant not set")
			}
		}
	}
}

func TestConvertMessage_UnknownRole(t *testing.T) {
	t.Parallel()
	if _, err := convertMessage(llm.Message{Role: "tool", Content: "x"}); err == nil {
		t.Fatal("expected error for unsupported role")
	}
}

func TestModelCapabilities(t *testing.T) {
	t.Parallel()
	tests := []struct {
		model    string
		window   int
		jsonMode bool
	}{
		{"gpt-4o-mini", 128_000, true},
		{"GPT-4o-2024-08-06", 128_000, true},
		{"gpt-4", 8_192, false},
		{"gpt-3.5-turbo", 16_385, true},
		{"o1-mini", 128_000, false},
		{"my-custom-model", 128_000, true},
	}
	for _, tc := range tests {
		caps := modelCapabilities(tc.model)
		if caps.ContextWindow != tc.window {
			t.Errorf("%s: ContextWindow = %d, want %d", tc.model, caps.ContextWindow, tc.window)
		}
		if caps.SupportsJSONMode != tc.jsonMode {
			t.Errorf("%s: SupportsJSONMode = %v, want %v", tc.model, caps.SupportsJSONMode, tc.jsonMode)
		}
		if caps.MaxOutputTokens <= 0 {
			t.Errorf("%s: MaxOutputTokens = %d", tc.model, caps.MaxOutputTokens)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
}

// fakeChat serves /chat/completions and records the decoded request bodies.
type fakeChat struct {
	mu     sync.Mutex
	bodies []map[string]any
	status int
	reply  string
}

func (f *fakeChat) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)
	f.mu.Lock()
	f.bodies = append(f.bodies, body)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if f.status != 0 {
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
		return
	}
	resp := map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 0,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": f.reply},
		}},
		"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 7, "total_tokens": 19},
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func TestComplete_JSONModeRoundTrip(t *testing.T) {
	t.Parallel()
	fake := &fakeChat{reply: `{"utterance":"Great, what's your budget?"}`}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		SystemPrompt: "You qualify real estate leads.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "I'm looking to buy in Oakland."}},
		MaxTokens:    120,
		JSONMode:     true,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != fake.reply {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 19 {
		t.Errorf("TotalTokens = %d, want 19", resp.Usage.TotalTokens)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.bodies) != 1 {
		t.Fatalf("requests = %d, want 1", len(fake.bodies))
	}
	body := fake.bodies[0]
	rf, _ := body["response_format"].(map[string]any)
	if rf["type"] != "json_object" {
		t.Errorf("response_format = %v, want json_object", body["response_format"])
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Errorf("messages = %d, want system + user", len(msgs))
	}
	if body["max_completion_tokens"] != float64(120) {
		t.Errorf("max_completion_tokens = %v", body["max_completion_tokens"])
	}
}

func TestComplete_ServerError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(&fakeChat{status: http.StatusServiceUnavailable})
	defer srv.Close()

	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error for 503 response")
	}
}

func TestComplete_NoMessages(t *testing.T) {
	t.Parallel()
	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL("http://127.0.0.1:1/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Complete(context.Background(), llm.CompletionRequest{}); err == nil {
		t.Fatal("expected error for empty request")
	}
}

func TestComplete_ContextCancelled(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(&fakeChat{reply: "{}"})
	defer srv.Close()
	p, _ := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
