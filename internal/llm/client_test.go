package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{Provider: "openai"}); err == nil {
		t.Error("missing API key accepted")
	}
	if _, err := New(Config{Provider: "watson", APIKey: "k"}); err == nil {
		t.Error("unknown provider accepted")
	}
	if _, err := New(Config{Provider: "anthropic", APIKey: "k"}); err != nil {
		t.Errorf("anthropic: %v", err)
	}
	if _, err := New(Config{APIKey: "k"}); err != nil {
		t.Errorf("default provider: %v", err)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("status code 429: rate limit"), true},
		{errors.New("503 service unavailable"), true},
		{errors.New("read tcp: connection reset by peer"), true},
		{errors.New("status code 401: invalid api key"), false},
		{errors.New("status code 400: bad request"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := retryable(tt.err); got != tt.want {
			t.Errorf("retryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestOpenAIComplete(t *testing.T) {
	var gotModel string
	var gotTemp float64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		gotModel, _ = body["model"].(string)
		gotTemp, _ = body["temperature"].(float64)

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": `{"intent":"action"}`}},
			},
		})
	}))
	defer ts.Close()

	client := newOpenAIClient(Config{
		APIKey:     "test",
		Model:      "gpt-4o",
		BaseURL:    ts.URL + "/v1",
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	})

	text, err := client.Complete(context.Background(), &Request{
		System:      "You route intents.",
		Messages:    []Message{{Role: "user", Content: "schedule a meeting"}},
		Temperature: 0.1,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != `{"intent":"action"}` {
		t.Errorf("text = %q", text)
	}
	if gotModel != "gpt-4o" {
		t.Errorf("model = %q", gotModel)
	}
	if gotTemp < 0.09 || gotTemp > 0.11 {
		t.Errorf("temperature = %v, want 0.1", gotTemp)
	}
}

func TestOpenAICompleteRetries(t *testing.T) {
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "ok"}},
			},
		})
	}))
	defer ts.Close()

	client := newOpenAIClient(Config{
		APIKey:     "test",
		BaseURL:    ts.URL + "/v1",
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	})

	text, err := client.Complete(context.Background(), &Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "ok" {
		t.Errorf("text = %q", text)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestAnthropicComplete(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "msg_1",
			"type":  "message",
			"role":  "assistant",
			"model": "claude-sonnet-4-20250514",
			"content": []map[string]any{
				{"type": "text", "text": "All set."},
			},
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 10, "output_tokens": 3},
		})
	}))
	defer ts.Close()

	client := newAnthropicClient(Config{
		APIKey:     "test",
		BaseURL:    ts.URL,
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	})

	text, err := client.Complete(context.Background(), &Request{
		System:   "Reply briefly.",
		Messages: []Message{{Role: "user", Content: "done?"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "All set." {
		t.Errorf("text = %q", text)
	}
}
