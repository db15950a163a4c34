package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"sentinel-ai/logger"
)

const toolCallBody = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1716200000,
  "model": "llama-3.3-70b-versatile",
  "choices": [{
    "index": 0,
    "message": {
      "role": "assistant",
      "content": null,
      "tool_calls": [{
        "id": "call_db",
        "type": "function",
        "function": {"name": "check_database_health", "arguments": "{}"}
      }]
    },
    "finish_reason": "tool_calls"
  }],
  "usage": {"prompt_tokens": 120, "completion_tokens": 18, "total_tokens": 138}
}`

func newTestClient(t *testing.T, url string, retries int) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:    url,
		APIKey:     "test-key",
		MaxRetries: retries,
		RetryBase:  time.Millisecond,
	}, logger.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNewClient_MissingAPIKey(t *testing.T) {
	_, err := NewClient(Config{APIKey: "  "}, logger.Nop())
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("err = %v, want ErrMissingAPIKey", err)
	}
}

func TestComplete_ToolCallRoundTrip(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s, want /chat/completions", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Authorization = %q", auth)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("request is not JSON: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, toolCallBody)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	resp, err := c.Complete(context.Background(), Request{
		Messages: []Message{
			{Role: RoleSystem, Content: "be an SRE"},
			{Role: RoleUser, Content: "logs"},
		},
		Tools: []ToolDef{{
			Name:        "check_database_health",
			Description: "db probe",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		}},
		ToolChoice: "auto",
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if got["model"] != DefaultModel {
		t.Errorf("model = %v, want %s", got["model"], DefaultModel)
	}
	if got["tool_choice"] != "auto" {
		t.Errorf("tool_choice = %v, want auto", got["tool_choice"])
	}
	tools, _ := got["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("tools = %v, want 1 entry", got["tools"])
	}
	fn := tools[0].(map[string]any)["function"].(map[string]any)
	if fn["name"] != "check_database_health" {
		t.Errorf("tool name = %v", fn["name"])
	}
	msgs, _ := got["messages"].([]any)
	if len(msgs) != 2 || msgs[0].(map[string]any)["role"] != "system" {
		t.Errorf("messages = %v", got["messages"])
	}

	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish_reason = %q", resp.FinishReason)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.Message.ToolCalls))
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "call_db" || tc.Name != "check_database_health" || tc.Arguments != "{}" {
		t.Errorf("tool call = %+v", tc)
	}
	if resp.Usage.InputTokens != 120 || resp.Usage.OutputTokens != 18 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestComplete_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, `{"error":{"message":"over capacity","type":"server_error"}}`)
			return
		}
		io.WriteString(w, toolCallBody)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)
	if _, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
}

func TestComplete_NoRetryByDefault(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, `{"error":{"message":"upstream down"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	_, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadGateway {
		t.Fatalf("err = %v, want StatusError 502", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestComplete_UnauthorizedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"Invalid API Key","type":"invalid_request_error","code":"invalid_api_key"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3)
	_, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", &StatusError{StatusCode: 429}, true},
		{"server error", &StatusError{StatusCode: 500}, true},
		{"bad request", &StatusError{StatusCode: 400}, false},
		{"unauthorized", ErrUnauthorized, false},
		{"deadline", context.DeadlineExceeded, false},
		{"network", errors.New("connection reset by peer"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransient(tt.err); got != tt.want {
				t.Errorf("isTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestComplete_TemperatureSentOnlyWhenSet(t *testing.T) {
	zero, warm := float32(0), float32(0.7)
	tests := []struct {
		name    string
		temp    *float32
		present bool
	}{
		{"unset", nil, false},
		{"explicit zero", &zero, true},
		{"explicit value", &warm, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got map[string]any
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				json.Unmarshal(body, &got)
				w.Header().Set("Content-Type", "application/json")
				io.WriteString(w, toolCallBody)
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL, 0)
			_, err := c.Complete(context.Background(), Request{
				Messages:    []Message{{Role: RoleUser, Content: "logs"}},
				Temperature: tt.temp,
			})
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			v, ok := got["temperature"]
			if ok != tt.present {
				t.Fatalf("temperature present = %v, want %v (body %v)", ok, tt.present, got)
			}
			if !ok {
				return
			}
			f, _ := v.(float64)
			if diff := f - float64(*tt.temp); diff > 1e-6 || diff < -1e-6 {
				t.Errorf("temperature = %v, want %v", f, *tt.temp)
			}
		})
	}
}
