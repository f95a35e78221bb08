package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kestrel-labs/kestrel/services/orchestrator/datatypes"
	"github.com/kestrel-labs/kestrel/services/orchestrator/observability"
)

// fakeBackend is an OpenAI-compatible chat-completions stub. It records each
// decoded request body and answers via the respond callback, keyed by the
// 1-based request number.
type fakeBackend struct {
	t       *testing.T
	respond func(n int, w http.ResponseWriter)

	mu       sync.Mutex
	requests []map[string]any
}

func (f *fakeBackend) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			f.t.Errorf("backend received undecodable body: %v", err)
		}
		f.mu.Lock()
		f.requests = append(f.requests, body)
		n := len(f.requests)
		f.mu.Unlock()
		f.respond(n, w)
	}
}

func (f *fakeBackend) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeBackend) request(n int) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[n-1]
}

func writeCompletion(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"id":     "cmpl-1",
		"object": "chat.completion",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
	})
}

func writeAPIError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": message, "type": "invalid_request_error"},
	})
}

type recordedOutcome struct {
	model   string
	success bool
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []recordedOutcome
}

func (r *fakeRecorder) RecordOutcome(model string, success bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, recordedOutcome{model, success})
}

func newTestClient(t *testing.T, backend *fakeBackend, breaker *CircuitBreaker, health OutcomeRecorder) (*ProviderClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(backend.handler())
	t.Cleanup(server.Close)

	client := NewProviderClient(ProviderConfig{
		BaseURL:        server.URL + "/v1",
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
		RequestTimeout: 5 * time.Second,
	}, breaker, health, nil)
	return client, server
}

func TestProviderChatSuccess(t *testing.T) {
	backend := &fakeBackend{t: t, respond: func(n int, w http.ResponseWriter) {
		writeCompletion(w, "hello there")
	}}
	recorder := &fakeRecorder{}
	client, _ := newTestClient(t, backend, nil, recorder)

	resp, err := client.Chat(context.Background(), ChatRequest{
		Model:    "test-model",
		Messages: []datatypes.Message{{Role: datatypes.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Content != "hello there" {
		t.Errorf("Content = %q", resp.Content)
	}
	if backend.count() != 1 {
		t.Errorf("backend saw %d requests, want 1", backend.count())
	}
	if len(recorder.outcomes) != 1 || !recorder.outcomes[0].success {
		t.Errorf("health outcomes = %+v, want one success", recorder.outcomes)
	}
}

func TestProviderChatBreakerOpenNoNetworkAttempt(t *testing.T) {
	backend := &fakeBackend{t: t, respond: func(n int, w http.ResponseWriter) {
		writeCompletion(w, "unreachable")
	}}
	breaker := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	breaker.RecordFailure()
	client, _ := newTestClient(t, backend, breaker, nil)

	_, err := client.Chat(context.Background(), ChatRequest{
		Model:    "test-model",
		Messages: []datatypes.Message{{Role: datatypes.RoleUser, Content: "hi"}},
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("error = %v, want ErrCircuitOpen", err)
	}
	if backend.count() != 0 {
		t.Errorf("backend saw %d requests while open, want 0", backend.count())
	}
}

func TestProviderChatValidationFailsFast(t *testing.T) {
	backend := &fakeBackend{t: t, respond: func(n int, w http.ResponseWriter) {
		writeAPIError(w, http.StatusBadRequest, "model 'nope' not found")
	}}
	breaker := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 5, ResetTimeout: time.Hour})
	recorder := &fakeRecorder{}
	client, _ := newTestClient(t, backend, breaker, recorder)

	_, err := client.Chat(context.Background(), ChatRequest{
		Model:    "nope",
		Messages: []datatypes.Message{{Role: datatypes.RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if backend.count() != 1 {
		t.Errorf("backend saw %d requests, want 1 (no retry on validation)", backend.count())
	}
	if stats := breaker.Stats(); stats.CurrentFailures != 0 {
		t.Errorf("breaker CurrentFailures = %d, want 0: caller bugs are not backend failures",
			stats.CurrentFailures)
	}
	if len(recorder.outcomes) != 0 {
		t.Errorf("health outcomes = %+v, want none for validation errors", recorder.outcomes)
	}
}

func TestProviderChatJSONModeCompatibilityRetry(t *testing.T) {
	backend := &fakeBackend{t: t, respond: func(n int, w http.ResponseWriter) {
		if n == 1 {
			writeAPIError(w, http.StatusBadRequest, "response_format is not supported")
			return
		}
		writeCompletion(w, `{"ok":true}`)
	}}
	client, _ := newTestClient(t, backend, nil, nil)

	resp, err := client.Chat(context.Background(), ChatRequest{
		Model:    "test-model",
		JSONMode: true,
		Messages: []datatypes.Message{{Role: datatypes.RoleUser, Content: "give me json"}},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Content != `{"ok":true}` {
		t.Errorf("Content = %q", resp.Content)
	}
	if backend.count() != 2 {
		t.Fatalf("backend saw %d requests, want 2", backend.count())
	}

	first := backend.request(1)
	if _, ok := first["response_format"]; !ok {
		t.Error("first request missing response_format")
	}
	second := backend.request(2)
	if _, ok := second["response_format"]; ok {
		t.Error("compatibility retry still carries response_format")
	}
	msgs, _ := second["messages"].([]any)
	if len(msgs) == 0 {
		t.Fatal("retry request has no messages")
	}
	head, _ := msgs[0].(map[string]any)
	content, _ := head["content"].(string)
	if head["role"] != "system" || !strings.Contains(content, "single valid JSON object") {
		t.Errorf("retry must lead with the JSON-only instruction, got %+v", head)
	}
}

func TestProviderChatRetriesTransientFailure(t *testing.T) {
	backend := &fakeBackend{t: t, respond: func(n int, w http.ResponseWriter) {
		if n == 1 {
			writeAPIError(w, http.StatusServiceUnavailable, "overloaded")
			return
		}
		writeCompletion(w, "second try")
	}}
	breaker := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 5, ResetTimeout: time.Hour})
	client, _ := newTestClient(t, backend, breaker, nil)

	resp, err := client.Chat(context.Background(), ChatRequest{
		Model:    "test-model",
		Messages: []datatypes.Message{{Role: datatypes.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Content != "second try" {
		t.Errorf("Content = %q", resp.Content)
	}
	if backend.count() != 2 {
		t.Errorf("backend saw %d requests, want 2", backend.count())
	}
	// The call as a whole succeeded, so the breaker streak is clean.
	if stats := breaker.Stats(); stats.CurrentFailures != 0 {
		t.Errorf("breaker CurrentFailures = %d, want 0", stats.CurrentFailures)
	}
}

func TestProviderChatRetriesExhausted(t *testing.T) {
	backend := &fakeBackend{t: t, respond: func(n int, w http.ResponseWriter) {
		writeAPIError(w, http.StatusInternalServerError, "boom")
	}}
	breaker := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 5, ResetTimeout: time.Hour})
	recorder := &fakeRecorder{}
	client, _ := newTestClient(t, backend, breaker, recorder)

	_, err := client.Chat(context.Background(), ChatRequest{
		Model:    "test-model",
		Messages: []datatypes.Message{{Role: datatypes.RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if backend.count() != 3 {
		t.Errorf("backend saw %d requests, want 3 (initial + 2 retries)", backend.count())
	}
	if stats := breaker.Stats(); stats.CurrentFailures != 1 {
		t.Errorf("breaker CurrentFailures = %d, want 1 (one failure per Chat call)",
			stats.CurrentFailures)
	}
	if len(recorder.outcomes) != 1 || recorder.outcomes[0].success {
		t.Errorf("health outcomes = %+v, want one failure", recorder.outcomes)
	}
}

func TestProviderChatNativeToolCallsBecomeEnvelope(t *testing.T) {
	backend := &fakeBackend{t: t, respond: func(n int, w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "cmpl-1",
			"object": "chat.completion",
			"choices": []map[string]any{{
				"index": 0,
				"message": map[string]any{
					"role": "assistant",
					"tool_calls": []map[string]any{{
						"id":   "call_1",
						"type": "function",
						"function": map[string]any{
							"name":      "fetch_url",
							"arguments": `{"url":"https://example.com"}`,
						},
					}},
				},
				"finish_reason": "tool_calls",
			}},
		})
	}}
	client, _ := newTestClient(t, backend, nil, nil)

	resp, err := client.Chat(context.Background(), ChatRequest{
		Model:    "test-model",
		Messages: []datatypes.Message{{Role: datatypes.RoleUser, Content: "fetch it"}},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if !resp.NativeToolCalls {
		t.Error("NativeToolCalls = false, want true")
	}

	var env struct {
		Type  string `json:"type"`
		Calls []struct {
			Name string          `json:"name"`
			Args json.RawMessage `json:"args"`
		} `json:"calls"`
	}
	if err := json.Unmarshal([]byte(resp.Content), &env); err != nil {
		t.Fatalf("Content is not a valid envelope: %v", err)
	}
	if env.Type != "tool_calls" || len(env.Calls) != 1 || env.Calls[0].Name != "fetch_url" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestProviderChatEmptyChoices(t *testing.T) {
	backend := &fakeBackend{t: t, respond: func(n int, w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id": "cmpl-1", "object": "chat.completion", "choices": []any{},
		})
	}}
	client, _ := newTestClient(t, backend, nil, nil)

	_, err := client.Chat(context.Background(), ChatRequest{
		Model:    "test-model",
		Messages: []datatypes.Message{{Role: datatypes.RoleUser, Content: "hi"}},
	})
	if !errors.Is(err, ErrNoChoices) {
		t.Errorf("error = %v, want ErrNoChoices", err)
	}
}

// testMetrics initializes the shared metrics registry once per test binary.
func testMetrics() *observability.TurnMetrics {
	if observability.DefaultMetrics == nil {
		observability.InitMetrics()
	}
	return observability.DefaultMetrics
}

func TestProviderChatRecordsCallMetrics(t *testing.T) {
	m := testMetrics()
	success := m.ProviderCallsTotal.WithLabelValues("metrics-model", "success")
	errored := m.ProviderCallsTotal.WithLabelValues("metrics-model", "error")
	rejected := m.ProviderCallsTotal.WithLabelValues("metrics-model", "breaker_open")
	successBefore := testutil.ToFloat64(success)
	erroredBefore := testutil.ToFloat64(errored)
	rejectedBefore := testutil.ToFloat64(rejected)

	backend := &fakeBackend{t: t, respond: func(n int, w http.ResponseWriter) {
		if n == 1 {
			writeCompletion(w, "ok")
			return
		}
		writeAPIError(w, http.StatusServiceUnavailable, "backend down")
	}}
	breaker := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	client, _ := newTestClient(t, backend, breaker, nil)

	req := ChatRequest{
		Model:    "metrics-model",
		Messages: []datatypes.Message{{Role: datatypes.RoleUser, Content: "hi"}},
	}
	if _, err := client.Chat(context.Background(), req); err != nil {
		t.Fatalf("first Chat: %v", err)
	}
	if _, err := client.Chat(context.Background(), req); err == nil {
		t.Fatal("second Chat should fail and trip the breaker")
	}
	if _, err := client.Chat(context.Background(), req); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("third Chat error = %v, want ErrCircuitOpen", err)
	}

	if got := testutil.ToFloat64(success) - successBefore; got != 1 {
		t.Errorf("success calls delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(errored) - erroredBefore; got != 1 {
		t.Errorf("error calls delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(rejected) - rejectedBefore; got != 1 {
		t.Errorf("breaker_open calls delta = %v, want 1", got)
	}
}
