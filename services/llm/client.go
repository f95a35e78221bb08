// Package llm provides the provider-facing chat client: wire types, role
// normalization, retry/backoff, and circuit-breaker protection for calls to
// an OpenAI-compatible chat-completions backend.
package llm

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kestrel-labs/kestrel/services/orchestrator/datatypes"
)

// ToolSpec describes one tool advertised to the model. Parameters is a JSON
// schema object passed through verbatim.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ChatRequest is one chat-completion call.
type ChatRequest struct {
	Model       string
	Messages    []datatypes.Message
	Temperature float32
	MaxTokens   int

	// JSONMode requests a structured-JSON response format. Backends that
	// reject it trigger a one-shot compatibility retry without it.
	JSONMode bool

	// Tools, when non-empty, are advertised to the backend. Native tool
	// calls in the response are re-serialized into the in-band envelope so
	// downstream logic has a single code path.
	Tools []ToolSpec
}

// ChatResponse is the normalized result of a chat-completion call.
type ChatResponse struct {
	Content      string
	FinishReason string
	Latency      time.Duration

	// NativeToolCalls is true when Content was re-serialized from the
	// backend's native tool_calls rather than emitted as text.
	NativeToolCalls bool
}

// ChatClient is the interface the orchestration runtime calls for every
// model round trip.
type ChatClient interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// OutcomeRecorder receives the health outcome of every completed provider
// call. Implemented by the model health tracker.
type OutcomeRecorder interface {
	RecordOutcome(model string, success bool, latency time.Duration)
}

// nopRecorder is used when no health tracker is wired.
type nopRecorder struct{}

func (nopRecorder) RecordOutcome(string, bool, time.Duration) {}
