package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kestrel-labs/kestrel/services/orchestrator/datatypes"
	"github.com/kestrel-labs/kestrel/services/orchestrator/observability"
)

var tracer = otel.Tracer("kestrel.llm.provider")

// jsonOnlyInstruction is injected on the compatibility retry after a backend
// rejects the structured-JSON response mode.
const jsonOnlyInstruction = "You must respond with a single valid JSON object and nothing else. " +
	"No prose, no code fences, no explanations outside the JSON."

// ProviderConfig configures the provider client.
type ProviderConfig struct {
	// BaseURL points at any OpenAI-compatible chat-completions backend.
	// Empty uses the SDK default.
	BaseURL string

	// APIKey authenticates against the backend. May be empty for local
	// backends.
	APIKey string

	// MaxRetries is the number of additional attempts after the first
	// (default: 2). Exponential backoff: RetryBaseDelay * 2^attempt.
	MaxRetries int

	// RetryBaseDelay is the backoff base (default: 500ms).
	RetryBaseDelay time.Duration

	// RequestTimeout bounds each individual attempt (default: 60s).
	RequestTimeout time.Duration
}

// DefaultProviderConfig returns sensible defaults.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		MaxRetries:     2,
		RetryBaseDelay: 500 * time.Millisecond,
		RequestTimeout: 60 * time.Second,
	}
}

// ProviderClient is the circuit-breaker-protected chat client.
//
// Description:
//
//	Every Chat call passes through the shared breaker: while open, calls
//	fail immediately with ErrCircuitOpen and no network attempt. Otherwise
//	the call normalizes roles, executes with retry/backoff, and records the
//	outcome into the breaker and the health tracker. Model-validation
//	errors (HTTP 400 with a model/validation signature) fail fast without
//	retry and leave the breaker counters untouched. A backend rejecting the
//	structured-JSON response mode triggers exactly one compatibility retry
//	within the same call: the response_format flag is dropped and a
//	strengthened JSON-only instruction is injected instead.
//
// Thread Safety: Safe for concurrent use; all callers share one breaker.
type ProviderClient struct {
	cfg     ProviderConfig
	api     *openai.Client
	breaker *CircuitBreaker
	health  OutcomeRecorder
	logger  *slog.Logger
}

// NewProviderClient creates a provider client.
//
// Inputs:
//
//	cfg - Provider configuration; zero fields get defaults.
//	breaker - Shared breaker. Nil creates a default one.
//	health - Outcome recorder. Nil disables health recording.
//	logger - Structured logger. Nil uses slog.Default.
func NewProviderClient(cfg ProviderConfig, breaker *CircuitBreaker, health OutcomeRecorder, logger *slog.Logger) *ProviderClient {
	def := DefaultProviderConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if breaker == nil {
		breaker = NewCircuitBreaker(DefaultCircuitBreakerConfig())
	}
	if health == nil {
		health = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}

	return &ProviderClient{
		cfg:     cfg,
		api:     openai.NewClientWithConfig(apiCfg),
		breaker: breaker,
		health:  health,
		logger:  logger,
	}
}

// Breaker exposes the shared breaker for observability and tests.
func (p *ProviderClient) Breaker() *CircuitBreaker {
	return p.breaker
}

// Chat implements ChatClient.
func (p *ProviderClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	ctx, span := tracer.Start(ctx, "ProviderClient.Chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.num_messages", len(req.Messages)),
		attribute.Bool("llm.json_mode", req.JSONMode),
	)

	if !p.breaker.Allow() {
		span.SetStatus(codes.Error, ErrCircuitOpen.Error())
		p.logger.Warn("provider call rejected by open circuit", "model", req.Model)
		recordCallMetric(req.Model, "breaker_open")
		return nil, ErrCircuitOpen
	}

	started := time.Now()
	resp, err := p.chatWithRetry(ctx, req)
	latency := time.Since(started)

	switch {
	case err == nil:
		p.breaker.RecordSuccess()
		p.health.RecordOutcome(req.Model, true, latency)
		recordCallMetric(req.Model, "success")
		resp.Latency = latency
		return resp, nil

	case IsModelValidationError(err):
		// Fail fast; a caller bug says nothing about backend health, so the
		// breaker counters stay untouched.
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Error("provider rejected request as invalid", "model", req.Model, "error", err)
		recordCallMetric(req.Model, "error")
		return nil, err

	default:
		p.breaker.RecordFailure()
		p.health.RecordOutcome(req.Model, false, latency)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Error("provider call failed", "model", req.Model, "error", err)
		recordCallMetric(req.Model, "error")
		return nil, err
	}
}

// recordCallMetric counts one provider round trip when metrics are
// initialized.
func recordCallMetric(model, status string) {
	if m := observability.DefaultMetrics; m != nil {
		m.ProviderCallsTotal.WithLabelValues(model, status).Inc()
	}
}

// chatWithRetry runs the attempt loop: up to MaxRetries additional attempts
// with exponential backoff, a fail-fast path for validation errors, and the
// one-shot JSON-mode compatibility retry.
func (p *ProviderClient) chatWithRetry(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	messages := NormalizeMessages(req.Messages)
	jsonMode := req.JSONMode
	jsonRetryUsed := false

	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.cfg.RetryBaseDelay * time.Duration(1<<(attempt-1))
			p.logger.Debug("retrying provider call",
				"model", req.Model, "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
		resp, err := p.attempt(attemptCtx, req, messages, jsonMode)
		cancel()

		if err == nil {
			return resp, nil
		}
		lastErr = err

		if jsonMode && !jsonRetryUsed && IsJSONModeRejection(err) {
			// Compatibility retry: drop the structured-mode flag, strengthen
			// the instruction, and go again immediately within this call.
			jsonMode = false
			jsonRetryUsed = true
			messages = append([]datatypes.Message{{
				Role:    datatypes.RoleSystem,
				Content: jsonOnlyInstruction,
			}}, messages...)
			messages = NormalizeMessages(messages)
			attempt--
			continue
		}
		if IsModelValidationError(err) {
			return nil, err
		}
		if !IsTransient(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("llm: retries exhausted after %d attempts: %w",
		p.cfg.MaxRetries+1, lastErr)
}

// attempt performs one wire call.
func (p *ProviderClient) attempt(ctx context.Context, req ChatRequest, messages []datatypes.Message, jsonMode bool) (*ChatResponse, error) {
	wireReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    toWireMessages(messages),
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		wireReq.MaxCompletionTokens = req.MaxTokens
	}
	if jsonMode {
		wireReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	for _, tool := range req.Tools {
		wireReq.Tools = append(wireReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	resp, err := p.api.CreateChatCompletion(ctx, wireReq)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}

	choice := resp.Choices[0]
	out := &ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
	}

	// Backends with native tool calling surface them structurally. They are
	// re-serialized into the in-band envelope so downstream logic has a
	// single code path.
	if len(choice.Message.ToolCalls) > 0 {
		envelope, err := envelopeFromNativeCalls(choice.Message.ToolCalls)
		if err != nil {
			return nil, err
		}
		out.Content = envelope
		out.NativeToolCalls = true
	}
	return out, nil
}

// toWireMessages converts normalized messages into the SDK shape. Messages
// carrying images become multi-part content.
func toWireMessages(messages []datatypes.Message) []openai.ChatCompletionMessage {
	wire := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		m := openai.ChatCompletionMessage{Role: msg.Role}
		if len(msg.Images) == 0 {
			m.Content = msg.Content
			wire = append(wire, m)
			continue
		}
		parts := make([]openai.ChatMessagePart, 0, len(msg.Images)+1)
		if msg.Content != "" {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: msg.Content,
			})
		}
		for _, img := range msg.Images {
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: img.URL},
			})
		}
		m.MultiContent = parts
		wire = append(wire, m)
	}
	return wire
}

// envelopeFromNativeCalls re-serializes native tool calls into the in-band
// JSON envelope format.
func envelopeFromNativeCalls(calls []openai.ToolCall) (string, error) {
	type envelopeCall struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"args"`
	}
	type envelope struct {
		Type  string         `json:"type"`
		Calls []envelopeCall `json:"calls"`
	}

	env := envelope{Type: "tool_calls"}
	for _, call := range calls {
		args := json.RawMessage(call.Function.Arguments)
		if !json.Valid(args) {
			quoted, err := json.Marshal(call.Function.Arguments)
			if err != nil {
				return "", fmt.Errorf("llm: unserializable tool arguments: %w", err)
			}
			args = quoted
		}
		env.Calls = append(env.Calls, envelopeCall{Name: call.Function.Name, Args: args})
	}

	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("llm: failed to serialize tool-call envelope: %w", err)
	}
	return string(data), nil
}
