// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrel-labs/kestrel/services/llm"
	"github.com/kestrel-labs/kestrel/services/orchestrator/datatypes"
	"github.com/kestrel-labs/kestrel/services/orchestrator/tools"
)

// scriptedClient replays a fixed sequence of assistant replies and records
// every request it sees.
type scriptedClient struct {
	mu       sync.Mutex
	replies  []string
	requests []llm.ChatRequest
}

func (c *scriptedClient) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.requests) > len(c.replies) {
		return nil, fmt.Errorf("scripted client exhausted after %d replies", len(c.replies))
	}
	return &llm.ChatResponse{Content: c.replies[len(c.requests)-1]}, nil
}

func (c *scriptedClient) request(n int) llm.ChatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[n-1]
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// lastUserContent returns the final user message of request n.
func (c *scriptedClient) lastUserContent(n int) string {
	req := c.request(n)
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == datatypes.RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}

type loopFixture struct {
	client   *scriptedClient
	registry *tools.Registry
	cache    *tools.ResultCache
	loop     *ToolCallLoop
}

func newLoopFixture(t *testing.T, replies []string, cfg LoopConfig, policyCfg tools.PolicyConfig) *loopFixture {
	t.Helper()
	client := &scriptedClient{replies: replies}
	registry := tools.NewRegistry()
	policy := tools.NewPolicy(registry, policyCfg)
	cache := tools.NewResultCache(time.Minute, 32)
	return &loopFixture{
		client:   client,
		registry: registry,
		cache:    cache,
		loop:     NewToolCallLoop(client, registry, policy, cache, cfg, nil),
	}
}

func (f *loopFixture) register(t *testing.T, name string, risk tools.Risk, h tools.HandlerFunc) {
	t.Helper()
	if err := f.registry.Register(tools.Definition{
		Name: name, Risk: risk, Handler: h,
		Schema: json.RawMessage(`{"type":"object"}`),
	}); err != nil {
		t.Fatalf("Register(%s): %v", name, err)
	}
}

func envelope(calls ...string) string {
	parts := ""
	for i, c := range calls {
		if i > 0 {
			parts += ","
		}
		parts += c
	}
	return `{"type":"tool_calls","calls":[` + parts + `]}`
}

func userMessages(text string) []datatypes.Message {
	return []datatypes.Message{{Role: datatypes.RoleUser, Content: text}}
}

func TestLoopImmediateFinalText(t *testing.T) {
	f := newLoopFixture(t, []string{"Paris."}, LoopConfig{}, tools.PolicyConfig{})

	result, err := f.loop.Run(context.Background(), "m", userMessages("capital of France?"), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.FinalText != "Paris." {
		t.Errorf("FinalText = %q", result.FinalText)
	}
	if result.Rounds != 0 || result.ProviderCalls != 1 || result.ToolsExecuted {
		t.Errorf("result = %+v, want zero rounds, one call, no tools", result)
	}
}

func TestLoopSeedReplySkipsInitialCall(t *testing.T) {
	f := newLoopFixture(t, nil, LoopConfig{}, tools.PolicyConfig{})

	result, err := f.loop.Run(context.Background(), "m", userMessages("q"), "seeded answer")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.FinalText != "seeded answer" {
		t.Errorf("FinalText = %q", result.FinalText)
	}
	if result.ProviderCalls != 0 {
		t.Errorf("ProviderCalls = %d, want 0", result.ProviderCalls)
	}
}

func TestLoopOneToolRound(t *testing.T) {
	replies := []string{
		envelope(`{"name":"echo","args":{"text":"hi"}}`),
		"the tool said hi",
	}
	f := newLoopFixture(t, replies, LoopConfig{}, tools.PolicyConfig{})
	f.register(t, "echo", tools.RiskReadOnly, func(_ context.Context, args map[string]any) (any, error) {
		return args["text"], nil
	})

	result, err := f.loop.Run(context.Background(), "m", userMessages("q"), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.FinalText != "the tool said hi" {
		t.Errorf("FinalText = %q", result.FinalText)
	}
	if result.Rounds != 1 || result.ProviderCalls != 2 {
		t.Errorf("Rounds/ProviderCalls = %d/%d, want 1/2", result.Rounds, result.ProviderCalls)
	}
	if !result.ToolsExecuted || !result.AnyToolSuccess {
		t.Error("tool execution not reflected in result")
	}

	// The roster rides on every mid-loop call.
	if len(f.client.request(2).Tools) == 0 {
		t.Error("second call lost the tool roster")
	}

	var feedback resultsFeedback
	if err := json.Unmarshal([]byte(f.client.lastUserContent(2)), &feedback); err != nil {
		t.Fatalf("feedback is not valid JSON: %v", err)
	}
	if feedback.Type != "tool_results" || len(feedback.Results) != 1 {
		t.Fatalf("feedback = %+v", feedback)
	}
	if !feedback.Results[0].OK || feedback.Results[0].Result != "hi" {
		t.Errorf("result entry = %+v", feedback.Results[0])
	}
}

func TestLoopMalformedJSONRetry(t *testing.T) {
	t.Run("retry recovers", func(t *testing.T) {
		f := newLoopFixture(t, []string{
			`{"type":"tool_calls","calls":[{"name":`,
			"recovered answer",
		}, LoopConfig{}, tools.PolicyConfig{})

		result, err := f.loop.Run(context.Background(), "m", userMessages("q"), "")
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if result.FinalText != "recovered answer" {
			t.Errorf("FinalText = %q", result.FinalText)
		}
		if result.ProviderCalls != 2 || result.Rounds != 0 {
			t.Errorf("ProviderCalls/Rounds = %d/%d, want 2/0", result.ProviderCalls, result.Rounds)
		}
		if got := f.client.lastUserContent(2); got != strictJSONRetry {
			t.Errorf("retry instruction = %q", got)
		}
	})

	t.Run("second malformed reply returned verbatim", func(t *testing.T) {
		second := `{"still": broken`
		f := newLoopFixture(t, []string{
			`{"also": broken}`,
			second + "}",
		}, LoopConfig{}, tools.PolicyConfig{})

		result, err := f.loop.Run(context.Background(), "m", userMessages("q"), "")
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if result.FinalText != second+"}" {
			t.Errorf("FinalText = %q, want the malformed reply verbatim", result.FinalText)
		}
		if result.ProviderCalls != 2 {
			t.Errorf("ProviderCalls = %d, want 2", result.ProviderCalls)
		}
	})
}

func TestLoopTruncatesOversizedRound(t *testing.T) {
	calls := []string{
		`{"name":"echo","args":{"text":"1"}}`,
		`{"name":"echo","args":{"text":"2"}}`,
		`{"name":"echo","args":{"text":"3"}}`,
	}
	f := newLoopFixture(t, []string{envelope(calls...), "done"},
		LoopConfig{MaxCallsPerRound: 2}, tools.PolicyConfig{})

	var invocations atomic.Int64
	f.register(t, "echo", tools.RiskReadOnly, func(_ context.Context, args map[string]any) (any, error) {
		invocations.Add(1)
		return args["text"], nil
	})

	if _, err := f.loop.Run(context.Background(), "m", userMessages("q"), ""); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if invocations.Load() != 2 {
		t.Errorf("handler invoked %d times, want 2", invocations.Load())
	}

	var feedback resultsFeedback
	if err := json.Unmarshal([]byte(f.client.lastUserContent(2)), &feedback); err != nil {
		t.Fatalf("feedback: %v", err)
	}
	if feedback.Truncated != 1 {
		t.Errorf("Truncated = %d, want 1", feedback.Truncated)
	}
	if len(feedback.Results) != 2 {
		t.Errorf("len(Results) = %d, want 2", len(feedback.Results))
	}
}

func TestLoopExhaustionForcesFinalAnswer(t *testing.T) {
	env := envelope(`{"name":"echo","args":{}}`)
	f := newLoopFixture(t, []string{env, env, "forced answer"},
		LoopConfig{MaxRounds: 1}, tools.PolicyConfig{})
	f.register(t, "echo", tools.RiskReadOnly, func(context.Context, map[string]any) (any, error) {
		return "ok", nil
	})

	result, err := f.loop.Run(context.Background(), "m", userMessages("q"), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Exhausted {
		t.Error("Exhausted = false")
	}
	if result.FinalText != "forced answer" {
		t.Errorf("FinalText = %q", result.FinalText)
	}
	// Initial call, one round, one forced final: MaxRounds+2.
	if result.ProviderCalls != 3 {
		t.Errorf("ProviderCalls = %d, want 3", result.ProviderCalls)
	}

	final := f.client.request(3)
	if len(final.Tools) != 0 {
		t.Error("forced final call still advertises tools")
	}
	if got := f.client.lastUserContent(3); got != exhaustionInstruction {
		t.Errorf("final instruction = %q", got)
	}
}

func TestLoopFeedbackPreservesRequestOrder(t *testing.T) {
	calls := []string{
		`{"name":"slow","args":{}}`,
		`{"name":"fast","args":{}}`,
		`{"name":"writer","args":{}}`,
	}
	f := newLoopFixture(t, []string{envelope(calls...), "done"},
		LoopConfig{ReadOnlyParallelism: 4}, tools.PolicyConfig{AllowHighRisk: true})

	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}
	f.register(t, "slow", tools.RiskReadOnly, func(context.Context, map[string]any) (any, error) {
		time.Sleep(50 * time.Millisecond)
		record("slow")
		return "slow result", nil
	})
	f.register(t, "fast", tools.RiskReadOnly, func(context.Context, map[string]any) (any, error) {
		record("fast")
		return "fast result", nil
	})
	f.register(t, "writer", tools.RiskSideEffecting, func(context.Context, map[string]any) (any, error) {
		record("writer")
		return "written", nil
	})

	if _, err := f.loop.Run(context.Background(), "m", userMessages("q"), ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// fast completes before slow, and writer runs only after both.
	mu.Lock()
	if order[0] != "fast" || order[2] != "writer" {
		t.Errorf("execution order = %v", order)
	}
	mu.Unlock()

	var feedback resultsFeedback
	if err := json.Unmarshal([]byte(f.client.lastUserContent(2)), &feedback); err != nil {
		t.Fatalf("feedback: %v", err)
	}
	want := []string{"slow", "fast", "writer"}
	for i, res := range feedback.Results {
		if res.Name != want[i] {
			t.Errorf("Results[%d].Name = %q, want %q: feedback must keep request order", i, res.Name, want[i])
		}
	}
}

func TestLoopCacheShortCircuitsRepeatCalls(t *testing.T) {
	env := envelope(`{"name":"lookup","args":{"k":"v"}}`)
	f := newLoopFixture(t, []string{env, env, "done"}, LoopConfig{}, tools.PolicyConfig{})

	var invocations atomic.Int64
	f.register(t, "lookup", tools.RiskReadOnly, func(context.Context, map[string]any) (any, error) {
		invocations.Add(1)
		return "cached value", nil
	})

	result, err := f.loop.Run(context.Background(), "m", userMessages("q"), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if invocations.Load() != 1 {
		t.Errorf("handler invoked %d times, want 1: second round must hit the cache", invocations.Load())
	}
	if len(result.Tools) != 2 {
		t.Fatalf("len(Tools) = %d, want 2", len(result.Tools))
	}
	if result.Tools[0].Cached || !result.Tools[1].Cached {
		t.Errorf("Cached flags = %v/%v, want false/true",
			result.Tools[0].Cached, result.Tools[1].Cached)
	}
}

func TestLoopPolicyRejectionWithoutInvocation(t *testing.T) {
	env := envelope(`{"name":"writer","args":{}}`, `{"name":"ghost","args":{}}`)
	f := newLoopFixture(t, []string{env, "done"}, LoopConfig{}, tools.PolicyConfig{})

	var invoked atomic.Bool
	f.register(t, "writer", tools.RiskSideEffecting, func(context.Context, map[string]any) (any, error) {
		invoked.Store(true)
		return "should not happen", nil
	})

	result, err := f.loop.Run(context.Background(), "m", userMessages("q"), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if invoked.Load() {
		t.Error("blocked handler was invoked")
	}
	if result.AnyToolSuccess {
		t.Error("AnyToolSuccess = true with only rejections")
	}
	if result.ToolsExecuted {
		t.Error("ToolsExecuted = true for a round of pure rejections")
	}

	var feedback resultsFeedback
	if err := json.Unmarshal([]byte(f.client.lastUserContent(2)), &feedback); err != nil {
		t.Fatalf("feedback: %v", err)
	}
	for _, res := range feedback.Results {
		if res.OK || res.ErrorClass != tools.FailureValidation {
			t.Errorf("rejection entry = %+v, want validation-classed failure", res)
		}
		if res.Hint == "" {
			t.Errorf("rejection entry %s missing hint", res.Name)
		}
	}
}

func TestLoopStrictRetryDoesNotConsumeRound(t *testing.T) {
	env := envelope(`{"name":"echo","args":{}}`)
	f := newLoopFixture(t, []string{`{"almost":`, env, "done"},
		LoopConfig{MaxRounds: 1}, tools.PolicyConfig{})

	var invocations atomic.Int64
	f.register(t, "echo", tools.RiskReadOnly, func(context.Context, map[string]any) (any, error) {
		invocations.Add(1)
		return "ok", nil
	})

	result, err := f.loop.Run(context.Background(), "m", userMessages("q"), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.FinalText != "done" {
		t.Errorf("FinalText = %q", result.FinalText)
	}
	// The strict retry is separate from the round budget: with MaxRounds 1
	// the tool round after a recovered retry must still run.
	if result.Rounds != 1 || invocations.Load() != 1 {
		t.Errorf("Rounds/invocations = %d/%d, want 1/1", result.Rounds, invocations.Load())
	}
	if result.Exhausted {
		t.Error("Exhausted = true: the retry ate the round budget")
	}
	if result.ProviderCalls != 3 {
		t.Errorf("ProviderCalls = %d, want 3", result.ProviderCalls)
	}
}

func TestLoopToolTimeoutDoesNotBlockRound(t *testing.T) {
	env := envelope(`{"name":"stuck","args":{}}`)
	f := newLoopFixture(t, []string{env, "done"},
		LoopConfig{ToolTimeout: 30 * time.Millisecond}, tools.PolicyConfig{})

	// The handler ignores its context entirely.
	f.register(t, "stuck", tools.RiskReadOnly, func(context.Context, map[string]any) (any, error) {
		time.Sleep(500 * time.Millisecond)
		return "late result", nil
	})

	start := time.Now()
	result, err := f.loop.Run(context.Background(), "m", userMessages("q"), "")
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed > 300*time.Millisecond {
		t.Errorf("round blocked %v waiting out a handler that ignores its context", elapsed)
	}
	if result.Tools[0].Success || result.Tools[0].ErrorType != tools.FailureTimeout {
		t.Errorf("telemetry = %+v, want a timeout-classed failure", result.Tools[0])
	}
	if result.AnyToolSuccess {
		t.Error("AnyToolSuccess = true for a timed-out call")
	}

	var feedback resultsFeedback
	if err := json.Unmarshal([]byte(f.client.lastUserContent(2)), &feedback); err != nil {
		t.Fatalf("feedback: %v", err)
	}
	if feedback.Results[0].OK || feedback.Results[0].ErrorClass != tools.FailureTimeout {
		t.Errorf("feedback entry = %+v, want timeout failure", feedback.Results[0])
	}
}

func TestLoopCachedRoundDoesNotCountAsExecution(t *testing.T) {
	env := envelope(`{"name":"lookup","args":{"k":"v"}}`)
	f := newLoopFixture(t, []string{env, "done"}, LoopConfig{}, tools.PolicyConfig{})
	f.register(t, "lookup", tools.RiskReadOnly, func(context.Context, map[string]any) (any, error) {
		t.Error("handler invoked despite a warm cache")
		return nil, nil
	})
	f.cache.Set("lookup", map[string]any{"k": "v"}, "warm value")

	result, err := f.loop.Run(context.Background(), "m", userMessages("q"), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ToolsExecuted {
		t.Error("ToolsExecuted = true for a round settled entirely by the cache")
	}
	// The cached success still counts as a usable tool result.
	if !result.AnyToolSuccess || !result.Tools[0].Cached {
		t.Errorf("Tools[0] = %+v, want a cached success", result.Tools[0])
	}
}

func TestLoopClassifiesHandlerFailures(t *testing.T) {
	env := envelope(`{"name":"finder","args":{}}`)
	f := newLoopFixture(t, []string{env, "done"}, LoopConfig{}, tools.PolicyConfig{})
	f.register(t, "finder", tools.RiskReadOnly, func(context.Context, map[string]any) (any, error) {
		return nil, fmt.Errorf("lookup: %w", tools.ErrNotFound)
	})

	result, err := f.loop.Run(context.Background(), "m", userMessages("q"), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.ToolsExecuted || result.AnyToolSuccess {
		t.Errorf("ToolsExecuted/AnyToolSuccess = %v/%v, want true/false",
			result.ToolsExecuted, result.AnyToolSuccess)
	}
	if result.Tools[0].ErrorType != tools.FailureNotFound {
		t.Errorf("ErrorType = %q, want not_found", result.Tools[0].ErrorType)
	}

	var feedback resultsFeedback
	if err := json.Unmarshal([]byte(f.client.lastUserContent(2)), &feedback); err != nil {
		t.Fatalf("feedback: %v", err)
	}
	if feedback.Results[0].OK || feedback.Results[0].ErrorClass != tools.FailureNotFound {
		t.Errorf("feedback entry = %+v", feedback.Results[0])
	}
}

func TestLoopCapsVerboseResults(t *testing.T) {
	env := envelope(`{"name":"verbose","args":{}}`)
	f := newLoopFixture(t, []string{env, "done"},
		LoopConfig{ResultCharCap: 100}, tools.PolicyConfig{})
	f.register(t, "verbose", tools.RiskReadOnly, func(context.Context, map[string]any) (any, error) {
		out := make([]byte, 5000)
		for i := range out {
			out[i] = 'x'
		}
		return string(out), nil
	})

	if _, err := f.loop.Run(context.Background(), "m", userMessages("q"), ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var feedback resultsFeedback
	if err := json.Unmarshal([]byte(f.client.lastUserContent(2)), &feedback); err != nil {
		t.Fatalf("feedback: %v", err)
	}
	res := feedback.Results[0].Result
	if len(res) > 100+len("…(truncated)") {
		t.Errorf("result length = %d, want capped near 100", len(res))
	}
}

func TestLoopProviderErrorPropagates(t *testing.T) {
	f := newLoopFixture(t, nil, LoopConfig{}, tools.PolicyConfig{})

	_, err := f.loop.Run(context.Background(), "m", userMessages("q"), "")
	if err == nil {
		t.Fatal("expected the provider error to propagate")
	}
	if !strings.Contains(err.Error(), "provider call failed") {
		t.Errorf("error = %v, want the wrapped provider failure", err)
	}
}
