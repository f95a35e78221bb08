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
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kestrel-labs/kestrel/services/llm"
	"github.com/kestrel-labs/kestrel/services/orchestrator/datatypes"
	"github.com/kestrel-labs/kestrel/services/orchestrator/tools"
)

// LoopConfig bounds the tool-call loop.
type LoopConfig struct {
	// MaxRounds is the number of tool-executing rounds before the loop
	// forces a final answer (default 4).
	MaxRounds int

	// MaxCallsPerRound truncates oversized envelopes (default 5). Truncated
	// calls are reported back to the model, not silently dropped.
	MaxCallsPerRound int

	// ToolTimeout bounds each handler invocation (default 10s).
	ToolTimeout time.Duration

	// ReadOnlyParallelism bounds concurrent read-only executions within one
	// round (default 4). Side-effecting calls always run sequentially after
	// the read-only batch.
	ReadOnlyParallelism int64

	// ResultCharCap truncates each serialized success result in feedback
	// (default 4000).
	ResultCharCap int

	// Temperature and MaxTokens are passed through on every provider call.
	Temperature float32
	MaxTokens   int
}

// DefaultLoopConfig returns the standard bounds.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxRounds:           4,
		MaxCallsPerRound:    5,
		ToolTimeout:         10 * time.Second,
		ReadOnlyParallelism: 4,
		ResultCharCap:       4000,
	}
}

// LoopResult is one completed loop run.
type LoopResult struct {
	FinalText     string
	Rounds        int
	ProviderCalls int

	ToolsExecuted  bool
	AnyToolSuccess bool
	Tools          []datatypes.ToolTelemetry

	// Exhausted is true when the round budget ran out while the model was
	// still asking for tools and the final answer was forced.
	Exhausted bool
}

// toolResult is one executed (or rejected) call reported back to the model.
type toolResult struct {
	Name       string `json:"name"`
	OK         bool   `json:"ok"`
	Result     string `json:"result,omitempty"`
	ErrorClass string `json:"error_class,omitempty"`
	Hint       string `json:"hint,omitempty"`
}

// resultsFeedback is the in-band message carrying a round's results.
type resultsFeedback struct {
	Type      string       `json:"type"`
	Results   []toolResult `json:"results"`
	Truncated int          `json:"truncated_calls,omitempty"`
}

// strictJSONRetry is appended when a reply looked like JSON but failed to
// parse, before the single retry call.
const strictJSONRetry = "Your previous reply was not valid JSON. Reply with " +
	`either a single valid {"type":"tool_calls","calls":[...]} object or ` +
	"plain text. Do not mix the two."

// exhaustionInstruction forces a direct answer after the round budget.
const exhaustionInstruction = "No further tool calls are available this turn. " +
	"Answer the user's request now using the information already gathered."

// ToolCallLoop drives the model through bounded rounds of tool use.
//
// Description:
//
//	Each round sends the conversation with the tool roster, parses the
//	reply, and either returns final text or executes the requested calls
//	and feeds results back. Read-only calls run concurrently under a
//	semaphore with results reported in request order; side-effecting calls
//	run strictly sequentially after the read-only batch. A reply that
//	looks like JSON but fails to parse gets exactly one strict-format
//	retry per turn; the retry does not consume a tool round, so provider
//	calls stay bounded at MaxRounds+2 plus that single optional retry
//	(initial call, one per round, one forced final answer).
//
// Thread Safety: Safe for concurrent use across turns; per-run state is
// local to Run.
type ToolCallLoop struct {
	client   llm.ChatClient
	registry *tools.Registry
	policy   *tools.Policy
	cache    *tools.ResultCache // nil disables caching
	cfg      LoopConfig
	logger   *slog.Logger
}

// NewToolCallLoop creates a loop.
func NewToolCallLoop(client llm.ChatClient, registry *tools.Registry, policy *tools.Policy, cache *tools.ResultCache, cfg LoopConfig, logger *slog.Logger) *ToolCallLoop {
	def := DefaultLoopConfig()
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = def.MaxRounds
	}
	if cfg.MaxCallsPerRound <= 0 {
		cfg.MaxCallsPerRound = def.MaxCallsPerRound
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = def.ToolTimeout
	}
	if cfg.ReadOnlyParallelism <= 0 {
		cfg.ReadOnlyParallelism = def.ReadOnlyParallelism
	}
	if cfg.ResultCharCap <= 0 {
		cfg.ResultCharCap = def.ResultCharCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolCallLoop{
		client:   client,
		registry: registry,
		policy:   policy,
		cache:    cache,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run executes the loop for one turn. Messages must already be budgeted and
// normalized upstream.
//
// Inputs:
//
//	seedReply - An assistant reply already obtained by the caller, consumed
//	    in place of the initial provider call. Empty means the loop makes
//	    the initial call itself.
func (l *ToolCallLoop) Run(ctx context.Context, model string, messages []datatypes.Message, seedReply string) (*LoopResult, error) {
	working := make([]datatypes.Message, len(messages))
	copy(working, messages)

	result := &LoopResult{}
	specs := l.registry.Specs()

	reply := seedReply
	if reply == "" {
		resp, err := l.chat(ctx, model, working, specs, result)
		if err != nil {
			return nil, err
		}
		reply = resp.Content
	}

	// The strict-JSON retry can happen at most once, so every iteration
	// either returns, spends the retry, or completes a tool round.
	jsonRetried := false
	for result.Rounds < l.cfg.MaxRounds {
		parsed := ParseReply(reply)

		switch parsed.Kind {
		case ReplyFinalText:
			result.FinalText = parsed.Text
			return result, nil

		case ReplyMalformedJSON:
			if jsonRetried {
				// Second malformed reply: give up and hand it back verbatim.
				result.FinalText = parsed.Text
				return result, nil
			}
			jsonRetried = true
			working = append(working,
				datatypes.Message{Role: datatypes.RoleAssistant, Content: reply},
				datatypes.Message{Role: datatypes.RoleUser, Content: strictJSONRetry},
			)
			resp, err := l.chat(ctx, model, working, specs, result)
			if err != nil {
				return nil, err
			}
			reply = resp.Content
			continue

		case ReplyToolCalls:
			result.Rounds++
			feedback := l.executeRound(ctx, parsed.Envelope, result)
			working = append(working,
				datatypes.Message{Role: datatypes.RoleAssistant, Content: reply},
				datatypes.Message{Role: datatypes.RoleUser, Content: feedback},
			)
			resp, err := l.chat(ctx, model, working, specs, result)
			if err != nil {
				return nil, err
			}
			reply = resp.Content
		}
	}

	parsed := ParseReply(reply)
	if parsed.Kind == ReplyFinalText || parsed.Kind == ReplyMalformedJSON {
		result.FinalText = parsed.Text
		return result, nil
	}

	// Round budget spent and the model still wants tools: one last call,
	// without the roster, forcing a direct answer.
	result.Exhausted = true
	working = append(working,
		datatypes.Message{Role: datatypes.RoleAssistant, Content: reply},
		datatypes.Message{Role: datatypes.RoleUser, Content: exhaustionInstruction},
	)
	resp, err := l.chat(ctx, model, working, nil, result)
	if err != nil {
		return nil, err
	}
	result.FinalText = resp.Content
	return result, nil
}

// chat is one provider round trip.
func (l *ToolCallLoop) chat(ctx context.Context, model string, messages []datatypes.Message, specs []llm.ToolSpec, result *LoopResult) (*llm.ChatResponse, error) {
	result.ProviderCalls++
	resp, err := l.client.Chat(ctx, llm.ChatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: l.cfg.Temperature,
		MaxTokens:   l.cfg.MaxTokens,
		Tools:       specs,
	})
	if err != nil {
		return nil, fmt.Errorf("agent: provider call failed: %w", err)
	}
	return resp, nil
}

// executeRound runs one envelope's calls and builds the feedback message.
func (l *ToolCallLoop) executeRound(ctx context.Context, env *Envelope, result *LoopResult) string {
	calls := env.Calls
	truncated := 0
	if len(calls) > l.cfg.MaxCallsPerRound {
		truncated = len(calls) - l.cfg.MaxCallsPerRound
		calls = calls[:l.cfg.MaxCallsPerRound]
		l.logger.Warn("tool round truncated", "requested", len(env.Calls), "kept", len(calls))
	}

	results := make([]toolResult, len(calls))
	telemetry := make([]datatypes.ToolTelemetry, len(calls))

	// Cache hits and policy rejections settle immediately; the rest split
	// into a concurrent read-only batch and a sequential side-effecting
	// tail. Result slots are indexed by request order, so the fed-back
	// summary is insertion-ordered regardless of completion order.
	var sideEffecting []int
	invocations := 0
	sem := semaphore.NewWeighted(l.cfg.ReadOnlyParallelism)
	var wg sync.WaitGroup

	for i, call := range calls {
		if l.cache != nil {
			if cached, ok := l.cache.Get(call.Name, call.Args); ok {
				results[i] = toolResult{Name: call.Name, OK: true, Result: l.renderResult(cached)}
				telemetry[i] = datatypes.ToolTelemetry{Name: call.Name, Success: true, Cached: true}
				continue
			}
		}

		decision := l.policy.Evaluate(call.Name)
		if !decision.Allow {
			results[i], telemetry[i] = rejectedResult(call.Name, decision)
			continue
		}
		invocations++
		if decision.Risk == tools.RiskSideEffecting {
			sideEffecting = append(sideEffecting, i)
			continue
		}

		wg.Add(1)
		go func(i int, call ToolCall) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i], telemetry[i] = failedResult(call.Name, err)
				return
			}
			defer sem.Release(1)
			results[i], telemetry[i] = l.executeCall(ctx, call, true)
		}(i, call)
	}
	wg.Wait()

	for _, i := range sideEffecting {
		results[i], telemetry[i] = l.executeCall(ctx, calls[i], false)
	}

	// A round settled entirely by cache hits and policy rejections invoked
	// nothing, so it does not count as tool execution.
	if invocations > 0 {
		result.ToolsExecuted = true
	}
	for i := range telemetry {
		result.Tools = append(result.Tools, telemetry[i])
		if telemetry[i].Success {
			result.AnyToolSuccess = true
		}
	}

	payload, err := json.Marshal(resultsFeedback{
		Type:      "tool_results",
		Results:   results,
		Truncated: truncated,
	})
	if err != nil {
		// Tool results that cannot serialize still need a reply.
		return `{"type":"tool_results","results":[],"error":"results were not serializable"}`
	}
	return string(payload)
}

// executeCall runs one allowed call and caches successful read-only
// results. The handler runs in its own goroutine so one that ignores its
// context cannot block the round past the timeout; a result arriving after
// the deadline is discarded and never cached.
func (l *ToolCallLoop) executeCall(ctx context.Context, call ToolCall, readOnly bool) (toolResult, datatypes.ToolTelemetry) {
	def, _ := l.registry.Get(call.Name) // policy already verified existence

	callCtx, cancel := context.WithTimeout(ctx, l.cfg.ToolTimeout)
	defer cancel()

	type handlerOutcome struct {
		out any
		err error
	}
	done := make(chan handlerOutcome, 1)
	start := time.Now()
	go func() {
		out, err := def.Handler.Execute(callCtx, call.Args)
		done <- handlerOutcome{out: out, err: err}
	}()

	var out any
	var err error
	select {
	case o := <-done:
		out, err = o.out, o.err
	case <-callCtx.Done():
		err = callCtx.Err()
	}
	latency := time.Since(start)

	if err != nil {
		res, tel := failedResult(call.Name, err)
		tel.LatencyMs = latency.Milliseconds()
		l.logger.Warn("tool call failed",
			"tool", call.Name, "class", tel.ErrorType, "error", err)
		return res, tel
	}

	if readOnly && l.cache != nil {
		l.cache.Set(call.Name, call.Args, out)
	}
	return toolResult{Name: call.Name, OK: true, Result: l.renderResult(out)},
		datatypes.ToolTelemetry{Name: call.Name, Success: true, LatencyMs: latency.Milliseconds()}
}

// renderResult serializes a success payload, capped so one verbose tool
// cannot flood the conversation.
func (l *ToolCallLoop) renderResult(out any) string {
	var rendered string
	switch v := out.(type) {
	case string:
		rendered = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			rendered = fmt.Sprintf("%v", v)
		} else {
			rendered = string(data)
		}
	}
	if len(rendered) > l.cfg.ResultCharCap {
		rendered = rendered[:l.cfg.ResultCharCap] + "…(truncated)"
	}
	return rendered
}

// rejectedResult reports a policy denial as a validation failure so the
// model stops requesting the tool.
func rejectedResult(name string, decision tools.PolicyDecision) (toolResult, datatypes.ToolTelemetry) {
	hint := "this tool is not available; do not request it again"
	if decision.Reason == tools.PolicyUnknownTool {
		hint = "no such tool exists; use only the tools listed"
	}
	return toolResult{
			Name:       name,
			ErrorClass: tools.FailureValidation,
			Hint:       hint,
		}, datatypes.ToolTelemetry{
			Name:      name,
			ErrorType: tools.FailureValidation,
		}
}

func failedResult(name string, err error) (toolResult, datatypes.ToolTelemetry) {
	class := tools.ClassifyError(err)
	return toolResult{
			Name:       name,
			ErrorClass: class,
			Hint:       tools.RecoveryHint(class),
		}, datatypes.ToolTelemetry{
			Name:      name,
			ErrorType: class,
		}
}
