// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kestrel-labs/kestrel/services/llm"
	"github.com/kestrel-labs/kestrel/services/orchestrator/budget"
	"github.com/kestrel-labs/kestrel/services/orchestrator/catalog"
	"github.com/kestrel-labs/kestrel/services/orchestrator/critic"
	"github.com/kestrel-labs/kestrel/services/orchestrator/datatypes"
	"github.com/kestrel-labs/kestrel/services/orchestrator/observability"
	"github.com/kestrel-labs/kestrel/services/orchestrator/resolver"
	"github.com/kestrel-labs/kestrel/services/orchestrator/trace"
)

// failureReply is the only error text users ever see; internal detail goes
// to the trace and log sinks.
const failureReply = "Sorry, something went wrong while handling your request. Please try again."

// searchToolNudge pushes the model back into tool use when the search route
// produced a draft without a single successful tool call.
const searchToolNudge = "This request requires verified search results. Use the " +
	"available tools to gather sources before answering."

// reviseInstruction asks for a redo after a critic revise verdict.
const reviseInstruction = "Revise your previous answer to address these issues:"

// TurnConfig bounds the orchestrated turn.
type TurnConfig struct {
	// MaxCriticRevisions bounds the critique-revise cycle (default 2).
	MaxCriticRevisions int

	// SearchRequiresTool enforces the stricter search-route gate: the draft
	// is only accepted after at least one successful tool call, with one
	// nudged retry before giving up (default true).
	SearchRequiresTool bool

	Temperature float32
	MaxTokens   int
}

// DefaultTurnConfig returns standard bounds.
func DefaultTurnConfig() TurnConfig {
	return TurnConfig{
		MaxCriticRevisions: 2,
		SearchRequiresTool: true,
	}
}

// Orchestrator composes the full chat-turn pipeline: resolve a model,
// budget the prompt, run the tool loop, optionally critique, and return the
// reply with its trace.
//
// Thread Safety: Safe for concurrent use; per-user serialization happens
// through the limiter.
type Orchestrator struct {
	resolver *resolver.Resolver
	canary   *resolver.CanaryGate
	catalog  *catalog.Catalog
	budgeter *budget.Budgeter
	client   llm.ChatClient
	loop     *ToolCallLoop
	critic   *critic.Evaluator // nil disables critique
	sink     trace.Sink
	limiter  *UserLimiter
	metrics  *observability.TurnMetrics // nil disables metrics
	cfg      TurnConfig
	logger   *slog.Logger
}

// NewOrchestrator wires the pipeline.
func NewOrchestrator(
	res *resolver.Resolver,
	canaryGate *resolver.CanaryGate,
	cat *catalog.Catalog,
	budgeter *budget.Budgeter,
	client llm.ChatClient,
	loop *ToolCallLoop,
	evaluator *critic.Evaluator,
	sink trace.Sink,
	limiter *UserLimiter,
	metrics *observability.TurnMetrics,
	cfg TurnConfig,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.MaxCriticRevisions <= 0 {
		cfg.MaxCriticRevisions = DefaultTurnConfig().MaxCriticRevisions
	}
	if sink == nil {
		sink = trace.NopSink{}
	}
	if limiter == nil {
		limiter = NewUserLimiter(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		resolver: res,
		canary:   canaryGate,
		catalog:  cat,
		budgeter: budgeter,
		client:   client,
		loop:     loop,
		critic:   evaluator,
		sink:     sink,
		limiter:  limiter,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger,
	}
}

// RunTurn executes one chat turn end to end. It never returns an error to
// the caller: unrecoverable failures produce a generic failure reply and a
// trace carrying the internal detail.
func (o *Orchestrator) RunTurn(ctx context.Context, req *datatypes.ChatTurnRequest) (*datatypes.ChatTurnResponse, *datatypes.TurnTrace) {
	req.Normalize()

	if o.metrics != nil {
		o.metrics.ActiveTurns.Inc()
		defer o.metrics.ActiveTurns.Dec()
	}

	t := &datatypes.TurnTrace{
		TraceID:   uuid.NewString(),
		TurnID:    req.ID,
		UserID:    req.UserID,
		Route:     req.Route,
		StartedAt: time.Now(),
	}

	release, err := o.limiter.Acquire(ctx, req.UserID)
	if err != nil {
		return o.fail(ctx, req, t, "turn cancelled waiting for user slot", err)
	}
	defer release()

	// Resolve. Never fails; some model always comes back.
	resolution := o.resolver.Resolve(ctx, resolver.Request{
		Route:         req.Route,
		Messages:      req.Messages,
		Flags:         req.Flags,
		AllowedModels: req.AllowedModels,
	})
	t.Model = resolution.Model
	t.Decisions = resolution.Decisions
	if o.metrics != nil {
		for _, d := range resolution.Decisions {
			o.metrics.ResolutionDecisionsTotal.WithLabelValues(d.Reason).Inc()
		}
	}

	agentic := o.canary == nil || o.canary.Allowed(req.Route, req.UserID)
	t.AgenticEnabled = agentic

	trace.Record(o.logger, func() error { return o.sink.UpsertTraceStart(ctx, t) })

	// Budget and trim.
	model, _ := o.catalog.Find(ctx, resolution.Model, false)
	if model == nil {
		// Unknown models get the conservative medium window.
		model = &datatypes.ModelInfo{ID: resolution.Model, ContextClass: datatypes.ContextMedium}
	}
	plan := o.budgeter.PlanBudget(*model, 0)
	trimmed, stats := o.budgeter.TrimToBudget(req.Messages, plan)
	t.EstimatedTokensIn = stats.EstimatedTokensAfter
	t.DroppedMessages = stats.DroppedCount

	// Produce the draft.
	draft, loopResult, err := o.produceDraft(ctx, req.Route, resolution.Model, trimmed, agentic)
	if err != nil {
		o.recordOutcome(req.Route, false)
		return o.fail(ctx, req, t, "draft production failed", err)
	}
	if loopResult != nil {
		t.Rounds = loopResult.Rounds
		t.ToolsExecuted = loopResult.ToolsExecuted
		t.Tools = loopResult.Tools
		o.recordToolMetrics(req.Route, loopResult)
	}

	// Optional critique with a bounded revision cycle.
	if req.Flags.Critic && o.critic != nil {
		draft = o.critiqueAndRevise(ctx, req, resolution.Model, trimmed, draft, t)
	}

	o.recordOutcome(req.Route, true)

	t.ReplyChars = len(draft)
	t.FinishedAt = time.Now()
	trace.Record(o.logger, func() error { return o.sink.UpdateTraceEnd(ctx, t) })
	if o.metrics != nil {
		o.metrics.TurnsTotal.WithLabelValues(string(req.Route), "success").Inc()
		o.metrics.TurnDurationSeconds.WithLabelValues(string(req.Route)).
			Observe(t.FinishedAt.Sub(t.StartedAt).Seconds())
	}

	return &datatypes.ChatTurnResponse{
		ID:        req.ID,
		Reply:     draft,
		Model:     resolution.Model,
		Route:     req.Route,
		TraceID:   t.TraceID,
		Rounds:    t.Rounds,
		ToolsUsed: t.ToolsExecuted,
		Timestamp: t.FinishedAt,
	}, t
}

// produceDraft runs either the agentic loop or a plain single call, plus
// the search-route hard gate.
func (o *Orchestrator) produceDraft(ctx context.Context, route datatypes.Route, model string, messages []datatypes.Message, agentic bool) (string, *LoopResult, error) {
	if !agentic || o.loop == nil {
		resp, err := o.client.Chat(ctx, llm.ChatRequest{
			Model:       model,
			Messages:    messages,
			Temperature: o.cfg.Temperature,
			MaxTokens:   o.cfg.MaxTokens,
		})
		if err != nil {
			return "", nil, err
		}
		return resp.Content, nil, nil
	}

	result, err := o.loop.Run(ctx, model, messages, "")
	if err != nil {
		return "", nil, err
	}

	// Search hard gate: a search draft without a single successful tool call
	// gets one nudged retry. A second failure is accepted rather than
	// looping; the trace records that no tools succeeded.
	if o.cfg.SearchRequiresTool && route == datatypes.RouteSearch && !result.AnyToolSuccess {
		nudged := make([]datatypes.Message, 0, len(messages)+1)
		nudged = append(nudged, messages...)
		nudged = append(nudged, datatypes.Message{Role: datatypes.RoleUser, Content: searchToolNudge})

		retry, retryErr := o.loop.Run(ctx, model, nudged, "")
		if retryErr != nil {
			o.logger.Warn("search tool-gate retry failed, keeping first draft", "error", retryErr)
			return result.FinalText, result, nil
		}
		retry.Rounds += result.Rounds
		retry.ProviderCalls += result.ProviderCalls
		retry.Tools = append(result.Tools, retry.Tools...)
		retry.ToolsExecuted = retry.ToolsExecuted || result.ToolsExecuted
		if !retry.AnyToolSuccess {
			o.logger.Warn("search draft accepted without a successful tool call", "model", model)
		}
		return retry.FinalText, retry, nil
	}

	return result.FinalText, result, nil
}

// critiqueAndRevise runs the critic and, on a revise verdict, asks the
// model to redo the draft, up to the configured bound. Critic failures are
// logged and leave the draft as-is.
func (o *Orchestrator) critiqueAndRevise(ctx context.Context, req *datatypes.ChatTurnRequest, model string, messages []datatypes.Message, draft string, t *datatypes.TurnTrace) string {
	userText := lastUserText(req.Messages)

	for revision := 0; ; revision++ {
		eval, err := o.critic.Evaluate(ctx, critic.Input{
			UserText:  userText,
			DraftText: draft,
			Route:     req.Route,
		})
		if err != nil {
			o.logger.Warn("critic unavailable, accepting draft", "error", err)
			return draft
		}

		t.CriticVerdict = eval.Verdict
		t.CriticScore = eval.OverallScore
		t.CriticRevisions = revision
		if o.metrics != nil {
			o.metrics.CriticVerdictsTotal.WithLabelValues(eval.Verdict).Inc()
		}

		if eval.Verdict == critic.VerdictPass || revision >= o.cfg.MaxCriticRevisions {
			return draft
		}

		revised, err := o.reviseDraft(ctx, model, messages, draft, eval.Issues)
		if err != nil {
			o.logger.Warn("revision call failed, accepting draft", "error", err)
			return draft
		}
		draft = revised
	}
}

// reviseDraft asks the model for a corrected answer. No tools: revision is
// a pure rewrite over what the turn already gathered.
func (o *Orchestrator) reviseDraft(ctx context.Context, model string, messages []datatypes.Message, draft string, issues []string) (string, error) {
	instruction := reviseInstruction
	for _, issue := range issues {
		instruction += "\n- " + issue
	}

	revisionMsgs := make([]datatypes.Message, 0, len(messages)+2)
	revisionMsgs = append(revisionMsgs, messages...)
	revisionMsgs = append(revisionMsgs,
		datatypes.Message{Role: datatypes.RoleAssistant, Content: draft},
		datatypes.Message{Role: datatypes.RoleUser, Content: instruction},
	)

	resp, err := o.client.Chat(ctx, llm.ChatRequest{
		Model:       model,
		Messages:    revisionMsgs,
		Temperature: o.cfg.Temperature,
		MaxTokens:   o.cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// fail finishes the turn with the generic user-facing failure reply.
func (o *Orchestrator) fail(ctx context.Context, req *datatypes.ChatTurnRequest, t *datatypes.TurnTrace, msg string, err error) (*datatypes.ChatTurnResponse, *datatypes.TurnTrace) {
	o.logger.Error(msg, "turn_id", req.ID, "user_id", req.UserID, "error", err)

	t.Error = err.Error()
	t.ReplyChars = len(failureReply)
	t.FinishedAt = time.Now()
	trace.Record(o.logger, func() error { return o.sink.UpdateTraceEnd(ctx, t) })
	if o.metrics != nil {
		o.metrics.TurnsTotal.WithLabelValues(string(req.Route), "error").Inc()
	}

	return &datatypes.ChatTurnResponse{
		ID:        req.ID,
		Reply:     failureReply,
		Model:     t.Model,
		Route:     req.Route,
		TraceID:   t.TraceID,
		Timestamp: t.FinishedAt,
	}, t
}

func (o *Orchestrator) recordOutcome(route datatypes.Route, success bool) {
	if o.canary != nil {
		o.canary.Record(route, success)
	}
}

func (o *Orchestrator) recordToolMetrics(route datatypes.Route, result *LoopResult) {
	if o.metrics == nil {
		return
	}
	o.metrics.ToolRoundsTotal.WithLabelValues(string(route)).Add(float64(result.Rounds))
	for _, tel := range result.Tools {
		outcome := tel.ErrorType
		switch {
		case tel.Cached:
			outcome = "cached"
		case tel.Success:
			outcome = "success"
		}
		o.metrics.ToolCallsTotal.WithLabelValues(tel.Name, outcome).Inc()
	}
}

// lastUserText finds the text the critic scores the draft against.
func lastUserText(messages []datatypes.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == datatypes.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
