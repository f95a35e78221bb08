// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package critic scores draft replies with one or two judge models and can
// force a revision.
//
// Scoring is dimension-based: each judge returns seven named scores in
// [0,1], combined by fixed weights into an overall score. Any dimension
// below the hard-fail floor forces a revise verdict no matter how high the
// weighted total is. When two judges disagree beyond a threshold an
// adjudicator model re-scores from scratch and its result replaces both.
package critic

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kestrel-labs/kestrel/services/llm"
	"github.com/kestrel-labs/kestrel/services/orchestrator/datatypes"
)

// Scoring dimensions. Every judge scores all seven.
const (
	DimFactualGrounding    = "factual_grounding"
	DimInstructionAdhere   = "instruction_adherence"
	DimSafety              = "safety"
	DimCompleteness        = "completeness"
	DimToolUseCorrectness  = "tool_use_correctness"
	DimSourceQuality       = "source_quality"
	DimTemporalCorrectness = "temporal_correctness"
)

// dimensionWeights are the fixed combination weights. They sum to 1 here;
// computeOverall renormalizes anyway so a config override cannot skew the
// scale.
var dimensionWeights = map[string]float64{
	DimFactualGrounding:    0.22,
	DimInstructionAdhere:   0.16,
	DimSafety:              0.20,
	DimCompleteness:        0.14,
	DimToolUseCorrectness:  0.10,
	DimSourceQuality:       0.10,
	DimTemporalCorrectness: 0.08,
}

// Verdicts.
const (
	VerdictPass   = "pass"
	VerdictRevise = "revise"
)

// Config controls judging.
type Config struct {
	// JudgeModels lists one or two judge model ids.
	JudgeModels []string

	// AdjudicatorModel breaks ties when two judges disagree. Empty disables
	// adjudication; disagreeing judges are then averaged.
	AdjudicatorModel string

	// PassThreshold is the minimum overall score for a pass (default 0.70).
	PassThreshold float64

	// HardFailThreshold is the per-dimension floor (default 0.35).
	HardFailThreshold float64

	// DisagreementThreshold triggers adjudication when the judges' overall
	// scores differ by at least this much (default 0.25).
	DisagreementThreshold float64

	Temperature float32
	MaxTokens   int
}

// DefaultConfig returns standard thresholds.
func DefaultConfig() Config {
	return Config{
		PassThreshold:         0.70,
		HardFailThreshold:     0.35,
		DisagreementThreshold: 0.25,
		MaxTokens:             512,
	}
}

// Input is one draft to evaluate.
type Input struct {
	UserText  string
	DraftText string
	Route     datatypes.Route
}

// Evaluation is the critic's output for one draft.
type Evaluation struct {
	Scores       map[string]float64 `json:"scores"`
	OverallScore float64            `json:"overall_score"`
	Verdict      string             `json:"verdict"`
	Confidence   float64            `json:"confidence"`
	Issues       []string           `json:"issues,omitempty"`

	// Adjudicated is true when the tie-break judge produced this result.
	Adjudicated bool `json:"adjudicated,omitempty"`
}

// judgeReply is the JSON shape judges are instructed to emit. Score and
// confidence values decode as plain any so a judge emitting a string or
// null there degrades to 0 instead of failing the whole reply.
type judgeReply struct {
	Scores     map[string]any `json:"scores"`
	Confidence any            `json:"confidence"`
	Issues     []string       `json:"issues"`
}

// Evaluator runs judge models against drafts.
//
// Thread Safety: Safe for concurrent use.
type Evaluator struct {
	client llm.ChatClient
	cfg    Config
	logger *slog.Logger
}

// New creates an evaluator.
func New(client llm.ChatClient, cfg Config, logger *slog.Logger) *Evaluator {
	def := DefaultConfig()
	if cfg.PassThreshold <= 0 || cfg.PassThreshold > 1 {
		cfg.PassThreshold = def.PassThreshold
	}
	if cfg.HardFailThreshold <= 0 || cfg.HardFailThreshold > 1 {
		cfg.HardFailThreshold = def.HardFailThreshold
	}
	if cfg.DisagreementThreshold <= 0 || cfg.DisagreementThreshold > 1 {
		cfg.DisagreementThreshold = def.DisagreementThreshold
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{client: client, cfg: cfg, logger: logger}
}

// Evaluate scores one draft.
//
// Description:
//
//	Judges run concurrently. A single judge's result stands alone; with
//	two, the dimension scores are averaged unless their overall scores
//	disagree past the threshold, in which case the adjudicator re-scores
//	and its result replaces both. If every judge call fails the error is
//	returned; callers treat that as "no critique available", never as a
//	turn failure.
func (e *Evaluator) Evaluate(ctx context.Context, in Input) (*Evaluation, error) {
	if len(e.cfg.JudgeModels) == 0 {
		return nil, fmt.Errorf("critic: no judge models configured")
	}

	verdicts := make([]*Evaluation, len(e.cfg.JudgeModels))
	g, gctx := errgroup.WithContext(ctx)
	for i, model := range e.cfg.JudgeModels {
		g.Go(func() error {
			v, err := e.judge(gctx, model, in)
			if err != nil {
				e.logger.Warn("judge failed", "model", model, "error", err)
				return nil // a surviving judge can still carry the evaluation
			}
			verdicts[i] = v
			return nil
		})
	}
	_ = g.Wait()

	var ok []*Evaluation
	for _, v := range verdicts {
		if v != nil {
			ok = append(ok, v)
		}
	}
	switch len(ok) {
	case 0:
		return nil, fmt.Errorf("critic: all judges failed")
	case 1:
		return e.finalize(ok[0]), nil
	}

	// Judges carry raw dimension scores at this point; overalls are
	// computed here because the disagreement check needs them before
	// finalize runs.
	first, second := ok[0], ok[1]
	disagreement := math.Abs(computeOverall(first.Scores) - computeOverall(second.Scores))
	if disagreement >= e.cfg.DisagreementThreshold && e.cfg.AdjudicatorModel != "" {
		adj, err := e.judge(ctx, e.cfg.AdjudicatorModel, in)
		if err == nil {
			adj.Adjudicated = true
			return e.finalize(adj), nil
		}
		e.logger.Warn("adjudicator failed, averaging judges", "error", err)
	}

	return e.finalize(averageEvaluations(first, second)), nil
}

// judge runs one judge model and parses its scores.
func (e *Evaluator) judge(ctx context.Context, model string, in Input) (*Evaluation, error) {
	resp, err := e.client.Chat(ctx, llm.ChatRequest{
		Model: model,
		Messages: []datatypes.Message{
			{Role: datatypes.RoleSystem, Content: judgeSystemPrompt},
			{Role: datatypes.RoleUser, Content: judgeUserPrompt(in)},
		},
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxTokens,
		JSONMode:    true,
	})
	if err != nil {
		return nil, err
	}

	var reply judgeReply
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Content)), &reply); err != nil {
		return nil, fmt.Errorf("critic: judge %s returned unparseable scores: %w", model, err)
	}

	scores := make(map[string]float64, len(dimensionWeights))
	for dim := range dimensionWeights {
		scores[dim] = clamp01(scoreValue(reply.Scores[dim]))
	}
	return &Evaluation{
		Scores:     scores,
		Confidence: clamp01(scoreValue(reply.Confidence)),
		Issues:     reply.Issues,
	}, nil
}

// finalize computes the overall score and verdict.
func (e *Evaluator) finalize(v *Evaluation) *Evaluation {
	v.OverallScore = computeOverall(v.Scores)
	v.Verdict = VerdictPass
	if v.OverallScore < e.cfg.PassThreshold {
		v.Verdict = VerdictRevise
	}
	for dim, score := range v.Scores {
		if score < e.cfg.HardFailThreshold {
			v.Verdict = VerdictRevise
			v.Issues = append(v.Issues, fmt.Sprintf("%s below hard-fail floor", dim))
		}
	}
	return v
}

// computeOverall is the weighted combination, renormalized so the result is
// always in [0,1] even if the weight table drifts from summing to 1.
func computeOverall(scores map[string]float64) float64 {
	var total, weightSum float64
	for dim, weight := range dimensionWeights {
		total += clamp01(scores[dim]) * weight
		weightSum += weight
	}
	if weightSum == 0 {
		return 0
	}
	return clamp01(total / weightSum)
}

// averageEvaluations merges two agreeing judges dimension-wise.
func averageEvaluations(a, b *Evaluation) *Evaluation {
	scores := make(map[string]float64, len(dimensionWeights))
	for dim := range dimensionWeights {
		scores[dim] = (a.Scores[dim] + b.Scores[dim]) / 2
	}
	issues := append(append([]string{}, a.Issues...), b.Issues...)
	return &Evaluation{
		Scores:     scores,
		Confidence: (a.Confidence + b.Confidence) / 2,
		Issues:     issues,
	}
}

// scoreValue coerces one decoded JSON value to float64. Strings, bools,
// nulls, and missing keys all normalize to 0.
func scoreValue(v any) float64 {
	f, ok := v.(float64)
	if !ok {
		return 0
	}
	return f
}

func clamp01(f float64) float64 {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

const judgeSystemPrompt = `You are a strict response evaluator. Score the draft reply ` +
	`against the user's request on these dimensions, each 0.0-1.0: ` +
	`factual_grounding, instruction_adherence, safety, completeness, ` +
	`tool_use_correctness, source_quality, temporal_correctness. ` +
	`Reply with JSON only: {"scores":{...},"confidence":0.0-1.0,"issues":["..."]}.`

func judgeUserPrompt(in Input) string {
	var b strings.Builder
	b.WriteString("Route: ")
	b.WriteString(string(in.Route))
	b.WriteString("\n\nUser request:\n")
	b.WriteString(in.UserText)
	b.WriteString("\n\nDraft reply:\n")
	b.WriteString(in.DraftText)
	return b.String()
}
