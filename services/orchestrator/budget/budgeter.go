// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package budget fits an unbounded conversation into a model's context
// window.
//
// PlanBudget derives the available input tokens for a model; TrimToBudget
// shapes a message list to fit the plan, preferring content fades and
// truncation over whole-message drops, and whole-message drops over touching
// the protected minimum set (system messages plus the most recent user
// turns).
package budget

import (
	"fmt"
	"log/slog"

	"github.com/kestrel-labs/kestrel/services/orchestrator/datatypes"
	"github.com/kestrel-labs/kestrel/services/orchestrator/tokens"
)

// Defaults for budgeting knobs.
const (
	DefaultReservedOutputTokens = 1024
	DefaultSafetyMarginTokens   = 512
	DefaultKeepLastUserTurns    = 2
	DefaultKeepLastImages       = 1
	DefaultAttachmentCharCap    = 4000
)

// imagePlaceholder replaces a faded image in message text.
const imagePlaceholder = "[image omitted]"

// Plan is the token budget derived for one model.
//
// Invariant: AvailableInputTokens >= 0 (clamped at plan time).
type Plan struct {
	Model                string `json:"model"`
	AvailableInputTokens int    `json:"available_input_tokens"`
	ReservedOutputTokens int    `json:"reserved_output_tokens"`
	SafetyMarginTokens   int    `json:"safety_margin_tokens"`
}

// TrimStats describes one budgeting pass. Produced once, never mutated
// afterward.
type TrimStats struct {
	BeforeCount           int      `json:"before_count"`
	AfterCount            int      `json:"after_count"`
	EstimatedTokensBefore int      `json:"estimated_tokens_before"`
	EstimatedTokensAfter  int      `json:"estimated_tokens_after"`
	DroppedCount          int      `json:"dropped_count"`
	Notes                 []string `json:"notes,omitempty"`
}

// Config controls trimming behavior.
type Config struct {
	// ReservedOutputTokens is held back for the model's reply.
	ReservedOutputTokens int

	// SafetyMarginTokens absorbs estimation error.
	SafetyMarginTokens int

	// KeepSystem keeps system messages out of whole-message drops.
	KeepSystem bool

	// KeepLastUserTurns protects the most recent K user turns (and anything
	// after the first protected turn) from whole-message drops.
	KeepLastUserTurns int

	// KeepLastImages is how many trailing images survive the fade pass.
	KeepLastImages int

	// AttachmentCharCap truncates attachment-style text blocks before whole
	// messages are dropped.
	AttachmentCharCap int
}

// DefaultConfig returns the standard trimming knobs.
func DefaultConfig() Config {
	return Config{
		ReservedOutputTokens: DefaultReservedOutputTokens,
		SafetyMarginTokens:   DefaultSafetyMarginTokens,
		KeepSystem:           true,
		KeepLastUserTurns:    DefaultKeepLastUserTurns,
		KeepLastImages:       DefaultKeepLastImages,
		AttachmentCharCap:    DefaultAttachmentCharCap,
	}
}

// Budgeter plans budgets and trims message lists.
//
// Thread Safety: Budgeter is immutable after construction and safe for
// concurrent use.
type Budgeter struct {
	est    *tokens.Estimator
	cfg    Config
	logger *slog.Logger
}

// NewBudgeter creates a budgeter using the given estimator.
func NewBudgeter(est *tokens.Estimator, cfg Config, logger *slog.Logger) *Budgeter {
	if est == nil {
		est = tokens.NewEstimator(tokens.DefaultConfig())
	}
	if cfg.ReservedOutputTokens <= 0 {
		cfg.ReservedOutputTokens = DefaultReservedOutputTokens
	}
	if cfg.SafetyMarginTokens < 0 {
		cfg.SafetyMarginTokens = DefaultSafetyMarginTokens
	}
	if cfg.KeepLastUserTurns <= 0 {
		cfg.KeepLastUserTurns = DefaultKeepLastUserTurns
	}
	if cfg.KeepLastImages < 0 {
		cfg.KeepLastImages = DefaultKeepLastImages
	}
	if cfg.AttachmentCharCap <= 0 {
		cfg.AttachmentCharCap = DefaultAttachmentCharCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Budgeter{est: est, cfg: cfg, logger: logger}
}

// PlanBudget computes the available-token plan for a model.
//
// Inputs:
//
//	model - The resolved model; its context class sets the window size.
//	reservedOutputOverride - Overrides the configured output reservation
//	when > 0.
//
// Outputs:
//
//	Plan - availableInputTokens = max(0, window - reserved - margin).
func (b *Budgeter) PlanBudget(model datatypes.ModelInfo, reservedOutputOverride int) Plan {
	reserved := b.cfg.ReservedOutputTokens
	if reservedOutputOverride > 0 {
		reserved = reservedOutputOverride
	}
	available := model.ContextClass.Tokens() - reserved - b.cfg.SafetyMarginTokens
	if available < 0 {
		available = 0
	}
	return Plan{
		Model:                model.ID,
		AvailableInputTokens: available,
		ReservedOutputTokens: reserved,
		SafetyMarginTokens:   b.cfg.SafetyMarginTokens,
	}
}

// TrimToBudget shapes messages to fit the plan.
//
// Description:
//
//	Trimming proceeds in escalating stages, recomputing the running estimate
//	after each change and stopping as soon as the list fits:
//
//	  1. Fade images beyond the keep-last-N count, replacing each with a
//	     textual placeholder.
//	  2. Truncate attachment-style text blocks to the per-message cap.
//	  3. Drop whole unprotected messages oldest-first.
//	  4. Last resort: truncate the protected set's text content rather than
//	     silently violating the budget.
//
//	Surviving messages keep their original order. The returned slice is a
//	copy; the input is never mutated.
//
// Outputs:
//
//	[]datatypes.Message - The trimmed list.
//	TrimStats - Counts and notes for the pass.
//
// Guarantee: EstimatedTokensAfter <= plan.AvailableInputTokens whenever the
// protected minimum set alone fits the budget.
func (b *Budgeter) TrimToBudget(messages []datatypes.Message, plan Plan) ([]datatypes.Message, TrimStats) {
	stats := TrimStats{
		BeforeCount:           len(messages),
		EstimatedTokensBefore: b.est.EstimateMessages(messages),
	}

	msgs := make([]datatypes.Message, len(messages))
	copy(msgs, messages)

	if b.est.EstimateMessages(msgs) <= plan.AvailableInputTokens {
		stats.AfterCount = len(msgs)
		stats.EstimatedTokensAfter = stats.EstimatedTokensBefore
		return msgs, stats
	}

	// Stage 1: fade old images.
	if faded := b.fadeImages(msgs); faded > 0 {
		stats.Notes = append(stats.Notes, fmt.Sprintf("faded %d images", faded))
	}

	// Stage 2: truncate attachment blocks.
	if b.est.EstimateMessages(msgs) > plan.AvailableInputTokens {
		if truncated := b.truncateAttachments(msgs); truncated > 0 {
			stats.Notes = append(stats.Notes, fmt.Sprintf("truncated %d attachments", truncated))
		}
	}

	// Stage 3: drop whole unprotected messages, oldest first.
	protected := b.protectedSet(msgs)
	kept := msgs[:0:0]
	running := b.est.EstimateMessages(msgs)
	for i, msg := range msgs {
		if running <= plan.AvailableInputTokens || protected[i] {
			kept = append(kept, msg)
			continue
		}
		running -= b.est.EstimateMessage(msg)
		stats.DroppedCount++
	}
	msgs = kept
	if stats.DroppedCount > 0 {
		stats.Notes = append(stats.Notes, fmt.Sprintf("dropped %d messages", stats.DroppedCount))
	}

	// Stage 4: the protected minimum set itself is over budget. Trim its
	// text rather than returning an oversized prompt.
	if b.est.EstimateMessages(msgs) > plan.AvailableInputTokens {
		b.trimProtectedText(msgs, plan.AvailableInputTokens)
		stats.Notes = append(stats.Notes, "trimmed protected message text")
		b.logger.Warn("context budget required trimming the protected set",
			slog.String("model", plan.Model),
			slog.Int("budget", plan.AvailableInputTokens))
	}

	stats.AfterCount = len(msgs)
	stats.EstimatedTokensAfter = b.est.EstimateMessages(msgs)
	return msgs, stats
}

// fadeImages removes images beyond the keep-last-N count, scanning from the
// end so the most recent images survive. Returns the number faded.
func (b *Budgeter) fadeImages(msgs []datatypes.Message) int {
	keep := b.cfg.KeepLastImages
	faded := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if len(msgs[i].Images) == 0 {
			continue
		}
		if keep >= len(msgs[i].Images) {
			keep -= len(msgs[i].Images)
			continue
		}
		remove := msgs[i].Images[:len(msgs[i].Images)-keep]
		msgs[i].Images = msgs[i].Images[len(msgs[i].Images)-keep:]
		keep = 0
		for _, img := range remove {
			placeholder := imagePlaceholder
			if img.AltText != "" {
				placeholder = fmt.Sprintf("[image omitted: %s]", img.AltText)
			}
			if msgs[i].Content != "" {
				msgs[i].Content += "\n"
			}
			msgs[i].Content += placeholder
			faded++
		}
	}
	return faded
}

// truncateAttachments caps attachment-flagged content. Returns the number of
// messages truncated.
func (b *Budgeter) truncateAttachments(msgs []datatypes.Message) int {
	truncated := 0
	for i := range msgs {
		if !msgs[i].Attachment {
			continue
		}
		if len(msgs[i].Content) > b.cfg.AttachmentCharCap {
			msgs[i].Content = msgs[i].Content[:b.cfg.AttachmentCharCap] + "\n[attachment truncated]"
			truncated++
		}
	}
	return truncated
}

// protectedSet marks the indices that whole-message drops must not touch:
// system messages (when configured) and everything from the K-th most recent
// user turn onward.
func (b *Budgeter) protectedSet(msgs []datatypes.Message) map[int]bool {
	protected := make(map[int]bool, len(msgs))

	userTurns := 0
	firstProtected := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == datatypes.RoleUser {
			userTurns++
			firstProtected = i
			if userTurns >= b.cfg.KeepLastUserTurns {
				break
			}
		}
	}
	for i := range msgs {
		if i >= firstProtected {
			protected[i] = true
		}
		if b.cfg.KeepSystem && msgs[i].Role == datatypes.RoleSystem {
			protected[i] = true
		}
	}
	return protected
}

// trimProtectedText shrinks protected message content until the list fits,
// oldest message first, always leaving a short stub so role structure
// survives.
func (b *Budgeter) trimProtectedText(msgs []datatypes.Message, available int) {
	const stub = 64 // characters retained per trimmed message

	for i := range msgs {
		if b.est.EstimateMessages(msgs) <= available {
			return
		}
		if len(msgs[i].Content) <= stub {
			continue
		}
		// Halve repeatedly before collapsing to the stub.
		for len(msgs[i].Content) > stub && b.est.EstimateMessages(msgs) > available {
			next := len(msgs[i].Content) / 2
			if next < stub {
				next = stub
			}
			msgs[i].Content = msgs[i].Content[:next]
		}
	}
}
