// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// ResolutionDecision records why one candidate model was accepted or
// rejected during resolution. One entry exists per candidate evaluated.
type ResolutionDecision struct {
	Model       string  `json:"model"`
	Accepted    bool    `json:"accepted"`
	Reason      string  `json:"reason"`
	HealthScore float64 `json:"health_score"`
}

// Resolution decision reasons.
const (
	DecisionSelected                 = "selected"
	DecisionCapabilityMismatch       = "capability_mismatch"
	DecisionCatalogMissAcceptUnknown = "catalog_miss_accept_unknown"
	DecisionFallbackFirstCandidate   = "fallback_first_candidate"
	DecisionHealthOutranked          = "health_outranked"
)

// ToolTelemetry summarizes one tool invocation for the trace record.
type ToolTelemetry struct {
	Name      string `json:"name"`
	Success   bool   `json:"success"`
	Cached    bool   `json:"cached"`
	ErrorType string `json:"error_type,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// TurnTrace is the per-turn record written through the trace sink. The core
// produces it; persistence is an external collaborator and sink failures
// never abort the turn.
type TurnTrace struct {
	TraceID string `json:"trace_id"`
	TurnID  string `json:"turn_id"`
	UserID  string `json:"user_id"`
	Route   Route  `json:"route"`

	Model     string               `json:"model"`
	Decisions []ResolutionDecision `json:"decisions,omitempty"`

	AgenticEnabled bool            `json:"agentic_enabled"`
	Rounds         int             `json:"rounds_completed"`
	ToolsExecuted  bool            `json:"tools_executed"`
	Tools          []ToolTelemetry `json:"tools,omitempty"`

	CriticVerdict   string  `json:"critic_verdict,omitempty"`
	CriticScore     float64 `json:"critic_score,omitempty"`
	CriticRevisions int     `json:"critic_revisions,omitempty"`

	EstimatedTokensIn int    `json:"estimated_tokens_in"`
	DroppedMessages   int    `json:"dropped_messages"`
	ReplyChars        int    `json:"reply_chars"`
	Error             string `json:"error,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}
