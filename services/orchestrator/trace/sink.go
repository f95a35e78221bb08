// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package trace writes per-turn trace records to an external sink.
//
// Sinks are fire-and-log collaborators: every failure is caught and logged,
// and the chat turn always completes regardless.
package trace

import (
	"context"
	"log/slog"

	"github.com/kestrel-labs/kestrel/services/orchestrator/datatypes"
)

// Sink receives the start and end of every chat turn. Implementations must
// never panic; errors are logged by the caller and otherwise ignored.
type Sink interface {
	// UpsertTraceStart records the turn as soon as the model is resolved.
	UpsertTraceStart(ctx context.Context, t *datatypes.TurnTrace) error

	// UpdateTraceEnd completes the record after the reply is produced.
	UpdateTraceEnd(ctx context.Context, t *datatypes.TurnTrace) error
}

// NopSink discards traces.
type NopSink struct{}

// UpsertTraceStart implements Sink.
func (NopSink) UpsertTraceStart(context.Context, *datatypes.TurnTrace) error { return nil }

// UpdateTraceEnd implements Sink.
func (NopSink) UpdateTraceEnd(context.Context, *datatypes.TurnTrace) error { return nil }

// LogSink writes traces to the structured log. The default when no trace
// backend is configured.
type LogSink struct {
	Logger *slog.Logger
}

// NewLogSink creates a log-backed sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{Logger: logger}
}

// UpsertTraceStart implements Sink.
func (s *LogSink) UpsertTraceStart(_ context.Context, t *datatypes.TurnTrace) error {
	s.Logger.Info("turn started",
		"trace_id", t.TraceID,
		"turn_id", t.TurnID,
		"route", string(t.Route),
		"model", t.Model,
		"agentic", t.AgenticEnabled)
	return nil
}

// UpdateTraceEnd implements Sink.
func (s *LogSink) UpdateTraceEnd(_ context.Context, t *datatypes.TurnTrace) error {
	s.Logger.Info("turn finished",
		"trace_id", t.TraceID,
		"turn_id", t.TurnID,
		"model", t.Model,
		"rounds", t.Rounds,
		"tools_executed", t.ToolsExecuted,
		"critic_verdict", t.CriticVerdict,
		"reply_chars", t.ReplyChars,
		"error", t.Error,
		"duration_ms", t.FinishedAt.Sub(t.StartedAt).Milliseconds())
	return nil
}

// Record wraps a sink call so sink failures log and vanish instead of
// propagating into the turn.
func Record(logger *slog.Logger, call func() error) {
	if err := call(); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("trace sink write failed", "error", err)
	}
}
