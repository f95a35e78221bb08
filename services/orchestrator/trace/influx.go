// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package trace

import (
	"context"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/kestrel-labs/kestrel/services/orchestrator/datatypes"
)

const traceMeasurement = "chat_turns"

// InfluxConfig locates the trace bucket.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxSink writes turn traces as InfluxDB points, one per turn: a start
// point when the model is resolved and a completed point when the reply is
// produced.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// NewInfluxSink creates a sink. The connection is lazy; a bad URL surfaces
// on the first write, where it is logged and dropped like any sink failure.
func NewInfluxSink(cfg InfluxConfig) *InfluxSink {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}
}

// UpsertTraceStart implements Sink.
func (s *InfluxSink) UpsertTraceStart(ctx context.Context, t *datatypes.TurnTrace) error {
	p := influxdb2.NewPointWithMeasurement(traceMeasurement).
		AddTag("route", string(t.Route)).
		AddTag("model", t.Model).
		AddTag("phase", "start").
		AddField("trace_id", t.TraceID).
		AddField("turn_id", t.TurnID).
		AddField("user_id", t.UserID).
		AddField("agentic_enabled", t.AgenticEnabled).
		AddField("estimated_tokens_in", t.EstimatedTokensIn).
		AddField("dropped_messages", t.DroppedMessages).
		SetTime(t.StartedAt)
	return s.writeAPI.WritePoint(ctx, p)
}

// UpdateTraceEnd implements Sink.
func (s *InfluxSink) UpdateTraceEnd(ctx context.Context, t *datatypes.TurnTrace) error {
	p := influxdb2.NewPointWithMeasurement(traceMeasurement).
		AddTag("route", string(t.Route)).
		AddTag("model", t.Model).
		AddTag("phase", "end").
		AddField("trace_id", t.TraceID).
		AddField("turn_id", t.TurnID).
		AddField("rounds_completed", t.Rounds).
		AddField("tools_executed", t.ToolsExecuted).
		AddField("critic_verdict", t.CriticVerdict).
		AddField("critic_score", t.CriticScore).
		AddField("critic_revisions", t.CriticRevisions).
		AddField("reply_chars", t.ReplyChars).
		AddField("error", t.Error).
		AddField("duration_ms", t.FinishedAt.Sub(t.StartedAt).Milliseconds()).
		SetTime(t.FinishedAt)
	return s.writeAPI.WritePoint(ctx, p)
}

// Close releases the underlying client.
func (s *InfluxSink) Close() {
	s.client.Close()
}
