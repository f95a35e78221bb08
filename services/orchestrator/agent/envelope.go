// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package agent runs the iterative tool-call loop and the chat turn
// orchestration on top of it.
package agent

import (
	"encoding/json"
	"strings"
)

// envelopeTypeToolCalls tags an assistant reply that requests tool calls.
const envelopeTypeToolCalls = "tool_calls"

// ToolCall is one requested invocation inside an envelope.
type ToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Envelope is the tagged reply protocol the loop speaks with the model:
// either a tool_calls request or plain final text.
type Envelope struct {
	Type  string     `json:"type"`
	Calls []ToolCall `json:"calls"`
}

// ReplyKind classifies one assistant reply.
type ReplyKind int

const (
	// ReplyFinalText is a natural-language answer, the normal exit.
	ReplyFinalText ReplyKind = iota

	// ReplyToolCalls is a well-formed tool_calls envelope.
	ReplyToolCalls

	// ReplyMalformedJSON looks like JSON but does not parse; eligible for
	// one strict-format retry.
	ReplyMalformedJSON
)

// ParsedReply is the result of classifying a reply. Parse once, branch on
// Kind; never probe the raw string again downstream.
type ParsedReply struct {
	Kind     ReplyKind
	Envelope *Envelope
	Text     string
}

// ParseReply classifies one assistant reply.
//
// Description:
//
//	A reply is a tool-call request only when it parses as JSON (after
//	stripping a surrounding markdown code fence) and carries the
//	tool_calls type tag with at least one named call. Text that looks like
//	JSON but fails to parse is flagged malformed so the caller can issue a
//	strict retry. Everything else, including valid JSON of a different
//	shape, is a final answer returned verbatim.
func ParseReply(content string) ParsedReply {
	candidate := stripCodeFence(content)
	if !looksLikeJSON(candidate) {
		return ParsedReply{Kind: ReplyFinalText, Text: content}
	}

	var env Envelope
	if err := json.Unmarshal([]byte(candidate), &env); err != nil {
		return ParsedReply{Kind: ReplyMalformedJSON, Text: content}
	}
	if env.Type != envelopeTypeToolCalls {
		return ParsedReply{Kind: ReplyFinalText, Text: content}
	}

	// Drop nameless calls rather than failing the whole envelope.
	calls := env.Calls[:0:0]
	for _, call := range env.Calls {
		if call.Name == "" {
			continue
		}
		calls = append(calls, call)
	}
	if len(calls) == 0 {
		return ParsedReply{Kind: ReplyFinalText, Text: content}
	}
	env.Calls = calls
	return ParsedReply{Kind: ReplyToolCalls, Envelope: &env}
}

// stripCodeFence unwraps ```json ... ``` style fences that models wrap
// structured output in despite instructions.
func stripCodeFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		// Skip the language tag line ("json", "JSON", or empty).
		tag := strings.TrimSpace(trimmed[:idx])
		if tag == "" || strings.EqualFold(tag, "json") {
			trimmed = trimmed[idx+1:]
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

// looksLikeJSON is a cheap pre-filter so prose replies skip the unmarshal.
func looksLikeJSON(s string) bool {
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")
}
