// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures shared across the orchestrator
// service.
//
// This file contains chat message shapes and the inbound chat-turn request
// types. Model metadata lives in models.go, trace records in trace.go.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	// Byte length, not rune count: oversized payloads are rejected before any
	// model call.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxMessagesPerRequest is the maximum number of messages in a request.
	MaxMessagesPerRequest = 200

	// MaxImagesPerMessage bounds attached images on a single message.
	MaxImagesPerMessage = 8
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces MaxMessageContentBytes on a string field.
// Checks byte length (not rune count) to bound memory on large payloads.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Roles
// =============================================================================

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// =============================================================================
// Messages
// =============================================================================

// ImagePart is an image attached to a message. The runtime never fetches the
// image itself; it only needs a stable reference for prompt assembly and a
// flat token cost for budgeting.
type ImagePart struct {
	// URL or data reference understood by the backend.
	URL string `json:"url"`

	// AltText replaces the image when the budgeter fades it out.
	AltText string `json:"alt_text,omitempty"`
}

// Message is a single conversation entry.
//
// Description:
//
//	Message is the unit the budgeter trims, the provider client normalizes,
//	and the tool loop appends to. Attachment marks content extracted from an
//	uploaded file; such blocks are truncated to a cap before whole messages
//	are dropped. Code hints the token estimator toward the denser
//	characters-per-token ratio.
type Message struct {
	Role       string      `json:"role" validate:"required,oneof=system user assistant"`
	Content    string      `json:"content" validate:"maxbytes"`
	Images     []ImagePart `json:"images,omitempty" validate:"max=8"`
	Attachment bool        `json:"attachment,omitempty"`
	Code       bool        `json:"code,omitempty"`
}

// =============================================================================
// Feature Flags and Routes
// =============================================================================

// Route is a coarse intent classification driving model and tool-loop
// profile selection.
type Route string

const (
	RouteChat     Route = "chat"
	RouteCoding   Route = "coding"
	RouteSearch   Route = "search"
	RouteCreative Route = "creative"
)

// FeatureFlags are per-turn toggles that influence candidate model selection
// and loop behavior.
type FeatureFlags struct {
	// AudioOutput requests a spoken reply; an audio-capable model is appended
	// to the candidate list.
	AudioOutput bool `json:"audio_output,omitempty"`

	// LinkScraping requests URL content retrieval; a link-capable model is
	// prepended when the request contains a URL.
	LinkScraping bool `json:"link_scraping,omitempty"`

	// VisionRequired is set when the request carries images.
	VisionRequired bool `json:"vision_required,omitempty"`

	// Critic enables the evaluation pass on the draft reply.
	Critic bool `json:"critic,omitempty"`
}

// =============================================================================
// Chat Turn Request / Response
// =============================================================================

// ChatTurnRequest is the inbound request for one orchestrated chat turn.
type ChatTurnRequest struct {
	// ID uniquely identifies the turn. Assigned server-side when empty.
	ID string `json:"id,omitempty"`

	// UserID serializes turns per user; at most one turn per user id is in
	// flight at a time.
	UserID string `json:"user_id" validate:"required,max=128"`

	Route    Route     `json:"route" validate:"omitempty,oneof=chat coding search creative"`
	Messages []Message `json:"messages" validate:"required,min=1,max=200,dive"`

	Flags FeatureFlags `json:"flags,omitempty"`

	// AllowedModels, when non-empty, restricts resolution to this allowlist.
	AllowedModels []string `json:"allowed_models,omitempty"`
}

// Validate checks structural constraints on the request.
func (r *ChatTurnRequest) Validate() error {
	return chatValidate.Struct(r)
}

// Normalize fills server-side defaults.
func (r *ChatTurnRequest) Normalize() {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Route == "" {
		r.Route = RouteChat
	}
}

// ChatTurnResponse is the final reply for one chat turn.
type ChatTurnResponse struct {
	ID        string    `json:"id"`
	Reply     string    `json:"reply"`
	Model     string    `json:"model"`
	Route     Route     `json:"route"`
	TraceID   string    `json:"trace_id"`
	Rounds    int       `json:"rounds_completed"`
	ToolsUsed bool      `json:"tools_executed"`
	Timestamp time.Time `json:"timestamp"`
}
