// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tokens estimates the token cost of text, images, and messages.
//
// Estimates are used for context budgeting only, never billing. When a
// tiktoken encoding is available it is used for exact text counts; otherwise
// a characters-per-token heuristic applies, with a denser ratio for code.
// Estimation is deterministic, makes no external calls, and never fails:
// degenerate inputs estimate to zero.
package tokens

import (
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kestrel-labs/kestrel/services/orchestrator/datatypes"
)

// Default estimation parameters.
const (
	DefaultProseCharsPerToken = 4.0
	DefaultCodeCharsPerToken  = 3.0

	// DefaultImageTokens is the flat cost charged per attached image.
	DefaultImageTokens = 765

	// DefaultMessageOverhead covers role framing and separators per message.
	DefaultMessageOverhead = 4

	// DefaultEncoding is the tiktoken encoding tried at construction.
	DefaultEncoding = "cl100k_base"
)

// Config controls estimation ratios and overheads.
type Config struct {
	// ProseCharsPerToken is the characters-per-token ratio for natural text.
	ProseCharsPerToken float64

	// CodeCharsPerToken is the ratio for code-flagged content.
	CodeCharsPerToken float64

	// ImageTokens is the flat per-image cost.
	ImageTokens int

	// MessageOverhead is added once per message.
	MessageOverhead int

	// Encoding names the tiktoken encoding for exact counts. Empty disables
	// the exact path and forces the ratio heuristic.
	Encoding string
}

// DefaultConfig returns the standard estimation parameters.
func DefaultConfig() Config {
	return Config{
		ProseCharsPerToken: DefaultProseCharsPerToken,
		CodeCharsPerToken:  DefaultCodeCharsPerToken,
		ImageTokens:        DefaultImageTokens,
		MessageOverhead:    DefaultMessageOverhead,
		Encoding:           DefaultEncoding,
	}
}

// Estimator computes token estimates.
//
// Thread Safety: Estimator is immutable after construction and safe for
// concurrent use.
type Estimator struct {
	cfg Config
	enc *tiktoken.Tiktoken
}

// NewEstimator builds an estimator from cfg.
//
// Description:
//
//	Zero or negative ratios fall back to defaults so a partially filled
//	config still produces sane estimates. The tiktoken encoding is resolved
//	once here; if it cannot be loaded the estimator silently uses the
//	heuristic path for the process lifetime.
func NewEstimator(cfg Config) *Estimator {
	if cfg.ProseCharsPerToken <= 0 {
		cfg.ProseCharsPerToken = DefaultProseCharsPerToken
	}
	if cfg.CodeCharsPerToken <= 0 {
		cfg.CodeCharsPerToken = DefaultCodeCharsPerToken
	}
	if cfg.ImageTokens < 0 {
		cfg.ImageTokens = DefaultImageTokens
	}
	if cfg.MessageOverhead < 0 {
		cfg.MessageOverhead = DefaultMessageOverhead
	}

	e := &Estimator{cfg: cfg}
	if cfg.Encoding != "" {
		if enc, err := tiktoken.GetEncoding(cfg.Encoding); err == nil {
			e.enc = enc
		}
	}
	return e
}

// EstimateText returns the estimated token count for text. The code flag
// selects the denser ratio on the heuristic path.
func (e *Estimator) EstimateText(text string, code bool) int {
	if text == "" {
		return 0
	}
	if e.enc != nil {
		return len(e.enc.Encode(text, nil, nil))
	}
	ratio := e.cfg.ProseCharsPerToken
	if code {
		ratio = e.cfg.CodeCharsPerToken
	}
	n := int(float64(utf8.RuneCountInString(text)) / ratio)
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateImage returns the flat per-image cost.
func (e *Estimator) EstimateImage() int {
	return e.cfg.ImageTokens
}

// EstimateMessage returns the estimated cost of one message including its
// images and the per-message overhead.
func (e *Estimator) EstimateMessage(msg datatypes.Message) int {
	total := e.cfg.MessageOverhead
	total += e.EstimateText(msg.Content, msg.Code)
	total += len(msg.Images) * e.cfg.ImageTokens
	return total
}

// EstimateMessages returns the total estimated cost of a message list.
func (e *Estimator) EstimateMessages(msgs []datatypes.Message) int {
	total := 0
	for _, msg := range msgs {
		total += e.EstimateMessage(msg)
	}
	return total
}
