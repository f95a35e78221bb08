// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"context"
	"errors"
)

// Sentinel errors handlers wrap so failures classify cleanly in feedback to
// the model.
var (
	// ErrNotFound means the requested resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRateLimited means an upstream dependency throttled the call.
	ErrRateLimited = errors.New("rate limited")

	// ErrValidation means the arguments were rejected before execution.
	ErrValidation = errors.New("invalid arguments")
)

// Failure classes reported back to the model.
const (
	FailureTimeout     = "timeout"
	FailureNotFound    = "not_found"
	FailureRateLimited = "rate_limited"
	FailureValidation  = "validation"
	FailureUnknown     = "unknown"
)

// ClassifyError maps a handler error onto a failure class.
func ClassifyError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, ErrNotFound):
		return FailureNotFound
	case errors.Is(err, ErrRateLimited):
		return FailureRateLimited
	case errors.Is(err, ErrValidation):
		return FailureValidation
	default:
		return FailureUnknown
	}
}

// RecoveryHint suggests what the model should do about a failure class.
func RecoveryHint(class string) string {
	switch class {
	case FailureTimeout:
		return "the call timed out; retry with a narrower request or answer without it"
	case FailureNotFound:
		return "the resource does not exist; do not retry with the same arguments"
	case FailureRateLimited:
		return "the tool is rate limited; avoid calling it again this turn"
	case FailureValidation:
		return "the arguments were rejected; fix them against the tool schema before retrying"
	default:
		return "the tool failed; retry once or answer without it"
	}
}
