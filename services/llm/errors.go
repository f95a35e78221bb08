package llm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrNoChoices is returned when the backend responds without any choices.
var ErrNoChoices = errors.New("llm: backend returned no choices")

// IsModelValidationError reports whether err is an HTTP 400 carrying a
// model/validation signature. These fail fast: retrying an invalid request
// cannot succeed.
func IsModelValidationError(err error) bool {
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.HTTPStatusCode != http.StatusBadRequest {
		return false
	}
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "model") ||
		strings.Contains(msg, "validation") ||
		strings.Contains(msg, "invalid")
}

// IsJSONModeRejection reports whether err is the specific rejection of a
// structured-JSON response mode. The provider client handles it with a
// one-shot compatibility retry without the response_format flag.
func IsJSONModeRejection(err error) bool {
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.HTTPStatusCode != http.StatusBadRequest {
		return false
	}
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "response_format") ||
		strings.Contains(msg, "json_object") ||
		strings.Contains(msg, "json mode")
}

// IsTransient reports whether an error is safe to retry with backoff.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return true
		}
		if apiErr.HTTPStatusCode >= 500 && apiErr.HTTPStatusCode <= 599 {
			return true
		}
		return false
	}
	// Connection-level failures without a status are worth one more try.
	return true
}
