// Package apperrors is the gateway's error taxonomy. Every error that leaves a
// component as a user-visible failure is a *goerrors.Error carrying one of the
// text codes below, so the HTTP layer can render it without type switches.
package apperrors

import (
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	CodeAuth        = "AUTH_ERROR"
	CodeSignature   = "SIGNATURE_ERROR"
	CodeValidation  = "VALIDATION_ERROR"
	CodeNotFound    = "NOT_FOUND"
	CodeRateLimited = "RATE_LIMITED"
	CodeGateway     = "GATEWAY_ERROR"
	CodePersistence = "PERSISTENCE_ERROR"
	CodeInternal    = "INTERNAL_ERROR"
)

func newError(message string, category goerrors.Category, code int, textCode string, metadata map[string]any) *goerrors.Error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func wrapError(source error, category goerrors.Category, message string, code int, textCode string, metadata map[string]any) *goerrors.Error {
	if source == nil {
		return newError(message, category, code, textCode, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// Auth is returned for a missing, unknown or inactive API key.
func Auth(message string) error {
	return newError(message, goerrors.CategoryAuth, http.StatusUnauthorized, CodeAuth, nil)
}

// Signature is returned for a bad HMAC or a timestamp outside tolerance.
func Signature(message string) error {
	return newError(message, goerrors.CategoryAuth, http.StatusBadRequest, CodeSignature, nil)
}

// Validation is returned when a field or amount is out of bounds.
func Validation(message string, metadata map[string]any) error {
	return newError(message, goerrors.CategoryValidation, http.StatusBadRequest, CodeValidation, metadata)
}

// NotFound is returned for an unknown transaction or user.
func NotFound(message string) error {
	return newError(message, goerrors.CategoryNotFound, http.StatusNotFound, CodeNotFound, nil)
}

// RateLimited carries the retry hint in seconds under "retry_after".
func RateLimited(message string, retryAfter time.Duration) error {
	seconds := int64(retryAfter.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return newError(message, goerrors.CategoryRateLimit, http.StatusTooManyRequests, CodeRateLimited,
		map[string]any{"retry_after": seconds})
}

// Gateway wraps an upstream failure. statusCode is 0 for network errors.
func Gateway(source error, message string, statusCode int, retryable bool) error {
	return wrapError(source, goerrors.CategoryExternal, message, http.StatusBadGateway, CodeGateway,
		map[string]any{"retryable": retryable, "upstream_status": statusCode})
}

// Persistence wraps a storage failure.
func Persistence(source error, message string) error {
	return wrapError(source, goerrors.CategoryInternal, message, http.StatusInternalServerError, CodePersistence, nil)
}

// As extracts the rich error, if any.
func As(err error) (*goerrors.Error, bool) {
	if err == nil {
		return nil, false
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return rich, true
	}
	return nil, false
}

// HasCode reports whether err carries the given text code.
func HasCode(err error, textCode string) bool {
	rich, ok := As(err)
	return ok && rich.TextCode == textCode
}

// IsRetryable reports whether err is a gateway failure flagged retryable.
func IsRetryable(err error) bool {
	rich, ok := As(err)
	if !ok || rich.TextCode != CodeGateway {
		return false
	}
	retryable, _ := rich.Metadata["retryable"].(bool)
	return retryable
}

// Normalize maps any error onto the envelope fields: HTTP status, text code
// and message. Internal errors never leak their message.
func Normalize(err error) (int, string, string) {
	rich, ok := As(err)
	if !ok {
		return http.StatusInternalServerError, CodeInternal, "An unexpected error occurred"
	}

	status := rich.Code
	if status == 0 {
		status = statusForCategory(rich.Category)
	}
	code := strings.TrimSpace(rich.TextCode)
	if code == "" {
		code = CodeInternal
	}
	message := rich.Message
	if status >= http.StatusInternalServerError && code != CodeGateway {
		message = "An unexpected error occurred"
	}
	return status, code, message
}

func statusForCategory(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
