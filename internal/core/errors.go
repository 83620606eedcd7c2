package core

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrNotFound is returned by the store when a row does not exist.
var ErrNotFound = errors.New("not found")

type ErrorCode string

const (
	ErrCodeValidationCampaign  ErrorCode = "validation_campaign"
	ErrCodeValidationRecipient ErrorCode = "validation_recipient"
	ErrCodeValidationOutcome   ErrorCode = "validation_outcome"

	ErrCodeNotFoundCampaign  ErrorCode = "not_found_campaign"
	ErrCodeNotFoundRecipient ErrorCode = "not_found_recipient"
	ErrCodeNotFoundAttempt   ErrorCode = "not_found_attempt"

	ErrCodeConflictCampaignStarted ErrorCode = "conflict_campaign_started"
	ErrCodeConflictRecipientExists ErrorCode = "conflict_recipient_exists"

	ErrCodeUnavailableQueue ErrorCode = "unavailable_queue"

	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
)

// HTTPStatus maps a code to a response status by its prefix.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case strings.HasPrefix(s, "unavailable_"):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may repeat the operation unchanged.
func (c ErrorCode) Retryable() bool { return strings.HasPrefix(string(c), "unavailable_") }

type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// WithDetails returns a copy of e with details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{Code: e.Code, Message: e.Message, Err: e.Err, Details: merged}
}

func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// CodeOf extracts the code of the first AppError in err's chain.
func CodeOf(err error) ErrorCode {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ErrCodeInternalUnexpected
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	var ae *AppError
	return errors.As(err, &ae) && ae.Code == code
}
