package crm

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorClass represents a classification of upstream API errors.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 throttling responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// APIError represents an upstream API failure with additional context.
type APIError struct {
	StatusCode int
	Endpoint   string
	Class      ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("crm %s error on %s: %v", e.Class, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("crm %s error on %s (status %d): %s",
		e.Class, e.Endpoint, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus categorizes an HTTP status for observability and retry.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// IsRetryable reports whether an error is worth retrying: network failures,
// 5xx responses and 429 throttling are transient; other 4xx responses are
// permanent. Errors that are not APIErrors default to retryable.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Class {
		case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
			return true
		default:
			return false
		}
	}
	return true
}
