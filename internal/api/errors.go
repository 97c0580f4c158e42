package api

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusReason is a coarse classification of a non-2xx response
type StatusReason string

const (
	StatusReasonUnknown            StatusReason = ""
	StatusReasonBadRequest         StatusReason = "BadRequest"
	StatusReasonUnauthorized       StatusReason = "Unauthorized"
	StatusReasonForbidden          StatusReason = "Forbidden"
	StatusReasonNotFound           StatusReason = "NotFound"
	StatusReasonTooManyRequests    StatusReason = "TooManyRequests"
	StatusReasonInternalError      StatusReason = "InternalError"
	StatusReasonServiceUnavailable StatusReason = "ServiceUnavailable"
)

var (
	errInvalidJSON = errors.New("body is not valid JSON")
	errNoFields    = errors.New("work item has no fields")
)

type missingKeyError struct {
	key string
}

func (e *missingKeyError) Error() string {
	return fmt.Sprintf("missing required key %q", e.key)
}

// maxDetail bounds how much of an error body is kept
const maxDetail = 512

// StatusError represents a non-2xx response from the service
type StatusError struct {
	Code   int
	Reason StatusReason
	Detail string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("[%d %s] %s", e.Code, e.Reason, e.Detail)
}

// Retryable reports whether the same request may succeed later
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// NewStatusError classifies a response status code
func NewStatusError(code int, body string) *StatusError {
	if len(body) > maxDetail {
		body = body[:maxDetail]
	}

	reason := StatusReasonUnknown
	switch code {
	case http.StatusBadRequest:
		reason = StatusReasonBadRequest
	case http.StatusUnauthorized:
		reason = StatusReasonUnauthorized
	case http.StatusForbidden:
		reason = StatusReasonForbidden
	case http.StatusNotFound:
		reason = StatusReasonNotFound
	case http.StatusTooManyRequests:
		reason = StatusReasonTooManyRequests
	case http.StatusServiceUnavailable:
		reason = StatusReasonServiceUnavailable
	default:
		if code >= 500 {
			reason = StatusReasonInternalError
		}
	}

	return &StatusError{Code: code, Reason: reason, Detail: body}
}

// ReasonForError returns the status reason carried anywhere in err's chain
func ReasonForError(err error) StatusReason {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Reason
	}
	return StatusReasonUnknown
}

// IsNotFound reports whether err is a 404 from the service
func IsNotFound(err error) bool {
	return ReasonForError(err) == StatusReasonNotFound
}

// TransportError represents a failed GET: connectivity, timeout or a non-2xx status
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("GET %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ParseError represents a response body that did not have the expected shape
type ParseError struct {
	What string
	URL  string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s response from %s: %v", e.What, e.URL, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
