package imggen

import (
	"errors"
	"fmt"
	"strings"
)

// Error is the unified error surface returned by provider clients.
// Retryable() feeds the stage failure policy: rate limits and server
// errors may be retried, credential and request errors may not.
type Error interface {
	error
	Provider() string
	StatusCode() int
	Retryable() bool
}

type httpErrorBase struct {
	provider   string
	statusCode int
	message    string
	retryable  bool
}

func (e *httpErrorBase) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("%s error (status=%d): %s", e.provider, e.statusCode, msg)
}
func (e *httpErrorBase) Provider() string { return e.provider }
func (e *httpErrorBase) StatusCode() int  { return e.statusCode }
func (e *httpErrorBase) Retryable() bool  { return e.retryable }

type InvalidRequestError struct{ httpErrorBase }
type AuthenticationError struct{ httpErrorBase }
type RateLimitError struct{ httpErrorBase }
type ServerError struct{ httpErrorBase }
type RequestTimeoutError struct{ httpErrorBase }
type UnknownHTTPError struct{ httpErrorBase }

// ErrorFromHTTPStatus maps a provider response status to the typed
// hierarchy. 429 and 5xx are retryable; other 4xx are not; anything
// unrecognized defaults to retryable so a flaky proxy does not strand
// an image permanently.
func ErrorFromHTTPStatus(provider string, statusCode int, message string) error {
	base := httpErrorBase{
		provider:   strings.TrimSpace(provider),
		statusCode: statusCode,
		message:    message,
	}
	switch {
	case statusCode == 401 || statusCode == 403:
		return &AuthenticationError{base}
	case statusCode == 429:
		base.retryable = true
		return &RateLimitError{base}
	case statusCode >= 500:
		base.retryable = true
		return &ServerError{base}
	case statusCode >= 400:
		return &InvalidRequestError{base}
	default:
		base.retryable = true
		return &UnknownHTTPError{base}
	}
}

// NewRequestTimeoutError marks a non-HTTP timeout (deadline, poll budget
// exhausted). Not retryable: the budget was already spent.
func NewRequestTimeoutError(provider, message string) error {
	return &RequestTimeoutError{httpErrorBase{provider: provider, message: message}}
}

// Retryable reports whether err carries a retryable provider error.
// Unknown error shapes (transport failures) count as retryable.
func Retryable(err error) bool {
	var pe Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return err != nil
}

// StatusCode extracts the HTTP status from a provider error, 0 if none.
func StatusCode(err error) int {
	var pe Error
	if errors.As(err, &pe) {
		return pe.StatusCode()
	}
	return 0
}
