package dashsdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// ============================================================================
// Sentinel Errors
// ============================================================================

var (
	// ErrNoParentContext means the process is not embedded in a shell, so
	// there is nobody to ask for a token. It is an expected outcome.
	ErrNoParentContext = errors.New("no parent context")

	// ErrTokenTimeout means the shell did not send a trusted answer in time.
	ErrTokenTimeout = errors.New("token request timed out")

	// ErrUntrustedOrigin marks a discarded message. It is only ever logged.
	ErrUntrustedOrigin = errors.New("message from untrusted origin")

	// ErrCredentialExpired means the backend rejected the credential and a
	// refresh could not recover it.
	ErrCredentialExpired = errors.New("credential expired")

	// ErrServerFailure is returned for 5xx responses.
	ErrServerFailure = errors.New("server failure")

	// ErrNotFound is returned for 404 responses.
	ErrNotFound = errors.New("not found")

	// ErrInvalidCredentials is returned when login is refused.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// SessionExpiredMessage is the notification shown when the session ends
// because the credential could not be recovered.
const SessionExpiredMessage = "Session expired. Please log in again."

// ServerErrorMessage is the notification shown for a 500 response.
const ServerErrorMessage = "Internal server error. Please try again later."

// ============================================================================
// Typed Errors
// ============================================================================

// CredentialExpiredError carries the detail of an unrecoverable 401.
type CredentialExpiredError struct {
	// Retried is true when the resubmitted request was rejected as well.
	Retried bool

	// Cause is the refresh failure, if the refresh itself failed.
	Cause error
}

func (e *CredentialExpiredError) Error() string {
	switch {
	case e.Retried:
		return "credential expired: rejected again after refresh"
	case e.Cause != nil:
		return fmt.Sprintf("credential expired: refresh failed: %v", e.Cause)
	default:
		return "credential expired"
	}
}

// Is matches ErrCredentialExpired.
func (e *CredentialExpiredError) Is(target error) bool { return target == ErrCredentialExpired }

func (e *CredentialExpiredError) Unwrap() error { return e.Cause }

// ValidationError is a 422 response, or input refused before it was sent.
type ValidationError struct {
	Message string
	Fields  map[string][]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		if e.Message != "" {
			return "validation failed: " + e.Message
		}
		return "validation failed"
	}
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return "validation failed: " + strings.Join(names, ", ")
}

// First returns the first message for field, or "".
func (e *ValidationError) First(field string) string {
	if msgs := e.Fields[field]; len(msgs) > 0 {
		return msgs[0]
	}
	return ""
}

// APIError is any other non-success response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Is maps status classes onto the sentinel errors.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrServerFailure:
		return e.StatusCode >= 500
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// ============================================================================
// Error Parsing Helpers
// ============================================================================

// errorBody is the backend's error envelope.
type errorBody struct {
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors"`
}

// parseErrorResponse turns a non-2xx response into a typed error.
// Returns nil for 2xx.
func parseErrorResponse(resp *http.Response, body []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var eb errorBody
	_ = json.Unmarshal(body, &eb)

	if resp.StatusCode == http.StatusUnprocessableEntity {
		return &ValidationError{Message: eb.Message, Fields: eb.Errors}
	}

	return &APIError{StatusCode: resp.StatusCode, Message: eb.Message}
}
