// Package apperr implements the error taxonomy shared by every component:
// a closed set of kinds, each mapped to an HTTP status and (where it applies)
// a stable error_type code surfaced in the HTTP error envelope and in
// turn_error broadcast payloads. Replaces the exception-based control flow
// of the source system with an explicit error enum.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the coarse error category.
type Kind string

const (
	KindValidation Kind = "VALIDATION"
	KindAuth       Kind = "AUTH"
	KindNotFound   Kind = "NOT_FOUND"
	KindConflict   Kind = "CONFLICT"
	KindGit        Kind = "GIT"
	KindAgent      Kind = "AGENT"
	KindInternal   Kind = "INTERNAL"
)

// Code is the fine-grained error_type surfaced to callers.
type Code string

const (
	CodeTokenInvalid         Code = "TOKEN_INVALID"
	CodeWorkspaceTokenInvalid Code = "WORKSPACE_TOKEN_INVALID"
	CodeRefreshInvalid       Code = "REFRESH_INVALID"
	CodeRefreshExpired       Code = "REFRESH_EXPIRED"
	CodeRefreshUsed          Code = "REFRESH_USED"
	CodeMonoAuthTokenInvalid Code = "MONO_AUTH_TOKEN_INVALID"
	CodeForbidden            Code = "FORBIDDEN"
	CodeHandoffTokenUsed     Code = "HANDOFF_TOKEN_USED"
	CodeHandoffTokenExpired  Code = "HANDOFF_TOKEN_EXPIRED"

	CodeGitAuthFailed   Code = "AUTH_FAILED"
	CodeGitRepoNotFound Code = "REPO_NOT_FOUND"
	CodeGitNetwork      Code = "NETWORK"
	CodeGitInvalidURL   Code = "INVALID_URL"
	CodeGitIO           Code = "IO"

	CodeAgentUsageLimit  Code = "usage_limit"
	CodeAgentRateLimited Code = "rate_limited"
	CodeAgentNetwork     Code = "network"
	CodeAgentInternal    Code = "internal"
)

// Error is the concrete error type returned by every component. It carries
// enough information for the API layer to map it to an HTTP status and for
// the Broadcaster to map it to a turn_error payload, without either layer
// needing to know the originating component.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

// Is supports errors.Is comparisons against sentinel *Error values built
// with the same Kind and Code (ignoring Message).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// New constructs an Error with an explicit code.
func New(kind Kind, code Code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap attaches kind/code context to an underlying error.
func Wrap(kind Kind, code Code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, cause: cause}
}

// Validation builds a VALIDATION error (no fixed Code; message is the
// user-facing reason, e.g. a field-validation failure).
func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, "", fmt.Sprintf(format, args...))
}

// NotFound builds a NOT_FOUND error.
func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, "", fmt.Sprintf(format, args...))
}

// Conflict builds a CONFLICT error.
func Conflict(format string, args ...interface{}) *Error {
	return New(KindConflict, "", fmt.Sprintf(format, args...))
}

// Internal builds an INTERNAL error, preserving the cause for logging.
func Internal(cause error, format string, args ...interface{}) *Error {
	return Wrap(KindInternal, "", fmt.Sprintf(format, args...), cause)
}

// HTTPStatus maps an error (if it is, or wraps, an *Error) to the status
// code the API layer must return. Unrecognized errors map to 500.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		switch e.Code {
		case CodeForbidden:
			return http.StatusForbidden
		case CodeHandoffTokenUsed:
			return http.StatusConflict
		case CodeHandoffTokenExpired:
			return http.StatusGone
		default:
			return http.StatusUnauthorized
		}
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindGit:
		switch e.Code {
		case CodeGitAuthFailed:
			return http.StatusUnauthorized
		case CodeGitRepoNotFound:
			return http.StatusNotFound
		default:
			return http.StatusBadRequest
		}
	case KindAgent:
		// Agent errors are queued and streamed over the WebSocket as
		// turn_error; the HTTP call that initiated the turn already
		// returned 200.
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// Envelope is the HTTP error body shape: {error, error_type?}.
type Envelope struct {
	Error     string `json:"error"`
	ErrorType string `json:"error_type,omitempty"`
}

// ToEnvelope converts an error into the wire envelope.
func ToEnvelope(err error) Envelope {
	var e *Error
	if !errors.As(err, &e) {
		return Envelope{Error: err.Error()}
	}
	return Envelope{Error: e.Error(), ErrorType: string(e.Code)}
}

// Auth/Git/Agent convenience constructors used throughout the codebase.

func TokenInvalid() *Error { return New(KindAuth, CodeTokenInvalid, "token is invalid or expired") }

func WorkspaceTokenInvalid() *Error {
	return New(KindAuth, CodeWorkspaceTokenInvalid, "workspace token is invalid")
}

func RefreshInvalid() *Error { return New(KindAuth, CodeRefreshInvalid, "refresh token is invalid") }

func RefreshExpired() *Error { return New(KindAuth, CodeRefreshExpired, "refresh token has expired") }

func RefreshUsed() *Error {
	return New(KindAuth, CodeRefreshUsed, "refresh token has already been used")
}

func MonoAuthTokenInvalid() *Error {
	return New(KindAuth, CodeMonoAuthTokenInvalid, "handoff token is invalid")
}

func Forbidden(message string) *Error { return New(KindAuth, CodeForbidden, message) }

func HandoffTokenUsed() *Error {
	return New(KindAuth, CodeHandoffTokenUsed, "handoff token has already been consumed")
}

func HandoffTokenExpired() *Error {
	return New(KindAuth, CodeHandoffTokenExpired, "handoff token has expired")
}

func GitClassified(code Code, message string) *Error { return New(KindGit, code, message) }

func AgentError(code Code, message string) *Error { return New(KindAgent, code, message) }
