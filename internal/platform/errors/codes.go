// Package errors provides structured domain errors with machine-readable codes.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Lookup errors
	CodeNotFound Code = "NOT_FOUND"

	// Input errors
	CodeValidation Code = "VALIDATION"

	// Session aggregate errors
	CodeCapacityExceeded       Code = "CAPACITY_EXCEEDED"
	CodeSpendingLimitExceeded  Code = "SPENDING_LIMIT_EXCEEDED"
	CodeSplitMismatch          Code = "SPLIT_MISMATCH"
	CodeConcurrentModification Code = "CONCURRENT_MODIFICATION"
	CodeSessionExpired         Code = "SESSION_EXPIRED"
	CodeInvalidTransition      Code = "INVALID_TRANSITION"
	CodeActiveSessionExists    Code = "ACTIVE_SESSION_EXISTS"

	// Session creation errors
	CodeCodeExhausted Code = "CODE_EXHAUSTED"

	// Caller errors
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeForbidden       Code = "FORBIDDEN"

	// Collaborator errors
	CodeUnavailable Code = "UNAVAILABLE"
)

// Metadata keys attached to domain errors.
const (
	MetaStatus         = "status"
	MetaCurrentVersion = "current_version"
	MetaSessionID      = "session_id"
	MetaParticipantID  = "participant_id"
	MetaItemID         = "item_id"
	MetaField          = "field"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	// BadRequest - malformed input
	case CodeValidation:
		return http.StatusBadRequest

	// NotFound - resource doesn't exist
	case CodeNotFound:
		return http.StatusNotFound

	// Conflict - state doesn't allow operation, refetch and retry
	case CodeCapacityExceeded,
		CodeConcurrentModification,
		CodeInvalidTransition,
		CodeActiveSessionExists:
		return http.StatusConflict

	// Gone - the session deadline has passed
	case CodeSessionExpired:
		return http.StatusGone

	// UnprocessableEntity - well-formed but rejected by a business rule
	case CodeSpendingLimitExceeded,
		CodeSplitMismatch:
		return http.StatusUnprocessableEntity

	case CodeUnauthenticated:
		return http.StatusUnauthorized

	case CodeForbidden:
		return http.StatusForbidden

	case CodeCodeExhausted,
		CodeUnavailable:
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller should refetch state and retry.
func (c Code) Retryable() bool {
	return c == CodeConcurrentModification
}
