// Package errors provides structured error handling with HTTP status mapping.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Input errors
	CodeValidation Code = "VALIDATION"

	// Credential store errors
	CodeConflict          Code = "CONFLICT"
	CodeUnknownCredential Code = "UNKNOWN_CREDENTIAL"
	CodeReplayDetected    Code = "REPLAY_DETECTED"

	// Ceremony errors
	CodeCeremonyExpired    Code = "CEREMONY_STATE_MISSING_OR_EXPIRED"
	CodeVerificationFailed Code = "VERIFICATION_FAILED"

	// Session errors
	CodeUnauthenticated Code = "UNAUTHENTICATED"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
	CodeStorage  Code = "STORAGE"
)

// HTTPStatus returns the HTTP status code for this error code.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation, CodeCeremonyExpired, CodeVerificationFailed:
		return http.StatusBadRequest
	case CodeConflict:
		return http.StatusConflict
	case CodeUnknownCredential, CodeNotFound:
		return http.StatusNotFound
	case CodeReplayDetected, CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeStorage:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the failure is transient from the client's view.
// Verification, replay, and conflict failures will not succeed on retry.
func (c Code) Retryable() bool {
	return c == CodeStorage
}
