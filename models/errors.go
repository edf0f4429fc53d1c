package models

import "errors"

var (
	ErrorRecordNotFound = errors.New("record not found")

	// Surfaced synchronously to public callers, never retried.
	ErrorQuotaExceeded   = errors.New("sync job quota exceeded")
	ErrorUnauthorized    = errors.New("unauthorized")
	ErrorInvalidState    = errors.New("operation not allowed in current state")
	ErrorInvalidArgument = errors.New("invalid argument")

	// ErrorRemoteUnavailable marks transport/connection failures against the
	// remote storefront. Retryable at the job level.
	ErrorRemoteUnavailable = errors.New("remote storefront unavailable")

	// ErrorValidationFailure marks malformed entity payloads. Not retryable;
	// surfaces as a per-item error inside a run.
	ErrorValidationFailure = errors.New("validation failure")

	// ErrorJobTimeout is recorded when a job exceeds its execution deadline.
	ErrorJobTimeout = errors.New("job execution timed out")
)
