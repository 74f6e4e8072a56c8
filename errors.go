package pqpipe

import (
	"fmt"

	"pqpipe/internal/conn"
)

// PgError is an error reported by the PostgreSQL backend for one statement.
type PgError = conn.PgError

// UsageError reports misuse of the API: retrieving a statement twice,
// retrieving from an empty pipeline, executing on a transaction while another
// component holds focus, and so on. It is always local and never retried.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return e.Msg }

func usageErrorf(format string, args ...interface{}) *UsageError {
	return &UsageError{Msg: fmt.Sprintf(format, args...)}
}

// SkippedError is returned when retrieving a statement that never executed
// because an earlier statement in the same submission failed. It describes
// the upstream failure rather than fabricating an empty result.
type SkippedError struct {
	ID        QueryID // the skipped statement
	FailedID  QueryID // the statement whose failure caused the skip
	FailedSQL string
	Cause     error
}

func (e *SkippedError) Error() string {
	return fmt.Sprintf("statement %d skipped: statement %d (%q) failed: %s", e.ID, e.FailedID, e.FailedSQL, e.Cause.Error())
}

func (e *SkippedError) Unwrap() error { return e.Cause }

// Timeout reports whether err was caused by a context cancellation, a context
// deadline, or a network timeout.
func Timeout(err error) bool { return conn.Timeout(err) }

// SafeToRetry reports whether err is guaranteed to have occurred before any
// data was sent to the backend.
func SafeToRetry(err error) bool { return conn.SafeToRetry(err) }
