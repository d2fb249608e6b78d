package searchsync

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures by the behavior the pipeline owes them, not by
// their implementation type.
type ErrorCode int

const (
	Unknown ErrorCode = iota
	// TransientTransport covers connection loss, read timeouts, and generic
	// transport failures. Retried on the fixed backoff schedule.
	TransientTransport
	// VersionConflict means a later cycle already wrote a strictly newer
	// version. Treated as success for the current UID.
	VersionConflict
	// RenderFailed means the embed endpoint could not render the UID.
	// Recorded per UID; the cycle continues.
	RenderFailed
	// StatementFailed means the database session is poisoned. Fatal to the
	// worker: the transaction must roll back before the connection is usable.
	StatementFailed
	// QueueBackendFailed triggers the one-way failover to the in-process
	// queue backend.
	QueueBackendFailed
	// CycleFailed aborts the whole cycle; last_xmin does not advance.
	CycleFailed
	// AlreadyIndexing rejects a trigger while a cycle is active.
	AlreadyIndexing
)

// Error is the searchsync custom error carrying a behavioral code.
type Error struct {
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("searchsync error %d: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a behavioral code.
func NewError(code ErrorCode, err error) *Error {
	return &Error{Code: code, Err: err}
}

// Errorf is NewError over fmt.Errorf.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// CodeOf extracts the behavioral code from err, or Unknown when err carries
// none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}
