// Package domain provides the core data model shared across the daemon:
// job specifications, execution records, statistics, secret bundles, and
// the error taxonomy every surface (CLI, IPC, HTTP) maps from.
package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is a stable machine-readable error identifier. Kinds survive
// the wire: the IPC server and HTTP API serialize them verbatim, the CLI
// maps them to exit codes.
type ErrorKind string

const (
	// KindNotFound indicates a job, record, or metadata entry is missing.
	KindNotFound ErrorKind = "NOT_FOUND"
	// KindAlreadyExists indicates a duplicate job id or metadata entry.
	KindAlreadyExists ErrorKind = "ALREADY_EXISTS"
	// KindInvalidInput indicates a malformed schedule, empty command, or bad filter.
	KindInvalidInput ErrorKind = "INVALID_INPUT"
	// KindUnauthorized indicates a missing or rejected credential.
	KindUnauthorized ErrorKind = "UNAUTHORIZED"
	// KindForbidden indicates the credential lacks the required permission.
	KindForbidden ErrorKind = "FORBIDDEN"
	// KindTierLimitExceeded indicates a plan quota was hit.
	KindTierLimitExceeded ErrorKind = "TIER_LIMIT_EXCEEDED"
	// KindDaemonUnavailable indicates the control socket is missing or refused.
	KindDaemonUnavailable ErrorKind = "DAEMON_UNAVAILABLE"
	// KindStorageFailure indicates a persistence call failed.
	KindStorageFailure ErrorKind = "STORAGE_FAILURE"
	// KindEncryptionFailure indicates bundle encryption failed.
	KindEncryptionFailure ErrorKind = "ENCRYPTION_FAILURE"
	// KindDecryptionFailure indicates bundle decryption failed.
	KindDecryptionFailure ErrorKind = "DECRYPTION_FAILURE"
	// KindNetworkUnavailable indicates a sync network step failed while the
	// local cache remains usable.
	KindNetworkUnavailable ErrorKind = "NETWORK_UNAVAILABLE"
	// KindServiceShutdown indicates the operation was aborted by daemon shutdown.
	KindServiceShutdown ErrorKind = "SERVICE_SHUTDOWN"
)

// Error is the daemon's error value. It carries a taxonomy kind, a human
// message, and an optional wrapped cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// E constructs a new Error with the given kind and formatted message.
func E(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapErr wraps a cause with a kind and formatted message.
func WrapErr(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the ErrorKind from err, unwrapping as needed. Errors
// outside the taxonomy report KindStorageFailure's sibling default: an
// empty kind, letting callers fall back to generic handling.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// NotFound builds a NOT_FOUND error for a resource and id.
func NotFound(resource, id string) *Error {
	return E(KindNotFound, "%s %q not found", resource, id)
}

// AlreadyExists builds an ALREADY_EXISTS error for a resource and id.
func AlreadyExists(resource, id string) *Error {
	return E(KindAlreadyExists, "%s %q already exists", resource, id)
}
