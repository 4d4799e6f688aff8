// SPDX-License-Identifier: MIT

// Package apperr defines the error taxonomy shared by all core components.
// Component boundaries translate underlying failures into these kinds; no
// third-party error types cross an interface.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into the core taxonomy.
type Kind string

const (
	KindValidation          Kind = "validation_error"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindStorageUnavailable  Kind = "storage_unavailable"
	KindTransportAuth       Kind = "transport_auth_error"
	KindTransportTransient  Kind = "transport_transient"
	KindTransportPersistent Kind = "transport_persistent"
	KindDecode              Kind = "decode_error"
	KindRateLimited         Kind = "rate_limited"
	KindInternal            Kind = "internal"
)

// Well-known reasons carried alongside a Kind. These are surfaced verbatim
// to callers so the HTTP layer can translate them without string matching.
const (
	ReasonQueueFull          = "queue_full"
	ReasonInvalidURL         = "invalid_url"
	ReasonHasItems           = "has_items"
	ReasonInvalidPosition    = "invalid_position"
	ReasonSessionUnavailable = "session_unavailable"
	ReasonNotSeekable        = "not_seekable"
	ReasonInvalidTimeout     = "invalid_timeout"
	ReasonInvalidEncoderArgs = "invalid_encoder_args"
	ReasonUnknownBucket      = "unknown_bucket"
	ReasonUnreachable        = "unreachable"
	ReasonForbidden          = "forbidden"
)

// Error is the taxonomy-carrying error type.
type Error struct {
	Kind   Kind
	Reason string // optional machine-readable detail, e.g. "queue_full"
	msg    string
	cause  error
}

func (e *Error) Error() string {
	switch {
	case e.msg != "" && e.cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.cause)
	case e.msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.msg)
	case e.cause != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.cause }

// Is allows errors.Is against a bare-kind sentinel: errors.Is(err, &Error{Kind: KindConflict}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	if t.Reason != "" && t.Reason != e.Reason {
		return false
	}
	return true
}

// New builds a taxonomy error with a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

// Newf builds a taxonomy error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a taxonomy error.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, msg: msg, cause: cause}
}

// WithReason builds a taxonomy error carrying a machine-readable reason.
func WithReason(kind Kind, reason, msg string) *Error {
	return &Error{Kind: kind, Reason: reason, msg: msg}
}

// KindOf extracts the Kind from an error chain; KindInternal for unknown errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// ReasonOf extracts the machine-readable reason from an error chain, if any.
func ReasonOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// Retryable reports whether the edge may retry the operation.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindStorageUnavailable, KindTransportTransient:
		return true
	default:
		return false
	}
}
