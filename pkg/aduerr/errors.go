// Package aduerr implements the error taxonomy of §7: a single kind
// tag carried alongside the standard error chain, so callers can
// switch on classification without string matching, the way the
// teacher distinguishes apierrors.IsNotFound from other client-go
// errors.
package aduerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the retry/reporting policy in §7.
type Kind string

const (
	// KindConfig is a malformed config; fatal, surfaces to host.
	KindConfig Kind = "ConfigError"
	// KindTrust is a signature/anti-rollback failure; surfaced, never retried.
	KindTrust Kind = "TrustError"
	// KindTransientIO is network/partial-read; retried under download policy.
	KindTransientIO Kind = "TransientIOError"
	// KindVerification is a hash mismatch; payload deleted, retried a
	// bounded number of times then fatal.
	KindVerification Kind = "VerificationError"
	// KindHandler is any handler-returned failure; categorized by the
	// handler's extended result into retry/fatal by the caller.
	KindHandler Kind = "HandlerError"
	// KindCancelRequested is not an error; drives the Cancel transition.
	KindCancelRequested Kind = "CancelRequested"
	// KindRebootRequired is not an error; distinguished apply-result.
	KindRebootRequired Kind = "RebootRequired"
)

// Error wraps an underlying error with a Kind and optional handler
// extended code.
type Error struct {
	Kind         Kind
	ExtendedCode int
	Err          error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind. A nil err still produces a classifiable
// sentinel (used for CancelRequested/RebootRequired, which are not
// errors in the traditional sense but are threaded through the same
// return path to avoid a second result type at the handler ABI
// boundary).
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf is New with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of err if it (or something it wraps) is an
// *Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsTransient reports whether err should be retried under the current
// phase's retry policy rather than failing the deployment outright.
func IsTransient(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	switch kind {
	case KindTransientIO, KindVerification:
		return true
	default:
		return false
	}
}

// ExtendedCode returns the stable nonzero extendedResultCode reported
// over the outbound channel (spec.md:157,168) for an engine-internal
// failure with no handler.Result of its own to carry one -- no
// resolved handler, a sandbox directory that could not be created, and
// so on. Distinct from handler.FailureKind.ExtendedCode's numbering so
// the two axes (handler-reported vs. engine-internal) never collide.
func (k Kind) ExtendedCode() int {
	switch k {
	case KindConfig:
		return 1
	case KindTrust:
		return 2
	case KindTransientIO:
		return 3
	case KindVerification:
		return 4
	case KindHandler:
		return 5
	case KindCancelRequested:
		return 6
	case KindRebootRequired:
		return 7
	default:
		return 0
	}
}
