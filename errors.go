package objdb

import (
	"fmt"
)

// Kind classifies an [Error] the way the operation that raised it must be
// handled: retried transparently, surfaced to the caller, or treated as a
// service-lifecycle condition.
type Kind int

const (
	// KindRetryable errors are only ever observed by the Coordinator, which
	// discards the transaction and re-runs the task.
	KindRetryable Kind = iota
	// KindCallerBug errors indicate a programming mistake; not retried.
	KindCallerBug
	// KindDataAbsent errors mean the requested name or object doesn't exist.
	KindDataAbsent
	// KindLifecycle errors reflect the Coordinator's or Store's state.
	KindLifecycle
	// KindFatal errors are unrecoverable and never retried. Returning one
	// does not change the Coordinator's state; the service stays Running
	// until Shutdown is called.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindCallerBug:
		return "caller-bug"
	case KindDataAbsent:
		return "data-absent"
	case KindLifecycle:
		return "lifecycle"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Code is a stable, lower-case-with-hyphens identifier for one error
// condition, the vocabulary callers match on with errors.Is/CodeOf.
type Code string

const (
	CodeTransactionConflict Code = "transaction-conflict"
	CodeTransactionTimeout  Code = "transaction-timeout"
	CodeTransactionAborted  Code = "transaction-aborted"

	CodeNullArgument       Code = "null-argument"
	CodeInvalidID          Code = "invalid-id"
	CodeTypeMismatch       Code = "type-mismatch"
	CodeNotSerializable    Code = "not-serializable"
	CodeObjectNotManaged   Code = "object-not-managed"

	CodeNameNotBound  Code = "name-not-bound"
	CodeObjectNotFound Code = "object-not-found"

	CodeServiceNotReady     Code = "service-not-ready"
	CodeServiceShuttingDown Code = "service-shutting-down"
	CodeServiceShutDown     Code = "service-shut-down"
	CodeAlreadyShutDown     Code = "already-shut-down"
	CodeTransactionNotActive Code = "transaction-not-active"

	CodeStorageCorrupt           Code = "storage-corrupt"
	CodeVersionIncompatible      Code = "version-incompatible"
	CodeSerializationFormatError Code = "serialization-format-error"
)

var codeKinds = map[Code]Kind{
	CodeTransactionConflict: KindRetryable,
	CodeTransactionTimeout:  KindRetryable,
	CodeTransactionAborted:  KindRetryable,

	CodeNullArgument:     KindCallerBug,
	CodeInvalidID:        KindCallerBug,
	CodeTypeMismatch:     KindCallerBug,
	CodeNotSerializable:  KindCallerBug,
	CodeObjectNotManaged: KindCallerBug,

	CodeNameNotBound:   KindDataAbsent,
	CodeObjectNotFound: KindDataAbsent,

	CodeServiceNotReady:      KindLifecycle,
	CodeServiceShuttingDown:  KindLifecycle,
	CodeServiceShutDown:      KindLifecycle,
	CodeAlreadyShutDown:      KindLifecycle,
	CodeTransactionNotActive: KindLifecycle,

	CodeStorageCorrupt:           KindFatal,
	CodeVersionIncompatible:      KindFatal,
	CodeSerializationFormatError: KindFatal,
}

// Error is the concrete error type returned by every exported operation in
// this package. It always carries a stable Code so callers can match on
// it with CodeOf, or with errors.Is against another *Error carrying the
// same Code, plus an optional wrapped cause for diagnostics.
type Error struct {
	Code Code
	Kind Kind
	Msg  string
	Err  error
}

func newErr(code Code, err error, format string, args ...any) *Error {
	kind, ok := codeKinds[code]
	if !ok {
		panic(fmt.Sprintf("objdb: unregistered error code %q", code))
	}
	return &Error{Code: code, Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("objdb: %s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("objdb: %s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Code, so that
// errors.Is(err, &Error{Code: CodeNameNotBound}) style checks match any
// error carrying that code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Retryable reports whether the Coordinator should silently retry the
// transaction that produced err.
func Retryable(err error) bool {
	var e *Error
	if !asError(err, &e) {
		return false
	}
	return e.Kind == KindRetryable
}

// CodeOf extracts the Code carried by err, if any.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if !asError(err, &e) {
		return "", false
	}
	return e.Code, true
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Sentinel constructors used throughout the package; each wraps an
// optional underlying cause for %w-friendly diagnostics without exposing
// storage-layer error types across the public API.

func errTransactionConflict(cause error, format string, args ...any) error {
	return newErr(CodeTransactionConflict, cause, format, args...)
}
func errTransactionTimeout(cause error, format string, args ...any) error {
	return newErr(CodeTransactionTimeout, cause, format, args...)
}
// errTransactionAbortedFinal is transaction-aborted with the retryable kind
// stripped: the coordinator uses it when the transaction will not be re-run
// (retry budget spent, or the task panicked), so an enclosing retry loop
// must not pick it up again.
func errTransactionAbortedFinal(cause error, format string, args ...any) error {
	return &Error{Code: CodeTransactionAborted, Kind: KindCallerBug, Msg: fmt.Sprintf(format, args...), Err: cause}
}
func errNullArgument(format string, args ...any) error {
	return newErr(CodeNullArgument, nil, format, args...)
}
func errInvalidID(format string, args ...any) error {
	return newErr(CodeInvalidID, nil, format, args...)
}
func errTypeMismatch(format string, args ...any) error {
	return newErr(CodeTypeMismatch, nil, format, args...)
}
func errNotSerializable(format string, args ...any) error {
	return newErr(CodeNotSerializable, nil, format, args...)
}
func errObjectNotManaged(format string, args ...any) error {
	return newErr(CodeObjectNotManaged, nil, format, args...)
}
func errNameNotBound(format string, args ...any) error {
	return newErr(CodeNameNotBound, nil, format, args...)
}
func errObjectNotFound(format string, args ...any) error {
	return newErr(CodeObjectNotFound, nil, format, args...)
}
func errServiceNotReady(format string, args ...any) error {
	return newErr(CodeServiceNotReady, nil, format, args...)
}
func errServiceShuttingDown(format string, args ...any) error {
	return newErr(CodeServiceShuttingDown, nil, format, args...)
}
func errServiceShutDown(format string, args ...any) error {
	return newErr(CodeServiceShutDown, nil, format, args...)
}
func errAlreadyShutDown(format string, args ...any) error {
	return newErr(CodeAlreadyShutDown, nil, format, args...)
}
func errTransactionNotActive(format string, args ...any) error {
	return newErr(CodeTransactionNotActive, nil, format, args...)
}
func errStorageCorrupt(cause error, format string, args ...any) error {
	return newErr(CodeStorageCorrupt, cause, format, args...)
}
func errVersionIncompatible(format string, args ...any) error {
	return newErr(CodeVersionIncompatible, nil, format, args...)
}
func errSerializationFormatError(cause error, format string, args ...any) error {
	return newErr(CodeSerializationFormatError, cause, format, args...)
}

// DataError reports a problem decoding a previously-encoded payload; kept
// distinct from Error because it carries the offending bytes for
// diagnostics and is always wrapped by errSerializationFormatError before
// crossing the package boundary.
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		}
		return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
	}
	p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
	}
	return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
}
