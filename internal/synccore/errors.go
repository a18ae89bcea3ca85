// Package synccore defines the error taxonomy shared by every component of
// the sync engine (schema manager, oplog store, state machine, ...).
package synccore

import "fmt"

// Class is the engine's error taxonomy: every failure that crosses a
// public entry point is tagged with exactly one of these so the host
// adapter can map it to the right SQLite error without string-sniffing
// the message.
type Class string

const (
	// ClassProtocol marks malformed or unexpected sync lines. No state
	// mutation is committed when this class is returned.
	ClassProtocol Class = "protocol"
	// ClassChecksumMismatch marks a bucket whose declared checksum didn't
	// match the locally computed one. Recoverable: only the offending
	// bucket is discarded, the session continues.
	ClassChecksumMismatch Class = "checksum_mismatch"
	// ClassBusy marks a host write that returned SQLITE_BUSY. The whole
	// command must be retried in a fresh transaction.
	ClassBusy Class = "busy"
	// ClassInternal marks unexpected host errors.
	ClassInternal Class = "internal"
	// ClassConfiguration marks invalid schema/subscription input.
	ClassConfiguration Class = "configuration"
)

// Error is the concrete carrier type for synccore.Class. It wraps the
// underlying cause and a short LOC_* location code, so log lines and
// returned SQL errors can both reference the same tag.
type Error struct {
	Class   Class
	Loc     string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%s)", e.Message, e.Cause.Error(), e.Loc)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Loc)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with no wrapped cause.
func New(class Class, loc, message string) *Error {
	return &Error{Class: class, Loc: loc, Message: message}
}

// Wrap builds an Error wrapping cause.
func Wrap(class Class, loc, message string, cause error) *Error {
	return &Error{Class: class, Loc: loc, Message: message, Cause: cause}
}

// Protocolf is a convenience constructor for the most common class.
func Protocolf(loc, format string, args ...any) *Error {
	return &Error{Class: ClassProtocol, Loc: loc, Message: fmt.Sprintf(format, args...)}
}

// IsBusy reports whether err (or something it wraps) is a Busy-class error.
func IsBusy(err error) bool {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Class == ClassBusy
	}
	return false
}

// ClassOf returns the taxonomy class of err, or ClassInternal if err is not
// a *Error.
func ClassOf(err error) Class {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Class
	}
	return ClassInternal
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
