// Package errs defines the fixed error-kind taxonomy used across the session
// state machine and its one-to-one mapping onto process exit codes.
package errs

import "github.com/pkg/errors"

// Kind is a closed enumeration of error categories. Every AT transaction
// failure, discovery failure, or signal-induced teardown is classified into
// exactly one Kind before the process exits.
type Kind int

const (
	OK Kind = iota
	InvalidArg
	Internal
	Signaled
	NoModem
	Modem
	SIM
	Unlock
	Dial
	Auth
	PPP
	Network
)

var names = [...]string{
	OK:         "OK",
	InvalidArg: "INVALID-ARG",
	Internal:   "INTERNAL",
	Signaled:   "SIGNALED",
	NoModem:    "NO-MODEM",
	Modem:      "MODEM",
	SIM:        "SIM",
	Unlock:     "UNLOCK",
	Dial:       "DIAL",
	Auth:       "AUTH",
	PPP:        "PPP",
	Network:    "NETWORK",
}

var exitCodes = [...]int{
	OK:         0,
	InvalidArg: 1,
	Internal:   2,
	Signaled:   3,
	NoModem:    4,
	Modem:      5,
	SIM:        6,
	Unlock:     7,
	Dial:       8,
	Auth:       9,
	PPP:        10,
	Network:    11,
}

// String returns the canonical name of k.
func (k Kind) String() string {
	if int(k) < 0 || int(k) >= len(names) {
		return "UNKNOWN"
	}
	return names[k]
}

// ExitCode returns the process exit code corresponding to k.
func (k Kind) ExitCode() int {
	if int(k) < 0 || int(k) >= len(exitCodes) {
		return exitCodes[Internal]
	}
	return exitCodes[k]
}

// Error wraps a Kind with the underlying cause, so callers can surface a
// single KindOf(err) for exit-code selection while still reaching the
// original cause via errors.Unwrap/errors.Is/errors.As for tests and logging.
// Error has no Cause method, so errors.Cause stops at the *Error itself.
type Error struct {
	kind  Kind
	cause error
}

// New returns an *Error of the given kind wrapping msg as its own cause.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, cause: errors.New(msg)}
}

// Wrap annotates cause with kind. If cause is nil, Wrap returns nil.
func Wrap(kind Kind, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{kind: kind, cause: errors.WithStack(cause)}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.kind.String() + ": " + e.cause.Error()
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As/errors.Unwrap.
func (e *Error) Unwrap() error {
	return e.cause
}

// KindOf returns the error-kind classification of e, or OK for a nil e.
func KindOf(e error) Kind {
	if e == nil {
		return OK
	}
	var se *Error
	if errors.As(e, &se) {
		return se.kind
	}
	return Internal
}

// AsSignaled overrides kind to Signaled, used when the signal-safe cleanup
// flag is observed set at the moment an error is about to surface (§7:
// "If the signaled flag is set at the moment of surfacing an error, the kind
// is overridden to SIGNALED").
func AsSignaled(e error) *Error {
	if e == nil {
		return &Error{kind: Signaled, cause: errors.New("terminated by signal")}
	}
	var se *Error
	if errors.As(e, &se) {
		return &Error{kind: Signaled, cause: se.cause}
	}
	return &Error{kind: Signaled, cause: e}
}
