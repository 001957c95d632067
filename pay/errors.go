// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pay

import "errors"

// ErrorKind identifies a kind of error that can be used to define new errors
// via const SomeError = pay.ErrorKind("something").
type ErrorKind string

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

const (
	// ErrConcurrentUpdate is returned by a repository procedure when the
	// caller's entity version does not match the last committed version.
	// Callers must re-fetch, recompute, and resubmit. ErrConcurrentUpdate
	// is never surfaced to the user unless retries are exhausted.
	ErrConcurrentUpdate = ErrorKind("concurrent update")
	// ErrNotFound is returned when a referenced entity does not exist, or is
	// not yet visible due to replication lag.
	ErrNotFound = ErrorKind("not found")
)

// Error pairs an error with details.
type Error struct {
	wrapped error
	detail  string
}

// Error satisfies the error interface, combining the wrapped error message
// with the details.
func (e Error) Error() string {
	return e.wrapped.Error() + ": " + e.detail
}

// Unwrap returns the wrapped error, allowing errors.Is and errors.As to work.
func (e Error) Unwrap() error {
	return e.wrapped
}

// NewError wraps the provided error with details in an Error, facilitating
// the use of errors.Is and errors.As via errors.Unwrap.
func NewError(err error, detail string) Error {
	return Error{
		wrapped: err,
		detail:  detail,
	}
}

// DomainError is an expected business-rule violation, e.g. insufficient
// balance or an expired invoice. A DomainError is surfaced to the user
// verbatim and is never retried automatically.
type DomainError string

// Error satisfies the error interface.
func (e DomainError) Error() string {
	return string(e)
}

// IsDomainError indicates whether the error, or any error it wraps, is a
// DomainError.
func IsDomainError(err error) bool {
	var de DomainError
	return errors.As(err, &de)
}

// IsConcurrentUpdate indicates whether the error is the result of a lost
// optimistic-lock race.
func IsConcurrentUpdate(err error) bool {
	return errors.Is(err, ErrConcurrentUpdate)
}

// IsNotFound indicates whether the error signals a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
