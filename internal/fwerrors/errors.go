// Package fwerrors defines the error taxonomy shared by every fwupd-core
// component (spec §7). Each Kind is a sentinel comparable with errors.Is;
// helpers wrap arbitrary causes with pkg/errors so call sites keep their
// stack context while still exposing a stable Kind to callers.
package fwerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the recovery-policy buckets from spec §7.
type Kind string

const (
	NotSupported Kind = "not-supported"
	NotFound     Kind = "not-found"
	InvalidData  Kind = "invalid-data"
	InvalidFile  Kind = "invalid-file"
	Write        Kind = "write"
	Read         Kind = "read"
	TimedOut     Kind = "timed-out"
	Busy         Kind = "busy"
	AuthFailed   Kind = "auth-failed"
	Internal     Kind = "internal"
)

// Error pairs a Kind with a human message and an optional wrapped cause.
type Error struct {
	Kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is(err, fwerrors.NotFound) work by comparing Kind, not
// identity, since every call site constructs its own *Error value.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.msg == "" && other.cause == nil && other.Kind == e.Kind
}

// New builds a bare Error of the given Kind, usable as an errors.Is target:
// errors.Is(err, fwerrors.New(fwerrors.NotFound, "")).
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

// Newf is New with fmt formatting.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind and message to an existing cause, preserving it via
// Unwrap and via pkg/errors' stack-trace-carrying WithMessage.
func Wrap(kind Kind, cause error, msg string) *Error {
	if cause == nil {
		return New(kind, msg)
	}
	return &Error{Kind: kind, msg: msg, cause: errors.WithMessage(cause, msg)}
}

// Wrapf is Wrap with fmt formatting of the message.
func Wrapf(kind Kind, cause error, format string, args ...interface{}) *Error {
	return Wrap(kind, cause, fmt.Sprintf(format, args...))
}

// KindOf extracts the Kind carried by err, if any, walking Unwrap chains.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// AfterRetries prefixes a final error with the retry count, per spec §7
// ("failed after N retries: ").
func AfterRetries(n int, err error) error {
	return errors.Wrapf(err, "failed after %d retries", n)
}
