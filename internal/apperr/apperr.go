// Package apperr defines the error taxonomy returned by the wagering core.
//
// Every error that leaves the round orchestrator is an *Error carrying a Kind.
// The Kind decides the transport status and whether the caller may retry; the
// Message is safe to show to end users. Internal causes stay in Err and are
// only ever logged.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation          Kind = "validation"
	KindAlreadyActive       Kind = "already_active"
	KindNotFound            Kind = "not_found"
	KindInvalidState        Kind = "invalid_state"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindRateLimited         Kind = "rate_limited"
	KindLockContention      Kind = "lock_contention"
	KindInternal            Kind = "internal"
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so errors.Is(err, apperr.NotFound)
// works against sentinel values below.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// Retryable reports whether a caller may retry the same request unchanged.
func (e *Error) Retryable() bool {
	return e.Kind == KindLockContention || e.Kind == KindRateLimited
}

// Kind-only sentinels for errors.Is.
var (
	Validation          = &Error{Kind: KindValidation}
	AlreadyActive       = &Error{Kind: KindAlreadyActive}
	NotFound            = &Error{Kind: KindNotFound}
	InvalidState        = &Error{Kind: KindInvalidState}
	InsufficientBalance = &Error{Kind: KindInsufficientBalance}
	RateLimited         = &Error{Kind: KindRateLimited}
	LockContention      = &Error{Kind: KindLockContention}
	Internal            = &Error{Kind: KindInternal}
)

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the Kind of err, or KindInternal for errors outside the taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// PublicMessage returns the message a user may see. Internal errors never
// expose their cause.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) || e.Kind == KindInternal {
		return "internal error"
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}
