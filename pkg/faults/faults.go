// Kiln is an agent-operated control plane for heterogeneous 3D-printer fleets.
// Copyright (C) 2026  Kiln Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package faults defines the stable machine-readable failure kinds the core
// returns to callers. Failures are values, not panics: every error carries a
// Kind, a human-readable message, and optional structured details.
package faults

import (
	"errors"
	"fmt"
)

// Kind is a stable machine-readable error category.
type Kind string

const (
	KindTransport          Kind = "TRANSPORT"
	KindTimeout            Kind = "TIMEOUT"
	KindAuth               Kind = "AUTH"
	KindLimitExceeded      Kind = "LIMIT_EXCEEDED"
	KindValidationRejected Kind = "VALIDATION_REJECTED"
	KindPreflightFailed    Kind = "PREFLIGHT_FAILED"
	KindNotIdle            Kind = "NOT_IDLE"
	KindNotActive          Kind = "NOT_ACTIVE"
	KindInvalidState       Kind = "INVALID_STATE"
	KindFileMissing        Kind = "FILE_MISSING"
	KindTooLarge           Kind = "TOO_LARGE"
	KindPathEscape         Kind = "PATH_ESCAPE"
	KindSafetyViolation    Kind = "SAFETY_VIOLATION"
	KindStartUnconfirmed   Kind = "START_UNCONFIRMED"
	KindSSRFBlocked        Kind = "SSRF_BLOCKED"
	KindPersistenceFailure Kind = "PERSISTENCE_FAILURE"
	KindUnsupported        Kind = "UNSUPPORTED"
	KindCancelled          Kind = "CANCELLED"
	KindConflict           Kind = "CONFLICT"
	KindNotFound           Kind = "NOT_FOUND"
)

// Error is a categorized failure. Details carry structured context such as
// the preflight check that failed or the observed value.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	cause   error
}

// New constructs an Error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error around a cause, preserving it for errors.Is/As.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithDetail attaches one structured detail and returns the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Error renders "KIND: message".
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// KindOf extracts the Kind from an error chain, or "" if none is present.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is lets errors.Is match on bare kinds via faults.New(kind, "").
func (e *Error) Is(target error) bool {
	var fe *Error
	if errors.As(target, &fe) {
		return fe.Kind == e.Kind
	}
	return false
}

// Retryable reports whether the scheduler may re-dispatch a job that failed
// with this kind. Validation, preflight, and auth failures are not
// retryable; the operator has to resolve them.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransport, KindTimeout, KindStartUnconfirmed:
		return true
	default:
		return false
	}
}
