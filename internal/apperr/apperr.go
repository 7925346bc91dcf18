// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package apperr classifies failures so callers can react to them without
// parsing messages. Every error crossing a service boundary should either be
// an *Error or wrap one.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the coarse failure class.
type Kind string

const (
	KindInternal              Kind = "internal"
	KindAuthenticationMissing Kind = "authentication_missing"
	KindAuthorizationDenied   Kind = "authorization_denied"
	KindValidation            Kind = "validation"
	KindNotFound              Kind = "not_found"
	KindConflict              Kind = "conflict"
	KindUpstreamUnavailable   Kind = "upstream_unavailable"
	KindIngestionRejected     Kind = "ingestion_rejected"
)

// Authorization deny reasons.
const (
	ReasonUnauthenticated   = "unauthenticated"
	ReasonUnprovisioned     = "unprovisioned"
	ReasonWrongTenant       = "wrong_tenant"
	ReasonNotMember         = "not_member"
	ReasonOwnershipMismatch = "ownership_mismatch"
	ReasonInsufficientRole  = "insufficient_role"
)

// Ingestion reject reasons.
const (
	ReasonBadSignature   = "bad_signature"
	ReasonMalformed      = "malformed_payload"
	ReasonUnknownSession = "unknown_session"
)

// ReasonQuotaExceeded marks a create refused by the tenant's plan limits.
const ReasonQuotaExceeded = "quota_exceeded"

// Error is a classified application error.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Reason != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Reason)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind and, when the target sets one, by reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Unauthenticated(message string) *Error {
	return &Error{Kind: KindAuthenticationMissing, Reason: ReasonUnauthenticated, Message: message}
}

// Denied builds an AuthorizationDenied error carrying the failed predicate.
func Denied(reason, message string) *Error {
	return &Error{Kind: KindAuthorizationDenied, Reason: reason, Message: message}
}

func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

func Conflict(message string, err error) *Error {
	return &Error{Kind: KindConflict, Message: message, Err: err}
}

func Upstream(message string, err error) *Error {
	return &Error{Kind: KindUpstreamUnavailable, Message: message, Err: err}
}

func Rejected(reason, message string) *Error {
	return &Error{Kind: KindIngestionRejected, Reason: reason, Message: message}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf returns the reason of the first *Error in err's chain.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
