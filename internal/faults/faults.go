// Package faults defines the error kinds shared by the transmission core.
//
// Components return *Error values (or types implementing Kinder) so that
// callers can classify failures without string matching.
package faults

import (
	"errors"
	"strings"
)

// Kind names a class of failure. Kind implements error so it can be used
// as an errors.Is target: errors.Is(err, faults.KindTimeout).
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindAuthentication    Kind = "authentication_error"
	KindNetwork           Kind = "network_error"
	KindTimeout           Kind = "timeout_error"
	KindAuthority         Kind = "authority_error"
	KindRateLimited       Kind = "rate_limited"
	KindRateLimitExceeded Kind = "rate_limit_exceeded"
	KindCircuitOpen       Kind = "circuit_open"
	KindEncryption        Kind = "encryption_error"
	KindKeyNotFound       Kind = "key_not_found"
	KindKeyExpired        Kind = "key_expired"
	KindWebhookDelivery   Kind = "webhook_delivery_error"
	KindCanceled          Kind = "canceled"
	KindInternal          Kind = "internal_error"
)

func (k Kind) Error() string { return string(k) }

// Kinder is implemented by errors that know their own kind.
type Kinder interface {
	FaultKind() Kind
}

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// E builds a classified error.
func E(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: strings.TrimSpace(msg), Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) FaultKind() Kind { return e.Kind }

// Is reports kind equality against a Kind target or another *Error with
// the same kind and message.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return t != nil && e.Kind == t.Kind && e.Message == t.Message
	}
	return false
}

// KindOf returns the kind of the first classified error in err's chain,
// or KindInternal when nothing in the chain is classified.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k Kinder
	if errors.As(err, &k) {
		return k.FaultKind()
	}
	return KindInternal
}

// Message returns a human readable message suitable for last_error.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Message != "" {
		if fe.Err != nil {
			return fe.Message + ": " + fe.Err.Error()
		}
		return fe.Message
	}
	return err.Error()
}

// Retryable reports whether a failure of this kind may succeed on a later
// attempt against the same destination.
func Retryable(k Kind) bool {
	switch k {
	case KindNetwork, KindTimeout, KindAuthority, KindRateLimited:
		return true
	}
	return false
}
