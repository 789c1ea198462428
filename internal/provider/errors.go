package provider

import (
	"errors"
	"fmt"
)

// ErrorKind classifies provider failures so callers can decide whether to
// surface a provider message, retry a read, or alert an operator.
type ErrorKind string

const (
	// KindDeclined is a card decline or processor rejection. The message is
	// safe to show to the end user.
	KindDeclined ErrorKind = "declined"
	// KindInvalidToken covers bad nonces and unusable payment method tokens.
	KindInvalidToken ErrorKind = "invalid_token"
	// KindNotFound means the referenced remote record does not exist.
	KindNotFound ErrorKind = "not_found"
	// KindTransient is a network/timeout/5xx failure. Safe to retry for
	// reads; unknown-outcome for mutations.
	KindTransient ErrorKind = "transient"
	// KindGateway is any other structured rejection from the provider.
	KindGateway ErrorKind = "gateway"
)

// Error is a structured provider failure.
type Error struct {
	Kind    ErrorKind
	Message string
	// Raw preserves the provider's own error for logging. Never shown to
	// end users.
	Raw error
}

func (e *Error) Error() string {
	return fmt.Sprintf("billing provider: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Raw }

// KindOf returns the classification of err, or the empty kind when err is
// not a provider error. Callers use the empty kind to tell internal
// failures apart from gateway ones.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// UserMessage returns a message suitable for end users: the processor's own
// text for declines, and a generic message for everything else.
func UserMessage(err error) string {
	var pe *Error
	if errors.As(err, &pe) && (pe.Kind == KindDeclined || pe.Kind == KindInvalidToken) {
		return pe.Message
	}
	return "Payment could not be processed. Please try again or contact support."
}

func IsNotFound(err error) bool  { return KindOf(err) == KindNotFound }
func IsDeclined(err error) bool  { return KindOf(err) == KindDeclined }
func IsTransient(err error) bool { return KindOf(err) == KindTransient }
