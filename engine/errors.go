package engine

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an engine error at the boundary. Callers branch on the
// kind, not the message.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindResourceUnavailable Kind = "resource_unavailable"
	KindAction              Kind = "action"
	KindCacheRetrieval      Kind = "cache_retrieval"
	KindCacheStorage        Kind = "cache_storage"
	KindCacheTransaction    Kind = "cache_transaction"
	KindStorage             Kind = "storage"
	KindResume              Kind = "resume"
	KindTimeout             Kind = "timeout"
	KindCancelled           Kind = "cancelled"
	KindUnknownResource     Kind = "unknown_resource"
	KindUnknownAction       Kind = "unknown_action"
)

// Error is the engine's typed error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a typed engine error.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError builds a typed engine error around a cause.
func WrapError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the kind from err, classifying context errors along the
// way. Unknown errors are treated as action errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindAction
}

// Permanent reports whether err must not be retried.
func Permanent(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindResourceUnavailable, KindTimeout, KindCancelled,
		KindUnknownResource, KindUnknownAction:
		return true
	}
	return false
}
