package provider

import (
	"errors"
	"fmt"
)

// ErrClass is the closed error taxonomy from spec §7, replacing the
// original service's exception hierarchy (ProviderError,
// InstanceNotFoundError, QuotaExceededError, InsufficientResourcesError).
type ErrClass string

const (
	ClassValidation            ErrClass = "VALIDATION"
	ClassQuotaExceeded         ErrClass = "QUOTA_EXCEEDED"
	ClassTemplateNotFound      ErrClass = "TEMPLATE_NOT_FOUND"
	ClassQueueFull             ErrClass = "QUEUE_FULL"
	ClassNoPlacement           ErrClass = "NO_PLACEMENT"
	ClassProviderError         ErrClass = "PROVIDER_ERROR" // transient
	ClassProviderPermanent     ErrClass = "PROVIDER_PERMANENT"
	ClassInsufficientResources ErrClass = "INSUFFICIENT_RESOURCES" // transient
	ClassTimeout               ErrClass = "TIMEOUT"
	ClassCancelled             ErrClass = "CANCELLED"
	ClassDatabaseError         ErrClass = "DATABASE_ERROR" // transient
	ClassInternal              ErrClass = "INTERNAL"
)

// Transient reports whether the runner may retry a failure of this class
// without user intervention, per spec §7/§4.5.
func (c ErrClass) Transient() bool {
	switch c {
	case ClassProviderError, ClassInsufficientResources, ClassDatabaseError:
		return true
	default:
		return false
	}
}

// Error wraps a message with a closed ErrClass so callers make retry
// decisions against the class, never by string-matching or catching a
// generic error.
type Error struct {
	Class   ErrClass
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, &Error{Class: X}) comparisons by class alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// New builds a classed error.
func New(class ErrClass, message string) *Error {
	return &Error{Class: class, Message: message}
}

// Wrap builds a classed error around a cause.
func Wrap(class ErrClass, message string, cause error) *Error {
	return &Error{Class: class, Message: message, Cause: cause}
}

// ClassOf extracts the ErrClass of err, defaulting to ClassInternal when err
// is not a *Error.
func ClassOf(err error) ErrClass {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassInternal
}
