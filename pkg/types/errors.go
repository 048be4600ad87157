package types

import (
	"context"
	"errors"
	"fmt"
)

// ErrClass buckets an error for retry and reporting decisions
type ErrClass string

const (
	ErrClassUser      ErrClass = "user"      // Bad input; never retried
	ErrClassTransient ErrClass = "transient" // Retryable substrate or network failure
	ErrClassPermanent ErrClass = "permanent" // Will not succeed on retry
	ErrClassBudget    ErrClass = "budget"    // Iteration or cost ceiling reached
	ErrClassApproval  ErrClass = "approval"  // User declined a gated action
	ErrClassCancelled ErrClass = "cancelled"
	ErrClassInternal  ErrClass = "internal" // Invariant breach; a bug
)

// Sentinel errors shared across packages
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrBlockedCommand    = errors.New("blocked command")
	ErrPathEscape        = errors.New("path escapes workspace root")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrApprovalDenied    = errors.New("approval denied")
	ErrDependencyCycle   = errors.New("dependency cycle")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// ClassifiedError attaches an ErrClass to a wrapped error
type ClassifiedError struct {
	Class ErrClass
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// UserErrorf builds a user-class error
func UserErrorf(format string, args ...interface{}) error {
	return &ClassifiedError{Class: ErrClassUser, Err: fmt.Errorf(format, args...)}
}

// Transientf builds a transient-class error
func Transientf(format string, args ...interface{}) error {
	return &ClassifiedError{Class: ErrClassTransient, Err: fmt.Errorf(format, args...)}
}

// Budgetf builds a budget-class error
func Budgetf(format string, args ...interface{}) error {
	return &ClassifiedError{Class: ErrClassBudget, Err: fmt.Errorf(format, args...)}
}

// Permanentf builds a permanent-class error
func Permanentf(format string, args ...interface{}) error {
	return &ClassifiedError{Class: ErrClassPermanent, Err: fmt.Errorf(format, args...)}
}

// Internalf builds an internal-class error
func Internalf(format string, args ...interface{}) error {
	return &ClassifiedError{Class: ErrClassInternal, Err: fmt.Errorf(format, args...)}
}

// Classify resolves the class of any error. Unwrapped context errors map to
// cancelled/transient; sentinel errors map to their natural class; everything
// unclassified is internal.
func Classify(err error) ErrClass {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ErrClassCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrClassTransient
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrPathEscape), errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrDependencyCycle):
		return ErrClassUser
	case errors.Is(err, ErrBlockedCommand), errors.Is(err, ErrRateLimited):
		return ErrClassUser
	case errors.Is(err, ErrApprovalDenied):
		return ErrClassApproval
	case errors.Is(err, ErrInvalidTransition):
		return ErrClassInternal
	}
	return ErrClassInternal
}

// IsTransient reports whether err should be retried
func IsTransient(err error) bool {
	return Classify(err) == ErrClassTransient
}

// ToolStatus is the outcome variant a tool result carries
type ToolStatus string

const (
	ToolStatusOK        ToolStatus = "ok"
	ToolStatusUserError ToolStatus = "user_error"
	ToolStatusTransient ToolStatus = "transient"
	ToolStatusPermanent ToolStatus = "permanent"
)

// ToolStatusFor maps an execution error to its result variant
func ToolStatusFor(err error) ToolStatus {
	if err == nil {
		return ToolStatusOK
	}
	switch Classify(err) {
	case ErrClassUser, ErrClassCancelled, ErrClassApproval:
		return ToolStatusUserError
	case ErrClassTransient:
		return ToolStatusTransient
	default:
		return ToolStatusPermanent
	}
}
