package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why an order did not commit.
type ErrorKind int

const (
	KindInsufficientStock ErrorKind = iota
	KindInvalidOrder
	KindInternalInconsistency
)

func (k ErrorKind) String() string {
	switch k {
	case KindInsufficientStock:
		return "INSUFFICIENT_STOCK"
	case KindInvalidOrder:
		return "INVALID_ORDER"
	case KindInternalInconsistency:
		return "INTERNAL_INCONSISTENCY"
	default:
		return "UNKNOWN"
	}
}

// Sentinels for errors.Is matching against an *OrderError of the same kind.
var (
	ErrInsufficientStock     = &OrderError{Kind: KindInsufficientStock, Message: "insufficient stock"}
	ErrInvalidOrder          = &OrderError{Kind: KindInvalidOrder, Message: "invalid order"}
	ErrInternalInconsistency = &OrderError{Kind: KindInternalInconsistency, Message: "internal inconsistency"}
)

// OrderError is returned when an order is rejected or fails.
type OrderError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *OrderError) Unwrap() error { return e.Err }

// Is matches any OrderError of the same kind.
func (e *OrderError) Is(target error) bool {
	t, ok := target.(*OrderError)
	return ok && t.Kind == e.Kind
}

// Insufficient creates an InsufficientStock error.
func Insufficient(message string) *OrderError {
	return &OrderError{Kind: KindInsufficientStock, Message: message}
}

// Invalid creates an InvalidOrder error.
func Invalid(message string) *OrderError {
	return &OrderError{Kind: KindInvalidOrder, Message: message}
}

// Invalidf creates an InvalidOrder error with a formatted message.
func Invalidf(format string, args ...interface{}) *OrderError {
	return &OrderError{Kind: KindInvalidOrder, Message: fmt.Sprintf(format, args...)}
}

// Inconsistency creates an InternalInconsistency error.
func Inconsistency(message string) *OrderError {
	return &OrderError{Kind: KindInternalInconsistency, Message: message}
}

// Inconsistencyf creates an InternalInconsistency error with a formatted message.
func Inconsistencyf(format string, args ...interface{}) *OrderError {
	return &OrderError{Kind: KindInternalInconsistency, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first OrderError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var oe *OrderError
	if errors.As(err, &oe) {
		return oe.Kind, true
	}
	return 0, false
}
