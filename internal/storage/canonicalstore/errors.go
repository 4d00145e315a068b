package canonicalstore

import (
	"errors"
	"fmt"
	"strings"
)

// Error types for different categories of store errors.
var (
	// Configuration errors
	ErrMissingHost     = errors.New("store host is required")
	ErrMissingDatabase = errors.New("store database name is required")
	ErrMissingUsername = errors.New("store username is required")
	ErrInvalidPort     = errors.New("invalid store port")
	ErrInvalidDriver   = errors.New("invalid store driver")

	// Connection errors
	ErrStoreClosed      = errors.New("store connection is closed")
	ErrConnectionFailed = errors.New("failed to connect to store")

	// Transaction errors
	ErrTransactionClosed = errors.New("store transaction is closed")

	// Data errors
	ErrNotFound           = errors.New("row not found")
	ErrConnectionNotFound = errors.New("psp connection not found")
	ErrRateNotFound       = errors.New("fx rate not found")

	// Concurrency errors
	ErrDuplicateEntry  = errors.New("duplicate entry")
	ErrSettlementTaken = errors.New("settlement already has a matched row")
	ErrVersionConflict = errors.New("optimistic version conflict")

	// Scope errors
	ErrTenantScope = errors.New("row belongs to a different tenant")
)

// ErrorType categorizes store errors for retry classification.
type ErrorType int

const (
	ErrorTypeUnknown ErrorType = iota
	ErrorTypeConfiguration
	ErrorTypeConnection
	ErrorTypeTransaction
	ErrorTypeData
	ErrorTypeConstraint
	ErrorTypeQuery
	ErrorTypeSchema
)

// StoreError provides detailed information about canonical-store failures.
type StoreError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Retryable bool
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Operation, e.Message)
}

// Unwrap returns the underlying cause error.
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns whether the error is worth retrying.
func (e *StoreError) IsRetryable() bool {
	return e.Retryable
}

// NewStoreError creates a StoreError with retryability derived from the
// error type and cause.
func NewStoreError(errorType ErrorType, operation, message string, cause error) *StoreError {
	return &StoreError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     cause,
		Retryable: retryableCause(errorType, cause),
	}
}

// NewConfigurationError creates a configuration error.
func NewConfigurationError(operation, message string, cause error) *StoreError {
	return NewStoreError(ErrorTypeConfiguration, operation, message, cause)
}

// NewConnectionError creates a connection error.
func NewConnectionError(operation, message string, cause error) *StoreError {
	return NewStoreError(ErrorTypeConnection, operation, message, cause)
}

// NewTransactionError creates a transaction error.
func NewTransactionError(operation, message string, cause error) *StoreError {
	return NewStoreError(ErrorTypeTransaction, operation, message, cause)
}

// NewQueryError creates a query error.
func NewQueryError(operation, message string, cause error) *StoreError {
	return NewStoreError(ErrorTypeQuery, operation, message, cause)
}

// NewConstraintError creates a constraint error.
func NewConstraintError(operation, message string, cause error) *StoreError {
	return NewStoreError(ErrorTypeConstraint, operation, message, cause)
}

// NewSchemaError creates a schema error.
func NewSchemaError(operation, message string, cause error) *StoreError {
	return NewStoreError(ErrorTypeSchema, operation, message, cause)
}

func retryableCause(errorType ErrorType, cause error) bool {
	switch errorType {
	case ErrorTypeConnection:
		return true
	case ErrorTypeTransaction, ErrorTypeQuery:
		if cause == nil {
			return false
		}
		msg := strings.ToLower(cause.Error())
		return strings.Contains(msg, "deadlock") ||
			strings.Contains(msg, "timeout") ||
			strings.Contains(msg, "connection") ||
			strings.Contains(msg, "temporary")
	default:
		return false
	}
}

// IsRetryable reports whether an arbitrary error chain is worth retrying.
// Unique-key and version conflicts are never retried blindly; the caller
// handles them as idempotent success or reload-and-retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicateEntry) || errors.Is(err, ErrSettlementTaken) ||
		errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrNotFound) {
		return false
	}
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return storeErr.Retryable
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused", "connection reset", "connection timeout",
		"database is locked", "temporary failure", "deadlock", "timeout", "busy",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
