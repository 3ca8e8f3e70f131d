package errors

import (
	"context"
	"fmt"
)

// NewQueueError creates an error for a durable queue file operation.
// Queue I/O failures are retryable: the next tick re-reads the file.
func NewQueueError(queue, operation string, err error) *AppError {
	return WrapRetryable(err, ErrCodeQueueIO, fmt.Sprintf("queue %s failed", operation)).
		WithContext("queue", queue)
}

// NewDatabaseError creates an error for a database operation
func NewDatabaseError(operation string, err error) *AppError {
	return WrapRetryable(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation)
}

// NewMailError creates an error for a failed mail delivery attempt
func NewMailError(subject string, err error) *AppError {
	return WrapRetryable(err, ErrCodeEmailSend, "mail delivery failed").
		WithContext("subject", subject)
}

// NewDuplicateError reports a conflict on a natural key (email, token).
// Duplicates are terminal outcomes, never retried.
func NewDuplicateError(entity, key string) *AppError {
	return New(ErrCodeDuplicate, fmt.Sprintf("%s already exists", entity)).
		WithContext("key", key)
}

// NewParseError reports an inbound command that matched no known shape
func NewParseError(messageID string) *AppError {
	return New(ErrCodeParseFailed, "inbound command matched no known shape").
		WithContext("message_id", messageID)
}

// NewValidationError creates a validation error with field context
func NewValidationError(field, message string) *AppError {
	return New(ErrCodeInvalidInput, message).
		WithContext("field", field)
}

// FromContext annotates an error with cancellation state from the context,
// so a failure caused by an expired tick budget is distinguishable from a
// store that actually misbehaved.
func FromContext(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr.WithContext("ctx_err", ctx.Err().Error())
	}
	return WrapRetryable(err, ErrCodeTimeout, "operation interrupted").
		WithContext("ctx_err", ctx.Err().Error())
}

// IsRecoverable reports whether the error class is expected to clear on a
// later tick without operator intervention.
func IsRecoverable(err error) bool {
	switch GetCode(err) {
	case ErrCodeDatabaseConnection, ErrCodeDatabaseQuery, ErrCodeEmailSend, ErrCodeQueueIO, ErrCodeTimeout:
		return true
	case ErrCodeDuplicate, ErrCodeParseFailed, ErrCodeInvalidState, ErrCodeInvalidInput:
		return false
	default:
		return IsRetryable(err)
	}
}
