// Package errors defines the fault taxonomy shared by the monitor loop, the
// notifier and the backup scheduler.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// TypeMetricUnavailable means a sample could not be read; the tick is skipped.
	TypeMetricUnavailable ErrorType = "metric_unavailable"
	// TypeNotificationDeliveryFailed means a channel exhausted its retry budget.
	TypeNotificationDeliveryFailed ErrorType = "notification_delivery_failed"
	// TypeBackupIOFailure means a backup attempt failed and was cleaned up.
	TypeBackupIOFailure ErrorType = "backup_io_failure"
	// TypeConfigurationInvalid is fatal, and only at startup.
	TypeConfigurationInvalid ErrorType = "configuration_invalid"
	// TypeSchedulerOverlap is informational: a slot was skipped.
	TypeSchedulerOverlap ErrorType = "scheduler_overlap"
)

// AppError represents an application error with context
type AppError struct {
	Type      ErrorType `json:"type"`
	Op        string    `json:"op"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	wrapped   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.wrapped != nil {
		if msg == "" {
			return e.wrapped.Error()
		}
		return fmt.Sprintf("%s: %v", msg, e.wrapped)
	}
	return msg
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.wrapped
}

// Transient reports whether the fault is contained by the component that
// raised it. Only configuration errors are allowed to stop the process.
func (e *AppError) Transient() bool {
	return e.Type != TypeConfigurationInvalid
}

// Fields returns structured log fields describing the error.
func (e *AppError) Fields() []zap.Field {
	fields := []zap.Field{
		zap.String("error_type", string(e.Type)),
		zap.Time("error_time", e.Timestamp),
	}
	if e.Op != "" {
		fields = append(fields, zap.String("op", e.Op))
	}
	return fields
}

// New creates an error of the given type.
func New(t ErrorType, op, message string) *AppError {
	return &AppError{
		Type:      t,
		Op:        op,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Wrap wraps err with a type and operation. A nil err returns nil.
func Wrap(t ErrorType, op string, err error) error {
	if err == nil {
		return nil
	}
	return &AppError{
		Type:      t,
		Op:        op,
		Timestamp: time.Now(),
		wrapped:   err,
	}
}

// Wrapf wraps err with a formatted message.
func Wrapf(t ErrorType, op string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &AppError{
		Type:      t,
		Op:        op,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: time.Now(),
		wrapped:   err,
	}
}

// IsType reports whether any error in err's chain is an AppError of type t.
func IsType(err error, t ErrorType) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Type == t {
			return true
		}
		err = appErr.wrapped
	}
	return false
}

// TypeOf returns the type of the outermost AppError in err's chain, or ""
// when there is none.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type
	}
	return ""
}

// Is, As and Join forward to the standard library so callers can import a
// single errors package.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func Join(errs ...error) error { return stderrors.Join(errs...) }
