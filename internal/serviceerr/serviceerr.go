// Package serviceerr provides the coded error and error logging shared by the
// storage, sync and transport services.
package serviceerr

import (
	"fmt"

	"go.uber.org/zap"
)

// Error carries a dotted `<operation>.<reason>` code alongside the cause.
type Error struct {
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) Code() string {
	return e.code
}

// New builds an Error coded operation.reason.
func New(operation, reason string, cause error) error {
	return &Error{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Log writes one error entry tagged with operation and reason.
func Log(logger *zap.Logger, message, operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error(message, attrs...)
}
