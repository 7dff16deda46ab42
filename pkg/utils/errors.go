package utils

import (
	"errors"
	"fmt"
)

// ResponseCode application error code
type ResponseCode int

const (
	CodeSuccess           ResponseCode = 0
	CodeInvalidParam      ResponseCode = 1001
	CodeValidation        ResponseCode = 1002
	CodeNotFound          ResponseCode = 2001
	CodeInsufficientStock ResponseCode = 3001
	CodeReservationDone   ResponseCode = 3002
	CodeInvalidTransition ResponseCode = 4001
	CodeDispatchFailed    ResponseCode = 5001
	CodeLockNotAcquired   ResponseCode = 5002
	CodeInternalError     ResponseCode = 9001
	CodeDatabaseError     ResponseCode = 9002
)

// AppError application error structure
type AppError struct {
	Code    ResponseCode `json:"code"`
	Message string       `json:"message"`
	Err     error        `json:"-"`
}

// Error implement error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("code: %d, message: %s, error: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("code: %d, message: %s", e.Code, e.Message)
}

// Unwrap implement errors.Unwrap interface
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches any AppError carrying the same code, so errors built with
// extra detail still satisfy errors.Is against the predefined sentinels.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError create new application error
func NewError(code ResponseCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// NewErrorWithErr create application error with original error
func NewErrorWithErr(code ResponseCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Errorf builds an error with the sentinel's code and a formatted message.
func Errorf(sentinel *AppError, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    sentinel.Code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Predefined errors
var (
	ErrInvalidParam = NewError(CodeInvalidParam, "invalid parameter")

	// ErrValidation covers over-shipment, cross-tenant access and malformed requests.
	ErrValidation = NewError(CodeValidation, "validation failed")

	// ErrNotFound covers missing SKUs, warehouses, orders, shipments and reservations.
	ErrNotFound = NewError(CodeNotFound, "not found")

	// ErrInsufficientStock is a business rule violation; callers must re-check before retrying.
	ErrInsufficientStock = NewError(CodeInsufficientStock, "insufficient stock")

	// ErrReservationSettled is returned when a hold was already released or deducted.
	ErrReservationSettled = NewError(CodeReservationDone, "reservation already settled")

	ErrInvalidTransition = NewError(CodeInvalidTransition, "invalid status transition")

	// ErrDispatch marks an outbox event that could not reach its downstream target.
	ErrDispatch = NewError(CodeDispatchFailed, "dispatch failed")

	ErrLockNotAcquired = NewError(CodeLockNotAcquired, "lock not acquired")

	ErrInternalError = NewError(CodeInternalError, "internal server error")
	ErrDatabaseError = NewError(CodeDatabaseError, "database error")
)

// IsAppError check if it's an application error
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetErrorCode get error code
func GetErrorCode(err error) ResponseCode {
	if appErr, ok := IsAppError(err); ok {
		return appErr.Code
	}
	return CodeInternalError
}

// GetErrorMessage get error message
func GetErrorMessage(err error) string {
	if appErr, ok := IsAppError(err); ok {
		return appErr.Message
	}
	return err.Error()
}
