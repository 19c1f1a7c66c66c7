package errors

import (
	"errors"
	"fmt"
)

// ErrorCode 错误码类型
type ErrorCode string

const (
	CodeInvalidInput   ErrorCode = "INVALID_INPUT"
	CodeNotFound       ErrorCode = "NOT_FOUND"
	CodeAlreadyExists  ErrorCode = "ALREADY_EXISTS"
	CodeUnauthorized   ErrorCode = "UNAUTHORIZED"
	CodeForbidden      ErrorCode = "FORBIDDEN"
	CodeInternal       ErrorCode = "INTERNAL_ERROR"
	CodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"

	// Runtime kernel error classes (see §7 error handling design).
	CodeTransientStore  ErrorCode = "TRANSIENT_STORE"
	CodeLLMTransient    ErrorCode = "LLM_TRANSIENT"
	CodeLLMInvariant    ErrorCode = "LLM_INVARIANT"
	CodeToolQuota       ErrorCode = "TOOL_QUOTA"
	CodeToolTimeout     ErrorCode = "TOOL_TIMEOUT"
	CodeToolRaised      ErrorCode = "TOOL_RAISED"
	CodePolicyViolation ErrorCode = "POLICY_VIOLATION"
	CodeStaleSession    ErrorCode = "STALE_SESSION"
	CodeWorkerFault     ErrorCode = "WORKER_FAULT"
)

// AppError 应用错误
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 实现 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewInvalidInputError 创建无效输入错误
func NewInvalidInputError(message string) *AppError {
	return &AppError{
		Code:    CodeInvalidInput,
		Message: message,
	}
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: message,
	}
}

// NewAlreadyExistsError 创建已存在错误
func NewAlreadyExistsError(message string) *AppError {
	return &AppError{
		Code:    CodeAlreadyExists,
		Message: message,
	}
}

// NewInternalError 创建内部错误
func NewInternalError(message string) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: message,
	}
}

// NewInternalErrorWithCause 创建带原因的内部错误
func NewInternalErrorWithCause(message string, cause error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: message,
		Err:     cause,
	}
}

// IsNotFound 判断是否为未找到错误
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeNotFound
	}
	return false
}

// IsInvalidInput 判断是否为无效输入错误
func IsInvalidInput(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeInvalidInput
	}
	return false
}

// NewStaleSessionError 创建乐观并发冲突错误 (compare-and-set lost the race)
func NewStaleSessionError(message string) *AppError {
	return &AppError{Code: CodeStaleSession, Message: message}
}

// NewTransientStoreError 创建可重试的存储层错误
func NewTransientStoreError(message string, cause error) *AppError {
	return &AppError{Code: CodeTransientStore, Message: message, Err: cause}
}

// NewPolicyViolationError 创建迭代/时间预算耗尽错误
func NewPolicyViolationError(message string) *AppError {
	return &AppError{Code: CodePolicyViolation, Message: message}
}

// NewWorkerFaultError 创建 driver 内未处理异常错误
func NewWorkerFaultError(message string, cause error) *AppError {
	return &AppError{Code: CodeWorkerFault, Message: message, Err: cause}
}

// Code returns the ErrorCode of err if it is (or wraps) an *AppError, else "".
func Code(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsStale reports whether err is a compare-and-set conflict.
func IsStale(err error) bool {
	return Code(err) == CodeStaleSession
}

// IsTransientStore reports whether err is a retryable storage error.
func IsTransientStore(err error) bool {
	return Code(err) == CodeTransientStore
}
