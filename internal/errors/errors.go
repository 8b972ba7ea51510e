package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于日志分级与告警。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	// Message 是对调用方可见的默认描述。
	Message   string
	Severity  Severity
	Retryable bool
	// HTTPStatus 是该错误码在 API 边界上对应的状态码。
	HTTPStatus int
}

const (
	CodeUnknown                   Code = "UNKNOWN"
	CodeInvalidInput              Code = "INVALID_INPUT"
	CodeNotFound                  Code = "NOT_FOUND"
	CodeNotConfigured             Code = "NOT_CONFIGURED"
	CodeUpstreamAuthFailure       Code = "UPSTREAM_AUTH_FAILURE"
	CodeUpstreamRateLimited       Code = "UPSTREAM_RATE_LIMITED"
	CodeUpstreamError             Code = "UPSTREAM_ERROR"
	CodeMalformedUpstreamResponse Code = "MALFORMED_UPSTREAM_RESPONSE"
	CodeTimeout                   Code = "TIMEOUT"
	CodeStorageFailure            Code = "STORAGE_FAILURE"
	CodeRateLimited               Code = "RATE_LIMITED"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown: {
			Message:    "Internal server error. Please try again.",
			Severity:   SeverityCritical,
			HTTPStatus: http.StatusInternalServerError,
		},
		CodeInvalidInput: {
			Message:    "Message is required",
			Severity:   SeverityInfo,
			HTTPStatus: http.StatusBadRequest,
		},
		CodeNotFound: {
			Message:    "Endpoint not found",
			Severity:   SeverityInfo,
			HTTPStatus: http.StatusNotFound,
		},
		CodeNotConfigured: {
			Message:    "Claude AI not configured",
			Severity:   SeverityCritical,
			HTTPStatus: http.StatusInternalServerError,
		},
		CodeUpstreamAuthFailure: {
			Message:    "API authentication failed. Please check server configuration.",
			Severity:   SeverityCritical,
			HTTPStatus: http.StatusInternalServerError,
		},
		CodeUpstreamRateLimited: {
			Message:    "Rate limit exceeded. Please try again later.",
			Severity:   SeverityWarning,
			Retryable:  true,
			HTTPStatus: http.StatusTooManyRequests,
		},
		CodeUpstreamError: {
			Message:    "Internal server error. Please try again.",
			Severity:   SeverityWarning,
			HTTPStatus: http.StatusInternalServerError,
		},
		CodeMalformedUpstreamResponse: {
			Message:    "Internal server error. Please try again.",
			Severity:   SeverityWarning,
			HTTPStatus: http.StatusInternalServerError,
		},
		CodeTimeout: {
			Message:    "Upstream request timed out. Please try again.",
			Severity:   SeverityWarning,
			Retryable:  true,
			HTTPStatus: http.StatusInternalServerError,
		},
		CodeStorageFailure: {
			Message:    "storage failure",
			Severity:   SeverityCritical,
			Retryable:  true,
			HTTPStatus: http.StatusInternalServerError,
		},
		CodeRateLimited: {
			Message:    "Too many requests from this IP, please try again later.",
			Severity:   SeverityInfo,
			Retryable:  true,
			HTTPStatus: http.StatusTooManyRequests,
		},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	severity  *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 指定错误是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New 创建一个新的错误实例，message 为空时使用错误码的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回面向调用方的错误描述。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Detail 返回底层原因，调试模式下会透出给调用方。
func (e *Error) Detail() string {
	if e == nil || e.cause == nil {
		return ""
	}
	return e.cause.Error()
}

// Metadata 返回附加信息的拷贝。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// HTTPStatus 返回错误码对应的 HTTP 状态码。
func (e *Error) HTTPStatus() int {
	if e == nil {
		return http.StatusInternalServerError
	}
	return AttributesOf(e.code).HTTPStatus
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// HTTPStatusOf 返回任意 error 在 API 边界上对应的状态码。
func HTTPStatusOf(err error) int {
	if e, ok := From(err); ok {
		return e.HTTPStatus()
	}
	return AttributesOf(CodeUnknown).HTTPStatus
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
