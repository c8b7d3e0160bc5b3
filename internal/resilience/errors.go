// Copyright 2024 Legal Research Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Kind is the coarse category of a failure used for retry and key-rotation decisions
type Kind string

const (
	// KindRateLimit covers 429 responses and quota exhaustion; retryable, rotates keys
	KindRateLimit Kind = "rate_limit"
	// KindServer covers 5xx responses; retryable
	KindServer Kind = "server"
	// KindValidation covers malformed requests and schema failures; surfaced immediately
	KindValidation Kind = "validation"
	// KindAuth covers rejected credentials
	KindAuth Kind = "auth"
	// KindNetwork covers connection failures
	KindNetwork Kind = "network"
	// KindCanceled covers context cancellation and deadlines
	KindCanceled Kind = "canceled"
	// KindUnknown is everything else
	KindUnknown Kind = "unknown"
)

// StatusCoder is implemented by vendor errors that carry an HTTP status
type StatusCoder interface {
	StatusCode() int
}

// Tavily reports exhausted plan and pay-as-you-go quotas with these codes
const (
	statusPlanLimit       = 432
	statusPayAsYouGoLimit = 433
)

// ErrValidation marks input that failed validation; never retried
var ErrValidation = errors.New("validation failed")

// Classify maps an error to its Kind. Status codes win over message heuristics.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	if errors.Is(err, ErrValidation) {
		return KindValidation
	}
	if errors.Is(err, ErrCircuitOpen) {
		return KindServer
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		if kind := classifyStatus(sc.StatusCode()); kind != KindUnknown {
			return kind
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindServer
		}
		return KindNetwork
	}

	return classifyMessage(strings.ToLower(err.Error()))
}

func classifyStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests || code == http.StatusPaymentRequired ||
		code == statusPlanLimit || code == statusPayAsYouGoLimit:
		return KindRateLimit
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return KindValidation
	case code == http.StatusRequestTimeout || code >= http.StatusInternalServerError:
		return KindServer
	default:
		return KindUnknown
	}
}

func classifyMessage(msg string) Kind {
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") || strings.Contains(msg, "quota") ||
		strings.Contains(msg, "usage limit"):
		return KindRateLimit
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") || strings.Contains(msg, "network is unreachable") ||
		strings.Contains(msg, "eof"):
		return KindNetwork
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "504") ||
		strings.Contains(msg, "internal server error") || strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") || strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "timeout"):
		return KindServer
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key"):
		return KindAuth
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "validation") ||
		strings.Contains(msg, "schema"):
		return KindValidation
	default:
		return KindUnknown
	}
}

// IsRetryable reports whether err is a rate-limit or server failure
func IsRetryable(err error) bool {
	switch Classify(err) {
	case KindRateLimit, KindServer:
		return true
	default:
		return false
	}
}

// IsRateLimit reports whether err is a rate-limit or quota failure
func IsRateLimit(err error) bool {
	return Classify(err) == KindRateLimit
}

// UserMessage converts an error into the text shown to the user
func UserMessage(err error) string {
	switch Classify(err) {
	case KindRateLimit:
		return "The research service is busy. Please wait a moment and try again."
	case KindServer:
		return "The research service is temporarily unavailable. Please try again shortly."
	case KindValidation:
		return "The request is invalid. Please check your input and try again."
	case KindAuth:
		return "The research service rejected our credentials. Please contact support."
	case KindNetwork:
		return "Connection lost. Please check your connection and try again."
	case KindCanceled:
		return "The request was cancelled before it completed."
	default:
		return "Something went wrong while researching your question. Please try again."
	}
}

// ErrorResponse represents the standard error response format across all APIs
type ErrorResponse struct {
	Error      string    `json:"error"`
	Code       string    `json:"code,omitempty"`
	Kind       Kind      `json:"kind,omitempty"`
	RetryAfter int       `json:"retry_after_seconds,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ErrorCode represents standard error codes used across the system
type ErrorCode string

const (
	ErrorCodeBadRequest         ErrorCode = "BAD_REQUEST"
	ErrorCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrorCodeTooManyRequests    ErrorCode = "TOO_MANY_REQUESTS"
	ErrorCodeInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrorCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrorCodeTimeout            ErrorCode = "TIMEOUT"
	ErrorCodeDependencyFailure  ErrorCode = "DEPENDENCY_FAILURE"
)

// rateLimitRetryAfterSeconds is the countdown clients wait before resubmitting
const rateLimitRetryAfterSeconds = 15

// ServiceError represents an error with additional context for proper handling
type ServiceError struct {
	Message    string
	Code       ErrorCode
	Kind       Kind
	StatusCode int
	Internal   error
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error
func (e *ServiceError) Unwrap() error {
	return e.Internal
}

// ToErrorResponse converts a ServiceError to an ErrorResponse
func (e *ServiceError) ToErrorResponse(requestID string) ErrorResponse {
	resp := ErrorResponse{
		Error:     e.Message,
		Code:      string(e.Code),
		Kind:      e.Kind,
		RequestID: requestID,
		Timestamp: time.Now(),
	}
	if e.Kind == KindRateLimit {
		resp.RetryAfter = rateLimitRetryAfterSeconds
	}
	return resp
}

// NewServiceError creates a new ServiceError with the given parameters
func NewServiceError(message string, code ErrorCode, statusCode int, internal error) *ServiceError {
	return &ServiceError{
		Message:    message,
		Code:       code,
		Kind:       Classify(internal),
		StatusCode: statusCode,
		Internal:   internal,
	}
}

// NewBadRequestError creates a new bad request error
func NewBadRequestError(message string, internal error) *ServiceError {
	se := NewServiceError(message, ErrorCodeBadRequest, http.StatusBadRequest, internal)
	se.Kind = KindValidation
	return se
}

// ErrorHandler converts internal errors into user-facing service errors
type ErrorHandler struct {
	logger *zap.Logger
}

// NewErrorHandler creates a new error handler with the given logger
func NewErrorHandler(logger *zap.Logger) *ErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ErrorHandler{logger: logger}
}

// WrapError wraps an error with a user-friendly message and an error code
// derived from its Kind. ServiceErrors pass through unchanged.
func (eh *ErrorHandler) WrapError(err error, operation string) *ServiceError {
	if err == nil {
		return nil
	}

	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}

	kind := Classify(err)
	code, status := codeForKind(kind)

	eh.logger.Error("Error occurred during operation",
		zap.String("operation", operation),
		zap.Error(err),
		zap.String("kind", string(kind)),
		zap.String("error_code", string(code)))

	return &ServiceError{
		Message:    UserMessage(err),
		Code:       code,
		Kind:       kind,
		StatusCode: status,
		Internal:   fmt.Errorf("%s: %w", operation, err),
	}
}

func codeForKind(kind Kind) (ErrorCode, int) {
	switch kind {
	case KindRateLimit:
		return ErrorCodeTooManyRequests, http.StatusTooManyRequests
	case KindServer:
		return ErrorCodeServiceUnavailable, http.StatusServiceUnavailable
	case KindValidation:
		return ErrorCodeBadRequest, http.StatusBadRequest
	case KindAuth:
		return ErrorCodeUnauthorized, http.StatusBadGateway
	case KindNetwork:
		return ErrorCodeDependencyFailure, http.StatusBadGateway
	case KindCanceled:
		return ErrorCodeTimeout, http.StatusGatewayTimeout
	default:
		return ErrorCodeInternalError, http.StatusInternalServerError
	}
}
