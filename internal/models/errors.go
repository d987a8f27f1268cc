package models

import (
	"errors"
	"fmt"
)

// Stable error codes surfaced on scan jobs and in logs. These are part of
// the operator-visible contract - do not rename.
const (
	ErrCodeInferTimeout      = "INFER_TIMEOUT"
	ErrCodeInfer5XX          = "INFER_5XX"
	ErrCodeInfer4XX          = "INFER_4XX"
	ErrCodeInferOversize     = "INFER_OVERSIZE"
	ErrCodeInferParse        = "INFER_PARSE"
	ErrCodeFallbackFailed    = "FALLBACK_FAILED"
	ErrCodeLeaseLost         = "LEASE_LOST"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeQueueBackpressure = "QUEUE_BACKPRESSURE"
	ErrCodeCatalogMiss       = "CATALOG_MISS"
	ErrCodeWebhookRejected   = "WEBHOOK_REJECTED"
)

// PipelineError carries a stable code plus a human-readable message through
// the stage boundaries. Retriable controls whether the worker requeues.
type PipelineError struct {
	Code      string
	Message   string
	Retriable bool
	cause     error
}

func (e *PipelineError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.cause
}

// NewPipelineError creates a non-retriable pipeline error.
func NewPipelineError(code, message string) *PipelineError {
	return &PipelineError{Code: code, Message: message}
}

// NewRetriableError creates a retriable pipeline error.
func NewRetriableError(code, message string) *PipelineError {
	return &PipelineError{Code: code, Message: message, Retriable: true}
}

// WrapPipelineError attaches a cause to a pipeline error.
func WrapPipelineError(code string, retriable bool, err error) *PipelineError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &PipelineError{Code: code, Message: msg, Retriable: retriable, cause: err}
}

// AsPipelineError extracts a *PipelineError from an error chain.
func AsPipelineError(err error) (*PipelineError, bool) {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ErrorCode returns the stable code for an error, or "INTERNAL" when the
// error did not originate at a stage boundary.
func ErrorCode(err error) string {
	if pe, ok := AsPipelineError(err); ok {
		return pe.Code
	}
	return "INTERNAL"
}

// IsRetriable reports whether a worker should requeue after this error.
func IsRetriable(err error) bool {
	if pe, ok := AsPipelineError(err); ok {
		return pe.Retriable
	}
	return false
}
