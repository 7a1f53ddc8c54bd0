// Package domain defines core types, interfaces, and errors for CSV ingestion.
package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// ValidationError indicates invalid input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ConflictError indicates a conflict (e.g., duplicate resource).
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// SchemaInferenceError means the source file itself is malformed: empty,
// headerless, or not decodable. Redelivering the notification cannot fix it.
type SchemaInferenceError struct {
	Message string
}

func (e *SchemaInferenceError) Error() string { return "schema inference: " + e.Message }

// ProvisioningConflictError means the destination table exists with a schema
// the inferred one cannot be loaded into.
type ProvisioningConflictError struct {
	Table       string
	Differences []string
}

func (e *ProvisioningConflictError) Error() string {
	return fmt.Sprintf("table %s has an incompatible schema: %s", e.Table, strings.Join(e.Differences, "; "))
}

// TransientError wraps an I/O failure against an external service that is
// expected to succeed on a later attempt.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// SubmissionError indicates the job-runner did not accept a submission.
type SubmissionError struct {
	Runner string
	Err    error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit job to %s: %v", e.Runner, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// ThresholdExceededError fails a transform run whose malformed-row count went
// past the configured limit.
type ThresholdExceededError struct {
	BadRows    int64
	MaxBadRows int64
}

func (e *ThresholdExceededError) Error() string {
	return fmt.Sprintf("bad row count %d exceeds limit %d", e.BadRows, e.MaxBadRows)
}

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrConflict creates a ConflictError with a formatted message.
func ErrConflict(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// ErrSchemaInference creates a SchemaInferenceError with a formatted message.
func ErrSchemaInference(format string, args ...interface{}) *SchemaInferenceError {
	return &SchemaInferenceError{Message: fmt.Sprintf(format, args...)}
}

// ErrTransient wraps err as a retryable failure of op.
func ErrTransient(op string, err error) *TransientError {
	return &TransientError{Op: op, Err: err}
}

// IsRetryable reports whether a failure should be answered with a response
// that makes the delivery mechanism try again. Unknown errors are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	var transient *TransientError
	var submission *SubmissionError
	if errors.As(err, &transient) || errors.As(err, &submission) {
		return true
	}

	var inference *SchemaInferenceError
	var conflict *ProvisioningConflictError
	var validation *ValidationError
	var notFound *NotFoundError
	var threshold *ThresholdExceededError
	switch {
	case errors.As(err, &inference),
		errors.As(err, &conflict),
		errors.As(err, &validation),
		errors.As(err, &notFound),
		errors.As(err, &threshold):
		return false
	}
	return true
}
